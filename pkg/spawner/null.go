package spawner

import (
	"context"
	"time"
)

// NullDriver launches nothing. It is the fallback for unresolvable profile
// selections: every call returns immediately and the session ends stopped,
// so the gateway never waits on it.
type NullDriver struct {
	// Reason is reported as the status message.
	Reason string
}

var _ Driver = (*NullDriver)(nil)

// NewNullDriver returns a NullDriver reporting reason.
func NewNullDriver(reason string) *NullDriver {
	return &NullDriver{Reason: reason}
}

func (d *NullDriver) status() Status {
	return Status{State: StateStopped, Message: d.Reason, UpdatedAt: time.Now().UTC()}
}

func (d *NullDriver) Submit(context.Context) (Status, error) { return d.status(), nil }
func (d *NullDriver) Poll(context.Context) (Status, error)   { return d.status(), nil }
func (d *NullDriver) Cancel(context.Context) (Status, error) { return d.status(), nil }
func (d *NullDriver) GetState() State                        { return State{} }
func (d *NullDriver) LoadState(State) error                  { return nil }
func (d *NullDriver) ClearState()                            {}

func (d *NullDriver) DescribeForm() Form {
	return Form{Description: d.Reason}
}
