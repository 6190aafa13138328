// Package spawner defines the driver contract shared by every way of starting
// a user's notebook session, together with the session identity, lifecycle
// states and error taxonomy the drivers report through.
package spawner

import (
	"context"
	"time"
)

// LifecycleState is the state of a session's job.
//
// NOTE: These values are persisted with session state and are part of the
// stable on-disk contract.
type LifecycleState string

const (
	StateUnsubmitted LifecycleState = "unsubmitted"
	StateSubmitting  LifecycleState = "submitting"
	StatePending     LifecycleState = "pending"
	StateRunning     LifecycleState = "running"
	StateStopped     LifecycleState = "stopped"
	StateFailed      LifecycleState = "failed"
)

// Active reports whether the state still needs polling.
func (s LifecycleState) Active() bool {
	return s == StatePending || s == StateRunning
}

// Terminal reports whether the state is absorbing.
func (s LifecycleState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// ParseLifecycleState maps a persisted string back to a LifecycleState.
// Unrecognised values map to StateUnsubmitted.
func ParseLifecycleState(s string) LifecycleState {
	switch st := LifecycleState(s); st {
	case StateSubmitting, StatePending, StateRunning, StateStopped, StateFailed:
		return st
	default:
		return StateUnsubmitted
	}
}

// Status is a driver's view of its job after an operation.
type Status struct {
	State LifecycleState `json:"state"`

	// JobID is the scheduler job id or process id, once known.
	JobID string `json:"job_id,omitempty"`

	// Host is the execution host, present once running.
	Host string `json:"host,omitempty"`

	// Port is the notebook server port, if the driver knows it.
	Port int `json:"port,omitempty"`

	// Message is a short operator-facing note (e.g. why a job ended).
	Message string `json:"message,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// State is the flat persisted form of a driver's bookkeeping.
type State map[string]string

// Clone returns a copy of s.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// FormField describes one input of the options form for a profile.
type FormField struct {
	Name    string `json:"name"`
	Label   string `json:"label,omitempty"`
	Default string `json:"default,omitempty"`
}

// Form is the options-form description a driver contributes.
type Form struct {
	Description string      `json:"description,omitempty"`
	Fields      []FormField `json:"fields,omitempty"`
}

// Driver is the fixed operation set every session driver implements.
//
// Calls on one Driver are sequential; the supervisor never invokes two
// operations on the same driver concurrently.
type Driver interface {
	// Submit starts the job. It returns once the job is accepted (pending or
	// running), not when the notebook is reachable.
	Submit(ctx context.Context) (Status, error)

	// Poll refreshes the job's state once.
	Poll(ctx context.Context) (Status, error)

	// Cancel stops the job. Remote failures are downgraded to warnings and
	// the local state always ends stopped.
	Cancel(ctx context.Context) (Status, error)

	// GetState returns the fields to persist.
	GetState() State

	// LoadState restores bookkeeping from persisted fields.
	LoadState(st State) error

	// ClearState forgets the job.
	ClearState()

	// DescribeForm returns the options-form description.
	DescribeForm() Form
}
