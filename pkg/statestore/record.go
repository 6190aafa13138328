// Package statestore persists one session record per user so live jobs
// survive a gateway restart.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/gospawner/pkg/spawner"
)

// ErrNotFound indicates no record exists for the user.
var ErrNotFound = errors.New("session record not found")

// Record is the persisted form of one user's session.
//
// NOTE: The JSON field names are part of the stable on-disk contract shared
// by every backend. Add fields; never rename them.
type Record struct {
	User      string                 `json:"user"`
	SessionID string                 `json:"session_id"`
	Profile   string                 `json:"profile"`
	State     spawner.LifecycleState `json:"state"`
	JobID     string                 `json:"job_id,omitempty"`
	Host      string                 `json:"host,omitempty"`

	// Driver holds the profile wrapper's persisted fields, including the
	// profile key and the child driver's job bookkeeping.
	Driver spawner.State `json:"driver,omitempty"`

	// Session is the identity the driver was bound to. The API token is
	// never persisted.
	Session spawner.Session `json:"session"`

	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields every backend keys on.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("session record is nil")
	}
	if strings.TrimSpace(r.User) == "" {
		return fmt.Errorf("user is required")
	}
	if strings.ContainsAny(r.User, `/\`) || r.User == "." || r.User == ".." {
		return fmt.Errorf("invalid user %q", r.User)
	}
	return nil
}

// Store persists session records keyed by user.
type Store interface {
	// Save writes rec durably before returning.
	Save(ctx context.Context, rec *Record) error

	// Load returns the record for user or ErrNotFound.
	Load(ctx context.Context, user string) (*Record, error)

	// Delete removes the record for user. Deleting a missing record is not
	// an error.
	Delete(ctx context.Context, user string) error

	// List returns every record, most recently updated first.
	List(ctx context.Context) ([]Record, error)

	Close() error
}

// IsNotFound returns true if err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
