// Package output provides JSONL output for CLI listings.
//
// Each line is a typed record envelope that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants follow the pattern gospawner.<type>.v<version>.
const (
	// TypeProfile identifies profile listing records.
	TypeProfile = "gospawner.profile.v1"

	// TypeSession identifies session records.
	TypeSession = "gospawner.session.v1"

	// TypeRender identifies dry-run command renderings.
	TypeRender = "gospawner.render.v1"

	// TypeError identifies error records.
	TypeError = "gospawner.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gospawner.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "gospawner.session.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created.
	TS time.Time `json:"ts"`

	// Source names the manifest or state backend the record came from.
	Source string `json:"source,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// ProfileRecord describes one profile of the table.
type ProfileRecord struct {
	Key          string   `json:"key"`
	Driver       string   `json:"driver"`
	Description  string   `json:"description,omitempty"`
	System       string   `json:"system,omitempty"`
	Setup        string   `json:"setup,omitempty"`
	Architecture string   `json:"architecture,omitempty"`
	Resources    string   `json:"resources,omitempty"`
	UseCases     string   `json:"use_cases,omitempty"`
	Users        []string `json:"users,omitempty"`
	Default      bool     `json:"default,omitempty"`
}

// SessionRecord describes one persisted session.
type SessionRecord struct {
	User      string    `json:"user"`
	SessionID string    `json:"session_id,omitempty"`
	Profile   string    `json:"profile"`
	State     string    `json:"state"`
	JobID     string    `json:"job_id,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RenderRecord holds the commands a profile would run for a user.
type RenderRecord struct {
	Profile string `json:"profile"`
	User    string `json:"user"`
	Script  string `json:"script,omitempty"`
	Submit  string `json:"submit"`
	Query   string `json:"query"`
	Cancel  string `json:"cancel"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records so a listing can report partial results.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Key is the profile key or user related to this error, if applicable.
	Key string `json:"key,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeInvalid  = "INVALID"
	ErrCodeNotFound = "NOT_FOUND"
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is emitted at the end of a listing.
type SummaryRecord struct {
	// Count is the number of records written.
	Count int `json:"count"`

	// Errors is the count of error records written.
	Errors int `json:"errors"`

	// Active is the number of pending or running sessions, for session
	// listings.
	Active int `json:"active,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
