package spawner

import (
	"errors"
	"fmt"
)

// Sentinel errors for driver operations.
var (
	// ErrSubmitAmbiguous indicates a submit timed out: the job may or may not
	// exist on the remote queue. Callers must not blindly resubmit.
	ErrSubmitAmbiguous = errors.New("submit outcome unknown")

	// ErrNotSubmitted indicates an operation that needs a job id was called
	// before a successful submit.
	ErrNotSubmitted = errors.New("job not submitted")

	// ErrAlreadySubmitted indicates Submit was called for a job that is still
	// pending or running. Resubmitting would orphan it.
	ErrAlreadySubmitted = errors.New("job already submitted")

	// ErrConfiguration indicates a driver configuration defect.
	ErrConfiguration = errors.New("driver configuration error")
)

// ParseError reports output from which no job id could be extracted.
type ParseError struct {
	// Output is the raw command output.
	Output string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unable to parse job id from output %q", e.Output)
}

// SubmitError reports a failed submission with the captured output.
type SubmitError struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// Err is the underlying cause (transport error, *ParseError), if any.
	Err error
}

func (e *SubmitError) Error() string {
	msg := fmt.Sprintf("submit failed (exit %d)", e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// PollTransientError wraps a network or timeout failure during a poll. The
// job's state is unchanged; the supervisor decides whether to retry.
type PollTransientError struct {
	JobID string
	Err   error
}

func (e *PollTransientError) Error() string {
	return fmt.Sprintf("poll job %s: %v", e.JobID, e.Err)
}

func (e *PollTransientError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports a configuration defect detected at load time or
// at runtime (e.g. an exec-host pattern that does not match running output).
// Retrying cannot fix it.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "driver config: " + e.Message
	}
	return "driver config: " + e.Field + ": " + e.Message
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// IsSubmitAmbiguous returns true if the error is an ambiguous submit timeout.
func IsSubmitAmbiguous(err error) bool {
	return errors.Is(err, ErrSubmitAmbiguous)
}

// IsConfiguration returns true if the error is a configuration defect.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsTransient returns true if the error is a retryable poll failure.
func IsTransient(err error) bool {
	var pe *PollTransientError
	return errors.As(err, &pe)
}

// IsParse returns true if the error wraps a *ParseError.
func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
