// Package remote runs rendered command lines and captures their output.
//
// Drivers never open sockets themselves: they compose commands and interpret
// the text that comes back. An Executor is the only thing that talks to a
// host.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout indicates the command did not finish before its deadline. The
// remote side effect may or may not have happened.
var ErrTimeout = errors.New("remote command timed out")

// Command is a fully rendered command line plus optional standard input.
type Command struct {
	Line  string
	Stdin string
}

// Result is the captured outcome of a command that ran to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports a zero exit status.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// Executor runs commands. A non-zero exit is reported in Result, not as an
// error; errors are reserved for transport failures and timeouts.
type Executor interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd Command) (*Result, error)

// Run implements Executor.
func (f ExecutorFunc) Run(ctx context.Context, cmd Command) (*Result, error) {
	return f(ctx, cmd)
}

// CommandError wraps a transport failure with the command that caused it.
type CommandError struct {
	Line string
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("run %q: %v", firstLine(e.Line), e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error indicates a command deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func wrapErr(ctx context.Context, line string, err error) error {
	if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return &CommandError{Line: line, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return &CommandError{Line: line, Err: err}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + "..."
	}
	return s
}
