package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// ShellExecutor runs command lines through the local shell. Site templates
// carry their own `ssh ... {remote_host}` prefix, so this is also the usual
// way of reaching a login node.
type ShellExecutor struct {
	// Shell is the interpreter; defaults to /bin/sh.
	Shell string

	// Env, if non-nil, replaces the child environment.
	Env []string
}

var _ Executor = (*ShellExecutor)(nil)

// NewShellExecutor returns a ShellExecutor using /bin/sh.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{Shell: "/bin/sh"}
}

// Run implements Executor.
func (e *ShellExecutor) Run(ctx context.Context, cmd Command) (*Result, error) {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	c := exec.CommandContext(ctx, shell, "-c", cmd.Line)
	// Grandchildren (ssh, sleep) may hold the output pipes after the shell dies.
	c.WaitDelay = time.Second
	if e.Env != nil {
		c.Env = e.Env
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	if ctx.Err() != nil {
		return nil, wrapErr(ctx, cmd.Line, ctx.Err())
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, wrapErr(ctx, cmd.Line, err)
	}
	return res, nil
}
