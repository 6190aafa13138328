package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig configures an SSHExecutor.
type SSHConfig struct {
	// Host is host or host:port; port 22 is assumed when omitted.
	Host string

	// User is the login name.
	User string

	// KeyFile is a private key path. Required.
	KeyFile string

	// HostKeyCallback verifies the server key. When nil, host keys are not
	// checked, matching the StrictHostKeyChecking=no site default.
	HostKeyCallback ssh.HostKeyCallback

	// DialTimeout bounds connection setup; defaults to 10s.
	DialTimeout time.Duration
}

// SSHExecutor runs command lines on one remote host over a cached SSH
// connection, reconnecting once if a session cannot be opened.
type SSHExecutor struct {
	cfg    SSHConfig
	client *ssh.ClientConfig

	mu   sync.Mutex
	conn *ssh.Client
}

var _ Executor = (*SSHExecutor)(nil)

// NewSSHExecutor reads the key file and prepares the client configuration.
// No connection is made until the first Run.
func NewSSHExecutor(cfg SSHConfig) (*SSHExecutor, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("ssh executor: host is required")
	}
	if strings.TrimSpace(cfg.User) == "" {
		return nil, errors.New("ssh executor: user is required")
	}
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("ssh executor: read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("ssh executor: parse key: %w", err)
	}

	hostKey := cfg.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if _, _, err := net.SplitHostPort(cfg.Host); err != nil {
		cfg.Host = net.JoinHostPort(cfg.Host, "22")
	}

	return &SSHExecutor{
		cfg: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKey,
			Timeout:         timeout,
		},
	}, nil
}

func (e *SSHExecutor) connect() (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return e.conn, nil
	}
	c, err := ssh.Dial("tcp", e.cfg.Host, e.client)
	if err != nil {
		return nil, err
	}
	e.conn = c
	return c, nil
}

func (e *SSHExecutor) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}

// Close drops the cached connection.
func (e *SSHExecutor) Close() error {
	e.reset()
	return nil
}

func (e *SSHExecutor) session() (*ssh.Session, error) {
	c, err := e.connect()
	if err != nil {
		return nil, err
	}
	s, err := c.NewSession()
	if err == nil {
		return s, nil
	}
	// Stale connection: reconnect once.
	e.reset()
	c, err = e.connect()
	if err != nil {
		return nil, err
	}
	return c.NewSession()
}

// Run implements Executor.
func (e *SSHExecutor) Run(ctx context.Context, cmd Command) (*Result, error) {
	type outcome struct {
		res *Result
		err error
	}

	sess, err := e.session()
	if err != nil {
		return nil, wrapErr(ctx, cmd.Line, err)
	}
	defer func() { _ = sess.Close() }()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if cmd.Stdin != "" {
		sess.Stdin = strings.NewReader(cmd.Stdin)
	}

	done := make(chan outcome, 1)
	go func() {
		runErr := sess.Run(cmd.Line)
		res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if runErr != nil {
			var exitErr *ssh.ExitError
			if errors.As(runErr, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				done <- outcome{res: res}
				return
			}
			done <- outcome{err: runErr}
			return
		}
		done <- outcome{res: res}
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return nil, wrapErr(ctx, cmd.Line, ctx.Err())
	case o := <-done:
		if o.err != nil {
			return nil, wrapErr(ctx, cmd.Line, o.err)
		}
		return o.res, nil
	}
}
