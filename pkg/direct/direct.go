// Package direct starts a notebook server as a plain background process on a
// host, without a queue in between.
package direct

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gospawner/pkg/batch"
	"github.com/3leaps/gospawner/pkg/cmdtemplate"
	"github.com/3leaps/gospawner/pkg/remote"
	"github.com/3leaps/gospawner/pkg/spawner"
)

// Persisted state keys.
const (
	StateKeyPID   = "pid"
	StateKeyHost  = "remote_host"
	StateKeyState = "job_state"
)

// DefaultStartScript runs cmd detached and prints its pid.
const DefaultStartScript = `{env_text}
unset XDG_RUNTIME_DIR
nohup {cmd} > {log_file} 2>&1 < /dev/null &
echo $!
`

// Config configures a direct profile.
type Config struct {
	Description string `mapstructure:"description" json:"description,omitempty"`

	// StartCommand reads StartScript on stdin; its last output token is the pid.
	StartCommand  string `mapstructure:"start_command" json:"start_command"`
	StartScript   string `mapstructure:"start_script" json:"start_script"`
	StatusCommand string `mapstructure:"status_command" json:"status_command"`
	StopCommand   string `mapstructure:"stop_command" json:"stop_command"`

	RemoteHost string `mapstructure:"remote_host" json:"remote_host,omitempty"`
	KeyFile    string `mapstructure:"key_file" json:"key_file,omitempty"`
	LogFile    string `mapstructure:"log_file" json:"log_file,omitempty"`
	Command    string `mapstructure:"cmd" json:"cmd,omitempty"`
	Port       int    `mapstructure:"port" json:"port,omitempty"`

	Timeout time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
}

// DefaultConfig returns ssh-to-host defaults.
func DefaultConfig() Config {
	return Config{
		StartCommand:  batch.SSHPrefix + "/bin/sh -s",
		StartScript:   DefaultStartScript,
		StatusCommand: batch.SSHPrefix + "kill -0 {pid}",
		StopCommand:   batch.SSHPrefix + "kill {pid}",
		RemoteHost:    "localhost",
		LogFile:       "jupyter-{username}.log",
		Command:       "jupyterhub-singleuser",
		Timeout:       30 * time.Second,
	}
}

// Spec is a compiled Config.
type Spec struct {
	cfg    Config
	start  *cmdtemplate.Template
	script *cmdtemplate.Template
	status *cmdtemplate.Template
	stop   *cmdtemplate.Template
	log    *cmdtemplate.Template
}

// Compile validates every template in c.
func (c Config) Compile() (*Spec, error) {
	compile := func(field, text string) (*cmdtemplate.Template, error) {
		if strings.TrimSpace(text) == "" {
			return nil, &spawner.ConfigurationError{Field: field, Message: "is required"}
		}
		t, err := cmdtemplate.Compile(field, text, cmdtemplate.KnownVariables)
		if err != nil {
			return nil, &spawner.ConfigurationError{Field: field, Message: err.Error()}
		}
		return t, nil
	}

	s := &Spec{cfg: c}
	var err error
	if s.start, err = compile("start_command", c.StartCommand); err != nil {
		return nil, err
	}
	if s.script, err = compile("start_script", c.StartScript); err != nil {
		return nil, err
	}
	if s.status, err = compile("status_command", c.StatusCommand); err != nil {
		return nil, err
	}
	if s.stop, err = compile("stop_command", c.StopCommand); err != nil {
		return nil, err
	}
	logFile := c.LogFile
	if logFile == "" {
		logFile = "/dev/null"
	}
	if s.log, err = compile("log_file", logFile); err != nil {
		return nil, err
	}
	if s.cfg.Timeout <= 0 {
		s.cfg.Timeout = 30 * time.Second
	}
	return s, nil
}

// Config returns the compiled configuration.
func (s *Spec) Config() Config {
	return s.cfg
}

func (s *Spec) vars(session spawner.Session, pid string) (cmdtemplate.Vars, error) {
	keyFile := s.cfg.KeyFile
	if keyFile == "" {
		keyFile = "/tmp/" + session.User + ".key"
	}
	command := session.Command
	if command == "" {
		command = s.cfg.Command
	}
	port := session.Port
	if port == 0 {
		port = s.cfg.Port
	}

	v := cmdtemplate.Vars{
		"username":    session.User,
		"remote_host": s.cfg.RemoteHost,
		"key_file":    keyFile,
		"cmd":         command,
		"env_text":    spawner.EnvText(session.Environment()),
		"port":        "",
	}
	if port > 0 {
		v["port"] = fmt.Sprintf("%d", port)
	}
	if pid != "" {
		v["pid"] = pid
		v["job_id"] = pid
	}
	logFile, err := s.log.Render(v)
	if err != nil {
		return nil, err
	}
	v["log_file"] = logFile
	return v, nil
}

// Driver runs one session as a background process.
type Driver struct {
	spec    *Spec
	exec    remote.Executor
	session spawner.Session
	log     *zap.Logger

	pid   string
	host  string
	state spawner.LifecycleState
	msg   string
}

var _ spawner.Driver = (*Driver)(nil)

// NewDriver binds spec to a session. A nil logger disables logging.
func NewDriver(spec *Spec, exec remote.Executor, session spawner.Session, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		spec:    spec,
		exec:    exec,
		session: session,
		log:     logger.With(zap.String("user", session.User), zap.String("driver", "direct")),
		state:   spawner.StateUnsubmitted,
	}
}

func (d *Driver) status() spawner.Status {
	port := d.session.Port
	if port == 0 {
		port = d.spec.cfg.Port
	}
	return spawner.Status{
		State:     d.state,
		JobID:     d.pid,
		Host:      d.host,
		Port:      port,
		Message:   d.msg,
		UpdatedAt: time.Now().UTC(),
	}
}

func (d *Driver) run(ctx context.Context, tmpl *cmdtemplate.Template, withScript bool) (*remote.Result, error) {
	v, err := d.spec.vars(d.session, d.pid)
	if err != nil {
		return nil, err
	}
	line, err := tmpl.Render(v)
	if err != nil {
		return nil, err
	}
	cmd := remote.Command{Line: line}
	if withScript {
		if cmd.Stdin, err = d.spec.script.Render(v); err != nil {
			return nil, err
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, d.spec.cfg.Timeout)
	defer cancel()
	return d.exec.Run(runCtx, cmd)
}

// Submit starts the process and records its pid. The process is running as
// soon as the pid is known.
func (d *Driver) Submit(ctx context.Context) (spawner.Status, error) {
	if d.state.Active() {
		return d.status(), fmt.Errorf("%w: pid %s is %s", spawner.ErrAlreadySubmitted, d.pid, d.state)
	}
	d.pid, d.host, d.msg = "", "", ""
	d.state = spawner.StateSubmitting

	res, err := d.run(ctx, d.spec.start, true)
	if err != nil {
		d.state = spawner.StateFailed
		if remote.IsTimeout(err) {
			d.msg = "start timed out"
			return d.status(), fmt.Errorf("%w: %v", spawner.ErrSubmitAmbiguous, err)
		}
		d.msg = "start command could not be run"
		return d.status(), &spawner.SubmitError{ExitCode: -1, Err: err}
	}
	if !res.OK() {
		d.state = spawner.StateFailed
		d.msg = "start rejected"
		d.log.Error("Start command failed",
			zap.Int("exit_code", res.ExitCode),
			zap.String("stderr", res.Stderr))
		return d.status(), &spawner.SubmitError{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}

	pid, err := spawner.ParseJobID(res.Stdout)
	if err != nil {
		d.state = spawner.StateFailed
		d.msg = "pid could not be parsed"
		d.log.Error("Unable to parse pid from start output", zap.String("stdout", res.Stdout))
		return d.status(), &spawner.SubmitError{Stdout: res.Stdout, Stderr: res.Stderr, Err: err}
	}

	d.pid = pid
	d.host = d.spec.cfg.RemoteHost
	d.state = spawner.StateRunning
	d.log.Info("Started notebook process", zap.String("pid", pid), zap.String("host", d.host))
	return d.status(), nil
}

// Poll checks that the process is alive.
func (d *Driver) Poll(ctx context.Context) (spawner.Status, error) {
	if d.pid == "" {
		if d.state.Terminal() {
			return d.status(), nil
		}
		return d.status(), spawner.ErrNotSubmitted
	}
	if d.state.Terminal() {
		return d.status(), nil
	}

	res, err := d.run(ctx, d.spec.status, false)
	if err != nil {
		return d.status(), &spawner.PollTransientError{JobID: d.pid, Err: err}
	}
	switch {
	case res.OK():
		d.state = spawner.StateRunning
	case res.ExitCode == 255:
		return d.status(), &spawner.PollTransientError{JobID: d.pid, Err: fmt.Errorf("remote host unreachable: %s", strings.TrimSpace(res.Stderr))}
	default:
		d.state = spawner.StateStopped
		d.msg = "process exited"
		d.log.Info("Notebook process exited", zap.String("pid", d.pid))
	}
	return d.status(), nil
}

// Cancel signals the process once unless it is known to have exited.
// Failures are logged, never returned.
func (d *Driver) Cancel(ctx context.Context) (spawner.Status, error) {
	if d.pid != "" && d.state != spawner.StateStopped {
		res, err := d.run(ctx, d.spec.stop, false)
		switch {
		case err != nil:
			d.log.Warn("Stop command failed to run", zap.String("pid", d.pid), zap.Error(err))
		case !res.OK():
			d.log.Warn("Stop command exited non-zero",
				zap.String("pid", d.pid),
				zap.Int("exit_code", res.ExitCode),
				zap.String("stderr", res.Stderr))
		}
	}
	d.state = spawner.StateStopped
	if d.msg == "" {
		d.msg = "cancelled"
	}
	return d.status(), nil
}

// GetState implements spawner.Driver.
func (d *Driver) GetState() spawner.State {
	st := spawner.State{}
	if d.pid != "" {
		st[StateKeyPID] = d.pid
	}
	if d.host != "" {
		st[StateKeyHost] = d.host
	}
	if d.state != spawner.StateUnsubmitted {
		st[StateKeyState] = string(d.state)
	}
	return st
}

// LoadState implements spawner.Driver.
func (d *Driver) LoadState(st spawner.State) error {
	d.pid = st[StateKeyPID]
	d.host = st[StateKeyHost]
	d.msg = ""
	d.state = spawner.ParseLifecycleState(st[StateKeyState])
	if d.pid != "" && !d.state.Active() && !d.state.Terminal() {
		d.state = spawner.StateRunning
	}
	return nil
}

// ClearState implements spawner.Driver.
func (d *Driver) ClearState() {
	d.pid, d.host, d.msg = "", "", ""
	d.state = spawner.StateUnsubmitted
}

// DescribeForm implements spawner.Driver.
func (d *Driver) DescribeForm() spawner.Form {
	return spawner.Form{Description: d.spec.cfg.Description}
}
