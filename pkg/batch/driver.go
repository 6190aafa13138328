package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gospawner/pkg/remote"
	"github.com/3leaps/gospawner/pkg/spawner"
)

// Persisted state keys.
const (
	StateKeyJobID = "job_id"
	StateKeyState = "job_state"
	StateKeyHost  = "job_host"
	StateKeyGone  = "job_gone"
)

// sshConnectFailure is the exit status ssh uses for its own errors.
const sshConnectFailure = 255

// Driver is the batch job lifecycle driver for one session.
//
// States: unsubmitted -> submitting -> pending <-> (poll) -> running ->
// stopped, with failed reachable from any of them.
type Driver struct {
	spec    *Spec
	exec    remote.Executor
	session spawner.Session
	log     *zap.Logger
	now     func() time.Time

	jobID   string
	state   spawner.LifecycleState
	host    string
	message string
	// gone is set once the queue stops listing the job or it was cancelled.
	gone bool
}

var _ spawner.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver's logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// NewDriver binds spec to a session and an executor.
func NewDriver(spec *Spec, exec remote.Executor, session spawner.Session, opts ...Option) *Driver {
	d := &Driver{
		spec:    spec,
		exec:    exec,
		session: session,
		log:     zap.NewNop(),
		now:     time.Now,
		state:   spawner.StateUnsubmitted,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(zap.String("user", session.User), zap.String("driver", "batch"))
	if session.SessionID != "" {
		d.log = d.log.With(zap.String("session_id", session.SessionID))
	}
	return d
}

// JobID returns the scheduler job id, if submitted.
func (d *Driver) JobID() string {
	return d.jobID
}

func (d *Driver) status() spawner.Status {
	return spawner.Status{
		State:     d.state,
		JobID:     d.jobID,
		Host:      d.host,
		Port:      d.session.Port,
		Message:   d.message,
		UpdatedAt: d.now().UTC(),
	}
}

func (d *Driver) fail(msg string) {
	d.state = spawner.StateFailed
	d.message = msg
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Submit renders the batch script and submit command, runs it and parses the
// job id from its output.
func (d *Driver) Submit(ctx context.Context) (spawner.Status, error) {
	if d.state.Active() || d.state == spawner.StateSubmitting {
		return d.status(), fmt.Errorf("%w: job %s is %s", spawner.ErrAlreadySubmitted, d.jobID, d.state)
	}

	d.jobID, d.host, d.message = "", "", ""
	d.gone = false
	script, line, err := d.spec.RenderSubmit(d.session)
	if err != nil {
		d.fail("submit command could not be rendered")
		d.log.Error("Failed to render submit command", zap.Error(err))
		return d.status(), err
	}

	d.state = spawner.StateSubmitting
	d.log.Debug("Submitting batch job", zap.String("command", line))

	runCtx, cancel := withTimeout(ctx, d.spec.cfg.SubmitTimeout)
	defer cancel()

	res, err := d.exec.Run(runCtx, remote.Command{Line: line, Stdin: script})
	if err != nil {
		if remote.IsTimeout(err) {
			d.fail("submit timed out; the job may exist on the queue")
			d.log.Error("Submit timed out; job state unknown", zap.Error(err))
			return d.status(), fmt.Errorf("%w: %v", spawner.ErrSubmitAmbiguous, err)
		}
		d.fail("submit command could not be run")
		d.log.Error("Submit command failed to run", zap.Error(err))
		return d.status(), &spawner.SubmitError{ExitCode: -1, Err: err}
	}

	if !res.OK() || strings.TrimSpace(res.Stdout) == "" {
		d.fail("submit rejected")
		d.log.Error("Submit rejected",
			zap.Int("exit_code", res.ExitCode),
			zap.String("stdout", res.Stdout),
			zap.String("stderr", res.Stderr))
		return d.status(), &spawner.SubmitError{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}

	id, err := spawner.ParseJobID(res.Stdout)
	if err != nil {
		d.fail("job id could not be parsed")
		d.log.Error("Unable to parse job id from submit output",
			zap.String("stdout", res.Stdout),
			zap.String("stderr", res.Stderr))
		return d.status(), &spawner.SubmitError{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Err: err}
	}

	d.jobID = id
	d.state = spawner.StatePending
	d.log.Info("Submitted batch job", zap.String("job_id", id))
	return d.status(), nil
}

// Poll queries the queue once and classifies the result.
func (d *Driver) Poll(ctx context.Context) (spawner.Status, error) {
	if d.jobID == "" {
		if d.state.Terminal() {
			return d.status(), nil
		}
		return d.status(), spawner.ErrNotSubmitted
	}
	if d.state.Terminal() {
		return d.status(), nil
	}

	line, err := d.spec.RenderQuery(d.session, d.jobID)
	if err != nil {
		d.fail("query command could not be rendered")
		return d.status(), err
	}

	runCtx, cancel := withTimeout(ctx, d.spec.cfg.QueryTimeout)
	defer cancel()

	res, err := d.exec.Run(runCtx, remote.Command{Line: line})
	if err != nil {
		return d.status(), &spawner.PollTransientError{JobID: d.jobID, Err: err}
	}
	if res.ExitCode == sshConnectFailure {
		return d.status(), &spawner.PollTransientError{
			JobID: d.jobID,
			Err:   fmt.Errorf("remote host unreachable: %s", strings.TrimSpace(res.Stderr)),
		}
	}
	if !res.OK() {
		// e.g. squeue "Invalid job id specified" once the job is purged.
		d.log.Debug("Query exited non-zero",
			zap.Int("exit_code", res.ExitCode),
			zap.String("stderr", res.Stderr))
	}

	c, err := d.spec.contract.Classify(res.Stdout)
	if err != nil {
		d.fail("execution host could not be determined")
		d.log.Error("Running job reported no execution host",
			zap.String("job_id", d.jobID),
			zap.String("stdout", res.Stdout),
			zap.Error(err))
		return d.status(), err
	}

	switch c.State {
	case QueuePending:
		d.state = spawner.StatePending
	case QueueRunning:
		if d.state != spawner.StateRunning || d.host != c.Host {
			d.log.Info("Batch job running", zap.String("job_id", d.jobID), zap.String("host", c.Host))
		}
		d.state = spawner.StateRunning
		d.host = c.Host
	default:
		d.gone = true
		if d.state == spawner.StateRunning {
			d.state = spawner.StateStopped
			d.message = "job left the queue"
		} else {
			d.fail("job left the queue without running")
		}
		d.log.Info("Batch job no longer queued",
			zap.String("job_id", d.jobID),
			zap.String("state", string(d.state)),
			zap.String("stdout", res.Stdout))
	}
	return d.status(), nil
}

// Cancel runs the cancel command once for any job the queue may still hold,
// including one marked failed locally. Remote failures are logged and
// swallowed; the local state always ends stopped.
func (d *Driver) Cancel(ctx context.Context) (spawner.Status, error) {
	if d.jobID != "" && !d.gone {
		d.runCancel(ctx)
		d.gone = true
	}
	d.state = spawner.StateStopped
	if d.message == "" {
		d.message = "cancelled"
	}
	return d.status(), nil
}

func (d *Driver) runCancel(ctx context.Context) {
	line, err := d.spec.RenderCancel(d.session, d.jobID)
	if err != nil {
		d.log.Warn("Failed to render cancel command", zap.String("job_id", d.jobID), zap.Error(err))
		return
	}

	runCtx, cancel := withTimeout(ctx, d.spec.cfg.CancelTimeout)
	defer cancel()

	res, err := d.exec.Run(runCtx, remote.Command{Line: line})
	if err != nil {
		d.log.Warn("Cancel command failed to run", zap.String("job_id", d.jobID), zap.Error(err))
		return
	}
	if !res.OK() {
		d.log.Warn("Cancel command exited non-zero",
			zap.String("job_id", d.jobID),
			zap.Int("exit_code", res.ExitCode),
			zap.String("stdout", res.Stdout),
			zap.String("stderr", res.Stderr))
		return
	}
	d.log.Info("Cancelled batch job", zap.String("job_id", d.jobID))
}

// GetState implements spawner.Driver.
func (d *Driver) GetState() spawner.State {
	st := spawner.State{}
	if d.jobID != "" {
		st[StateKeyJobID] = d.jobID
	}
	if d.state != spawner.StateUnsubmitted {
		st[StateKeyState] = string(d.state)
	}
	if d.host != "" {
		st[StateKeyHost] = d.host
	}
	if d.gone {
		st[StateKeyGone] = "true"
	}
	return st
}

// LoadState restores a job from persisted fields. A job id without a
// recorded state resumes as pending so the next poll can resolve it.
func (d *Driver) LoadState(st spawner.State) error {
	d.jobID = st[StateKeyJobID]
	d.host = st[StateKeyHost]
	d.message = ""
	d.gone = st[StateKeyGone] == "true"
	d.state = spawner.ParseLifecycleState(st[StateKeyState])
	if d.jobID != "" && (d.state == spawner.StateUnsubmitted || d.state == spawner.StateSubmitting) {
		d.state = spawner.StatePending
	}
	return nil
}

// ClearState implements spawner.Driver.
func (d *Driver) ClearState() {
	d.jobID, d.host, d.message = "", "", ""
	d.gone = false
	d.state = spawner.StateUnsubmitted
}

// DescribeForm implements spawner.Driver.
func (d *Driver) DescribeForm() spawner.Form {
	cfg := d.spec.cfg
	return DescribeForm(cfg)
}

// DescribeForm returns the options-form description of cfg.
func DescribeForm(cfg Config) spawner.Form {
	f := spawner.Form{Description: cfg.Description}
	add := func(name, label, def string) {
		if def != "" {
			f.Fields = append(f.Fields, spawner.FormField{Name: name, Label: label, Default: def})
		}
	}
	add("qos", "QOS", cfg.QOS)
	add("constraint", "Constraint", cfg.Constraint)
	add("runtime", "Time limit", cfg.Runtime)
	add("account", "Account", cfg.Account)
	add("partition", "Partition", cfg.Partition)
	return f
}
