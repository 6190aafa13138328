package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/gospawner/pkg/remote"
	"github.com/3leaps/gospawner/pkg/spawner"
)

// fakeQueue answers submit/query/cancel lines by their leading verb.
type fakeQueue struct {
	mu sync.Mutex

	submitOut  *remote.Result
	submitErr  error
	queryOut   []*remote.Result
	queryErr   error
	cancelOut  *remote.Result
	cancelErr  error
	calls      []remote.Command
	cancelRuns int
}

func (f *fakeQueue) Run(_ context.Context, cmd remote.Command) (*remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)

	switch {
	case strings.HasPrefix(cmd.Line, "submit"):
		return f.submitOut, f.submitErr
	case strings.HasPrefix(cmd.Line, "query"):
		if f.queryErr != nil {
			return nil, f.queryErr
		}
		if len(f.queryOut) == 0 {
			return &remote.Result{}, nil
		}
		r := f.queryOut[0]
		if len(f.queryOut) > 1 {
			f.queryOut = f.queryOut[1:]
		}
		return r, nil
	case strings.HasPrefix(cmd.Line, "cancel"):
		f.cancelRuns++
		return f.cancelOut, f.cancelErr
	}
	return nil, fmt.Errorf("unexpected command %q", cmd.Line)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SubmitCommand = "submit {username}"
	cfg.QueryCommand = "query {job_id}"
	cfg.CancelCommand = "cancel {job_id}"
	return cfg
}

func testSession() spawner.Session {
	return spawner.Session{
		User:      "alice",
		APIToken:  "tok",
		BaseURL:   "/user/alice/",
		HubAPIURL: "http://hub:8081/hub/api",
		Port:      8888,
	}
}

func newTestDriver(t *testing.T, q *fakeQueue) *Driver {
	t.Helper()
	spec, err := testConfig().Compile()
	require.NoError(t, err)
	return NewDriver(spec, q, testSession())
}

func TestClassify(t *testing.T) {
	cfg := DefaultConfig()
	c, err := CompileContract(cfg.StatePendingRE, cfg.StateRunningRE, cfg.StateExecHostRE)
	require.NoError(t, err)

	tests := []struct {
		text  string
		state QueueState
		host  string
	}{
		{"PENDING", QueuePending, ""},
		{"CONFIGURING (null)", QueuePending, ""},
		{"RUNNING nid00042", QueueRunning, "nid00042"},
		{"COMPLETING nid00042.cluster.local\n", QueueRunning, "nid00042.cluster.local"},
		{"", QueueTerminal, ""},
		{"   \n", QueueTerminal, ""},
		{"COMPLETED nid00042", QueueTerminal, ""},
		{"slurm_load_jobs error: Invalid job id specified", QueueTerminal, ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := c.Classify(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.state, got.State)
			assert.Equal(t, tt.host, got.Host)
		})
	}
}

func TestClassify_PendingBeforeRunning(t *testing.T) {
	c, err := CompileContract(`PENDING`, `PENDING|RUNNING`, `\s+(\S+)$`)
	require.NoError(t, err)

	got, err := c.Classify("PENDING (Resources)")
	require.NoError(t, err)
	assert.Equal(t, QueuePending, got.State)
}

func TestClassify_RunningWithoutHost(t *testing.T) {
	c, err := CompileContract(`^PENDING`, `^RUNNING`, `\s+(\w+)$`)
	require.NoError(t, err)

	_, err = c.Classify("RUNNING")
	require.Error(t, err)
	assert.True(t, spawner.IsConfiguration(err))
}

func TestCompileContract_Errors(t *testing.T) {
	tests := []struct {
		name                      string
		pending, running, exechost string
		field                     string
	}{
		{"empty pending", "", "^R", `(\w+)`, "state_pending_re"},
		{"bad running", "^P", "(", `(\w+)`, "state_running_re"},
		{"no group", "^P", "^R", `\w+$`, "state_exechost_re"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileContract(tt.pending, tt.running, tt.exechost)
			var ce *spawner.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestConfigCompile(t *testing.T) {
	t.Run("defaults compile", func(t *testing.T) {
		_, err := DefaultConfig().Compile()
		require.NoError(t, err)
	})

	t.Run("unknown placeholder", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.CancelCommand = "scancel {jobid}"
		_, err := cfg.Compile()
		var ce *spawner.ConfigurationError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "cancel_command", ce.Field)
	})

	t.Run("declared var", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Vars = map[string]string{"reservation": "jupyter"}
		cfg.BatchScript = "#SBATCH --reservation={reservation}\n{cmd}\n"
		spec, err := cfg.Compile()
		require.NoError(t, err)

		script, _, err := spec.RenderSubmit(testSession())
		require.NoError(t, err)
		assert.Contains(t, script, "--reservation=jupyter")
	})

	t.Run("var shadows built-in", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Vars = map[string]string{"qos": "debug"}
		_, err := cfg.Compile()
		assert.True(t, spawner.IsConfiguration(err))
	})

	t.Run("empty template", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.QueryCommand = "  "
		_, err := cfg.Compile()
		assert.True(t, spawner.IsConfiguration(err))
	})

	t.Run("timeouts defaulted", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SubmitTimeout = 0
		spec, err := cfg.Compile()
		require.NoError(t, err)
		assert.Equal(t, DefaultSubmitTimeout, spec.Config().SubmitTimeout)
	})
}

func TestRenderSubmit_Defaults(t *testing.T) {
	spec, err := DefaultConfig().Compile()
	require.NoError(t, err)

	script, line, err := spec.RenderSubmit(testSession())
	require.NoError(t, err)

	assert.Equal(t,
		"ssh -q -o StrictHostKeyChecking=no -o preferredauthentications=publickey -l alice -i /tmp/alice.key remote_host /usr/bin/sbatch",
		line)
	assert.Contains(t, script, "#SBATCH --qos=regular\n")
	assert.Contains(t, script, "#SBATCH --constraint=haswell\n")
	assert.Contains(t, script, "#SBATCH --time=04:00:00\n")
	assert.Contains(t, script, "export JPY_USER=alice\n")
	assert.Contains(t, script, "unset XDG_RUNTIME_DIR\njupyterhub-singleuser\n")

	query, err := spec.RenderQuery(testSession(), "4821")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(query, `squeue -h -j 4821 -o \"%T %B\"`))
}

func TestDriver_SubmitPollRunning(t *testing.T) {
	q := &fakeQueue{
		submitOut: &remote.Result{Stdout: "Submitted batch job 4821\n"},
		queryOut: []*remote.Result{
			{Stdout: "PENDING\n"},
			{Stdout: "RUNNING nid00042\n"},
		},
	}
	d := newTestDriver(t, q)

	st, err := d.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, spawner.StatePending, st.State)
	assert.Equal(t, "4821", st.JobID)
	require.Len(t, q.calls, 1)
	assert.Equal(t, "submit alice", q.calls[0].Line)
	assert.Contains(t, q.calls[0].Stdin, "export JUPYTERHUB_API_TOKEN=tok\n")

	st, err = d.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, spawner.StatePending, st.State)
	assert.Equal(t, "query 4821", q.calls[1].Line)

	st, err = d.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, spawner.StateRunning, st.State)
	assert.Equal(t, "nid00042", st.Host)
	assert.Equal(t, 8888, st.Port)

	// Idempotent while the queue keeps reporting the same host.
	st, err = d.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, spawner.StateRunning, st.State)
	assert.Equal(t, "nid00042", st.Host)
}

func TestDriver_SubmitRejected(t *testing.T) {
	tests := []struct {
		name string
		out  *remote.Result
	}{
		{"non-zero exit", &remote.Result{ExitCode: 1, Stderr: "sbatch: error: invalid qos"}},
		{"empty stdout", &remote.Result{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDriver(t, &fakeQueue{submitOut: tt.out})

			st, err := d.Submit(context.Background())
			var se *spawner.SubmitError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.out.ExitCode, se.ExitCode)
			assert.Equal(t, tt.out.Stderr, se.Stderr)
			assert.Equal(t, spawner.StateFailed, st.State)
			assert.Empty(t, st.JobID)
		})
	}
}

func TestDriver_SubmitUnparseable(t *testing.T) {
	d := newTestDriver(t, &fakeQueue{submitOut: &remote.Result{Stdout: "Submitted batch job\n"}})

	st, err := d.Submit(context.Background())
	require.Error(t, err)
	assert.True(t, spawner.IsParse(err))
	assert.Equal(t, spawner.StateFailed, st.State)
}

func TestDriver_SubmitTimeoutIsAmbiguous(t *testing.T) {
	timeout := &remote.CommandError{Line: "submit alice", Err: fmt.Errorf("%w: deadline", remote.ErrTimeout)}
	d := newTestDriver(t, &fakeQueue{submitErr: timeout})

	st, err := d.Submit(context.Background())
	require.Error(t, err)
	assert.True(t, spawner.IsSubmitAmbiguous(err))
	var se *spawner.SubmitError
	assert.False(t, errors.As(err, &se))
	assert.Equal(t, spawner.StateFailed, st.State)
}

func TestDriver_SubmitTwice(t *testing.T) {
	d := newTestDriver(t, &fakeQueue{submitOut: &remote.Result{Stdout: "Submitted batch job 7"}})

	_, err := d.Submit(context.Background())
	require.NoError(t, err)

	_, err = d.Submit(context.Background())
	assert.ErrorIs(t, err, spawner.ErrAlreadySubmitted)
}

func TestDriver_PollBeforeSubmit(t *testing.T) {
	d := newTestDriver(t, &fakeQueue{})
	_, err := d.Poll(context.Background())
	assert.ErrorIs(t, err, spawner.ErrNotSubmitted)
}

func TestDriver_PollTerminal(t *testing.T) {
	t.Run("never ran", func(t *testing.T) {
		q := &fakeQueue{
			submitOut: &remote.Result{Stdout: "Submitted batch job 11"},
			queryOut:  []*remote.Result{{Stdout: ""}},
		}
		d := newTestDriver(t, q)
		_, err := d.Submit(context.Background())
		require.NoError(t, err)

		st, err := d.Poll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, spawner.StateFailed, st.State)
	})

	t.Run("after running", func(t *testing.T) {
		q := &fakeQueue{
			submitOut: &remote.Result{Stdout: "Submitted batch job 12"},
			queryOut:  []*remote.Result{{Stdout: "RUNNING nid1"}, {Stdout: "", ExitCode: 1}},
		}
		d := newTestDriver(t, q)
		_, err := d.Submit(context.Background())
		require.NoError(t, err)
		_, err = d.Poll(context.Background())
		require.NoError(t, err)

		st, err := d.Poll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, spawner.StateStopped, st.State)

		// Terminal states are absorbing: no further queries.
		n := len(q.calls)
		_, err = d.Poll(context.Background())
		require.NoError(t, err)
		assert.Len(t, q.calls, n)
	})
}

func TestDriver_PollTransient(t *testing.T) {
	t.Run("transport error", func(t *testing.T) {
		q := &fakeQueue{submitOut: &remote.Result{Stdout: "Submitted batch job 3"}, queryErr: errors.New("connection reset")}
		d := newTestDriver(t, q)
		_, err := d.Submit(context.Background())
		require.NoError(t, err)

		st, err := d.Poll(context.Background())
		assert.True(t, spawner.IsTransient(err))
		assert.Equal(t, spawner.StatePending, st.State)
	})

	t.Run("ssh exit 255", func(t *testing.T) {
		q := &fakeQueue{
			submitOut: &remote.Result{Stdout: "Submitted batch job 3"},
			queryOut:  []*remote.Result{{ExitCode: 255, Stderr: "ssh: connect to host login: Connection refused"}},
		}
		d := newTestDriver(t, q)
		_, err := d.Submit(context.Background())
		require.NoError(t, err)

		st, err := d.Poll(context.Background())
		assert.True(t, spawner.IsTransient(err))
		assert.Equal(t, spawner.StatePending, st.State)
	})
}

func TestDriver_PollRunningWithoutHost(t *testing.T) {
	cfg := testConfig()
	cfg.StateExecHostRE = `\s+(nid\d+)$`
	spec, err := cfg.Compile()
	require.NoError(t, err)

	q := &fakeQueue{
		submitOut: &remote.Result{Stdout: "Submitted batch job 5"},
		queryOut:  []*remote.Result{{Stdout: "RUNNING"}},
	}
	d := NewDriver(spec, q, testSession())
	_, err = d.Submit(context.Background())
	require.NoError(t, err)

	st, err := d.Poll(context.Background())
	assert.True(t, spawner.IsConfiguration(err))
	assert.Equal(t, spawner.StateFailed, st.State)
}

func TestDriver_CancelSoftFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	spec, err := testConfig().Compile()
	require.NoError(t, err)

	q := &fakeQueue{
		submitOut: &remote.Result{Stdout: "Submitted batch job 4821"},
		cancelOut: &remote.Result{ExitCode: 1, Stderr: "scancel: error: Invalid job id"},
	}
	d := NewDriver(spec, q, testSession(), WithLogger(zap.New(core)))
	_, err = d.Submit(context.Background())
	require.NoError(t, err)

	st, err := d.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, spawner.StateStopped, st.State)
	assert.Equal(t, 1, q.cancelRuns)
	assert.Equal(t, "cancel 4821", q.calls[len(q.calls)-1].Line)

	warns := logs.FilterMessage("Cancel command exited non-zero").All()
	require.Len(t, warns, 1)
	assert.Equal(t, zapcore.WarnLevel, warns[0].Level)
	fields := warns[0].ContextMap()
	assert.Equal(t, "scancel: error: Invalid job id", fields["stderr"])
	assert.Equal(t, "4821", fields["job_id"])
	assert.EqualValues(t, 1, fields["exit_code"])

	_, err = d.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, q.cancelRuns)
}

func TestDriver_CancelTransportFailureLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	spec, err := testConfig().Compile()
	require.NoError(t, err)

	q := &fakeQueue{
		submitOut: &remote.Result{Stdout: "Submitted batch job 7"},
		cancelErr: errors.New("connection reset"),
	}
	d := NewDriver(spec, q, testSession(), WithLogger(zap.New(core)))
	_, err = d.Submit(context.Background())
	require.NoError(t, err)

	st, err := d.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, spawner.StateStopped, st.State)
	assert.Equal(t, 1, logs.FilterMessage("Cancel command failed to run").Len())
}

func TestDriver_CancelAfterConfigurationError(t *testing.T) {
	cfg := testConfig()
	cfg.StateExecHostRE = `\s+(nid\d+)$`
	spec, err := cfg.Compile()
	require.NoError(t, err)

	q := &fakeQueue{
		submitOut: &remote.Result{Stdout: "Submitted batch job 5"},
		queryOut:  []*remote.Result{{Stdout: "RUNNING"}},
		cancelOut: &remote.Result{},
	}
	d := NewDriver(spec, q, testSession())
	_, err = d.Submit(context.Background())
	require.NoError(t, err)

	st, err := d.Poll(context.Background())
	require.True(t, spawner.IsConfiguration(err))
	require.Equal(t, spawner.StateFailed, st.State)

	// The job still occupies the queue.
	_, err = d.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, q.cancelRuns)
	assert.Equal(t, "cancel 5", q.calls[len(q.calls)-1].Line)
}

func TestDriver_CancelSkippedOnceQueueDropsJob(t *testing.T) {
	q := &fakeQueue{
		submitOut: &remote.Result{Stdout: "Submitted batch job 11"},
		queryOut:  []*remote.Result{{Stdout: ""}},
		cancelOut: &remote.Result{},
	}
	d := newTestDriver(t, q)
	_, err := d.Submit(context.Background())
	require.NoError(t, err)
	st, err := d.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, spawner.StateFailed, st.State)
	assert.Equal(t, "true", d.GetState()[StateKeyGone])

	_, err = d.Cancel(context.Background())
	require.NoError(t, err)
	assert.Zero(t, q.cancelRuns)
}

func TestDriver_CancelRestoredFailedJob(t *testing.T) {
	q := &fakeQueue{cancelOut: &remote.Result{}}
	d := newTestDriver(t, q)
	require.NoError(t, d.LoadState(spawner.State{StateKeyJobID: "4821", StateKeyState: "failed"}))

	_, err := d.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, q.cancelRuns)

	gone := newTestDriver(t, q)
	require.NoError(t, gone.LoadState(spawner.State{StateKeyJobID: "4821", StateKeyState: "stopped", StateKeyGone: "true"}))
	_, err = gone.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, q.cancelRuns)
}

func TestDriver_CancelWithoutJob(t *testing.T) {
	q := &fakeQueue{}
	d := newTestDriver(t, q)

	st, err := d.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, spawner.StateStopped, st.State)
	assert.Zero(t, q.cancelRuns)
}

func TestDriver_StateRoundTrip(t *testing.T) {
	q := &fakeQueue{
		submitOut: &remote.Result{Stdout: "Submitted batch job 99"},
		queryOut:  []*remote.Result{{Stdout: "RUNNING nid7"}},
	}
	d := newTestDriver(t, q)
	_, err := d.Submit(context.Background())
	require.NoError(t, err)
	_, err = d.Poll(context.Background())
	require.NoError(t, err)

	st := d.GetState()
	assert.Equal(t, spawner.State{StateKeyJobID: "99", StateKeyState: "running", StateKeyHost: "nid7"}, st)

	resumed := newTestDriver(t, &fakeQueue{})
	require.NoError(t, resumed.LoadState(st))
	assert.Equal(t, "99", resumed.JobID())
	assert.Equal(t, st, resumed.GetState())

	resumed.ClearState()
	assert.Empty(t, resumed.GetState())
}

func TestDriver_LoadStateWithoutRecordedState(t *testing.T) {
	d := newTestDriver(t, &fakeQueue{})
	require.NoError(t, d.LoadState(spawner.State{StateKeyJobID: "42"}))
	assert.Equal(t, spawner.StatePending, d.status().State)
}

func TestDescribeForm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Description = "Haswell, regular QOS"
	form := DescribeForm(cfg)

	assert.Equal(t, "Haswell, regular QOS", form.Description)
	names := make([]string, 0, len(form.Fields))
	for _, f := range form.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"qos", "constraint", "runtime"}, names)
}
