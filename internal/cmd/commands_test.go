package cmd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gospawner/pkg/output"
	"github.com/3leaps/gospawner/pkg/profile"
	"github.com/3leaps/gospawner/pkg/spawner"
	"github.com/3leaps/gospawner/pkg/statestore"
)

func TestProfilesList(t *testing.T) {
	env := newTestEnv(t)

	out, err := runCLI(t, "--config", env.config, "profiles", "list")
	require.NoError(t, err)

	recs := records(t, out)
	require.Len(t, recs, 4)
	var keys []string
	for _, rec := range recs[:3] {
		assert.Equal(t, output.TypeProfile, rec.Type)
		assert.Equal(t, env.manifest, rec.Source)
		var p output.ProfileRecord
		require.NoError(t, json.Unmarshal(rec.Data, &p))
		keys = append(keys, p.Key)
	}
	assert.Equal(t, []string{"cori-debug", "login", "offline"}, keys)
	assert.Equal(t, output.TypeSummary, recs[3].Type)

	t.Run("filtered by user", func(t *testing.T) {
		out, err := runCLI(t, "--config", env.config, "profiles", "list", "--user", "bob")
		require.NoError(t, err)

		recs := records(t, out)
		require.Len(t, recs, 3)
		var first output.ProfileRecord
		require.NoError(t, json.Unmarshal(recs[0].Data, &first))
		assert.Equal(t, "cori-debug", first.Key)
		assert.True(t, first.Default)

		var sum output.SummaryRecord
		require.NoError(t, json.Unmarshal(recs[2].Data, &sum))
		assert.Equal(t, 2, sum.Count)
	})

	t.Run("missing manifest", func(t *testing.T) {
		_, err := runCLI(t, "--config", env.config, "profiles", "list", "--profiles", filepath.Join(env.dir, "nope.yaml"))
		require.Error(t, err)
		assert.Equal(t, exitNotFound, exitCode(t, err))
	})
}

func TestProfilesValidate(t *testing.T) {
	env := newTestEnv(t)

	_, err := runCLI(t, "--config", env.config, "profiles", "validate", env.manifest)
	require.NoError(t, err)

	t.Run("configured path", func(t *testing.T) {
		_, err := runCLI(t, "--config", env.config, "profiles", "validate")
		require.NoError(t, err)
	})

	t.Run("schema violation", func(t *testing.T) {
		bad := filepath.Join(env.dir, "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("version: \"1.0\"\nprofiles:\n  - key: x\n    driver: kubernetes\n"), 0o600))

		_, err := runCLI(t, "--config", env.config, "profiles", "validate", bad)
		require.Error(t, err)
		assert.Equal(t, exitUsage, exitCode(t, err))
	})

	t.Run("driver config fails to compile", func(t *testing.T) {
		bad := filepath.Join(env.dir, "badtmpl.yaml")
		manifest := "version: \"1.0\"\nprofiles:\n  - key: x\n    driver: batch\n    config:\n      submit_command: \"sbatch {no_such_var}\"\n"
		require.NoError(t, os.WriteFile(bad, []byte(manifest), 0o600))

		_, err := runCLI(t, "--config", env.config, "profiles", "validate", bad)
		require.Error(t, err)
		assert.Equal(t, exitUsage, exitCode(t, err))
		assert.Contains(t, err.Error(), "no_such_var")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := runCLI(t, "--config", env.config, "profiles", "validate", filepath.Join(env.dir, "missing.yaml"))
		require.Error(t, err)
		assert.Equal(t, exitNotFound, exitCode(t, err))
	})
}

func TestRender(t *testing.T) {
	env := newTestEnv(t)

	out, err := runCLI(t, "--config", env.config, "render", "cori-debug", "--user", "alice", "--job-id", "4242", "--port", "8888")
	require.NoError(t, err)

	recs := records(t, out)
	require.Len(t, recs, 1)
	assert.Equal(t, output.TypeRender, recs[0].Type)

	var r output.RenderRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &r))
	assert.Equal(t, "alice", r.User)
	assert.Equal(t, "echo Submitted batch job 4821", r.Submit)
	assert.Equal(t, "echo cancelled 4242", r.Cancel)
	assert.Contains(t, r.Script, "#SBATCH --qos=debug")
	assert.Contains(t, r.Script, "--port=8888")

	t.Run("unknown profile", func(t *testing.T) {
		_, err := runCLI(t, "--config", env.config, "render", "nope", "--user", "alice")
		require.Error(t, err)
		assert.Equal(t, exitUsage, exitCode(t, err))
		assert.True(t, profile.IsUnknownProfile(err))
	})

	t.Run("non-batch profile", func(t *testing.T) {
		_, err := runCLI(t, "--config", env.config, "render", "offline", "--user", "alice")
		require.Error(t, err)
		assert.Equal(t, exitUsage, exitCode(t, err))
	})
}

func seedSession(t *testing.T, env *testEnv, user string) {
	t.Helper()
	store := statestore.NewFileStore(env.state)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(context.Background(), &statestore.Record{
		User:      user,
		SessionID: "sid-" + user,
		Profile:   "cori-debug",
		State:     spawner.StatePending,
		JobID:     "77",
		Driver: spawner.State{
			profile.StateKeyProfile: "cori-debug",
			"job_id":                "77",
			"job_state":             "pending",
		},
		Session:   spawner.Session{User: user, Port: 8888},
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func TestSessionsList(t *testing.T) {
	env := newTestEnv(t)
	seedSession(t, env, "alice")
	seedSession(t, env, "bob")

	out, err := runCLI(t, "--config", env.config, "sessions", "list")
	require.NoError(t, err)

	recs := records(t, out)
	require.Len(t, recs, 3)
	assert.Equal(t, output.TypeSession, recs[0].Type)
	assert.Equal(t, "file", recs[0].Source)

	var sum output.SummaryRecord
	require.NoError(t, json.Unmarshal(recs[2].Data, &sum))
	assert.Equal(t, 2, sum.Count)
	assert.Equal(t, 2, sum.Active)
}

func TestSessionsStatus(t *testing.T) {
	env := newTestEnv(t)
	seedSession(t, env, "alice")

	out, err := runCLI(t, "--config", env.config, "sessions", "status", "alice")
	require.NoError(t, err)
	recs := records(t, out)
	require.Len(t, recs, 1)
	var s output.SessionRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &s))
	assert.Equal(t, "pending", s.State)
	assert.Equal(t, 8888, s.Port)

	t.Run("refresh polls and persists", func(t *testing.T) {
		out, err := runCLI(t, "--config", env.config, "sessions", "status", "alice", "--refresh")
		require.NoError(t, err)

		var s output.SessionRecord
		require.NoError(t, json.Unmarshal(records(t, out)[0].Data, &s))
		assert.Equal(t, "running", s.State)
		assert.Equal(t, "nid0042", s.Host)

		rec, err := statestore.NewFileStore(env.state).Load(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, spawner.StateRunning, rec.State)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := runCLI(t, "--config", env.config, "sessions", "status", "carol")
		require.Error(t, err)
		assert.Equal(t, exitNotFound, exitCode(t, err))
	})
}

func TestSessionsStop(t *testing.T) {
	env := newTestEnv(t)
	seedSession(t, env, "alice")

	_, err := runCLI(t, "--config", env.config, "sessions", "stop", "alice")
	require.NoError(t, err)

	_, err = statestore.NewFileStore(env.state).Load(context.Background(), "alice")
	assert.True(t, statestore.IsNotFound(err))

	_, err = runCLI(t, "--config", env.config, "sessions", "stop", "alice")
	require.Error(t, err)
	assert.Equal(t, exitNotFound, exitCode(t, err))
}

func TestSessionsStopUnrestorableProfile(t *testing.T) {
	env := newTestEnv(t)
	store := statestore.NewFileStore(env.state)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(context.Background(), &statestore.Record{
		User:      "alice",
		SessionID: "sid-alice",
		Profile:   "retired",
		State:     spawner.StatePending,
		JobID:     "4821",
		Driver: spawner.State{
			profile.StateKeyProfile: "retired",
			"job_id":                "4821",
		},
		Session:   spawner.Session{User: "alice"},
		CreatedAt: now,
		UpdatedAt: now,
	}))

	_, err := runCLI(t, "--config", env.config, "sessions", "stop", "alice")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(t, err))
	assert.ErrorIs(t, err, profile.ErrProfileUnavailable)

	rec, err := store.Load(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "4821", rec.JobID)

	_, err = runCLI(t, "--config", env.config, "sessions", "stop", "alice", "--force")
	require.NoError(t, err)
	_, err = store.Load(context.Background(), "alice")
	assert.True(t, statestore.IsNotFound(err))
}
