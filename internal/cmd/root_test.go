package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gospawner/internal/config"
	"github.com/3leaps/gospawner/internal/server/handlers"
	"github.com/3leaps/gospawner/pkg/output"
)

const testManifest = `version: "1.0"
profiles:
  - key: cori-debug
    driver: batch
    description: Debug queue
    config:
      submit_command: "echo Submitted batch job 4821"
      query_command: "echo RUNNING nid0042"
      cancel_command: "echo cancelled {job_id}"
      batch_script: "#!/bin/bash\n#SBATCH --qos={qos}\n{cmd} --port={port}\n"
      qos: debug
  - key: login
    driver: direct
    users: ["alice"]
  - key: offline
    driver: "null"
    description: Maintenance
`

// testEnv writes a manifest and a config file into a temp dir and pins the
// config file for the command under test.
type testEnv struct {
	dir      string
	config   string
	manifest string
	state    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:      dir,
		config:   filepath.Join(dir, "gospawner.yaml"),
		manifest: filepath.Join(dir, "profiles.yaml"),
		state:    filepath.Join(dir, "sessions"),
	}
	require.NoError(t, os.WriteFile(env.manifest, []byte(testManifest), 0o600))

	cfg := "state:\n  backend: file\n  path: " + env.state + "\n" +
		"profiles:\n  path: " + env.manifest + "\n  fallback: \"null\"\n"
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o600))

	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, config.EnvPrefix+"_") {
			t.Setenv(name, "")
			require.NoError(t, os.Unsetenv(name))
		}
	}
	t.Cleanup(func() { config.SetConfigFile("") })
	return env
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// records splits JSONL output into envelopes.
func records(t *testing.T, out string) []output.Record {
	t.Helper()
	var recs []output.Record
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var rec output.Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		recs = append(recs, rec)
	}
	return recs
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	return ee.Code
}

func TestSetVersionInfo(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer SetVersionInfo(origVersion, origCommit, origBuildDate)

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{"set all values", "1.0.0", "abc123", "2026-01-15"},
		{"set dev version", "dev", "HEAD", "unknown"},
		{"set empty values", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
			assert.Equal(t, tt.version, handlers.CurrentVersion().Version)
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(exitUnavailable, "Failed to open session store", cause)

	assert.Equal(t, "Failed to open session store: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, exitUnavailable, exitCode(t, err))

	assert.Equal(t, "bare", exitError(exitUsage, "bare", nil).Error())
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "abc", "2026-02-01")
	defer SetVersionInfo("dev", "unknown", "unknown")

	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "gospawner 1.2.3 (commit abc")

	out, err = runCLI(t, "version", "--json")
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "1.2.3", got["version"])
	assert.NotEmpty(t, got["go_version"])
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "profiles", "render", "sessions", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestInvalidConfigIsUsageError(t *testing.T) {
	env := newTestEnv(t)
	bad := filepath.Join(env.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("state:\n  backend: tape\n"), 0o600))

	_, err := runCLI(t, "--config", bad, "sessions", "list")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(t, err))
}
