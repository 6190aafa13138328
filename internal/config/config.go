// Package config loads gospawner service configuration.
//
// Precedence, lowest to highest: built-in defaults, the config file,
// GOSPAWNER_* environment variables, runtime overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"

	"github.com/3leaps/gospawner/pkg/profile"
)

// Application identity.
const (
	BinaryName = "gospawner"
	EnvPrefix  = "GOSPAWNER"
	ConfigName = "gospawner"
)

// State backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// Executors for remote commands.
const (
	ExecutorShell = "shell"
	ExecutorSSH   = "ssh"
)

// Config is the decoded service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	State      StateConfig      `mapstructure:"state"`
	Profiles   ProfilesConfig   `mapstructure:"profiles"`
	Inventory  InventoryConfig  `mapstructure:"inventory"`
	SSH        SSHConfig        `mapstructure:"ssh"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type SupervisorConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	MaxPollFailures int           `mapstructure:"max_poll_failures"`
	Concurrency     int           `mapstructure:"concurrency"`
}

// StateConfig selects where session records live.
type StateConfig struct {
	Backend string `mapstructure:"backend"`

	// Path is the directory (file) or database file (sqlite). Empty means a
	// location under the application data directory.
	Path string `mapstructure:"path"`

	// URL and AuthToken select a remote libsql database for the sqlite
	// backend.
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`

	S3 S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type ProfilesConfig struct {
	// Path is the profile manifest file.
	Path string `mapstructure:"path"`

	// Fallback is the policy for unknown profile keys: null, default or error.
	Fallback string `mapstructure:"fallback"`
}

// InventoryConfig configures the allocation-default lookup. An empty URL
// disables it.
type InventoryConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	RPS     float64       `mapstructure:"rps"`
	APIKey  string        `mapstructure:"api_key"`
}

// SSHConfig selects how scheduler commands reach the submit host.
type SSHConfig struct {
	// Executor is "shell" (commands carry their own ssh prefix) or "ssh"
	// (one persistent connection to Host).
	Executor       string        `mapstructure:"executor"`
	Host           string        `mapstructure:"host"`
	User           string        `mapstructure:"user"`
	KeyFile        string        `mapstructure:"key_file"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// Validate checks cross-field constraints the decoder cannot.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	switch strings.ToUpper(c.Logging.Profile) {
	case "STRUCTURED", "CONSOLE":
	default:
		return fmt.Errorf("logging.profile: unsupported value %q", c.Logging.Profile)
	}
	if c.Supervisor.PollInterval <= 0 {
		return fmt.Errorf("supervisor.poll_interval must be positive")
	}
	if c.Supervisor.MaxPollFailures < 1 {
		return fmt.Errorf("supervisor.max_poll_failures must be >= 1")
	}
	if c.Supervisor.Concurrency < 1 {
		return fmt.Errorf("supervisor.concurrency must be >= 1")
	}
	switch c.State.Backend {
	case BackendFile, BackendSQLite:
	case BackendS3:
		if strings.TrimSpace(c.State.S3.Bucket) == "" {
			return fmt.Errorf("state.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("state.backend: unsupported value %q", c.State.Backend)
	}
	if _, err := profile.ParseFallbackPolicy(c.Profiles.Fallback); err != nil {
		return fmt.Errorf("profiles.fallback: %w", err)
	}
	switch c.SSH.Executor {
	case ExecutorShell:
	case ExecutorSSH:
		if c.SSH.Host == "" || c.SSH.User == "" || c.SSH.KeyFile == "" {
			return fmt.Errorf("ssh.host, ssh.user and ssh.key_file are required for the ssh executor")
		}
	default:
		return fmt.Errorf("ssh.executor: unsupported value %q", c.SSH.Executor)
	}
	return nil
}

// DataDir returns the application data directory.
func DataDir() string {
	return gfconfig.GetAppDataDir(ConfigName)
}

// StatePath resolves State.Path, defaulting under DataDir.
func (c *Config) StatePath() string {
	if c.State.Path != "" {
		return c.State.Path
	}
	if c.State.Backend == BackendSQLite {
		return filepath.Join(DataDir(), "sessions.db")
	}
	return filepath.Join(DataDir(), "sessions")
}
