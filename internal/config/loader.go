package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvSpec maps an environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile pins the config file used by Load. An empty path restores
// the default search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration and makes it available through GetConfig.
// Each override map is nested like the config file and wins over every
// other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.RLock()
	file := configFile
	configMu.RUnlock()

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, file); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, envPrefixed(spec.Path), spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("supervisor.poll_interval", "30s")
	v.SetDefault("supervisor.poll_timeout", "30s")
	v.SetDefault("supervisor.max_poll_failures", 5)
	v.SetDefault("supervisor.concurrency", 8)

	v.SetDefault("state.backend", BackendFile)
	v.SetDefault("state.path", "")
	v.SetDefault("state.url", "")
	v.SetDefault("state.auth_token", "")
	v.SetDefault("state.s3.bucket", "")
	v.SetDefault("state.s3.prefix", "gospawner/sessions/")
	v.SetDefault("state.s3.region", "")
	v.SetDefault("state.s3.endpoint", "")
	v.SetDefault("state.s3.profile", "")
	v.SetDefault("state.s3.access_key_id", "")
	v.SetDefault("state.s3.secret_access_key", "")
	v.SetDefault("state.s3.force_path_style", false)

	v.SetDefault("profiles.path", "")
	v.SetDefault("profiles.fallback", "null")

	v.SetDefault("inventory.url", "")
	v.SetDefault("inventory.timeout", "5s")
	v.SetDefault("inventory.rps", 10.0)
	v.SetDefault("inventory.api_key", "")

	v.SetDefault("ssh.executor", ExecutorShell)
	v.SetDefault("ssh.host", "")
	v.SetDefault("ssh.user", "")
	v.SetDefault("ssh.key_file", "")
	v.SetDefault("ssh.known_hosts_file", "")
	v.SetDefault("ssh.dial_timeout", "10s")
}

func readConfigFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName("config")
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths lists the directories searched for config.yaml.
func getUserConfigPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, ConfigName))
	}
	return append(paths, filepath.Join("/etc", ConfigName))
}

// getEnvSpecs lists the short environment aliases. Every key is also
// reachable as GOSPAWNER_<SECTION>_<KEY>.
func getEnvSpecs() []EnvSpec {
	short := []EnvSpec{
		{Name: "HOST", Path: "server.host"},
		{Name: "PORT", Path: "server.port"},
		{Name: "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: "LOG_LEVEL", Path: "logging.level"},
		{Name: "LOG_PROFILE", Path: "logging.profile"},
		{Name: "POLL_INTERVAL", Path: "supervisor.poll_interval"},
		{Name: "STATE_BACKEND", Path: "state.backend"},
		{Name: "STATE_PATH", Path: "state.path"},
		{Name: "STATE_URL", Path: "state.url"},
		{Name: "STATE_AUTH_TOKEN", Path: "state.auth_token"},
		{Name: "PROFILES", Path: "profiles.path"},
		{Name: "PROFILE_FALLBACK", Path: "profiles.fallback"},
		{Name: "INVENTORY_URL", Path: "inventory.url"},
		{Name: "INVENTORY_API_KEY", Path: "inventory.api_key"},
	}
	out := make([]EnvSpec, len(short))
	for i, s := range short {
		out[i] = EnvSpec{Name: EnvPrefix + "_" + s.Name, Path: s.Path}
	}
	return out
}

func envPrefixed(path string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
