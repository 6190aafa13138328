package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/3leaps/gospawner/internal/config"
	"github.com/3leaps/gospawner/pkg/allocation"
	"github.com/3leaps/gospawner/pkg/manifest"
	"github.com/3leaps/gospawner/pkg/profile"
	"github.com/3leaps/gospawner/pkg/remote"
	"github.com/3leaps/gospawner/pkg/statestore"
	"github.com/3leaps/gospawner/pkg/statestore/s3store"
	"github.com/3leaps/gospawner/pkg/statestore/sqlstore"
	"github.com/3leaps/gospawner/pkg/supervisor"
)

// gateway is the set of collaborators shared by serve and the offline
// session commands.
type gateway struct {
	cfg      *config.Config
	log      *zap.Logger
	table    *profile.Table
	selector *profile.Selector
	store    statestore.Store
	executor remote.Executor
}

func (rt *gateway) Close() error {
	var errs []error
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if c, ok := rt.executor.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// newManager builds a Manager over the gateway's selector and store.
func (rt *gateway) newManager() *supervisor.Manager {
	s := rt.cfg.Supervisor
	return supervisor.New(rt.selector, rt.store, supervisor.Config{
		PollInterval:    s.PollInterval,
		PollTimeout:     s.PollTimeout,
		MaxPollFailures: s.MaxPollFailures,
		Concurrency:     s.Concurrency,
	}, rt.log.Named("supervisor"))
}

// loadConfig loads configuration and reports failures with an exit code.
func loadConfig(ctx context.Context, overrides ...map[string]any) (*config.Config, error) {
	cfg, err := config.Load(ctx, overrides...)
	if err != nil {
		return nil, exitError(exitUsage, "Invalid configuration", err)
	}
	return cfg, nil
}

// loadTable reads the profile manifest named by path, falling back to the
// configured profiles.path.
func loadTable(cfg *config.Config, path string) (*profile.Table, string, error) {
	if path == "" {
		path = cfg.Profiles.Path
	}
	if strings.TrimSpace(path) == "" {
		return nil, "", exitError(exitUsage, "No profile manifest configured",
			errors.New("set profiles.path or pass --profiles"))
	}
	if _, err := os.Stat(path); err != nil {
		return nil, path, exitError(exitNotFound, "Profile manifest not found", err)
	}
	table, err := manifest.LoadTable(path)
	if err != nil {
		return nil, path, exitError(exitUsage, "Invalid profile manifest", err)
	}
	return table, path, nil
}

// buildGateway loads the profile table, compiles every profile and opens
// the session store.
func buildGateway(ctx context.Context, cfg *config.Config, log *zap.Logger, profilesPath string) (*gateway, error) {
	rt := &gateway{cfg: cfg, log: log}

	table, _, err := loadTable(cfg, profilesPath)
	if err != nil {
		return nil, err
	}
	rt.table = table

	exec, err := newExecutor(cfg.SSH)
	if err != nil {
		return nil, exitError(exitUsage, "Invalid ssh configuration", err)
	}
	rt.executor = exec

	policy, err := profile.ParseFallbackPolicy(cfg.Profiles.Fallback)
	if err != nil {
		return nil, exitError(exitUsage, "Invalid profiles.fallback", err)
	}
	rt.selector, err = profile.NewSelector(table, profile.DefaultRegistry(), profile.Env{
		Executor: exec,
		Logger:   log.Named("driver"),
	}, policy)
	if err != nil {
		_ = rt.Close()
		return nil, exitError(exitUsage, "Invalid profile configuration", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = rt.Close()
		return nil, exitError(exitUnavailable, "Failed to open session store", err)
	}
	rt.store = store
	return rt, nil
}

func newExecutor(cfg config.SSHConfig) (remote.Executor, error) {
	if cfg.Executor != config.ExecutorSSH {
		return remote.NewShellExecutor(), nil
	}
	var hostKeys ssh.HostKeyCallback
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeys = cb
	}
	exec, err := remote.NewSSHExecutor(remote.SSHConfig{
		Host:            cfg.Host,
		User:            cfg.User,
		KeyFile:         cfg.KeyFile,
		HostKeyCallback: hostKeys,
		DialTimeout:     cfg.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func openStore(ctx context.Context, cfg *config.Config) (statestore.Store, error) {
	switch cfg.State.Backend {
	case config.BackendSQLite:
		path := cfg.StatePath()
		if cfg.State.URL == "" && path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("create state dir: %w", err)
			}
		}
		store, err := sqlstore.Open(ctx, sqlstore.Config{
			Path:      path,
			URL:       cfg.State.URL,
			AuthToken: cfg.State.AuthToken,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendS3:
		s3 := cfg.State.S3
		store, err := s3store.New(ctx, s3store.Config{
			Bucket:          s3.Bucket,
			Prefix:          s3.Prefix,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			Profile:         s3.Profile,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			ForcePathStyle:  s3.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		path := cfg.StatePath()
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		return statestore.NewFileStore(path), nil
	}
}

// newAllocationResolver returns nil when no inventory service is configured.
func newAllocationResolver(cfg config.InventoryConfig, log *zap.Logger) (*allocation.Resolver, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, nil
	}
	var header http.Header
	if cfg.APIKey != "" {
		header = http.Header{"X-Api-Key": {cfg.APIKey}}
	}
	return allocation.New(allocation.Config{
		URL:       cfg.URL,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RPS,
		Header:    header,
	}, nil, log.Named("allocation"))
}
