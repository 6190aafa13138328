package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gospawner/internal/config"
	"github.com/3leaps/gospawner/internal/observability"
	"github.com/3leaps/gospawner/internal/server"
	"github.com/3leaps/gospawner/internal/server/handlers"
	"github.com/3leaps/gospawner/pkg/statestore"
)

var (
	serveHost     string
	servePort     int
	serveProfiles string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the spawner HTTP API and session supervisor",
	Long: `Serve the session API and supervise every user's session.

On start, sessions persisted by a previous run are restored and polled,
never resubmitted.

Examples:
  gospawner serve --profiles /etc/gospawner/profiles.yaml
  gospawner serve --port 9000 --config ./gospawner.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().StringVar(&serveProfiles, "profiles", "", "Profile manifest (overrides profiles.path)")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	srv := map[string]any{}
	if cmd.Flags().Changed("host") {
		srv["host"] = serveHost
	}
	if cmd.Flags().Changed("port") {
		srv["port"] = servePort
	}
	if len(srv) == 0 {
		return nil
	}
	return map[string]any{"server": srv}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, serveOverrides(cmd))
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(exitUsage, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	gw, err := buildGateway(ctx, cfg, logger, serveProfiles)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Close() }()

	mgr := gw.newManager()
	loaded, err := mgr.Resume(ctx)
	if err != nil {
		return exitError(exitUnavailable, "Failed to resume sessions", err)
	}

	var allocations handlers.AllocationLookup
	resolver, err := newAllocationResolver(cfg.Inventory, logger)
	if err != nil {
		return exitError(exitUsage, "Invalid inventory configuration", err)
	}
	if resolver != nil {
		allocations = resolver
	}

	handlers.InitHealthManager(versionInfo.Version)
	health := handlers.GetHealthManager()
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: config.BinaryName,
		envPrefix:  config.EnvPrefix,
		configName: config.ConfigName,
	})
	health.RegisterChecker("state_store", storeHealthChecker{store: gw.store})

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithAPI(handlers.NewAPI(mgr, gw.selector, allocations, logger.Named("api"))),
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
	)

	logger.Info("Starting gospawner",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.Int("profiles", gw.table.Len()),
		zap.String("state_backend", cfg.State.Backend),
		zap.Int("resumed_sessions", loaded))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		if err := mgr.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return exitError(exitUnavailable, "Server failed", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// identityHealthChecker reports a broken build identity.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("identity: missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("identity: missing env prefix")
	case c.configName == "":
		return fmt.Errorf("identity: missing config name")
	}
	return nil
}

// storeHealthChecker verifies the session store answers a listing.
type storeHealthChecker struct {
	store statestore.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("session store not initialized")
	}
	if _, err := c.store.List(ctx); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	return nil
}
