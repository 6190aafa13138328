package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gospawner/internal/observability"
	"github.com/3leaps/gospawner/pkg/output"
	"github.com/3leaps/gospawner/pkg/profile"
	"github.com/3leaps/gospawner/pkg/spawner"
	"github.com/3leaps/gospawner/pkg/statestore"
	"github.com/3leaps/gospawner/pkg/supervisor"
)

var (
	sessionsRefresh  bool
	sessionsForce    bool
	sessionsProfiles string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and stop persisted sessions",
	Long: `Work directly against the configured session store.

Do not run stop or status --refresh against a store a running server is
supervising; the server does not see changes made here until restart.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions as JSONL, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsStatusCmd = &cobra.Command{
	Use:   "status USER",
	Short: "Show one user's session",
	Long: `Show one user's session record.

With --refresh the session's driver is restored from its saved state and
polled once, and the result is persisted.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsStatus,
}

var sessionsStopCmd = &cobra.Command{
	Use:   "stop USER",
	Short: "Cancel a user's session and delete its record",
	Long: `Cancel a user's session and delete its record.

With --force the record is deleted without contacting the queue. Use it only
for a record whose profile can no longer be restored, and cancel the job it
names by hand.`,
	Args: cobra.ExactArgs(1),
	RunE:  runSessionsStop,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsStatusCmd, sessionsStopCmd)
	sessionsCmd.PersistentFlags().StringVar(&sessionsProfiles, "profiles", "", "Profile manifest (overrides profiles.path)")
	sessionsStatusCmd.Flags().BoolVar(&sessionsRefresh, "refresh", false, "Poll the session before reporting")
	sessionsStopCmd.Flags().BoolVar(&sessionsForce, "force", false, "Delete the record without cancelling its job")
}

func sessionRecord(rec statestore.Record) *output.SessionRecord {
	return &output.SessionRecord{
		User:      rec.User,
		SessionID: rec.SessionID,
		Profile:   rec.Profile,
		State:     string(rec.State),
		JobID:     rec.JobID,
		Host:      rec.Host,
		Port:      rec.Session.Port,
		Message:   rec.Message,
		UpdatedAt: rec.UpdatedAt,
	}
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return exitError(exitUnavailable, "Failed to open session store", err)
	}
	defer func() { _ = store.Close() }()

	recs, err := store.List(ctx)
	if err != nil {
		return exitError(exitUnavailable, "Failed to list sessions", err)
	}

	w := output.NewJSONLWriter(cmd.OutOrStdout(), cfg.State.Backend)
	defer func() { _ = w.Close() }()

	active := 0
	for _, rec := range recs {
		if rec.State.Active() {
			active++
		}
		if err := w.WriteSession(ctx, sessionRecord(rec)); err != nil {
			return exitError(exitWriteError, "Failed to write output", err)
		}
	}
	if err := w.WriteSummary(ctx, &output.SummaryRecord{Count: len(recs), Active: active}); err != nil {
		return exitError(exitWriteError, "Failed to write output", err)
	}
	return nil
}

func runSessionsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	user := args[0]
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	var rec *statestore.Record
	if sessionsRefresh {
		gw, err := buildGateway(ctx, cfg, observability.CLILogger, sessionsProfiles)
		if err != nil {
			return err
		}
		defer func() { _ = gw.Close() }()

		mgr := gw.newManager()
		if _, err := mgr.Refresh(ctx, user); err != nil && !spawner.IsTransient(err) {
			return sessionError(err)
		}
		r, ok := mgr.Status(user)
		if !ok {
			return exitError(exitNotFound, "No session", supervisor.ErrNoSession)
		}
		rec = &r
	} else {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return exitError(exitUnavailable, "Failed to open session store", err)
		}
		defer func() { _ = store.Close() }()

		if rec, err = store.Load(ctx, user); err != nil {
			return sessionError(err)
		}
	}

	w := output.NewJSONLWriter(cmd.OutOrStdout(), cfg.State.Backend)
	defer func() { _ = w.Close() }()
	if err := w.WriteSession(ctx, sessionRecord(*rec)); err != nil {
		return exitError(exitWriteError, "Failed to write output", err)
	}
	return nil
}

func runSessionsStop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	user := args[0]
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	gw, err := buildGateway(ctx, cfg, observability.CLILogger, sessionsProfiles)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Close() }()

	mgr := gw.newManager()
	if sessionsForce {
		rec, err := mgr.Forget(ctx, user)
		if err != nil {
			return sessionError(err)
		}
		observability.CLILogger.Warn("Session record deleted; cancel its job manually if it is still queued",
			zap.String("user", user),
			zap.String("profile", rec.Profile),
			zap.String("job_id", rec.JobID))
		return nil
	}

	st, err := mgr.Stop(ctx, user)
	if err != nil {
		return sessionError(err)
	}
	observability.CLILogger.Info("Session stopped",
		zap.String("user", user),
		zap.String("state", string(st.State)),
		zap.String("message", st.Message))
	return nil
}

func sessionError(err error) error {
	if errors.Is(err, supervisor.ErrNoSession) || statestore.IsNotFound(err) {
		return exitError(exitNotFound, "No session", err)
	}
	if errors.Is(err, profile.ErrProfileUnavailable) {
		return exitError(exitUsage, "Session profile cannot be restored; see --force", err)
	}
	return exitError(exitUnavailable, "Session operation failed", err)
}
