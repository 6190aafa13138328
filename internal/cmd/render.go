package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/gospawner/pkg/batch"
	"github.com/3leaps/gospawner/pkg/output"
	"github.com/3leaps/gospawner/pkg/profile"
	"github.com/3leaps/gospawner/pkg/spawner"
)

var (
	renderUser     string
	renderJobID    string
	renderPort     int
	renderProfiles string
)

var renderCmd = &cobra.Command{
	Use:   "render PROFILE",
	Short: "Print the commands a batch profile would run for a user",
	Long: `Render a batch profile's script and submit, query and cancel commands
for a user without running anything.

Examples:
  gospawner render cori-debug --user alice
  gospawner render cori-debug --user alice --job-id 4242 --port 8888`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)
	renderCmd.Flags().StringVar(&renderUser, "user", "", "User to render for (required)")
	renderCmd.Flags().StringVar(&renderJobID, "job-id", "JOB_ID", "Job id substituted into query and cancel")
	renderCmd.Flags().IntVar(&renderPort, "port", 0, "Notebook port")
	renderCmd.Flags().StringVar(&renderProfiles, "profiles", "", "Profile manifest (overrides profiles.path)")
	_ = renderCmd.MarkFlagRequired("user")
}

func runRender(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	table, path, err := loadTable(cfg, renderProfiles)
	if err != nil {
		return err
	}

	p, ok := table.Lookup(args[0])
	if !ok {
		return exitError(exitUsage, "Unknown profile", &profile.UnknownProfileError{Key: args[0]})
	}
	if p.Driver != profile.DriverBatch {
		return exitError(exitUsage, "Only batch profiles can be rendered",
			fmt.Errorf("profile %s uses the %s driver", p.Key, p.Driver))
	}

	rec, err := renderBatch(p, spawner.Session{User: renderUser, Port: renderPort}, renderJobID)
	if err != nil {
		return exitError(exitUsage, "Failed to render profile", err)
	}

	w := output.NewJSONLWriter(cmd.OutOrStdout(), path)
	defer func() { _ = w.Close() }()
	if err := w.WriteRender(ctx, rec); err != nil {
		return exitError(exitWriteError, "Failed to write output", err)
	}
	return nil
}

func renderBatch(p profile.Profile, session spawner.Session, jobID string) (*output.RenderRecord, error) {
	cfg := batch.DefaultConfig()
	if err := profile.DecodeConfig(p.Config, &cfg); err != nil {
		return nil, err
	}
	spec, err := cfg.Compile()
	if err != nil {
		return nil, err
	}

	script, submit, err := spec.RenderSubmit(session)
	if err != nil {
		return nil, err
	}
	query, err := spec.RenderQuery(session, jobID)
	if err != nil {
		return nil, err
	}
	cancel, err := spec.RenderCancel(session, jobID)
	if err != nil {
		return nil, err
	}
	return &output.RenderRecord{
		Profile: p.Key,
		User:    session.User,
		Script:  script,
		Submit:  submit,
		Query:   query,
		Cancel:  cancel,
	}, nil
}
