package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gospawner/internal/observability"
	"github.com/3leaps/gospawner/pkg/manifest"
	"github.com/3leaps/gospawner/pkg/output"
	"github.com/3leaps/gospawner/pkg/profile"
)

var (
	profilesPath string
	profilesUser string
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Inspect the profile manifest",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles as JSONL",
	Long: `List the profiles in the manifest, in table order.

With --user only the profiles that user may select are listed, and the
first of them is marked default.

Examples:
  gospawner profiles list --profiles profiles.yaml
  gospawner profiles list --user alice`,
	Args: cobra.NoArgs,
	RunE: runProfilesList,
}

var profilesValidateCmd = &cobra.Command{
	Use:   "validate [MANIFEST]",
	Short: "Validate a profile manifest and compile every profile",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProfilesValidate,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesListCmd, profilesValidateCmd)
	profilesCmd.PersistentFlags().StringVar(&profilesPath, "profiles", "", "Profile manifest (overrides profiles.path)")
	profilesListCmd.Flags().StringVar(&profilesUser, "user", "", "Only list profiles this user may select")
}

func runProfilesList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	table, path, err := loadTable(cfg, profilesPath)
	if err != nil {
		return err
	}

	w := output.NewJSONLWriter(cmd.OutOrStdout(), path)
	defer func() { _ = w.Close() }()

	count := 0
	for _, p := range table.Profiles() {
		if profilesUser != "" && !p.AllowsUser(profilesUser) {
			continue
		}
		if err := w.WriteProfile(ctx, &output.ProfileRecord{
			Key:          p.Key,
			Driver:       string(p.Driver),
			Description:  p.Description,
			System:       p.System,
			Setup:        p.Setup,
			Architecture: p.Architecture,
			Resources:    p.Resources,
			UseCases:     p.UseCases,
			Users:        p.Users,
			Default:      count == 0,
		}); err != nil {
			return exitError(exitWriteError, "Failed to write output", err)
		}
		count++
	}
	if err := w.WriteSummary(ctx, &output.SummaryRecord{Count: count}); err != nil {
		return exitError(exitWriteError, "Failed to write output", err)
	}
	return nil
}

func runProfilesValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := profilesPath
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		path = cfg.Profiles.Path
	}
	if path == "" {
		return exitError(exitUsage, "No profile manifest given", fmt.Errorf("pass MANIFEST or --profiles"))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return exitError(exitNotFound, "Profile manifest not found", err)
		}
		return exitError(exitReadError, "Failed to read profile manifest", err)
	}
	m, err := manifest.LoadFromBytes(data, path)
	if err != nil {
		return exitError(exitUsage, "Invalid profile manifest", err)
	}
	n, err := compileProfiles(ctx, m)
	if err != nil {
		return exitError(exitUsage, "Invalid profile configuration", err)
	}

	observability.CLILogger.Info("Profile manifest is valid",
		zap.String("path", path),
		zap.Int("profiles", n))
	return nil
}

// compileProfiles builds every profile's driver without touching any
// compute resource.
func compileProfiles(ctx context.Context, m *manifest.Manifest) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	table, err := m.Table()
	if err != nil {
		return 0, err
	}
	registry := profile.DefaultRegistry()
	env := profile.Env{Logger: observability.CLILogger}
	for _, p := range table.Profiles() {
		if _, err := registry.Build(p, env); err != nil {
			return 0, err
		}
	}
	return table.Len(), nil
}
