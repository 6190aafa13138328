// Package cmd implements the gospawner command line.
package cmd

import (
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gospawner/internal/config"
	"github.com/3leaps/gospawner/internal/observability"
	"github.com/3leaps/gospawner/internal/server/handlers"
)

// Exit codes.
var (
	exitUsage       = int(foundry.ExitInvalidArgument)
	exitUnavailable = int(foundry.ExitExternalServiceUnavailable)
	exitNotFound    = int(foundry.ExitFileNotFound)
	exitReadError   = int(foundry.ExitFileReadError)
	exitWriteError  = int(foundry.ExitFileWriteError)
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   config.BinaryName,
	Short: "Spawn notebook servers as batch jobs",
	Long: `gospawner starts, tracks and stops per-user notebook servers on
compute resources reached through a batch scheduler, a directly launched
process, or not at all, as selected by named profiles.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		observability.InitCLILogger(config.BinaryName, verbose)
		config.SetConfigFile(cfgFile)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $XDG_CONFIG_HOME/gospawner/gospawner.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, msg string, err error) error {
	return &ExitError{Code: code, Message: msg, Err: err}
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		observability.CLILogger.Error(ee.Message, zap.Error(ee.Err))
		return ee.Code
	}
	observability.CLILogger.Error("Command failed", zap.Error(err))
	return exitUsage
}
