package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if versionJSON {
			deps := crucible.GetVersion()
			enc := json.NewEncoder(out)
			return enc.Encode(map[string]string{
				"version":          versionInfo.Version,
				"commit":           versionInfo.Commit,
				"build_date":       versionInfo.BuildDate,
				"go_version":       runtime.Version(),
				"gofulmen_version": deps.Gofulmen,
				"crucible_version": deps.Crucible,
			})
		}
		_, err := fmt.Fprintf(out, "gospawner %s (commit %s, built %s, %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate, runtime.Version())
		return err
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print as JSON")
}
