package commands

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/hybridchain/hybridchain/version"
)

// VersionCmd prints the node version. With --verbose it prints a JSON
// object including the go runtime.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, err := cmd.Flags().GetBool("verbose")
		if err != nil {
			return err
		}
		if !verbose {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
			return nil
		}

		bs, err := json.Marshal(struct {
			Version   string `json:"version"`
			GitCommit string `json:"git_commit"`
			GoVersion string `json:"go_version"`
		}{
			Version:   version.Version,
			GitCommit: version.GitCommit,
			GoVersion: runtime.Version(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal version info: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(bs))
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolP("verbose", "v", false, "Show version, git commit and go runtime")
}
