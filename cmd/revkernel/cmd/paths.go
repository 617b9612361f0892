package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"revkernel/config"
)

func init() {
	rootCmd.AddCommand(pathsCmd)
}

// pathsCmd prints the well-known locations the bridge reads, so users know
// where to put the config file and init script.
var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show configuration and init-script locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := config.UserDir()
		if err != nil {
			return fmt.Errorf("resolve user config dir: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config dir:      %s\n", dir)
		fmt.Fprintf(out, "config file:     %s/config.yaml\n", dir)
		fmt.Fprintf(out, "init script:     %s/init.go (or init_script in config)\n", dir)
		if v := os.Getenv(config.ConnectionEnvVar); v != "" {
			fmt.Fprintf(out, "%s=%s\n", config.ConnectionEnvVar, v)
		} else {
			fmt.Fprintf(out, "%s is unset (a fresh connection descriptor will be allocated)\n", config.ConnectionEnvVar)
		}
		return nil
	},
}
