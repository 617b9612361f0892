package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// rootCmd is the base command for the revkernel CLI.
var rootCmd = &cobra.Command{
	Use:     "revkernel",
	Short:   "Embedded interactive kernel bridge",
	Long:    "revkernel embeds an interactive code-execution kernel in a host analysis application. The demo host simulates the host's console and timer scheduler.",
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command with a cancellable context for graceful
// shutdown.
func Execute(ctx context.Context) {
	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
