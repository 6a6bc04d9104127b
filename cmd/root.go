// Package cmd wires the chronod command-line interface. Management commands
// talk to a running server over the gateway when one is reachable and fall
// back to the database directly otherwise; serve runs the engine itself.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "chronod",
	Short:         "Persistent cross-platform cron job scheduler",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(eventsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
