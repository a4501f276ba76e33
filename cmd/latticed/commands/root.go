package commands

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the daemon.
var rootCmd = &cobra.Command{
	Use:   "latticed",
	Short: "Lattice actor runtime daemon",
	Long: `latticed hosts lattice actors behind a WebSocket endpoint.

It serves remote invocations and server-push streams, optionally guarded by
an authentication, authorization, rate limiting and validation pipeline, and
persists actor state and service registrations in an embedded sqlite
database.`,
}

// Execute runs the daemon CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
