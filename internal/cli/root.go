// Package cli implements the toolforged command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "toolforged",
	Short: "Tool generation orchestration daemon",
	Long: `Toolforged tracks batches of tool generation requests as jobs, fans
each requirement out to a generation agent as an independent task,
aggregates progress, and pushes live updates to connected clients
over WebSocket.`,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("toolforged version {{.Version}}\n")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
