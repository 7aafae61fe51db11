// Session Coordinator - real-time coordinator for agent sessions
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/workspace/session-coordinator/internal/telemetry"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "session-coordinator",
		Short:         "Real-time coordinator for agent sessions",
		Long:          "Session coordinator fans prompts, sandbox events and presence out to every client attached to a session.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "session-coordinator %s (commit: %s)\n", Version, Commit)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func main() {
	telemetry.Version = Version
	os.Exit(execute(newRootCmd()))
}
