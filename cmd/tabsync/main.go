package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tabsync",
		Short: "Cross-context wallet state synchronization",
		Long: `Tabsync synchronizes reactive wallet state across independent
execution contexts sharing one eventually-consistent key-value store.

  • Keyed channels with write-through mirrors and change fan-out
  • Heartbeat liveness protocol that reclaims abandoned state
  • Multi-instance directories with debounced reconciliation
  • WebSocket relay for remote contexts`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		demoCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}