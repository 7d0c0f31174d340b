package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orchid",
	Short: "Hierarchical task orchestration engine",
	Long: `Orchid executes workflow graphs over a registry of agents.

Tasks move through nodes resolved by edge predicates; failures retry
with backoff, exhaust into tier escalation (Operational -> Management
-> Executive), and every transition is checkpointed so a crashed run
resumes where it stopped.

Core capabilities:
- Declarative YAML workflow definitions with fan-out/fan-in
- Capability-tagged agent registry with health tracking
- Write-ahead checkpointing to SQLite with failure audit
- Sliding-window performance metrics and threshold alerts`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to orchid.yaml (default: project .orchid.yaml, then user config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(versionCmd)
}
