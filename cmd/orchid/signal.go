package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orchid-sh/orchid/internal/control"
)

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Send a control signal to a running engine",
	Long: `Drop a control file for a running engine to pick up.

The engine watches the configured control directory; pause and resume
toggle dispatch, cancel aborts one task.`,
}

var signalPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := controlDir()
		if err != nil {
			return err
		}
		return control.SignalPause(dir)
	},
}

var signalResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := controlDir()
		if err != nil {
			return err
		}
		return control.SignalResume(dir)
	},
}

var signalCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := controlDir()
		if err != nil {
			return err
		}
		return control.SignalCancel(dir, args[0])
	},
}

func controlDir() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.Control.Dir == "" {
		return "", fmt.Errorf("no control directory configured (set control.dir in orchid.yaml)")
	}
	return cfg.Control.Dir, nil
}

func init() {
	signalCmd.AddCommand(signalPauseCmd)
	signalCmd.AddCommand(signalResumeCmd)
	signalCmd.AddCommand(signalCancelCmd)
}
