package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/orchid-sh/orchid/internal/checkpoint"
	"github.com/orchid-sh/orchid/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpointed tasks",
	Long: `Display every task known to the checkpoint store.

Shows the latest checkpointed node, tier, status and escalation count
per task, plus failure reasons for tasks that ended Terminal-Failed.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	path := checkpointPath(cfg)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No checkpoint store. Run 'orchid run' to start a workflow.")
		return nil
	}

	store, err := checkpoint.Open(path)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	cps, err := store.ListLatest()
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	if len(cps) == 0 {
		fmt.Println("No tasks recorded.")
		return nil
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].CreatedAt.After(cps[j].CreatedAt) })

	fmt.Printf("%-38s %-18s %-12s %-14s %s\n", "TASK", "NODE", "TIER", "STATUS", "ESCALATIONS")
	for _, cp := range cps {
		state := cp.State
		statusText := string(state.Status)
		switch state.Status {
		case models.TaskStatusSucceeded:
			statusText = color.GreenString(statusText)
		case models.TaskStatusFailed:
			statusText = color.RedString(statusText)
		default:
			statusText = color.YellowString(statusText)
		}
		fmt.Printf("%-38s %-18s %-12s %-14s %d\n", state.TaskID, state.CurrentNode, state.Tier, statusText, state.EscalationCount)
		if state.Status == models.TaskStatusFailed {
			if failures, ferr := store.Failures(state.TaskID); ferr == nil {
				for _, f := range failures {
					fmt.Printf("    %s %s\n", f.CreatedAt.Format("2006-01-02 15:04:05"), f.Reason)
				}
			}
		}
	}
	return nil
}
