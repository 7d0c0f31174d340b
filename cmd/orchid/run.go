package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/orchid-sh/orchid/internal/checkpoint"
	"github.com/orchid-sh/orchid/internal/config"
	"github.com/orchid-sh/orchid/internal/control"
	"github.com/orchid-sh/orchid/internal/metrics"
	"github.com/orchid-sh/orchid/internal/registry"
	"github.com/orchid-sh/orchid/internal/scheduler"
	"github.com/orchid-sh/orchid/internal/workflow"
	"github.com/orchid-sh/orchid/pkg/models"
)

var (
	workflowPath string
	entryNode    string
	payloadKVs   []string
	taskPriority string
	restoreAll   bool
	debugMode    bool
	debugLogPath string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workflow",
	Long: `Start the scheduling engine for a workflow definition.

With --entry, submits one task and waits for it to finish. With
--restore, previously checkpointed tasks resume first. Without --entry
the engine serves restored tasks and control-file commands until
interrupted.

Workflows run against simulated executors: each capability in the
graph is served by an agent that succeeds and echoes the node name
into the payload. Real deployments register executors through the
registry API instead.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&workflowPath, "workflow", "w", "workflow.yaml", "Workflow definition file")
	runCmd.Flags().StringVarP(&entryNode, "entry", "e", "", "Entry node for a new task")
	runCmd.Flags().StringArrayVarP(&payloadKVs, "payload", "p", nil, "Payload field as key=value (repeatable)")
	runCmd.Flags().StringVar(&taskPriority, "priority", "", "Task priority: low, medium, high, critical")
	runCmd.Flags().BoolVar(&restoreAll, "restore", false, "Resume checkpointed tasks before accepting new work")
	runCmd.Flags().BoolVar(&debugMode, "debug", false, "Write a debug log under .orchid/logs")
	runCmd.Flags().StringVar(&debugLogPath, "debug-log", "", "Write the debug log to this file instead")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func checkpointPath(cfg *config.Config) string {
	if cfg.Checkpoint.Path != "" {
		return cfg.Checkpoint.Path
	}
	return filepath.Join(".orchid", "checkpoints.db")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	graph, err := workflow.Load(workflowPath)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}

	store, err := checkpoint.Open(checkpointPath(cfg))
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	logger := scheduler.NopLogger()
	switch {
	case debugLogPath != "":
		logger, err = scheduler.NewDebugLogger(debugLogPath)
		if err != nil {
			return fmt.Errorf("open debug log: %w", err)
		}
	case debugMode:
		logger = scheduler.NewDebugLoggerForDir(".")
	}
	defer logger.Close()

	reg := registry.New(cfg.Health.FailureThreshold)
	if err := registerSimulatedAgents(reg, graph); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}

	core, err := scheduler.NewCore(scheduler.Options{
		Graph:      graph,
		Registry:   reg,
		Store:      store,
		Scheduler:  cfg.Scheduler,
		Escalation: cfg.Escalation,
		Retention:  cfg.Checkpoint.Retention,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		core.Run(ctx)
	}()
	for !core.Running() {
		select {
		case <-loopDone:
			return fmt.Errorf("scheduler loop exited before starting")
		case <-time.After(time.Millisecond):
		}
	}
	go reg.RunHealthChecks(ctx, cfg.Health.ProbeInterval)

	collector := metrics.NewCollector(cfg.Metrics.Windows)
	collectorEvents, cancelCollect := core.SubscribeEvents(nil)
	defer cancelCollect()
	go collector.Consume(collectorEvents)
	promEvents, cancelProm := core.SubscribeEvents(nil)
	defer cancelProm()
	go metrics.DefaultPrometheus().Watch(promEvents)
	alerts := metrics.NewAlertEngine(collector, cfg.Metrics)
	go alerts.Run(ctx)

	if cfg.Control.Dir != "" {
		watcher, werr := control.NewWatcher(cfg.Control.Dir, core)
		if werr != nil {
			return fmt.Errorf("control watcher: %w", werr)
		}
		defer watcher.Close()
		go watcher.RunSweeper(cfg.Scheduler.PollInterval * 10)
	}

	if restoreAll {
		n, rerr := core.RestoreAll()
		if rerr != nil {
			return fmt.Errorf("restore: %w", rerr)
		}
		if n > 0 {
			fmt.Printf("Resumed %d checkpointed task(s)\n", n)
		}
	}

	if entryNode == "" {
		fmt.Println("Engine running. Ctrl-C to stop.")
		<-ctx.Done()
		<-loopDone
		return nil
	}

	payload, err := parsePayload(payloadKVs)
	if err != nil {
		return err
	}
	taskID, err := core.Submit(scheduler.SubmitRequest{
		Entry:    entryNode,
		Payload:  payload,
		Priority: models.Priority(taskPriority),
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Printf("Submitted task %s at %s\n", taskID, entryNode)

	state, err := awaitTerminal(ctx, core, taskID)
	stop()
	<-loopDone
	if err != nil {
		return err
	}
	printOutcome(state)
	if len(collector.Rank(collector.Windows()[0])) > 0 {
		fmt.Println()
		printScores(collector)
	}
	if state.Status == models.TaskStatusFailed {
		os.Exit(1)
	}
	return nil
}

// registerSimulatedAgents gives every capability in the graph one
// always-succeeding executor at the tier of its node.
func registerSimulatedAgents(reg *registry.Registry, graph *workflow.Graph) error {
	type slot struct {
		capability string
		tier       models.Tier
	}
	seen := make(map[slot]bool)
	for _, node := range graph.Nodes() {
		tier := node.Tier
		if !tier.Valid() {
			tier = models.TierOperational
		}
		s := slot{capability: node.Capability, tier: tier}
		if node.Capability == "" || seen[s] {
			continue
		}
		seen[s] = true
		capability := node.Capability
		err := reg.Register(models.AgentDescriptor{
			ID:               fmt.Sprintf("sim-%s-%s", capability, tier),
			Tier:             tier,
			CapabilityTags:   []string{capability},
			ConcurrencyLimit: 4,
		}, registry.ExecutorFunc(func(ctx context.Context, inv registry.Invocation) (*models.Result, error) {
			return &models.Result{
				Status: models.ResultSuccess,
				Output: map[string]any{"simulated_" + inv.Node: true},
			}, nil
		}))
		if err != nil {
			return err
		}
	}
	return nil
}

func parsePayload(kvs []string) (map[string]any, error) {
	payload := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("payload %q is not key=value", kv)
		}
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			payload[key] = n
		} else if b, err := strconv.ParseBool(value); err == nil {
			payload[key] = b
		} else {
			payload[key] = value
		}
	}
	return payload, nil
}

func awaitTerminal(ctx context.Context, core *scheduler.Core, taskID string) (*models.TaskState, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			state, err := core.GetStatus(taskID)
			if err != nil {
				return nil, err
			}
			if state.Status.Terminal() {
				return state, nil
			}
		}
	}
}

func printOutcome(state *models.TaskState) {
	switch state.Status {
	case models.TaskStatusSucceeded:
		color.Green("Task %s succeeded at %s tier", state.TaskID, state.Tier)
	default:
		color.Red("Task %s failed: %s", state.TaskID, state.FailureReason)
	}
	for _, h := range state.History {
		fmt.Printf("  %s  %-20s %s\n", h.Timestamp.Format("15:04:05.000"), h.Node, h.Outcome)
	}
	if state.EscalationCount > 0 {
		color.Yellow("  escalated %d time(s)", state.EscalationCount)
	}
}

func printScores(collector *metrics.Collector) {
	window := collector.Windows()[0]
	fmt.Printf("Agent scores (%s window):\n", window)
	for _, score := range collector.Rank(window) {
		fmt.Printf("  %-28s score %6.1f  rate %.2f  tasks %d  avg %s\n",
			score.Agent, score.Score, score.Stats.SuccessRate, score.Stats.TaskCount, score.Stats.AvgDuration)
	}
}
