package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/orchid-sh/orchid/internal/checkpoint"
	"github.com/orchid-sh/orchid/internal/config"
	"github.com/orchid-sh/orchid/internal/registry"
	"github.com/orchid-sh/orchid/internal/workflow"
	"github.com/orchid-sh/orchid/pkg/models"
)

// completion carries one agent outcome back to the dispatch loop.
type completion struct {
	taskID   string
	branchID string
	node     string
	agentID  string
	result   *models.Result
	err      error
	timedOut bool
	duration time.Duration
}

// fanIn tracks an active fan-out join for one task.
type fanIn struct {
	// origin is the node whose edge rule fanned out.
	origin string
	// join is the node that runs after the branches report.
	join string
	// branches holds the branch entry nodes in declaration order. The
	// fan-in merge walks this slice so merges are deterministic.
	branches []string
	// quorum is how many branches must report; zero means all.
	quorum int
	// done collects completed branch states keyed by branch ID.
	done map[string]*models.TaskState
}

func (f *fanIn) needed() int {
	if f.quorum > 0 && f.quorum < len(f.branches) {
		return f.quorum
	}
	return len(f.branches)
}

// taskRun is the loop-owned record for one submitted task.
type taskRun struct {
	// state is the root task state. Mutated only under Core.mu.
	state *models.TaskState
	// seq is the last checkpoint sequence written for this task.
	seq int64
	// ctx covers every agent invocation for the task; cancel aborts
	// all in-flight work at once.
	ctx    context.Context
	cancel context.CancelFunc
	// join is the active fan-out, if any.
	join *fanIn
	// branches holds live branch states keyed by branch ID.
	branches map[string]*models.TaskState
	// cancelled marks a caller-initiated cancellation.
	cancelled bool
}

// SubmitRequest describes a task entering the scheduler.
type SubmitRequest struct {
	// TaskID is optional; a UUID is generated when empty.
	TaskID string
	// Entry is the workflow node the task starts at.
	Entry string
	// Payload is the initial task payload.
	Payload map[string]any
	// Priority defaults to medium when empty.
	Priority models.Priority
}

// Options wires the Core's collaborators.
type Options struct {
	// Graph is the validated workflow graph to execute.
	Graph *workflow.Graph
	// Registry resolves capabilities to agent executors.
	Registry *registry.Registry
	// Store persists checkpoints and failure audits.
	Store checkpoint.Store
	// Scheduler holds dispatch tuning; zero fields take defaults.
	Scheduler config.SchedulerConfig
	// Escalation configures the tier escalation policy.
	Escalation config.EscalationConfig
	// Retention is how many checkpoint sequences to keep per task.
	Retention int
	// Logger receives debug output; nil means no logging.
	Logger *DebugLogger
}

// Core is the scheduling engine. One goroutine (the Run loop) owns all
// task state transitions; agent invocations run on worker goroutines
// and report back through a completion channel, so a task's state is
// never mutated concurrently.
type Core struct {
	graph     *workflow.Graph
	registry  *registry.Registry
	policy    *EscalationPolicy
	store     checkpoint.Store
	emitter   *Emitter
	logger    *DebugLogger
	cfg       config.SchedulerConfig
	retention int

	mu    sync.RWMutex
	tasks map[string]*taskRun
	queue *taskQueue

	completionCh chan completion
	wake         chan struct{}
	pause        *PauseController
	wg           sync.WaitGroup
	running      atomic.Bool
}

// NewCore creates a scheduler around a validated graph, an agent
// registry and a checkpoint store.
func NewCore(opts Options) (*Core, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("scheduler requires a workflow graph")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("scheduler requires an agent registry")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("scheduler requires a checkpoint store")
	}

	cfg := opts.Scheduler
	defaults := config.Default().Scheduler
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaults.BackoffBase
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = defaults.BackoffFactor
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaults.BackoffCap
	}
	if cfg.DefaultNodeTimeout <= 0 {
		cfg.DefaultNodeTimeout = defaults.DefaultNodeTimeout
	}

	if opts.Logger != nil {
		setPackageLogger(opts.Logger)
	}
	opts.Graph.SetDebugLog(debugLog)
	opts.Registry.SetDebugLog(debugLog)

	return &Core{
		graph:        opts.Graph,
		registry:     opts.Registry,
		policy:       NewEscalationPolicy(opts.Escalation),
		store:        opts.Store,
		emitter:      NewEmitter(cfg.EventBuffer),
		logger:       opts.Logger,
		cfg:          cfg,
		retention:    opts.Retention,
		tasks:        make(map[string]*taskRun),
		queue:        newTaskQueue(),
		completionCh: make(chan completion, cfg.EventBuffer),
		wake:         make(chan struct{}, 1),
		pause:        NewPauseController(),
	}, nil
}

// Submit validates a request and enqueues the task. Validation failures
// return a ValidationError synchronously and leave no trace: no task
// record and no checkpoint.
func (c *Core) Submit(req SubmitRequest) (string, error) {
	if !c.running.Load() {
		return "", fmt.Errorf("submit: %w", ErrNotRunning)
	}
	node := c.graph.Node(req.Entry)
	if node == nil {
		return "", &ValidationError{Field: "entry", Reason: fmt.Sprintf("unknown node %q", req.Entry)}
	}
	if !node.Entry {
		return "", &ValidationError{Field: "entry", Reason: fmt.Sprintf("node %q is not an entry point", req.Entry)}
	}
	for _, field := range node.Requires {
		if _, ok := req.Payload[field]; !ok {
			return "", &ValidationError{Field: field, Reason: "required payload field missing"}
		}
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", req.Priority)}
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	tier := node.Tier
	if !tier.Valid() {
		tier = models.TierOperational
	}
	state := &models.TaskState{
		TaskID:      taskID,
		Payload:     maps.Clone(req.Payload),
		Priority:    priority,
		CurrentNode: node.ID,
		Tier:        tier,
		Status:      models.TaskStatusQueued,
		SubmittedAt: time.Now(),
	}
	if state.Payload == nil {
		state.Payload = make(map[string]any)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tasks[taskID]; exists {
		return "", fmt.Errorf("submit %s: %w", taskID, ErrDuplicateTask)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &taskRun{state: state, ctx: ctx, cancel: cancel}
	if err := c.checkpointLocked(run); err != nil {
		cancel()
		return "", fmt.Errorf("submit %s: %w", taskID, err)
	}
	c.tasks[taskID] = run
	c.queue.PushItem(dispatchItem{taskID: taskID, node: node.ID, priority: priority})
	c.emitter.Emit(Event{Type: EventTaskSubmitted, TaskID: taskID, Node: node.ID, Tier: state.Tier})
	debugLog("submit: task %s at %s (priority %s)", taskID, node.ID, priority)
	c.wakeLoop()
	return taskID, nil
}

// Run drives the dispatch loop until ctx is cancelled. Only one Run may
// be active at a time.
func (c *Core) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}
	defer c.running.Store(false)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		c.dispatchReady()
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case comp := <-c.completionCh:
			c.handleCompletion(comp)
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// shutdown cancels all in-flight work and waits for workers to exit.
func (c *Core) shutdown() {
	c.pause.Stop()
	c.mu.Lock()
	for _, run := range c.tasks {
		run.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
	debugLog("scheduler: stopped (%d events dropped)", c.emitter.Dropped())
}

// Pause stops handing new nodes to agents. In-flight visits finish.
func (c *Core) Pause() { c.pause.Pause() }

// Resume re-enables dispatch after Pause.
func (c *Core) Resume() {
	c.pause.Resume()
	c.wakeLoop()
}

// Paused reports whether dispatch is paused.
func (c *Core) Paused() bool { return c.pause.IsPaused() }

// Running reports whether the dispatch loop is active.
func (c *Core) Running() bool { return c.running.Load() }

// Cancel aborts a task: in-flight invocations are cancelled, queued
// work is dropped and the task transitions to Terminal-Failed.
func (c *Core) Cancel(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.tasks[taskID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", taskID, ErrUnknownTask)
	}
	if run.state.Status.Terminal() {
		return fmt.Errorf("cancel %s: %w", taskID, ErrTaskTerminal)
	}
	run.cancelled = true
	c.emitter.Emit(Event{Type: EventTaskCancelled, TaskID: taskID, Node: run.state.CurrentNode, Tier: run.state.Tier})
	c.finishLocked(run, models.TaskStatusFailed, "cancelled by caller")
	return nil
}

// ResetTier returns a non-terminal task to the operational tier. Escalation
// only ever raises the tier; this is the one transition allowed to lower it,
// and it is taken on operator request, never by the dispatch loop.
func (c *Core) ResetTier(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.tasks[taskID]
	if !ok {
		return fmt.Errorf("reset tier %s: %w", taskID, ErrUnknownTask)
	}
	if run.state.Status.Terminal() {
		return fmt.Errorf("reset tier %s: %w", taskID, ErrTaskTerminal)
	}
	if run.state.Tier == models.TierOperational {
		return nil
	}
	run.state.Tier = models.TierOperational
	if err := c.checkpointLocked(run); err != nil {
		return fmt.Errorf("reset tier %s: %w", taskID, err)
	}
	return nil
}

// GetStatus returns a snapshot of a tracked task's state.
func (c *Core) GetStatus(taskID string) (*models.TaskState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	run, ok := c.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("status %s: %w", taskID, ErrUnknownTask)
	}
	return run.state.Clone(), nil
}

// Tasks returns snapshots of every tracked task.
func (c *Core) Tasks() []*models.TaskState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.TaskState, 0, len(c.tasks))
	for _, run := range c.tasks {
		out = append(out, run.state.Clone())
	}
	return out
}

// SubscribeEvents registers a lifecycle event listener. A nil filter
// receives everything. The cancel func unregisters the listener.
func (c *Core) SubscribeEvents(filter func(Event) bool) (<-chan Event, func()) {
	return c.emitter.Subscribe(filter)
}

// EventsDropped reports how many events slow subscribers lost.
func (c *Core) EventsDropped() int64 { return c.emitter.Dropped() }

// Restore loads a task's latest checkpoint and resumes execution from
// it. Nodes whose success was already checkpointed are not re-run; a
// task persisted mid-fan-out restarts its branches, which is safe
// because branch results only become durable at the fan-in merge.
func (c *Core) Restore(taskID string) error {
	if !c.running.Load() {
		return fmt.Errorf("restore %s: %w", taskID, ErrNotRunning)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The tracked-task check comes before the store read: a task the
	// scheduler already owns is a duplicate even once its latest
	// checkpoint is terminal.
	if _, exists := c.tasks[taskID]; exists {
		return fmt.Errorf("restore %s: %w", taskID, ErrDuplicateTask)
	}

	cp, err := c.store.Load(taskID)
	if err != nil {
		return fmt.Errorf("restore %s: %w", taskID, err)
	}
	state := cp.State
	if state.Status.Terminal() {
		return fmt.Errorf("restore %s: %w", taskID, ErrTaskTerminal)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &taskRun{state: state, seq: cp.Seq, ctx: ctx, cancel: cancel}
	c.tasks[taskID] = run
	c.emitter.Emit(Event{Type: EventTaskResumed, TaskID: taskID, Node: state.CurrentNode, Tier: state.Tier})
	debugLog("restore: task %s at %s (seq %d, status %s)", taskID, state.CurrentNode, cp.Seq, state.Status)

	if state.Status == models.TaskStatusAwaitingFanIn {
		// The fan-out node itself already succeeded; re-resolving its
		// pure edge rule rebuilds the same branch set.
		sel, rerr := c.graph.Resolve(state)
		if rerr != nil || sel.Kind != workflow.SelectFanOut {
			c.finishLocked(run, models.TaskStatusFailed, fmt.Sprintf("restore: cannot rebuild fan-out at %s", state.CurrentNode))
			return nil
		}
		c.startFanOutLocked(run, sel)
	} else {
		state.Status = models.TaskStatusQueued
		c.queue.PushItem(dispatchItem{taskID: taskID, node: state.CurrentNode, priority: state.Priority})
	}
	c.wakeLoop()
	return nil
}

// RestoreAll resumes every non-terminal task found in the checkpoint
// store. It returns how many tasks were restored.
func (c *Core) RestoreAll() (int, error) {
	cps, err := c.store.ListLatest()
	if err != nil {
		return 0, fmt.Errorf("restore all: %w", err)
	}
	restored := 0
	for _, cp := range cps {
		if cp.State.Status.Terminal() {
			continue
		}
		if err := c.Restore(cp.TaskID); err != nil {
			if errors.Is(err, ErrDuplicateTask) {
				continue
			}
			return restored, err
		}
		restored++
	}
	return restored, nil
}

func (c *Core) wakeLoop() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatchReady drains the queue, handing each ready node visit to an
// agent. Backpressure and pause leave items queued: items blocked by a
// saturated agent go back as one batch with their original sequence,
// so priority order holds across the retry.
func (c *Core) dispatchReady() {
	var blocked []dispatchItem
	defer func() {
		if len(blocked) == 0 {
			return
		}
		c.mu.Lock()
		for _, it := range blocked {
			c.queue.RequeueItem(it)
		}
		c.mu.Unlock()
	}()

	for {
		if c.pause.IsPaused() {
			return
		}
		c.mu.Lock()
		it, ok := c.queue.PopItem()
		if !ok {
			c.mu.Unlock()
			return
		}
		run := c.tasks[it.taskID]
		if run == nil || run.cancelled || run.state.Status.Terminal() {
			c.mu.Unlock()
			continue
		}
		state := c.stateFor(run, it.branchID)
		if state == nil {
			// Branch already joined or discarded.
			c.mu.Unlock()
			continue
		}
		node := c.graph.Node(it.node)
		if node == nil {
			c.finishLocked(run, models.TaskStatusFailed, fmt.Sprintf("dispatch: unknown node %q", it.node))
			c.mu.Unlock()
			continue
		}

		resolved, err := c.registry.Resolve(node.Capability, state.Tier)
		if err != nil {
			// No healthy agent and no substitute: same path as a node
			// that ran out of retries.
			c.handleExhaustedLocked(run, node, it, fmt.Sprintf("no agent for capability %q: %v", node.Capability, err))
			c.mu.Unlock()
			continue
		}
		agentID := resolved.Descriptor.ID
		if !c.registry.TryAcquire(agentID) {
			c.emitter.Emit(Event{Type: EventTaskRequeued, TaskID: it.taskID, BranchID: it.branchID, Node: it.node, AgentID: agentID, Tier: state.Tier, Message: "agent at concurrency limit"})
			blocked = append(blocked, it)
			c.mu.Unlock()
			continue
		}

		state.Status = models.TaskStatusRunning
		payload := maps.Clone(state.Payload)
		tier := state.Tier
		c.emitter.Emit(Event{Type: EventTaskDispatched, TaskID: it.taskID, BranchID: it.branchID, Node: it.node, AgentID: agentID, Tier: tier})
		c.launch(run, it, node, resolved, payload, tier)
		c.mu.Unlock()
	}
}

// launch runs one agent invocation on a worker goroutine. A pause that
// lands between the dispatch decision and the invocation holds the
// worker until Resume; the node timeout starts once the agent actually
// runs.
func (c *Core) launch(run *taskRun, it dispatchItem, node *workflow.Node, resolved *registry.Resolved, payload map[string]any, tier models.Tier) {
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultNodeTimeout
	}
	agentID := resolved.Descriptor.ID

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.registry.Release(agentID)

		if err := c.pause.WaitIfPaused(run.ctx); err != nil {
			// Only stop or task cancellation unblocks the wait with an
			// error; the outcome is moot in both cases.
			return
		}
		cctx, cancel := context.WithTimeout(run.ctx, timeout)
		defer cancel()

		start := time.Now()
		result, err := resolved.Executor.Process(cctx, registry.Invocation{
			TaskID:  it.taskID,
			Node:    it.node,
			Payload: payload,
			Tier:    tier,
		})
		comp := completion{
			taskID:   it.taskID,
			branchID: it.branchID,
			node:     it.node,
			agentID:  agentID,
			result:   result,
			err:      err,
			duration: time.Since(start),
		}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			comp.timedOut = true
		}
		select {
		case c.completionCh <- comp:
		case <-run.ctx.Done():
			// Task cancelled while reporting; the outcome is moot.
		}
	}()
}

// handleCompletion applies one agent outcome to the owning task.
func (c *Core) handleCompletion(comp completion) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run := c.tasks[comp.taskID]
	if run == nil || run.cancelled || run.state.Status.Terminal() {
		return
	}
	state := c.stateFor(run, comp.branchID)
	if state == nil {
		return
	}
	node := c.graph.Node(comp.node)
	if node == nil {
		return
	}
	it := dispatchItem{taskID: comp.taskID, branchID: comp.branchID, node: comp.node, priority: state.Priority}

	switch {
	case comp.timedOut:
		state.RecordVisit(node.ID, "timeout", time.Now())
		c.emitter.Emit(Event{Type: EventNodeTimeout, TaskID: comp.taskID, BranchID: comp.branchID, Node: node.ID, AgentID: comp.agentID, Tier: state.Tier, Duration: comp.duration})
		c.retryLocked(run, state, node, it, "node timeout")
	case comp.err != nil || comp.result == nil || !comp.result.Status.Valid():
		reason := "agent returned no result"
		if comp.err != nil {
			reason = comp.err.Error()
		}
		state.RecordVisit(node.ID, "transient_error", time.Now())
		c.emitter.Emit(Event{Type: EventNodeFailed, TaskID: comp.taskID, BranchID: comp.branchID, Node: node.ID, AgentID: comp.agentID, Tier: state.Tier, Err: reason, Duration: comp.duration})
		c.retryLocked(run, state, node, it, reason)
	case comp.result.Status == models.ResultSuccess:
		c.applySuccessLocked(run, state, node, comp)
	case comp.result.Status == models.ResultTransientError:
		state.RecordVisit(node.ID, "transient_error", time.Now())
		c.emitter.Emit(Event{Type: EventNodeFailed, TaskID: comp.taskID, BranchID: comp.branchID, Node: node.ID, AgentID: comp.agentID, Tier: state.Tier, Err: comp.result.Err, Duration: comp.duration})
		c.retryLocked(run, state, node, it, comp.result.Err)
	case comp.result.Status == models.ResultFatalError:
		state.RecordVisit(node.ID, "fatal_error", time.Now())
		c.emitter.Emit(Event{Type: EventNodeFailed, TaskID: comp.taskID, BranchID: comp.branchID, Node: node.ID, AgentID: comp.agentID, Tier: state.Tier, Err: comp.result.Err, Duration: comp.duration})
		reason := fmt.Sprintf("fatal error at %s: %s", node.ID, comp.result.Err)
		if comp.branchID != "" {
			c.failFromBranchLocked(run, reason)
		} else {
			c.decideLocked(run, node, c.policy.OnExhausted(run.state, node, reason))
		}
	case comp.result.Status == models.ResultTerminal:
		state.RecordVisit(node.ID, "terminal", time.Now())
		if comp.branchID != "" {
			if comp.result.Err == "" {
				c.mergePayloadLocked(state, comp.result.Output)
				c.branchDoneLocked(run, state)
			} else {
				c.failFromBranchLocked(run, fmt.Sprintf("branch %s terminated: %s", comp.branchID, comp.result.Err))
			}
			return
		}
		c.mergePayloadLocked(run.state, comp.result.Output)
		if comp.result.Err == "" {
			c.finishLocked(run, models.TaskStatusSucceeded, "")
		} else {
			c.finishLocked(run, models.TaskStatusFailed, comp.result.Err)
		}
	}
}

// applySuccessLocked merges agent output and advances the task or branch.
func (c *Core) applySuccessLocked(run *taskRun, state *models.TaskState, node *workflow.Node, comp completion) {
	c.mergePayloadLocked(state, comp.result.Output)
	state.RecordVisit(node.ID, "success", time.Now())
	state.ResetRetries(node.ID)
	c.emitter.Emit(Event{Type: EventNodeSucceeded, TaskID: comp.taskID, BranchID: comp.branchID, Node: node.ID, AgentID: comp.agentID, Tier: state.Tier, Duration: comp.duration})

	if comp.branchID != "" {
		c.advanceBranchLocked(run, state)
		return
	}
	c.advanceRootLocked(run, node)
}

func (c *Core) mergePayloadLocked(state *models.TaskState, output map[string]any) {
	if len(output) == 0 {
		return
	}
	if state.Payload == nil {
		state.Payload = make(map[string]any, len(output))
	}
	for k, v := range output {
		state.Payload[k] = v
	}
}

// advanceRootLocked moves the root task past a succeeded node: value
// escalation rules run first, then the node's edge rule.
func (c *Core) advanceRootLocked(run *taskRun, node *workflow.Node) {
	if d, ok := c.policy.CheckValue(run.state, node); ok {
		c.decideLocked(run, node, d)
		return
	}

	sel, err := c.graph.Resolve(run.state)
	if err != nil {
		c.finishLocked(run, models.TaskStatusFailed, fmt.Sprintf("resolve after %s: %v", node.ID, err))
		return
	}
	switch sel.Kind {
	case workflow.SelectNext:
		c.moveToLocked(run, sel.Next)
	case workflow.SelectTerminal:
		if sel.Outcome == models.TaskStatusSucceeded {
			c.finishLocked(run, models.TaskStatusSucceeded, "")
		} else {
			c.finishLocked(run, models.TaskStatusFailed, fmt.Sprintf("workflow terminated at %s", node.ID))
		}
	case workflow.SelectFanOut:
		c.startFanOutLocked(run, sel)
	}
}

// moveToLocked transitions the root task to its next node, checkpoints,
// and queues the visit. The checkpoint lands before any dispatch.
func (c *Core) moveToLocked(run *taskRun, next string) {
	run.state.CurrentNode = next
	run.state.Status = models.TaskStatusQueued
	if n := c.graph.Node(next); n != nil && n.Tier.Valid() && n.Tier.Rank() > run.state.Tier.Rank() {
		// Task tier is monotonic: entering a higher-tier node raises it.
		run.state.Tier = n.Tier
	}
	if err := c.checkpointLocked(run); err != nil {
		c.finishLocked(run, models.TaskStatusFailed, fmt.Sprintf("checkpoint: %v", err))
		return
	}
	c.queue.PushItem(dispatchItem{taskID: run.state.TaskID, node: next, priority: run.state.Priority})
	c.wakeLoop()
}

// startFanOutLocked clones the root state into one branch per target
// and dispatches them concurrently.
func (c *Core) startFanOutLocked(run *taskRun, sel workflow.NodeSelection) {
	joinNode := c.graph.Node(sel.FanIn)
	if joinNode == nil || len(sel.Branches) == 0 {
		c.finishLocked(run, models.TaskStatusFailed, fmt.Sprintf("fan-out at %s has no usable join", run.state.CurrentNode))
		return
	}
	run.join = &fanIn{
		origin:   run.state.CurrentNode,
		join:     sel.FanIn,
		branches: sel.Branches,
		quorum:   joinNode.Quorum,
		done:     make(map[string]*models.TaskState, len(sel.Branches)),
	}
	run.branches = make(map[string]*models.TaskState, len(sel.Branches))
	run.state.Status = models.TaskStatusAwaitingFanIn
	if err := c.checkpointLocked(run); err != nil {
		c.finishLocked(run, models.TaskStatusFailed, fmt.Sprintf("checkpoint: %v", err))
		return
	}

	c.emitter.Emit(Event{Type: EventFanOut, TaskID: run.state.TaskID, Node: run.state.CurrentNode, Tier: run.state.Tier, Message: fmt.Sprintf("%d branches joining at %s", len(sel.Branches), sel.FanIn)})
	for _, branch := range sel.Branches {
		bs := run.state.Branch(branch, branch)
		run.branches[branch] = bs
		c.queue.PushItem(dispatchItem{taskID: run.state.TaskID, branchID: branch, node: branch, priority: run.state.Priority})
	}
	c.wakeLoop()
}

// advanceBranchLocked moves one branch past a succeeded node. A branch
// reports to the join when its edge rule reaches the join node or a
// terminal success; a terminal failure fails the whole task.
func (c *Core) advanceBranchLocked(run *taskRun, bs *models.TaskState) {
	if run.join == nil {
		return
	}
	sel, err := c.graph.Resolve(bs)
	if err != nil {
		c.failFromBranchLocked(run, fmt.Sprintf("branch %s: resolve: %v", bs.BranchID, err))
		return
	}
	switch sel.Kind {
	case workflow.SelectNext:
		if sel.Next == run.join.join {
			c.branchDoneLocked(run, bs)
			return
		}
		bs.CurrentNode = sel.Next
		bs.Status = models.TaskStatusQueued
		c.queue.PushItem(dispatchItem{taskID: run.state.TaskID, branchID: bs.BranchID, node: sel.Next, priority: bs.Priority})
		c.wakeLoop()
	case workflow.SelectTerminal:
		if sel.Outcome == models.TaskStatusSucceeded {
			c.branchDoneLocked(run, bs)
		} else {
			c.failFromBranchLocked(run, fmt.Sprintf("branch %s terminated at %s", bs.BranchID, bs.CurrentNode))
		}
	case workflow.SelectFanOut:
		c.failFromBranchLocked(run, fmt.Sprintf("branch %s: nested fan-out at %s is not supported", bs.BranchID, bs.CurrentNode))
	}
}

// branchDoneLocked records one branch as reported and fires the fan-in
// once the quorum (or all branches) are in.
func (c *Core) branchDoneLocked(run *taskRun, bs *models.TaskState) {
	join := run.join
	if join == nil {
		return
	}
	bs.Status = models.TaskStatusSucceeded
	join.done[bs.BranchID] = bs
	delete(run.branches, bs.BranchID)
	debugLog("fan-in: task %s branch %s reported (%d/%d)", run.state.TaskID, bs.BranchID, len(join.done), join.needed())
	if len(join.done) < join.needed() {
		return
	}

	// Quorum met. Late branches are discarded when their completions
	// find no live branch state.
	run.branches = nil
	run.join = nil

	// Deterministic merge: declaration order, later branches win on
	// payload key conflicts.
	for _, branch := range join.branches {
		done := join.done[branch]
		if done == nil {
			continue
		}
		c.mergePayloadLocked(run.state, done.Payload)
		run.state.History = append(run.state.History, done.History...)
	}
	run.state.CurrentNode = join.join
	run.state.Status = models.TaskStatusQueued
	c.emitter.Emit(Event{Type: EventFanIn, TaskID: run.state.TaskID, Node: join.join, Tier: run.state.Tier, Message: fmt.Sprintf("%d branches merged", len(join.done))})
	if err := c.checkpointLocked(run); err != nil {
		c.finishLocked(run, models.TaskStatusFailed, fmt.Sprintf("checkpoint: %v", err))
		return
	}
	c.queue.PushItem(dispatchItem{taskID: run.state.TaskID, node: join.join, priority: run.state.Priority})
	c.wakeLoop()
}

// failFromBranchLocked fails the whole task because one branch failed
// fatally. Sibling invocations are cancelled and never merged.
func (c *Core) failFromBranchLocked(run *taskRun, reason string) {
	run.branches = nil
	run.join = nil
	c.finishLocked(run, models.TaskStatusFailed, reason)
}

// retryLocked requeues a node visit after a transient failure, or hands
// the task to the escalation policy once retries are exhausted.
func (c *Core) retryLocked(run *taskRun, state *models.TaskState, node *workflow.Node, it dispatchItem, reason string) {
	attempts := state.IncrementRetries(node.ID)
	if attempts <= node.MaxRetries {
		delay := c.backoff(attempts)
		state.Status = models.TaskStatusQueued
		c.emitter.Emit(Event{Type: EventNodeRetry, TaskID: it.taskID, BranchID: it.branchID, Node: node.ID, Tier: state.Tier, Message: fmt.Sprintf("attempt %d of %d in %s", attempts, node.MaxRetries, delay)})
		if it.branchID == "" {
			if err := c.checkpointLocked(run); err != nil {
				c.finishLocked(run, models.TaskStatusFailed, fmt.Sprintf("checkpoint: %v", err))
				return
			}
		}
		c.scheduleRequeue(it, delay)
		return
	}
	c.handleExhaustedLocked(run, node, it, fmt.Sprintf("node %s exhausted %d retries: %s", node.ID, node.MaxRetries, reason))
}

// handleExhaustedLocked routes a task whose node can make no further
// progress: branches fail the task, the root consults the policy.
func (c *Core) handleExhaustedLocked(run *taskRun, node *workflow.Node, it dispatchItem, reason string) {
	if it.branchID != "" {
		c.failFromBranchLocked(run, reason)
		return
	}
	c.decideLocked(run, node, c.policy.OnExhausted(run.state, node, reason))
}

// decideLocked applies an escalation decision to the root task.
func (c *Core) decideLocked(run *taskRun, node *workflow.Node, d Decision) {
	if !d.Escalate {
		c.finishLocked(run, models.TaskStatusFailed, d.Reason)
		return
	}
	run.state.EscalationCount++
	run.state.Tier = d.Tier
	run.state.CurrentNode = d.Node
	run.state.Status = models.TaskStatusQueued
	c.emitter.Emit(Event{Type: EventTaskEscalated, TaskID: run.state.TaskID, Node: d.Node, Tier: d.Tier, Message: d.Reason})
	debugLog("escalate: task %s -> %s tier at node %s (%s)", run.state.TaskID, d.Tier, d.Node, d.Reason)
	if err := c.checkpointLocked(run); err != nil {
		c.finishLocked(run, models.TaskStatusFailed, fmt.Sprintf("checkpoint: %v", err))
		return
	}
	c.queue.PushItem(dispatchItem{taskID: run.state.TaskID, node: d.Node, priority: run.state.Priority})
	c.wakeLoop()
}

// finishLocked moves the root task to a terminal status, checkpoints
// the final state and, on failure, writes the audit record.
func (c *Core) finishLocked(run *taskRun, outcome models.TaskStatus, reason string) {
	if run.state.Status.Terminal() {
		return
	}
	now := time.Now()
	run.state.Status = outcome
	run.state.CompletedAt = &now
	if outcome == models.TaskStatusFailed {
		run.state.FailureReason = reason
	}
	run.cancel()
	c.queue.Drop(run.state.TaskID)

	if err := c.checkpointLocked(run); err != nil {
		debugLog("finish: checkpoint for %s failed: %v", run.state.TaskID, err)
	}
	if outcome == models.TaskStatusFailed {
		if err := c.store.RecordFailure(run.state.TaskID, reason); err != nil {
			debugLog("finish: failure audit for %s failed: %v", run.state.TaskID, err)
		}
		c.emitter.Emit(Event{Type: EventTaskFailed, TaskID: run.state.TaskID, Node: run.state.CurrentNode, Tier: run.state.Tier, Err: reason})
	} else {
		c.emitter.Emit(Event{Type: EventTaskSucceeded, TaskID: run.state.TaskID, Node: run.state.CurrentNode, Tier: run.state.Tier})
	}
	if c.retention > 0 {
		if _, err := c.store.Purge(c.retention); err != nil {
			debugLog("finish: purge failed: %v", err)
		}
	}
}

// checkpointLocked persists the root state at the next sequence.
func (c *Core) checkpointLocked(run *taskRun) error {
	run.seq++
	cp := &checkpoint.Checkpoint{
		TaskID:    run.state.TaskID,
		Seq:       run.seq,
		State:     run.state.Clone(),
		CreatedAt: time.Now(),
	}
	if err := c.store.Save(cp); err != nil {
		return fmt.Errorf("save checkpoint seq %d: %w", run.seq, err)
	}
	return nil
}

// backoff computes the delay before retry attempt n (1-based).
func (c *Core) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.cfg.BackoffBase) * math.Pow(c.cfg.BackoffFactor, float64(attempt-1)))
	if d > c.cfg.BackoffCap || d <= 0 {
		d = c.cfg.BackoffCap
	}
	return d
}

// scheduleRequeue re-enqueues an item after a retry backoff delay. The
// dispatch is stamped with a fresh sequence: a retried visit joins the
// back of its priority band. Timers that fire after shutdown are
// discarded.
func (c *Core) scheduleRequeue(it dispatchItem, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if c.pause.IsStopped() {
			return
		}
		c.mu.Lock()
		c.queue.PushItem(it)
		c.mu.Unlock()
		c.wakeLoop()
	})
}

// stateFor returns the loop-owned state an item or completion refers to.
func (c *Core) stateFor(run *taskRun, branchID string) *models.TaskState {
	if branchID == "" {
		return run.state
	}
	return run.branches[branchID]
}
