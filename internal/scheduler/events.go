// Package scheduler executes the workflow graph: it dispatches ready
// nodes to agents, enforces per-agent concurrency, manages retries,
// timeouts and escalation, checkpoints after every transition, and emits
// task-lifecycle events.
package scheduler

import (
	"time"

	"github.com/orchid-sh/orchid/pkg/models"
)

// EventType represents the type of scheduler event.
type EventType string

const (
	// EventTaskSubmitted indicates a task entered the scheduler.
	EventTaskSubmitted EventType = "task_submitted"
	// EventTaskDispatched indicates a node was handed to an agent.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskRequeued indicates a dispatch was deferred by backpressure.
	EventTaskRequeued EventType = "task_requeued"
	// EventNodeSucceeded indicates a node visit completed successfully.
	EventNodeSucceeded EventType = "node_succeeded"
	// EventNodeFailed indicates a node visit failed (transient or fatal).
	EventNodeFailed EventType = "node_failed"
	// EventNodeRetry indicates a failed node visit will be retried.
	EventNodeRetry EventType = "node_retry"
	// EventNodeTimeout indicates a node visit hit its deadline.
	EventNodeTimeout EventType = "node_timeout"
	// EventTaskEscalated indicates a task moved to a higher tier.
	EventTaskEscalated EventType = "task_escalated"
	// EventFanOut indicates a task split into parallel branches.
	EventFanOut EventType = "fan_out"
	// EventFanIn indicates all (or a quorum of) branches reported.
	EventFanIn EventType = "fan_in"
	// EventTaskSucceeded indicates a task reached Terminal-Success.
	EventTaskSucceeded EventType = "task_succeeded"
	// EventTaskFailed indicates a task reached Terminal-Failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskCancelled indicates a task was cancelled by a caller.
	EventTaskCancelled EventType = "task_cancelled"
	// EventTaskResumed indicates a task was resumed from a checkpoint.
	EventTaskResumed EventType = "task_resumed"
)

// Event represents a lifecycle event emitted by the scheduler. Events
// for one task preserve the order the scheduler observed; cross-task
// ordering is not guaranteed.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the ID of the related task.
	TaskID string
	// BranchID is the fan-out branch, if the event concerns one.
	BranchID string
	// Node is the workflow node involved, if applicable.
	Node string
	// AgentID is the agent that processed the node, if applicable.
	AgentID string
	// Tier is the tier the task was at when the event occurred.
	Tier models.Tier
	// Message provides additional context about the event.
	Message string
	// Err contains error details for failure events.
	Err string
	// Duration is the agent execution time for node outcome events.
	Duration time.Duration
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
