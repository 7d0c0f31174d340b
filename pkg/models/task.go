package models

import (
	"maps"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting for dispatch.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusRunning indicates the task is being processed by an agent.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusAwaitingFanIn indicates the task is waiting on parallel branches.
	TaskStatusAwaitingFanIn TaskStatus = "awaiting_fan_in"
	// TaskStatusSucceeded indicates the task reached a terminal success.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the task reached a terminal failure.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusAwaitingFanIn,
		TaskStatusSucceeded, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is one of the two terminal states.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// Priority represents the scheduling priority of a task.
type Priority string

const (
	// PriorityLow is for background work.
	PriorityLow Priority = "low"
	// PriorityMedium is the default priority.
	PriorityMedium Priority = "medium"
	// PriorityHigh is for time-sensitive work.
	PriorityHigh Priority = "high"
	// PriorityCritical preempts all other queued work.
	PriorityCritical Priority = "critical"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Rank returns the numeric weight of the priority. Higher ranks dispatch
// first. Unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// HistoryEntry records one node visit in a task's lifetime.
type HistoryEntry struct {
	// Node is the workflow node that was executed.
	Node string `json:"node"`
	// Timestamp is when the node outcome was recorded.
	Timestamp time.Time `json:"timestamp"`
	// Outcome describes how the visit ended (success, transient_error, ...).
	Outcome string `json:"outcome"`
}

// TaskState is the complete state of a task moving through the workflow.
// It is owned exclusively by the scheduler's dispatch loop during execution;
// everything handed to agents or the checkpoint store is a Clone.
type TaskState struct {
	// TaskID is the unique identifier for this task.
	TaskID string `json:"task_id"`
	// BranchID identifies a fan-out branch; empty for the root task.
	BranchID string `json:"branch_id,omitempty"`
	// Payload is the opaque task data agents read and extend.
	Payload map[string]any `json:"payload"`
	// Priority controls dispatch ordering.
	Priority Priority `json:"priority"`
	// CurrentNode is the workflow node the task sits at. For terminal
	// tasks it holds the terminal status marker.
	CurrentNode string `json:"current_node"`
	// Tier is the hierarchy level the task currently executes at.
	// It never decreases except through an explicit reset transition.
	Tier Tier `json:"tier"`
	// History is the append-only record of node visits.
	History []HistoryEntry `json:"history"`
	// RetryCount tracks per-node retry attempts.
	RetryCount map[string]int `json:"retry_count,omitempty"`
	// EscalationCount is the number of tier escalations taken so far.
	EscalationCount int `json:"escalation_count"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// FailureReason holds the reason for a terminal failure, if any.
	FailureReason string `json:"failure_reason,omitempty"`
	// SubmittedAt is when the task entered the scheduler.
	SubmittedAt time.Time `json:"submitted_at"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task state. Payload values are copied
// at the top level only; agents treat payload contents as immutable.
func (t *TaskState) Clone() *TaskState {
	c := *t
	c.Payload = maps.Clone(t.Payload)
	c.RetryCount = maps.Clone(t.RetryCount)
	c.History = make([]HistoryEntry, len(t.History))
	copy(c.History, t.History)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Branch returns a copy of the state for a fan-out branch. The branch
// shares the payload contents but carries branch-local history and retry
// counters.
func (t *TaskState) Branch(branchID, node string) *TaskState {
	b := t.Clone()
	b.BranchID = branchID
	b.CurrentNode = node
	b.History = nil
	b.RetryCount = make(map[string]int)
	b.Status = TaskStatusQueued
	return b
}

// RecordVisit appends a history entry for the given node and outcome.
func (t *TaskState) RecordVisit(node, outcome string, at time.Time) {
	t.History = append(t.History, HistoryEntry{Node: node, Timestamp: at, Outcome: outcome})
}

// Retries returns the retry count for a node.
func (t *TaskState) Retries(node string) int {
	if t.RetryCount == nil {
		return 0
	}
	return t.RetryCount[node]
}

// IncrementRetries bumps the retry count for a node and returns the new value.
func (t *TaskState) IncrementRetries(node string) int {
	if t.RetryCount == nil {
		t.RetryCount = make(map[string]int)
	}
	t.RetryCount[node]++
	return t.RetryCount[node]
}

// ResetRetries clears the retry count for a node after a successful visit.
func (t *TaskState) ResetRetries(node string) {
	if t.RetryCount != nil {
		delete(t.RetryCount, node)
	}
}
