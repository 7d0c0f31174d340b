// Package checkpoint provides durable task-state snapshots for crash
// recovery and audit. One record exists per (task_id, sequence_number);
// sequences are strictly increasing per task and writes are atomic.
package checkpoint

import (
	"errors"
	"io"
	"time"

	"github.com/orchid-sh/orchid/pkg/models"
)

// ErrNotFound indicates no checkpoint exists for a task id.
var ErrNotFound = errors.New("no checkpoint for task")

// ErrStaleSequence indicates a checkpoint older than the latest persisted
// sequence was offered; missing that invariant means the scheduler's
// write-ahead discipline broke.
var ErrStaleSequence = errors.New("checkpoint sequence behind latest")

// Checkpoint is one durable snapshot of task state.
type Checkpoint struct {
	// TaskID is the task the snapshot belongs to.
	TaskID string `json:"task_id"`
	// Seq is the strictly increasing sequence number per task.
	Seq int64 `json:"seq"`
	// State is the task state at this sequence.
	State *models.TaskState `json:"state"`
	// CreatedAt is when the checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
}

// FailureRecord is the durable audit entry written on every
// Terminal-Failed transition.
type FailureRecord struct {
	// TaskID is the failed task.
	TaskID string `json:"task_id"`
	// Reason is the failure description.
	Reason string `json:"reason"`
	// CreatedAt is when the failure was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// Writer persists checkpoints and failure audits.
type Writer interface {
	// Save writes a checkpoint. Re-saving the latest sequence is a no-op;
	// a sequence behind the latest returns ErrStaleSequence.
	Save(cp *Checkpoint) error
	// RecordFailure writes the terminal-failure audit record.
	RecordFailure(taskID, reason string) error
}

// Reader loads checkpoints back.
type Reader interface {
	// Load returns the latest checkpoint for a task, or ErrNotFound.
	Load(taskID string) (*Checkpoint, error)
	// Replay reconstructs the latest task state for a task.
	Replay(taskID string) (*models.TaskState, error)
	// ListLatest returns the latest checkpoint of every known task.
	ListLatest() ([]*Checkpoint, error)
	// Failures returns all recorded failure audits for a task.
	Failures(taskID string) ([]*FailureRecord, error)
}

// Pruner trims checkpoint history.
type Pruner interface {
	// Purge deletes all but the newest keep sequences per task.
	// Returns the number of deleted rows. keep <= 0 is a no-op.
	Purge(keep int) (int64, error)
}

// Store is the full checkpoint store contract. The scheduler is the
// single writer per task id; readers may be concurrent.
type Store interface {
	io.Closer
	Writer
	Reader
	Pruner
}

// Compile-time verification that both implementations satisfy Store.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
