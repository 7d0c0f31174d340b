package checkpoint

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orchid-sh/orchid/pkg/models"
)

// MemoryStore is an in-memory Store used in tests and for ephemeral runs
// where durability is not required. Semantics match SQLiteStore.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]*Checkpoint
	failures    map[string][]*FailureRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string][]*Checkpoint),
		failures:    make(map[string][]*FailureRecord),
	}
}

// Save writes a checkpoint with the same idempotency and ordering rules
// as the SQLite store.
func (m *MemoryStore) Save(cp *Checkpoint) error {
	if cp.TaskID == "" {
		return fmt.Errorf("checkpoint task id must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.checkpoints[cp.TaskID]
	if len(existing) > 0 {
		latest := existing[len(existing)-1].Seq
		if cp.Seq == latest {
			return nil // idempotent re-save
		}
		if cp.Seq < latest {
			return fmt.Errorf("%w: task %s seq %d < %d", ErrStaleSequence, cp.TaskID, cp.Seq, latest)
		}
	}

	saved := &Checkpoint{
		TaskID:    cp.TaskID,
		Seq:       cp.Seq,
		State:     cp.State.Clone(),
		CreatedAt: cp.CreatedAt,
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now()
	}
	m.checkpoints[cp.TaskID] = append(existing, saved)
	return nil
}

// Load returns the latest checkpoint for a task.
func (m *MemoryStore) Load(taskID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.checkpoints[taskID]
	if len(cps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	latest := cps[len(cps)-1]
	return &Checkpoint{
		TaskID:    latest.TaskID,
		Seq:       latest.Seq,
		State:     latest.State.Clone(),
		CreatedAt: latest.CreatedAt,
	}, nil
}

// Replay reconstructs the latest task state for a task.
func (m *MemoryStore) Replay(taskID string) (*models.TaskState, error) {
	cp, err := m.Load(taskID)
	if err != nil {
		return nil, err
	}
	return cp.State, nil
}

// ListLatest returns the latest checkpoint of every known task.
func (m *MemoryStore) ListLatest() ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Checkpoint
	for _, cps := range m.checkpoints {
		latest := cps[len(cps)-1]
		out = append(out, &Checkpoint{
			TaskID:    latest.TaskID,
			Seq:       latest.Seq,
			State:     latest.State.Clone(),
			CreatedAt: latest.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// RecordFailure writes the terminal-failure audit record.
func (m *MemoryStore) RecordFailure(taskID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures[taskID] = append(m.failures[taskID], &FailureRecord{
		TaskID:    taskID,
		Reason:    reason,
		CreatedAt: time.Now(),
	})
	return nil
}

// Failures returns all recorded failure audits for a task.
func (m *MemoryStore) Failures(taskID string) ([]*FailureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*FailureRecord, len(m.failures[taskID]))
	copy(out, m.failures[taskID])
	return out, nil
}

// Purge deletes all but the newest keep sequences per task.
func (m *MemoryStore) Purge(keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, cps := range m.checkpoints {
		if len(cps) > keep {
			deleted += int64(len(cps) - keep)
			m.checkpoints[id] = cps[len(cps)-keep:]
		}
	}
	return deleted, nil
}

// Count returns how many checkpoints exist for a task (test helper).
func (m *MemoryStore) Count(taskID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checkpoints[taskID])
}

// Close implements io.Closer; the memory store has nothing to release.
func (m *MemoryStore) Close() error {
	return nil
}
