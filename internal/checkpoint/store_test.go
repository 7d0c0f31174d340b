package checkpoint

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/orchid-sh/orchid/pkg/models"
)

// openStores returns both implementations so every test runs against each.
func openStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func state(taskID, node string) *models.TaskState {
	return &models.TaskState{
		TaskID:      taskID,
		Payload:     map[string]any{"score": 85},
		Priority:    models.PriorityHigh,
		CurrentNode: node,
		Tier:        models.TierOperational,
		Status:      models.TaskStatusRunning,
	}
}

func TestSaveAndLoad(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Save(&Checkpoint{TaskID: "t-1", Seq: 1, State: state("t-1", "qualify")}); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := store.Save(&Checkpoint{TaskID: "t-1", Seq: 2, State: state("t-1", "propose")}); err != nil {
				t.Fatalf("save: %v", err)
			}

			cp, err := store.Load("t-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cp.Seq != 2 {
				t.Errorf("expected latest seq 2, got %d", cp.Seq)
			}
			if cp.State.CurrentNode != "propose" {
				t.Errorf("expected current node propose, got %s", cp.State.CurrentNode)
			}
			if cp.State.Payload["score"] != float64(85) && cp.State.Payload["score"] != 85 {
				t.Errorf("unexpected payload score: %v", cp.State.Payload["score"])
			}
		})
	}
}

func TestSaveIdempotentSameSeq(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Save(&Checkpoint{TaskID: "t-1", Seq: 1, State: state("t-1", "qualify")}); err != nil {
				t.Fatalf("save: %v", err)
			}
			// Re-saving the same sequence is a no-op, not an error.
			if err := store.Save(&Checkpoint{TaskID: "t-1", Seq: 1, State: state("t-1", "other")}); err != nil {
				t.Fatalf("re-save same seq: %v", err)
			}

			cp, err := store.Load("t-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cp.State.CurrentNode != "qualify" {
				t.Errorf("re-save must not overwrite; got node %s", cp.State.CurrentNode)
			}
		})
	}
}

func TestSaveRejectsStaleSeq(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Save(&Checkpoint{TaskID: "t-1", Seq: 3, State: state("t-1", "qualify")}); err != nil {
				t.Fatalf("save: %v", err)
			}
			err := store.Save(&Checkpoint{TaskID: "t-1", Seq: 2, State: state("t-1", "propose")})
			if !errors.Is(err, ErrStaleSequence) {
				t.Errorf("expected ErrStaleSequence, got %v", err)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Load("ghost"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestReplayReconstructsState(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			s := state("t-1", "review")
			s.Tier = models.TierManagement
			s.EscalationCount = 1
			s.History = []models.HistoryEntry{
				{Node: "qualify", Outcome: "success"},
				{Node: "propose", Outcome: "success"},
			}
			if err := store.Save(&Checkpoint{TaskID: "t-1", Seq: 5, State: s}); err != nil {
				t.Fatalf("save: %v", err)
			}

			got, err := store.Replay("t-1")
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if got.CurrentNode != "review" {
				t.Errorf("expected node review, got %s", got.CurrentNode)
			}
			if got.Tier != models.TierManagement {
				t.Errorf("expected management tier, got %s", got.Tier)
			}
			if len(got.History) != 2 {
				t.Errorf("expected 2 history entries, got %d", len(got.History))
			}
			if got.EscalationCount != 1 {
				t.Errorf("expected escalation count 1, got %d", got.EscalationCount)
			}
		})
	}
}

func TestListLatest(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			store.Save(&Checkpoint{TaskID: "a", Seq: 1, State: state("a", "qualify")})
			store.Save(&Checkpoint{TaskID: "a", Seq: 2, State: state("a", "propose")})
			store.Save(&Checkpoint{TaskID: "b", Seq: 1, State: state("b", "audit")})

			latest, err := store.ListLatest()
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(latest) != 2 {
				t.Fatalf("expected 2 tasks, got %d", len(latest))
			}
			// Sorted by task id.
			if latest[0].TaskID != "a" || latest[0].Seq != 2 {
				t.Errorf("unexpected first entry: %s seq %d", latest[0].TaskID, latest[0].Seq)
			}
			if latest[1].TaskID != "b" || latest[1].Seq != 1 {
				t.Errorf("unexpected second entry: %s seq %d", latest[1].TaskID, latest[1].Seq)
			}
		})
	}
}

func TestFailureAudit(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.RecordFailure("t-1", "escalation budget exhausted"); err != nil {
				t.Fatalf("record failure: %v", err)
			}

			failures, err := store.Failures("t-1")
			if err != nil {
				t.Fatalf("failures: %v", err)
			}
			if len(failures) != 1 {
				t.Fatalf("expected 1 failure record, got %d", len(failures))
			}
			if failures[0].Reason != "escalation budget exhausted" {
				t.Errorf("unexpected reason: %s", failures[0].Reason)
			}
		})
	}
}

func TestPurgeKeepsNewest(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for seq := int64(1); seq <= 10; seq++ {
				if err := store.Save(&Checkpoint{TaskID: "t-1", Seq: seq, State: state("t-1", "qualify")}); err != nil {
					t.Fatalf("save seq %d: %v", seq, err)
				}
			}

			deleted, err := store.Purge(3)
			if err != nil {
				t.Fatalf("purge: %v", err)
			}
			if deleted != 7 {
				t.Errorf("expected 7 deleted, got %d", deleted)
			}

			cp, err := store.Load("t-1")
			if err != nil {
				t.Fatalf("load after purge: %v", err)
			}
			if cp.Seq != 10 {
				t.Errorf("expected latest seq 10 preserved, got %d", cp.Seq)
			}
		})
	}
}

func TestPurgeZeroIsNoOp(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			store.Save(&Checkpoint{TaskID: "t-1", Seq: 1, State: state("t-1", "qualify")})
			deleted, err := store.Purge(0)
			if err != nil {
				t.Fatalf("purge: %v", err)
			}
			if deleted != 0 {
				t.Errorf("expected no deletions, got %d", deleted)
			}
		})
	}
}
