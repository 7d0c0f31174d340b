package models

import (
	"testing"
	"time"
)

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{TaskStatusQueued, TaskStatusRunning, TaskStatusAwaitingFanIn, TaskStatusSucceeded, TaskStatusFailed}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if TaskStatus("bogus").Valid() {
		t.Error("expected bogus status to be invalid")
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	if !TaskStatusSucceeded.Terminal() || !TaskStatusFailed.Terminal() {
		t.Error("expected succeeded and failed to be terminal")
	}
	if TaskStatusRunning.Terminal() || TaskStatusQueued.Terminal() {
		t.Error("expected running and queued to be non-terminal")
	}
}

func TestPriorityRankOrdering(t *testing.T) {
	if !(PriorityLow.Rank() < PriorityMedium.Rank() &&
		PriorityMedium.Rank() < PriorityHigh.Rank() &&
		PriorityHigh.Rank() < PriorityCritical.Rank()) {
		t.Error("priority ranks are not strictly increasing")
	}
	if Priority("bogus").Rank() != PriorityMedium.Rank() {
		t.Error("unknown priority should rank as medium")
	}
}

func TestTaskStateClone(t *testing.T) {
	now := time.Now()
	orig := &TaskState{
		TaskID:      "t-1",
		Payload:     map[string]any{"score": 85},
		Priority:    PriorityHigh,
		CurrentNode: "qualify",
		Tier:        TierOperational,
		History:     []HistoryEntry{{Node: "qualify", Timestamp: now, Outcome: "success"}},
		RetryCount:  map[string]int{"qualify": 1},
		Status:      TaskStatusRunning,
	}

	c := orig.Clone()
	c.Payload["score"] = 10
	c.RetryCount["qualify"] = 9
	c.History[0].Outcome = "mutated"

	if orig.Payload["score"] != 85 {
		t.Error("clone shares payload map with original")
	}
	if orig.RetryCount["qualify"] != 1 {
		t.Error("clone shares retry map with original")
	}
	if orig.History[0].Outcome != "success" {
		t.Error("clone shares history slice with original")
	}
}

func TestTaskStateBranch(t *testing.T) {
	orig := &TaskState{
		TaskID:      "t-1",
		Payload:     map[string]any{"region": "emea"},
		CurrentNode: "parallel_analysis",
		Tier:        TierOperational,
		History:     []HistoryEntry{{Node: "intake", Outcome: "success"}},
		RetryCount:  map[string]int{"intake": 2},
		Status:      TaskStatusAwaitingFanIn,
	}

	b := orig.Branch("b1", "seo_audit")
	if b.BranchID != "b1" {
		t.Errorf("expected branch id b1, got %s", b.BranchID)
	}
	if b.CurrentNode != "seo_audit" {
		t.Errorf("expected current node seo_audit, got %s", b.CurrentNode)
	}
	if len(b.History) != 0 {
		t.Error("branch should start with empty history")
	}
	if b.Retries("intake") != 0 {
		t.Error("branch should start with empty retry counters")
	}
	if b.Status != TaskStatusQueued {
		t.Errorf("expected branch status queued, got %s", b.Status)
	}
	if b.Payload["region"] != "emea" {
		t.Error("branch should carry the payload")
	}
}

func TestRetryCounters(t *testing.T) {
	s := &TaskState{TaskID: "t-1"}
	if s.Retries("audit") != 0 {
		t.Error("expected zero retries initially")
	}
	if n := s.IncrementRetries("audit"); n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
	if n := s.IncrementRetries("audit"); n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
	s.ResetRetries("audit")
	if s.Retries("audit") != 0 {
		t.Error("expected zero retries after reset")
	}
}

func TestRecordVisitAppends(t *testing.T) {
	s := &TaskState{TaskID: "t-1"}
	at := time.Now()
	s.RecordVisit("qualify", "success", at)
	s.RecordVisit("propose", "transient_error", at)

	if len(s.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(s.History))
	}
	if s.History[0].Node != "qualify" || s.History[1].Node != "propose" {
		t.Error("history entries out of order")
	}
}
