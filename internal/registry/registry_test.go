package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/orchid-sh/orchid/pkg/models"
)

func okExecutor() AgentExecutor {
	return ExecutorFunc(func(ctx context.Context, inv Invocation) (*models.Result, error) {
		return &models.Result{Status: models.ResultSuccess}, nil
	})
}

func register(t *testing.T, r *Registry, id string, tier models.Tier, tags []string, limit int) {
	t.Helper()
	err := r.Register(models.AgentDescriptor{
		ID:               id,
		Tier:             tier,
		CapabilityTags:   tags,
		ConcurrencyLimit: limit,
	}, okExecutor())
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New(3)

	if err := r.Register(models.AgentDescriptor{Tier: models.TierOperational, ConcurrencyLimit: 1}, okExecutor()); err == nil {
		t.Error("expected error for empty id")
	}
	if err := r.Register(models.AgentDescriptor{ID: "a", Tier: models.TierOperational}, okExecutor()); err == nil {
		t.Error("expected error for zero concurrency limit")
	}
	if err := r.Register(models.AgentDescriptor{ID: "a", Tier: "intern", ConcurrencyLimit: 1}, okExecutor()); err == nil {
		t.Error("expected error for invalid tier")
	}
	if err := r.Register(models.AgentDescriptor{ID: "a", Tier: models.TierOperational, ConcurrencyLimit: 1}, nil); err == nil {
		t.Error("expected error for nil executor")
	}

	register(t, r, "a", models.TierOperational, []string{"seo"}, 1)
	if err := r.Register(models.AgentDescriptor{ID: "a", Tier: models.TierOperational, ConcurrencyLimit: 1}, okExecutor()); err == nil {
		t.Error("expected error for duplicate id")
	}
}

func TestResolvePrefersExactTier(t *testing.T) {
	r := New(3)
	register(t, r, "ops-agent", models.TierOperational, []string{"audit"}, 2)
	register(t, r, "mgmt-agent", models.TierManagement, []string{"audit"}, 2)

	res, err := r.Resolve("audit", models.TierManagement)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Descriptor.ID != "mgmt-agent" {
		t.Errorf("expected mgmt-agent, got %s", res.Descriptor.ID)
	}

	res, err = r.Resolve("audit", models.TierOperational)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Descriptor.ID != "ops-agent" {
		t.Errorf("expected ops-agent, got %s", res.Descriptor.ID)
	}
}

func TestResolveFallsBackAcrossTiers(t *testing.T) {
	r := New(3)
	register(t, r, "mgmt-agent", models.TierManagement, []string{"audit"}, 2)

	res, err := r.Resolve("audit", models.TierOperational)
	if err != nil {
		t.Fatalf("expected cross-tier fallback, got %v", err)
	}
	if res.Descriptor.ID != "mgmt-agent" {
		t.Errorf("expected mgmt-agent, got %s", res.Descriptor.ID)
	}
}

func TestResolveSkipsUnavailable(t *testing.T) {
	r := New(1)
	register(t, r, "a", models.TierOperational, []string{"seo"}, 2)

	// Two failures at threshold 1: Healthy -> Degraded -> Unavailable.
	r.RecordProbeFailure("a")
	r.RecordProbeFailure("a")
	if h := r.Health("a"); h != models.AgentUnavailable {
		t.Fatalf("expected unavailable, got %s", h)
	}

	if _, err := r.Resolve("seo", models.TierOperational); !errors.Is(err, ErrAgentUnavailable) {
		t.Errorf("expected ErrAgentUnavailable, got %v", err)
	}
}

func TestResolveSubstituteTag(t *testing.T) {
	r := New(3)
	register(t, r, "generalist", models.TierOperational, []string{"general_analysis"}, 2)
	r.SetSubstitute("seo", "general_analysis")

	res, err := r.Resolve("seo", models.TierOperational)
	if err != nil {
		t.Fatalf("expected substitute resolution, got %v", err)
	}
	if res.Descriptor.ID != "generalist" {
		t.Errorf("expected generalist, got %s", res.Descriptor.ID)
	}
}

func TestResolvePrefersLeastLoaded(t *testing.T) {
	r := New(3)
	register(t, r, "a", models.TierOperational, []string{"seo"}, 4)
	register(t, r, "b", models.TierOperational, []string{"seo"}, 4)

	if !r.TryAcquire("a") || !r.TryAcquire("a") {
		t.Fatal("acquire failed")
	}
	if !r.TryAcquire("b") {
		t.Fatal("acquire failed")
	}

	res, err := r.Resolve("seo", models.TierOperational)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Descriptor.ID != "b" {
		t.Errorf("expected least-loaded agent b, got %s", res.Descriptor.ID)
	}
}

func TestTryAcquireEnforcesLimit(t *testing.T) {
	r := New(3)
	register(t, r, "a", models.TierOperational, []string{"seo"}, 2)

	if !r.TryAcquire("a") || !r.TryAcquire("a") {
		t.Fatal("expected two acquisitions to succeed")
	}
	if r.TryAcquire("a") {
		t.Error("expected third acquisition to fail at limit 2")
	}
	r.Release("a")
	if !r.TryAcquire("a") {
		t.Error("expected acquisition after release")
	}
	if r.InFlight("a") != 2 {
		t.Errorf("expected in-flight 2, got %d", r.InFlight("a"))
	}
}

func TestHealthHysteresis(t *testing.T) {
	r := New(3)
	register(t, r, "a", models.TierOperational, []string{"seo"}, 1)

	// Two failures: no change yet.
	r.RecordProbeFailure("a")
	r.RecordProbeFailure("a")
	if h := r.Health("a"); h != models.AgentHealthy {
		t.Errorf("expected healthy after 2 failures, got %s", h)
	}

	// Third consecutive failure degrades.
	r.RecordProbeFailure("a")
	if h := r.Health("a"); h != models.AgentDegraded {
		t.Errorf("expected degraded after 3 failures, got %s", h)
	}

	// Three more drop to unavailable.
	r.RecordProbeFailure("a")
	r.RecordProbeFailure("a")
	r.RecordProbeFailure("a")
	if h := r.Health("a"); h != models.AgentUnavailable {
		t.Errorf("expected unavailable after 6 failures, got %s", h)
	}

	// One success recovers one level only, never straight to healthy.
	r.RecordProbeSuccess("a")
	if h := r.Health("a"); h != models.AgentDegraded {
		t.Errorf("expected degraded after recovery, got %s", h)
	}
	r.RecordProbeSuccess("a")
	if h := r.Health("a"); h != models.AgentHealthy {
		t.Errorf("expected healthy after second recovery, got %s", h)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	r := New(3)
	register(t, r, "a", models.TierOperational, []string{"seo"}, 1)

	r.RecordProbeFailure("a")
	r.RecordProbeFailure("a")
	r.RecordProbeSuccess("a")
	// Streak reset: two more failures must not degrade.
	r.RecordProbeFailure("a")
	r.RecordProbeFailure("a")
	if h := r.Health("a"); h != models.AgentHealthy {
		t.Errorf("expected healthy after streak reset, got %s", h)
	}
}

type failingProber struct {
	fail bool
}

func (p *failingProber) Process(ctx context.Context, inv Invocation) (*models.Result, error) {
	return &models.Result{Status: models.ResultSuccess}, nil
}

func (p *failingProber) Ping(ctx context.Context) error {
	if p.fail {
		return errors.New("probe failed")
	}
	return nil
}

func TestHealthCheckUsesProber(t *testing.T) {
	r := New(1)
	prober := &failingProber{fail: true}
	if err := r.Register(models.AgentDescriptor{
		ID:               "a",
		Tier:             models.TierOperational,
		CapabilityTags:   []string{"seo"},
		ConcurrencyLimit: 1,
	}, prober); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.HealthCheck(context.Background())
	if h := r.Health("a"); h != models.AgentDegraded {
		t.Errorf("expected degraded after failed probe at threshold 1, got %s", h)
	}

	prober.fail = false
	r.HealthCheck(context.Background())
	if h := r.Health("a"); h != models.AgentHealthy {
		t.Errorf("expected healthy after successful probe, got %s", h)
	}
}
