package metrics

import (
	"testing"
	"time"

	"github.com/orchid-sh/orchid/internal/config"
)

func testMetricsConfig() config.MetricsConfig {
	return config.MetricsConfig{
		Windows:              []time.Duration{time.Hour},
		SuccessRateThreshold: 0.8,
		ErrorRateThreshold:   0.2,
		CPUThreshold:         90.0,
		MemoryThreshold:      90.0,
	}
}

func TestLowSuccessRateAlertPerAgent(t *testing.T) {
	c, _ := clockedCollector([]time.Duration{time.Hour})
	engine := NewAlertEngine(c, testMetricsConfig())

	// healthy-1 at 1.0, flaky-1 at 0.5.
	c.Record("healthy-1", true, time.Millisecond)
	c.Record("healthy-1", true, time.Millisecond)
	c.Record("healthy-1", true, time.Millisecond)
	c.Record("healthy-1", true, time.Millisecond)
	c.Record("flaky-1", true, time.Millisecond)
	c.Record("flaky-1", false, time.Millisecond)

	alerts := engine.Evaluate(time.Hour)

	var flaky, healthy int
	for _, a := range alerts {
		if a.Kind != AlertLowSuccessRate {
			continue
		}
		switch a.Agent {
		case "flaky-1":
			flaky++
		case "healthy-1":
			healthy++
		}
	}
	if flaky != 1 {
		t.Errorf("flaky-1 low_success_rate alerts = %d, want 1", flaky)
	}
	if healthy != 0 {
		t.Errorf("healthy-1 alerted %d times, want 0", healthy)
	}
}

func TestNoSuccessRateAlertForIdleAgent(t *testing.T) {
	c, clk := clockedCollector([]time.Duration{time.Hour})
	engine := NewAlertEngine(c, testMetricsConfig())

	// The agent's only sample ages out of the window entirely.
	c.Record("idle-1", false, time.Millisecond)
	clk.advance(2 * time.Hour)

	for _, a := range engine.Evaluate(time.Hour) {
		if a.Kind == AlertLowSuccessRate {
			t.Errorf("alert for agent with zero windowed tasks: %+v", a)
		}
	}
}

func TestAlertsAreNotDeduplicatedAcrossEvaluations(t *testing.T) {
	c, _ := clockedCollector([]time.Duration{time.Hour})
	engine := NewAlertEngine(c, testMetricsConfig())
	c.Record("flaky-1", false, time.Millisecond)

	first := engine.Evaluate(time.Hour)
	second := engine.Evaluate(time.Hour)
	if len(first) == 0 || len(second) == 0 {
		t.Fatal("persisting condition stopped alerting")
	}
	if got := len(engine.History()); got != len(first)+len(second) {
		t.Errorf("history has %d alerts, want %d", got, len(first)+len(second))
	}
	if got := len(engine.Active()); got != len(second) {
		t.Errorf("active set has %d alerts, want the latest evaluation's %d", got, len(second))
	}
}

func TestSystemErrorRateAlert(t *testing.T) {
	c, _ := clockedCollector([]time.Duration{time.Hour})
	engine := NewAlertEngine(c, testMetricsConfig())

	// 40% failures across agents, threshold 20%.
	c.Record("a", true, time.Millisecond)
	c.Record("a", true, time.Millisecond)
	c.Record("a", true, time.Millisecond)
	c.Record("b", false, time.Millisecond)
	c.Record("b", false, time.Millisecond)

	var found bool
	for _, a := range engine.Evaluate(time.Hour) {
		if a.Kind == AlertHighErrorRate {
			found = true
			if a.Severity != SeverityCritical {
				t.Errorf("error rate severity = %s, want critical", a.Severity)
			}
		}
	}
	if !found {
		t.Error("no high_error_rate alert for a 40% failure rate")
	}
}

func TestResourceUsageAlerts(t *testing.T) {
	c, _ := clockedCollector([]time.Duration{time.Hour})
	engine := NewAlertEngine(c, testMetricsConfig())

	engine.SetSystemUsage(95.0, 50.0)
	kinds := map[AlertKind]bool{}
	for _, a := range engine.Evaluate(time.Hour) {
		kinds[a.Kind] = true
	}
	if !kinds[AlertCPU] {
		t.Error("no cpu alert at 95% usage")
	}
	if kinds[AlertMemory] {
		t.Error("memory alert at 50% usage")
	}

	engine.SetSystemUsage(10.0, 99.0)
	kinds = map[AlertKind]bool{}
	for _, a := range engine.Evaluate(time.Hour) {
		kinds[a.Kind] = true
	}
	if kinds[AlertCPU] {
		t.Error("cpu alert at 10% usage")
	}
	if !kinds[AlertMemory] {
		t.Error("no memory alert at 99% usage")
	}
}
