package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orchid-sh/orchid/internal/config"
)

// AlertKind classifies a threshold breach.
type AlertKind string

const (
	// AlertLowSuccessRate fires per agent whose windowed success rate
	// sits under the threshold with at least one task in the window.
	AlertLowSuccessRate AlertKind = "low_success_rate"
	// AlertHighErrorRate fires when the system-wide failure rate
	// crosses the threshold.
	AlertHighErrorRate AlertKind = "high_error_rate"
	// AlertCPU fires when externally fed CPU usage crosses the threshold.
	AlertCPU AlertKind = "cpu"
	// AlertMemory fires when externally fed memory usage crosses the threshold.
	AlertMemory AlertKind = "memory"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one threshold breach observed during a window evaluation.
type Alert struct {
	// Kind classifies the breach.
	Kind AlertKind `json:"kind"`
	// Agent is set for per-agent alerts.
	Agent string `json:"agent,omitempty"`
	// Message describes the breach.
	Message string `json:"message"`
	// Severity grades the breach.
	Severity Severity `json:"severity"`
	// Timestamp is when the evaluation observed the breach.
	Timestamp time.Time `json:"timestamp"`
}

// AlertEngine evaluates thresholds against the collector on each window
// cadence. Alerts are not deduplicated: a condition that persists
// alerts again on every evaluation.
type AlertEngine struct {
	collector *Collector
	cfg       config.MetricsConfig

	mu sync.RWMutex
	// cpu and mem are system usage percentages fed externally; the
	// engine does no sampling of its own.
	cpu, mem float64
	history  []Alert
	active   []Alert
}

// NewAlertEngine wires an engine to a collector. Zero thresholds take
// the configured defaults.
func NewAlertEngine(c *Collector, cfg config.MetricsConfig) *AlertEngine {
	defaults := config.Default().Metrics
	if cfg.SuccessRateThreshold <= 0 {
		cfg.SuccessRateThreshold = defaults.SuccessRateThreshold
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = defaults.ErrorRateThreshold
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = defaults.CPUThreshold
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = defaults.MemoryThreshold
	}
	return &AlertEngine{collector: c, cfg: cfg}
}

// SetSystemUsage feeds the current CPU and memory usage percentages.
func (e *AlertEngine) SetSystemUsage(cpu, mem float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cpu, e.mem = cpu, mem
}

// Evaluate runs one window rollover: every breached threshold yields
// one alert. The returned slice becomes the active set.
func (e *AlertEngine) Evaluate(window time.Duration) []Alert {
	now := e.collector.now()
	var alerts []Alert

	e.mu.RLock()
	cpu, mem := e.cpu, e.mem
	e.mu.RUnlock()

	if cpu > e.cfg.CPUThreshold {
		alerts = append(alerts, Alert{
			Kind:      AlertCPU,
			Message:   fmt.Sprintf("cpu usage %.1f%% above %.1f%%", cpu, e.cfg.CPUThreshold),
			Severity:  SeverityCritical,
			Timestamp: now,
		})
	}
	if mem > e.cfg.MemoryThreshold {
		alerts = append(alerts, Alert{
			Kind:      AlertMemory,
			Message:   fmt.Sprintf("memory usage %.1f%% above %.1f%%", mem, e.cfg.MemoryThreshold),
			Severity:  SeverityCritical,
			Timestamp: now,
		})
	}

	system := e.collector.SystemStats(window)
	if system.TaskCount > 0 {
		errorRate := float64(system.Failures) / float64(system.TaskCount)
		if errorRate > e.cfg.ErrorRateThreshold {
			alerts = append(alerts, Alert{
				Kind:      AlertHighErrorRate,
				Message:   fmt.Sprintf("error rate %.2f above %.2f over %s", errorRate, e.cfg.ErrorRateThreshold, window),
				Severity:  SeverityCritical,
				Timestamp: now,
			})
		}
	}

	for _, score := range e.collector.Rank(window) {
		if score.Stats.TaskCount > 0 && score.Stats.SuccessRate < e.cfg.SuccessRateThreshold {
			alerts = append(alerts, Alert{
				Kind:      AlertLowSuccessRate,
				Agent:     score.Agent,
				Message:   fmt.Sprintf("agent %s success rate %.2f below %.2f over %s", score.Agent, score.Stats.SuccessRate, e.cfg.SuccessRateThreshold, window),
				Severity:  SeverityWarning,
				Timestamp: now,
			})
		}
	}

	e.mu.Lock()
	e.active = alerts
	e.history = append(e.history, alerts...)
	e.mu.Unlock()
	return alerts
}

// Active returns the alerts from the most recent evaluation.
func (e *AlertEngine) Active() []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Alert, len(e.active))
	copy(out, e.active)
	return out
}

// History returns every alert raised since the engine started.
func (e *AlertEngine) History() []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Alert, len(e.history))
	copy(out, e.history)
	return out
}

// Run evaluates every configured window until ctx is cancelled. The
// cadence is the smallest window, capped at one minute.
func (e *AlertEngine) Run(ctx context.Context) {
	windows := e.collector.Windows()
	interval := windows[0]
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, w := range windows {
				e.Evaluate(w)
			}
		}
	}
}
