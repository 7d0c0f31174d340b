package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orchid-sh/orchid/internal/scheduler"
)

// Prometheus exposes collectors that report scheduler activity.
type Prometheus struct {
	nodeDuration *prometheus.HistogramVec
	nodeFailures *prometheus.CounterVec
	nodeRetries  *prometheus.CounterVec
	escalations  *prometheus.CounterVec
	tasksActive  prometheus.Gauge
}

var (
	defaultPrometheusOnce sync.Once
	sharedPrometheus      *Prometheus
)

// DefaultPrometheus returns the package-level instance registered with
// the global Prometheus registry. The collectors are created only once
// to avoid duplicate registration panics when the engine is
// instantiated multiple times.
func DefaultPrometheus() *Prometheus {
	defaultPrometheusOnce.Do(func() {
		sharedPrometheus = MustNewPrometheus(prometheus.DefaultRegisterer)
	})
	return sharedPrometheus
}

// MustNewPrometheus constructs the collectors using the provided
// registerer. Supply a fresh registry when unique metric names are
// required, for example in tests. Registration errors other than
// AlreadyRegistered panic, mirroring promauto semantics.
func MustNewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	nodeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchid",
			Subsystem: "scheduler",
			Name:      "node_duration_seconds",
			Help:      "Duration of each node visit by outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "outcome"},
	)
	nodeFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchid",
			Subsystem: "scheduler",
			Name:      "node_failures_total",
			Help:      "Total node visits that failed, by agent.",
		},
		[]string{"node", "agent"},
	)
	nodeRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchid",
			Subsystem: "scheduler",
			Name:      "node_retries_total",
			Help:      "Number of node visits that required a retry.",
		},
		[]string{"node"},
	)
	escalations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchid",
			Subsystem: "scheduler",
			Name:      "escalations_total",
			Help:      "Tasks escalated to a higher tier, by destination tier.",
		},
		[]string{"tier"},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchid",
			Subsystem: "scheduler",
			Name:      "tasks_active",
			Help:      "Number of tasks currently tracked and not terminal.",
		},
	)

	collectors := []prometheus.Collector{nodeDuration, nodeFailures, nodeRetries, escalations, tasksActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					nodeDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target { //nolint:exhaustive
					case nodeFailures:
						nodeFailures = already.ExistingCollector.(*prometheus.CounterVec)
					case nodeRetries:
						nodeRetries = already.ExistingCollector.(*prometheus.CounterVec)
					case escalations:
						escalations = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					tasksActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Prometheus{
		nodeDuration: nodeDuration,
		nodeFailures: nodeFailures,
		nodeRetries:  nodeRetries,
		escalations:  escalations,
		tasksActive:  tasksActive,
	}
}

// ObserveNodeDuration records the time spent in a node visit with the
// given outcome label.
func (p *Prometheus) ObserveNodeDuration(node, outcome string, duration time.Duration) {
	if p == nil || p.nodeDuration == nil {
		return
	}
	p.nodeDuration.WithLabelValues(node, outcome).Observe(duration.Seconds())
}

// IncNodeFailure increments the failure counter for a node and agent.
func (p *Prometheus) IncNodeFailure(node, agent string) {
	if p == nil || p.nodeFailures == nil {
		return
	}
	p.nodeFailures.WithLabelValues(node, agent).Inc()
}

// IncNodeRetry increments the retry counter for a node.
func (p *Prometheus) IncNodeRetry(node string) {
	if p == nil || p.nodeRetries == nil {
		return
	}
	p.nodeRetries.WithLabelValues(node).Inc()
}

// IncEscalation counts one escalation into a tier.
func (p *Prometheus) IncEscalation(tier string) {
	if p == nil || p.escalations == nil {
		return
	}
	p.escalations.WithLabelValues(tier).Inc()
}

// IncActiveTasks marks a task as active.
func (p *Prometheus) IncActiveTasks() {
	if p == nil || p.tasksActive == nil {
		return
	}
	p.tasksActive.Inc()
}

// DecActiveTasks marks a task as terminal.
func (p *Prometheus) DecActiveTasks() {
	if p == nil || p.tasksActive == nil {
		return
	}
	p.tasksActive.Dec()
}

// Observe maps one scheduler event onto the Prometheus collectors.
func (p *Prometheus) Observe(ev scheduler.Event) {
	if p == nil {
		return
	}
	switch ev.Type {
	case scheduler.EventTaskSubmitted, scheduler.EventTaskResumed:
		p.IncActiveTasks()
	case scheduler.EventTaskSucceeded, scheduler.EventTaskFailed:
		p.DecActiveTasks()
	case scheduler.EventNodeSucceeded:
		p.ObserveNodeDuration(ev.Node, "success", ev.Duration)
	case scheduler.EventNodeFailed:
		p.ObserveNodeDuration(ev.Node, "failure", ev.Duration)
		p.IncNodeFailure(ev.Node, ev.AgentID)
	case scheduler.EventNodeTimeout:
		p.ObserveNodeDuration(ev.Node, "timeout", ev.Duration)
		p.IncNodeFailure(ev.Node, ev.AgentID)
	case scheduler.EventNodeRetry:
		p.IncNodeRetry(ev.Node)
	case scheduler.EventTaskEscalated:
		p.IncEscalation(string(ev.Tier))
	}
}

// Watch applies every event from the channel until it closes.
func (p *Prometheus) Watch(events <-chan scheduler.Event) {
	for ev := range events {
		p.Observe(ev)
	}
}
