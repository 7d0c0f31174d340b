// Package metrics aggregates sliding-window performance data per agent
// and system-wide, ranks agents by performance score, and raises
// threshold alerts.
package metrics

import (
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/orchid-sh/orchid/internal/scheduler"
)

// sample is one recorded node outcome.
type sample struct {
	agent    string
	success  bool
	duration time.Duration
	at       time.Time
}

// WindowStats summarizes outcomes inside one time window.
type WindowStats struct {
	// TaskCount is the number of node outcomes in the window.
	TaskCount int `json:"task_count"`
	// Successes is how many of them succeeded.
	Successes int `json:"successes"`
	// Failures is how many of them failed (including timeouts).
	Failures int `json:"failures"`
	// SuccessRate is Successes/TaskCount; zero when the window is empty.
	SuccessRate float64 `json:"success_rate"`
	// AvgDuration is the mean agent execution time in the window.
	AvgDuration time.Duration `json:"avg_duration"`
}

// AgentScore ranks one agent inside a window.
type AgentScore struct {
	// Agent is the agent ID.
	Agent string `json:"agent"`
	// Stats are the agent's windowed outcome counts.
	Stats WindowStats `json:"stats"`
	// Score is SuccessRate * TaskCount. Ties rank by lower AvgDuration.
	Score float64 `json:"score"`
}

// Collector records node outcomes keyed by agent and aggregates them
// over configured sliding windows. Samples older than the largest
// window are pruned on write.
type Collector struct {
	mu      sync.RWMutex
	windows []time.Duration
	maxAge  time.Duration
	samples map[string][]sample
	// now is swapped in tests to drive window boundaries.
	now func() time.Time
}

// NewCollector creates a collector for the given window sizes. An
// empty slice gets the conventional 1h/24h/7d set.
func NewCollector(windows []time.Duration) *Collector {
	if len(windows) == 0 {
		windows = []time.Duration{time.Hour, 24 * time.Hour, 168 * time.Hour}
	}
	sorted := make([]time.Duration, len(windows))
	copy(sorted, windows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &Collector{
		windows: sorted,
		maxAge:  sorted[len(sorted)-1],
		samples: make(map[string][]sample),
		now:     time.Now,
	}
}

// Windows returns the configured window sizes, smallest first.
func (c *Collector) Windows() []time.Duration {
	out := make([]time.Duration, len(c.windows))
	copy(out, c.windows)
	return out
}

// Record adds one node outcome for an agent.
func (c *Collector) Record(agent string, success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	kept := c.pruneLocked(agent, now)
	c.samples[agent] = append(kept, sample{agent: agent, success: success, duration: duration, at: now})
}

func (c *Collector) pruneLocked(agent string, now time.Time) []sample {
	cutoff := now.Add(-c.maxAge)
	all := c.samples[agent]
	idx := sort.Search(len(all), func(i int) bool { return all[i].at.After(cutoff) })
	return all[idx:]
}

// Consume drains scheduler events into the collector until the channel
// closes. Only node outcome events carry an agent attribution; the rest
// are ignored here.
func (c *Collector) Consume(events <-chan scheduler.Event) {
	for ev := range events {
		switch ev.Type {
		case scheduler.EventNodeSucceeded:
			c.Record(ev.AgentID, true, ev.Duration)
		case scheduler.EventNodeFailed, scheduler.EventNodeTimeout:
			c.Record(ev.AgentID, false, ev.Duration)
		}
	}
}

// AgentStats returns one agent's outcome counts inside a window.
func (c *Collector) AgentStats(agent string, window time.Duration) WindowStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return statsOf(c.samples[agent], c.now().Add(-window))
}

// SystemStats aggregates every agent's outcomes inside a window.
func (c *Collector) SystemStats(window time.Duration) WindowStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cutoff := c.now().Add(-window)
	var all []sample
	for _, s := range c.samples {
		all = append(all, s...)
	}
	return statsOf(all, cutoff)
}

func statsOf(samples []sample, cutoff time.Time) WindowStats {
	var st WindowStats
	var total time.Duration
	for _, s := range samples {
		if !s.at.After(cutoff) {
			continue
		}
		st.TaskCount++
		if s.success {
			st.Successes++
		} else {
			st.Failures++
		}
		total += s.duration
	}
	if st.TaskCount > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.TaskCount)
		st.AvgDuration = total / time.Duration(st.TaskCount)
	}
	return st
}

// PerformanceScore is the composite ranking value for one agent inside
// a window: windowed success rate times windowed task count.
func (c *Collector) PerformanceScore(agent string, window time.Duration) float64 {
	st := c.AgentStats(agent, window)
	return st.SuccessRate * float64(st.TaskCount)
}

// Rank returns every agent seen in the window ordered by score
// descending, ties broken by lower average duration, then by agent ID
// for stable output.
func (c *Collector) Rank(window time.Duration) []AgentScore {
	c.mu.RLock()
	cutoff := c.now().Add(-window)
	scores := make([]AgentScore, 0, len(c.samples))
	for agent, samples := range c.samples {
		st := statsOf(samples, cutoff)
		if st.TaskCount == 0 {
			continue
		}
		scores = append(scores, AgentScore{
			Agent: agent,
			Stats: st,
			Score: st.SuccessRate * float64(st.TaskCount),
		})
	}
	c.mu.RUnlock()

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		if scores[i].Stats.AvgDuration != scores[j].Stats.AvgDuration {
			return scores[i].Stats.AvgDuration < scores[j].Stats.AvgDuration
		}
		return scores[i].Agent < scores[j].Agent
	})
	return scores
}

// Snapshot is the exportable report for one window.
type Snapshot struct {
	// GeneratedAt is when the snapshot was taken.
	GeneratedAt time.Time `json:"generated_at"`
	// Window is the timeframe the snapshot covers.
	Window string `json:"window"`
	// System aggregates all agents.
	System WindowStats `json:"system"`
	// Agents lists per-agent stats ordered by performance score.
	Agents []AgentScore `json:"agents"`
	// Clients is the client population size, when a repository is wired.
	Clients int `json:"clients,omitempty"`
	// Campaigns is the campaign population size, when a repository is wired.
	Campaigns int `json:"campaigns,omitempty"`
	// Alerts holds the alerts raised for this window, when an engine
	// contributed them.
	Alerts []Alert `json:"alerts,omitempty"`
}

// SnapshotOptions injects optional enrichment sources.
type SnapshotOptions struct {
	// Clients contributes a client count to the snapshot.
	Clients ClientRepository
	// Campaigns contributes a campaign count to the snapshot.
	Campaigns CampaignRepository
	// Alerts contributes this window's alert evaluation.
	Alerts *AlertEngine
}

// Snapshot builds the report for one window.
func (c *Collector) Snapshot(window time.Duration, opts SnapshotOptions) *Snapshot {
	snap := &Snapshot{
		GeneratedAt: c.now(),
		Window:      window.String(),
		System:      c.SystemStats(window),
		Agents:      c.Rank(window),
	}
	if opts.Clients != nil {
		snap.Clients = opts.Clients.Count()
	}
	if opts.Campaigns != nil {
		snap.Campaigns = opts.Campaigns.Count()
	}
	if opts.Alerts != nil {
		snap.Alerts = opts.Alerts.Evaluate(window)
	}
	return snap
}

// WriteJSON renders the snapshot as indented JSON.
func (s *Snapshot) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
