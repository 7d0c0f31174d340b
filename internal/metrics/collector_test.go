package metrics

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/orchid-sh/orchid/internal/scheduler"
)

// fakeClock drives the collector's notion of now.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }
func newClock() *fakeClock                     { return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }
func clockedCollector(windows []time.Duration) (*Collector, *fakeClock) {
	c := NewCollector(windows)
	clk := newClock()
	c.now = clk.now
	return c, clk
}

func TestAgentStatsWithinWindow(t *testing.T) {
	c, clk := clockedCollector([]time.Duration{time.Hour, 24 * time.Hour})

	c.Record("seo-1", true, 100*time.Millisecond)
	c.Record("seo-1", false, 300*time.Millisecond)
	clk.advance(2 * time.Hour)
	c.Record("seo-1", true, 200*time.Millisecond)

	hour := c.AgentStats("seo-1", time.Hour)
	if hour.TaskCount != 1 || hour.Successes != 1 {
		t.Errorf("1h stats = %+v, want only the recent sample", hour)
	}
	day := c.AgentStats("seo-1", 24*time.Hour)
	if day.TaskCount != 3 || day.Successes != 2 || day.Failures != 1 {
		t.Errorf("24h stats = %+v, want all three samples", day)
	}
	wantRate := 2.0 / 3.0
	if day.SuccessRate < wantRate-0.001 || day.SuccessRate > wantRate+0.001 {
		t.Errorf("24h success rate = %f, want %f", day.SuccessRate, wantRate)
	}
	if day.AvgDuration != 200*time.Millisecond {
		t.Errorf("24h avg duration = %s, want 200ms", day.AvgDuration)
	}
}

func TestSamplesOlderThanLargestWindowArePruned(t *testing.T) {
	c, clk := clockedCollector([]time.Duration{time.Hour})

	c.Record("a", true, time.Millisecond)
	clk.advance(2 * time.Hour)
	c.Record("a", true, time.Millisecond)

	if got := len(c.samples["a"]); got != 1 {
		t.Errorf("retained %d samples, want 1 after pruning", got)
	}
}

func TestPerformanceScoreIsRateTimesCount(t *testing.T) {
	c, _ := clockedCollector([]time.Duration{time.Hour})
	for i := 0; i < 8; i++ {
		c.Record("a", true, time.Millisecond)
	}
	for i := 0; i < 2; i++ {
		c.Record("a", false, time.Millisecond)
	}

	// 0.8 success rate over 10 tasks.
	if got := c.PerformanceScore("a", time.Hour); got != 8.0 {
		t.Errorf("score = %f, want 8.0", got)
	}
	if got := c.PerformanceScore("unseen", time.Hour); got != 0 {
		t.Errorf("score for unseen agent = %f, want 0", got)
	}
}

func TestRankBreaksTiesByLowerAverageDuration(t *testing.T) {
	c, _ := clockedCollector([]time.Duration{time.Hour})

	// Same score (1.0 * 2) but fast is quicker on average.
	c.Record("slow", true, 500*time.Millisecond)
	c.Record("slow", true, 500*time.Millisecond)
	c.Record("fast", true, 50*time.Millisecond)
	c.Record("fast", true, 50*time.Millisecond)
	// Higher score outranks both.
	c.Record("busy", true, time.Second)
	c.Record("busy", true, time.Second)
	c.Record("busy", true, time.Second)

	ranked := c.Rank(time.Hour)
	if len(ranked) != 3 {
		t.Fatalf("ranked %d agents, want 3", len(ranked))
	}
	want := []string{"busy", "fast", "slow"}
	for i, agent := range want {
		if ranked[i].Agent != agent {
			t.Fatalf("rank order = [%s %s %s], want %v", ranked[0].Agent, ranked[1].Agent, ranked[2].Agent, want)
		}
	}
}

func TestConsumeMapsSchedulerEvents(t *testing.T) {
	c, _ := clockedCollector([]time.Duration{time.Hour})
	events := make(chan scheduler.Event, 4)
	events <- scheduler.Event{Type: scheduler.EventNodeSucceeded, AgentID: "a", Duration: time.Millisecond}
	events <- scheduler.Event{Type: scheduler.EventNodeFailed, AgentID: "a", Duration: time.Millisecond}
	events <- scheduler.Event{Type: scheduler.EventNodeTimeout, AgentID: "a", Duration: time.Millisecond}
	events <- scheduler.Event{Type: scheduler.EventTaskSubmitted, AgentID: "a"}
	close(events)

	c.Consume(events)

	st := c.AgentStats("a", time.Hour)
	if st.TaskCount != 3 || st.Successes != 1 || st.Failures != 2 {
		t.Errorf("stats after consume = %+v, want 3 outcomes (1 success)", st)
	}
}

func TestSnapshotJSONIncludesEnrichment(t *testing.T) {
	c, _ := clockedCollector([]time.Duration{time.Hour})
	c.Record("a", true, time.Millisecond)
	c.Record("a", false, 3*time.Millisecond)

	clients := NewMemoryClientRepository()
	clients.Add("acme")
	clients.Add("globex")
	campaigns := NewMemoryCampaignRepository()
	campaigns.Add("acme")
	campaigns.Add("acme")
	campaigns.Add("globex")

	engine := NewAlertEngine(c, testMetricsConfig())
	snap := c.Snapshot(time.Hour, SnapshotOptions{
		Clients:   clients,
		Campaigns: campaigns,
		Alerts:    engine,
	})

	if snap.Clients != 2 || snap.Campaigns != 3 {
		t.Errorf("enrichment = %d clients / %d campaigns, want 2/3", snap.Clients, snap.Campaigns)
	}
	if len(snap.Alerts) == 0 {
		t.Error("snapshot missing the low success rate alert")
	}
	if len(snap.Agents) != 1 || snap.Agents[0].Agent != "a" {
		t.Errorf("snapshot agents = %+v", snap.Agents)
	}

	var buf bytes.Buffer
	if err := snap.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if decoded["window"] != "1h0m0s" {
		t.Errorf("window = %v", decoded["window"])
	}
}
