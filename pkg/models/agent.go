package models

// AgentHealth represents the health state of a registered agent.
type AgentHealth string

const (
	// AgentHealthy indicates the agent is fully available.
	AgentHealthy AgentHealth = "healthy"
	// AgentDegraded indicates the agent is failing probes but still usable.
	AgentDegraded AgentHealth = "degraded"
	// AgentUnavailable indicates the agent must not receive new work.
	AgentUnavailable AgentHealth = "unavailable"
)

// Valid returns true if the health is a known value.
func (h AgentHealth) Valid() bool {
	switch h {
	case AgentHealthy, AgentDegraded, AgentUnavailable:
		return true
	default:
		return false
	}
}

// Worse returns the next health level down, or the same level if already
// Unavailable.
func (h AgentHealth) Worse() AgentHealth {
	switch h {
	case AgentHealthy:
		return AgentDegraded
	case AgentDegraded:
		return AgentUnavailable
	default:
		return AgentUnavailable
	}
}

// Better returns the next health level up, or the same level if already
// Healthy. Recovery is always one level at a time.
func (h AgentHealth) Better() AgentHealth {
	switch h {
	case AgentUnavailable:
		return AgentDegraded
	case AgentDegraded:
		return AgentHealthy
	default:
		return AgentHealthy
	}
}

// AgentDescriptor describes a registered agent: who it is, where it sits
// in the hierarchy, what it can do, and how much concurrent work it takes.
// Descriptors are created at registry bootstrap; only the health field
// changes afterwards, and only via health probes or failure counters.
type AgentDescriptor struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Tier is the hierarchy level this agent operates at.
	Tier Tier `json:"tier"`
	// CapabilityTags lists the workflow capabilities this agent serves.
	CapabilityTags []string `json:"capability_tags"`
	// ConcurrencyLimit is the maximum number of in-flight tasks. Must be > 0.
	ConcurrencyLimit int `json:"concurrency_limit"`
	// Health is the current health state.
	Health AgentHealth `json:"health"`
}

// HasCapability returns true if the descriptor carries the given tag.
func (d *AgentDescriptor) HasCapability(tag string) bool {
	for _, t := range d.CapabilityTags {
		if t == tag {
			return true
		}
	}
	return false
}
