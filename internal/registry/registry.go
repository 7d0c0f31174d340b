// Package registry holds the population of registered agents: their
// descriptors, their executors, their health, and their in-flight load.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orchid-sh/orchid/pkg/models"
)

// ErrAgentUnavailable indicates no healthy executor serves a capability.
var ErrAgentUnavailable = errors.New("no available agent for capability")

// Invocation carries everything an executor needs for one node visit.
// Deadline enforcement travels through the context; the payload is a
// snapshot the executor must not mutate.
type Invocation struct {
	// TaskID identifies the task being processed.
	TaskID string
	// Node is the workflow node being executed.
	Node string
	// Payload is an immutable snapshot of the task payload.
	Payload map[string]any
	// Tier is the hierarchy level the task executes at.
	Tier models.Tier
}

// AgentExecutor is the opaque capability the orchestration core dispatches
// to. Domain logic (scoring, pricing, audits) lives behind this interface;
// the core only reads the returned Result's status. A non-nil error is
// treated as a transient failure.
type AgentExecutor interface {
	Process(ctx context.Context, inv Invocation) (*models.Result, error)
}

// ExecutorFunc adapts a function to the AgentExecutor interface.
type ExecutorFunc func(ctx context.Context, inv Invocation) (*models.Result, error)

// Process implements AgentExecutor.
func (f ExecutorFunc) Process(ctx context.Context, inv Invocation) (*models.Result, error) {
	return f(ctx, inv)
}

// Prober is optionally implemented by executors that support health probes.
// Executors without it are assumed healthy.
type Prober interface {
	Ping(ctx context.Context) error
}

// Resolved is the outcome of a registry lookup: a descriptor snapshot and
// the executor bound to it.
type Resolved struct {
	// Descriptor is a copy of the agent descriptor at resolution time.
	Descriptor models.AgentDescriptor
	// Executor processes invocations for this agent.
	Executor AgentExecutor
}

// entry is the registry's mutable record for one agent.
type entry struct {
	descriptor models.AgentDescriptor
	executor   AgentExecutor
	inFlight   int
	// consecutiveFailures counts probe failures since the last success.
	consecutiveFailures int
}

// Registry is the agent registry. The health map is read-mostly with
// infrequent writes from the health-check goroutine, guarded by a
// read-write lock.
type Registry struct {
	mu sync.RWMutex
	// agents maps agent ID to its registry entry.
	agents map[string]*entry
	// substitutes maps a capability tag to its fallback tag, used when
	// no agent serves the primary.
	substitutes map[string]string
	// failureThreshold is the consecutive probe failures that degrade an
	// agent by one health level.
	failureThreshold int
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an empty registry. failureThreshold controls health
// hysteresis; values below 1 are treated as 1.
func New(failureThreshold int) *Registry {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Registry{
		agents:           make(map[string]*entry),
		substitutes:      make(map[string]string),
		failureThreshold: failureThreshold,
		debugLog:         func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (r *Registry) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		r.debugLog = fn
	}
}

// Register adds an agent at bootstrap. Descriptors with no health default
// to Healthy.
func (r *Registry) Register(desc models.AgentDescriptor, executor AgentExecutor) error {
	if desc.ID == "" {
		return errors.New("agent id must not be empty")
	}
	if desc.ConcurrencyLimit <= 0 {
		return fmt.Errorf("agent %s: concurrency limit must be > 0", desc.ID)
	}
	if !desc.Tier.Valid() {
		return fmt.Errorf("agent %s: invalid tier %q", desc.ID, desc.Tier)
	}
	if executor == nil {
		return fmt.Errorf("agent %s: executor must not be nil", desc.ID)
	}
	if desc.Health == "" {
		desc.Health = models.AgentHealthy
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[desc.ID]; exists {
		return fmt.Errorf("agent %s already registered", desc.ID)
	}
	r.agents[desc.ID] = &entry{descriptor: desc, executor: executor}
	r.debugLog("[registry] registered agent %s tier=%s tags=%v limit=%d",
		desc.ID, desc.Tier, desc.CapabilityTags, desc.ConcurrencyLimit)
	return nil
}

// SetSubstitute configures a fallback capability tag consulted when the
// primary tag has no available agent.
func (r *Registry) SetSubstitute(tag, fallback string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.substitutes[tag] = fallback
}

// Resolve finds an executor for a capability tag. Exact tier matches are
// preferred; among equals the least-loaded agent wins. Unavailable agents
// are never selected. When the primary tag has no available agent and a
// substitute tag is configured, the substitute is tried once.
func (r *Registry) Resolve(capability string, tier models.Tier) (*Resolved, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if res := r.resolveLocked(capability, tier); res != nil {
		return res, nil
	}
	if fallback, ok := r.substitutes[capability]; ok {
		r.debugLog("[registry] capability %s unavailable, trying substitute %s", capability, fallback)
		if res := r.resolveLocked(fallback, tier); res != nil {
			return res, nil
		}
	}
	return nil, fmt.Errorf("%w: %s (tier %s)", ErrAgentUnavailable, capability, tier)
}

// resolveLocked picks the best candidate for a tag. Caller holds r.mu.
func (r *Registry) resolveLocked(capability string, tier models.Tier) *Resolved {
	var best *entry
	var bestExact bool
	for _, e := range r.agents {
		if e.descriptor.Health == models.AgentUnavailable {
			continue
		}
		if !e.descriptor.HasCapability(capability) {
			continue
		}
		exact := e.descriptor.Tier == tier
		switch {
		case best == nil:
			best, bestExact = e, exact
		case exact && !bestExact:
			best, bestExact = e, true
		case exact == bestExact && e.inFlight < best.inFlight:
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return &Resolved{Descriptor: best.descriptor, Executor: best.executor}
}

// TryAcquire reserves an in-flight slot for the agent. Returns false when
// the agent is at its concurrency limit (backpressure) or unknown.
func (r *Registry) TryAcquire(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return false
	}
	if e.inFlight >= e.descriptor.ConcurrencyLimit {
		r.debugLog("[registry] agent %s at concurrency limit %d", agentID, e.descriptor.ConcurrencyLimit)
		return false
	}
	e.inFlight++
	return true
}

// Release returns an in-flight slot for the agent.
func (r *Registry) Release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[agentID]; ok && e.inFlight > 0 {
		e.inFlight--
	}
}

// InFlight returns the agent's current in-flight count.
func (r *Registry) InFlight(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.agents[agentID]; ok {
		return e.inFlight
	}
	return 0
}

// Health returns the agent's current health, or Unavailable for unknown ids.
func (r *Registry) Health(agentID string) models.AgentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.agents[agentID]; ok {
		return e.descriptor.Health
	}
	return models.AgentUnavailable
}

// Descriptors returns a snapshot of all registered descriptors.
func (r *Registry) Descriptors() []models.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.AgentDescriptor, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.descriptor)
	}
	return out
}

// RecordProbeFailure counts one probe failure. Every failureThreshold
// consecutive failures the agent drops one health level. Hysteresis keeps
// a flapping agent from oscillating between Healthy and Unavailable.
func (r *Registry) RecordProbeFailure(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	e.consecutiveFailures++
	if e.consecutiveFailures >= r.failureThreshold {
		prev := e.descriptor.Health
		e.descriptor.Health = prev.Worse()
		e.consecutiveFailures = 0
		if e.descriptor.Health != prev {
			r.debugLog("[registry] agent %s health %s -> %s", agentID, prev, e.descriptor.Health)
		}
	}
}

// RecordProbeSuccess counts one probe success, recovering the agent one
// health level. Recovery is never instant to Healthy from Unavailable.
func (r *Registry) RecordProbeSuccess(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	e.consecutiveFailures = 0
	prev := e.descriptor.Health
	e.descriptor.Health = prev.Better()
	if e.descriptor.Health != prev {
		r.debugLog("[registry] agent %s health %s -> %s", agentID, prev, e.descriptor.Health)
	}
}

// HealthCheck probes every agent once. Executors that do not implement
// Prober count as successes.
func (r *Registry) HealthCheck(ctx context.Context) {
	r.mu.RLock()
	type probe struct {
		id string
		p  Prober
	}
	probes := make([]probe, 0, len(r.agents))
	for id, e := range r.agents {
		if p, ok := e.executor.(Prober); ok {
			probes = append(probes, probe{id: id, p: p})
		} else {
			probes = append(probes, probe{id: id})
		}
	}
	r.mu.RUnlock()

	for _, pr := range probes {
		if pr.p == nil {
			r.RecordProbeSuccess(pr.id)
			continue
		}
		if err := pr.p.Ping(ctx); err != nil {
			r.debugLog("[registry] probe failed for agent %s: %v", pr.id, err)
			r.RecordProbeFailure(pr.id)
		} else {
			r.RecordProbeSuccess(pr.id)
		}
	}
}

// RunHealthChecks probes all agents on the given cadence until the
// context is cancelled.
func (r *Registry) RunHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.HealthCheck(ctx)
		}
	}
}
