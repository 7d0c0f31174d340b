package scheduler

import (
	"fmt"

	"github.com/orchid-sh/orchid/internal/config"
	"github.com/orchid-sh/orchid/internal/workflow"
	"github.com/orchid-sh/orchid/pkg/models"
)

// EscalationPolicy decides when a task moves to a higher tier and which
// node handles it there. Escalation is one tier at a time and advisory:
// the dispatch loop applies the returned decision, the policy itself
// never touches task state.
type EscalationPolicy struct {
	// maxEscalations caps escalations per task across its lifetime.
	// The counter never resets, even after successful recovery.
	maxEscalations int
	// valueRules maps node ID to the threshold rules checked after a
	// successful visit to that node.
	valueRules map[string][]config.ValueRule
	// reviewNodes maps a tier to the node that receives escalations
	// arriving at that tier, when the origin node names no target.
	reviewNodes map[models.Tier]string
}

// NewEscalationPolicy builds a policy from configuration.
func NewEscalationPolicy(cfg config.EscalationConfig) *EscalationPolicy {
	rules := make(map[string][]config.ValueRule)
	for _, r := range cfg.ValueRules {
		rules[r.Node] = append(rules[r.Node], r)
	}
	reviews := make(map[models.Tier]string, len(cfg.ReviewNodes))
	for tier, node := range cfg.ReviewNodes {
		reviews[models.Tier(tier)] = node
	}
	return &EscalationPolicy{
		maxEscalations: cfg.MaxEscalations,
		valueRules:     rules,
		reviewNodes:    reviews,
	}
}

// Decision is the policy's verdict for a task leaving its current node.
type Decision struct {
	// Escalate is true when the task should move one tier up.
	Escalate bool
	// Tier is the destination tier when Escalate is true.
	Tier models.Tier
	// Node is the destination node when Escalate is true.
	Node string
	// Reason explains the decision, used for events and audit records.
	Reason string
}

// CheckValue evaluates value-threshold rules after a successful visit
// to node. It returns ok=false when no rule fires; a fired rule whose
// escalation cannot proceed (top tier, exhausted budget, no target)
// also returns ok=false so the task follows its normal edge instead.
func (p *EscalationPolicy) CheckValue(state *models.TaskState, node *workflow.Node) (Decision, bool) {
	rules := p.valueRules[node.ID]
	if len(rules) == 0 {
		return Decision{}, false
	}
	for _, rule := range rules {
		v, ok := workflow.PayloadNumber(state.Payload, rule.Field)
		if !ok || v < rule.Threshold {
			continue
		}
		d := p.escalate(state, node, fmt.Sprintf("%s=%.0f exceeds threshold %.0f at node %s", rule.Field, v, rule.Threshold, node.ID))
		if !d.Escalate {
			debugLog("escalation: value rule fired on %s but cannot escalate: %s", node.ID, d.Reason)
			return Decision{}, false
		}
		return d, true
	}
	return Decision{}, false
}

// OnExhausted decides the fate of a task whose node ran out of retries
// or hit a fatal error. A non-escalating decision means Terminal-Failed.
func (p *EscalationPolicy) OnExhausted(state *models.TaskState, node *workflow.Node, cause string) Decision {
	d := p.escalate(state, node, cause)
	if !d.Escalate && d.Reason == "" {
		d.Reason = cause
	}
	return d
}

func (p *EscalationPolicy) escalate(state *models.TaskState, node *workflow.Node, reason string) Decision {
	if state.EscalationCount >= p.maxEscalations {
		return Decision{Reason: fmt.Sprintf("escalation budget exhausted (%d): %s", p.maxEscalations, reason)}
	}
	next, ok := state.Tier.Above()
	if !ok {
		return Decision{Reason: fmt.Sprintf("already at %s tier: %s", state.Tier, reason)}
	}
	target := node.EscalateTo
	if target == "" {
		target = p.reviewNodes[next]
	}
	if target == "" {
		return Decision{Reason: fmt.Sprintf("no escalation target for tier %s: %s", next, reason)}
	}
	return Decision{
		Escalate: true,
		Tier:     next,
		Node:     target,
		Reason:   reason,
	}
}
