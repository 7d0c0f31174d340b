// Package workflow provides the static directed graph that tasks move
// through: named nodes bound to agent capabilities, and typed edge rules
// evaluated as pure predicates over task state.
package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orchid-sh/orchid/pkg/models"
)

// ErrNoEntry indicates the graph declares no entry node.
var ErrNoEntry = errors.New("workflow has no entry node")

// ErrUnreachable indicates a node cannot be reached from any entry.
var ErrUnreachable = errors.New("unreachable node")

// SelectionKind classifies what an edge rule selected.
type SelectionKind int

const (
	// SelectNext advances the task to a single node.
	SelectNext SelectionKind = iota
	// SelectFanOut splits the task into parallel branches.
	SelectFanOut
	// SelectTerminal ends the task.
	SelectTerminal
)

// NodeSelection is the tagged-union result of evaluating an edge rule.
type NodeSelection struct {
	// Kind tags which variant the selection is.
	Kind SelectionKind
	// Next is the destination node for SelectNext.
	Next string
	// Branches are the fan-out destinations for SelectFanOut, in
	// declaration order. Fan-in merge follows this order.
	Branches []string
	// FanIn is the join node for SelectFanOut.
	FanIn string
	// Outcome is the terminal status for SelectTerminal.
	Outcome models.TaskStatus
}

// Next selects a single successor node.
func Next(node string) NodeSelection {
	return NodeSelection{Kind: SelectNext, Next: node}
}

// FanOut selects parallel branches joined at the given fan-in node.
func FanOut(fanIn string, branches ...string) NodeSelection {
	return NodeSelection{Kind: SelectFanOut, Branches: branches, FanIn: fanIn}
}

// TerminalSuccess ends the task successfully.
func TerminalSuccess() NodeSelection {
	return NodeSelection{Kind: SelectTerminal, Outcome: models.TaskStatusSucceeded}
}

// TerminalFailure ends the task as failed.
func TerminalFailure() NodeSelection {
	return NodeSelection{Kind: SelectTerminal, Outcome: models.TaskStatusFailed}
}

// Node is one vertex of the workflow graph.
type Node struct {
	// ID is the unique node name.
	ID string
	// Capability is the agent capability tag this node dispatches to.
	Capability string
	// Tier is the hierarchy level the node executes at.
	Tier models.Tier
	// MaxRetries bounds transient-failure retries at this node.
	MaxRetries int
	// Timeout bounds one agent invocation; zero uses the scheduler default.
	Timeout time.Duration
	// Entry marks the node as a valid task entry point.
	Entry bool
	// Requires lists payload fields that must be present when a task
	// enters the graph at this node.
	Requires []string
	// EscalateTo names the node a task moves to when the escalation
	// policy promotes it out of this node. Empty falls back to the
	// destination tier's configured review node.
	EscalateTo string
	// Review marks the node as an escalation review target. Review
	// nodes are reachability roots: escalation routes to them through
	// tier configuration rather than a declared edge.
	Review bool
	// FanIn marks the node as a join point for fan-out branches.
	FanIn bool
	// Quorum is how many branches must report before a fan-in fires.
	// Zero means all branches are mandatory.
	Quorum int
}

// EdgeRule binds a pure predicate to a node together with its statically
// declared targets. Targets exist so the graph can be validated without
// executing predicates; the predicate must only ever select from them.
type EdgeRule struct {
	// Targets lists every node the predicate may select.
	Targets []string
	// FanIn names the join node if the predicate may fan out.
	FanIn string
	// Predicate evaluates the rule. It must be pure: no side effects and
	// no I/O, so it can be re-evaluated during checkpoint replay.
	Predicate func(*models.TaskState) NodeSelection
}

// Graph is a validated workflow graph. Construction happens through
// AddNode/AddEdge followed by Validate; after Validate succeeds the graph
// is immutable and safe for concurrent reads.
type Graph struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	rules     map[string]*EdgeRule
	validated bool
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an empty workflow graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]*Node),
		rules:    make(map[string]*EdgeRule),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *Graph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// AddNode registers a node. Returns an error after Validate or on a
// duplicate id.
func (g *Graph) AddNode(n Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.validated {
		return errors.New("graph is sealed after Validate")
	}
	if n.ID == "" {
		return errors.New("node id must not be empty")
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("duplicate node %s", n.ID)
	}
	if !n.Tier.Valid() {
		return fmt.Errorf("node %s: invalid tier %q", n.ID, n.Tier)
	}
	g.nodes[n.ID] = &n
	return nil
}

// AddEdge binds an edge rule to a node.
func (g *Graph) AddEdge(from string, rule EdgeRule) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.validated {
		return errors.New("graph is sealed after Validate")
	}
	if _, exists := g.nodes[from]; !exists {
		return fmt.Errorf("edge from unknown node %s", from)
	}
	if rule.Predicate == nil {
		return fmt.Errorf("edge from %s has no predicate", from)
	}
	if _, exists := g.rules[from]; exists {
		return fmt.Errorf("node %s already has an edge rule", from)
	}
	g.rules[from] = &rule
	return nil
}

// Validate checks the graph for structural defects and seals it:
// at least one entry node, no node without an edge rule, no rule
// referencing unknown targets, no fan-out declaration without a fan-in
// node, and every node reachable from an entry or review node
// (escalation targets count as edges).
func (g *Graph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.nodes) == 0 {
		return errors.New("workflow has no nodes")
	}

	var entries []string
	for id, n := range g.nodes {
		if n.Entry {
			entries = append(entries, id)
		}
	}
	if len(entries) == 0 {
		return ErrNoEntry
	}

	for id, n := range g.nodes {
		rule, ok := g.rules[id]
		if !ok {
			return fmt.Errorf("node %s has no edge rule", id)
		}
		for _, target := range rule.Targets {
			if _, exists := g.nodes[target]; !exists {
				return fmt.Errorf("node %s: edge targets unknown node %s", id, target)
			}
		}
		if rule.FanIn != "" {
			join, exists := g.nodes[rule.FanIn]
			if !exists {
				return fmt.Errorf("node %s: fan-in targets unknown node %s", id, rule.FanIn)
			}
			if !join.FanIn {
				return fmt.Errorf("node %s: fan-in target %s is not marked as a join node", id, rule.FanIn)
			}
		}
		if n.EscalateTo != "" {
			if _, exists := g.nodes[n.EscalateTo]; !exists {
				return fmt.Errorf("node %s: escalate_to targets unknown node %s", id, n.EscalateTo)
			}
		}
	}

	// Reachability from entries and review nodes over declared targets,
	// fan-in joins, and escalation targets. Review nodes are roots
	// because the escalation policy may route to them from any node of
	// a lower tier.
	reached := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if reached[id] {
			return
		}
		reached[id] = true
		if rule := g.rules[id]; rule != nil {
			for _, target := range rule.Targets {
				visit(target)
			}
			if rule.FanIn != "" {
				visit(rule.FanIn)
			}
		}
		if n := g.nodes[id]; n != nil && n.EscalateTo != "" {
			visit(n.EscalateTo)
		}
	}
	for _, entry := range entries {
		visit(entry)
	}
	for id, n := range g.nodes {
		if n.Review {
			visit(id)
		}
	}
	for id := range g.nodes {
		if !reached[id] {
			return fmt.Errorf("%w: %s", ErrUnreachable, id)
		}
	}

	g.validated = true
	g.debugLog("[workflow] validated graph with %d nodes, %d entries", len(g.nodes), len(entries))
	return nil
}

// Resolve evaluates the edge rule bound to the task's current node.
// The graph must be validated first.
func (g *Graph) Resolve(state *models.TaskState) (NodeSelection, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.validated {
		return NodeSelection{}, errors.New("graph not validated")
	}
	rule, ok := g.rules[state.CurrentNode]
	if !ok {
		return NodeSelection{}, fmt.Errorf("no edge rule for node %s", state.CurrentNode)
	}

	sel := rule.Predicate(state)
	if sel.Kind == SelectFanOut && sel.FanIn == "" {
		sel.FanIn = rule.FanIn
	}
	g.debugLog("[workflow] resolved node %s for task %s: kind=%d next=%s branches=%v",
		state.CurrentNode, state.TaskID, sel.Kind, sel.Next, sel.Branches)
	return sel, nil
}

// Node returns the node for an id, or nil if not found.
func (g *Graph) Node(id string) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Nodes returns a copy of every node, in unspecified order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n)
	}
	return out
}

// HasNode returns true if the id names a graph node.
func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Size returns the number of nodes in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Entries returns the ids of all entry nodes.
func (g *Graph) Entries() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var entries []string
	for id, n := range g.nodes {
		if n.Entry {
			entries = append(entries, id)
		}
	}
	return entries
}
