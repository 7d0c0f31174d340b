package workflow

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/orchid-sh/orchid/pkg/models"
)

// Definition is the YAML representation of a workflow graph.
type Definition struct {
	Nodes []NodeDefinition `yaml:"nodes"`
}

// NodeDefinition declares one node and its edge rule.
type NodeDefinition struct {
	// ID is the node name.
	ID string `yaml:"id"`
	// Capability is the agent capability tag the node dispatches to.
	Capability string `yaml:"capability"`
	// Tier is the hierarchy level the node executes at.
	Tier string `yaml:"tier"`
	// MaxRetries bounds transient retries; defaults to 0 (no retries).
	MaxRetries int `yaml:"max_retries"`
	// Timeout bounds one agent invocation (e.g. "90s").
	Timeout time.Duration `yaml:"timeout"`
	// Entry marks a task entry point.
	Entry bool `yaml:"entry"`
	// Requires lists payload fields that must be present at entry.
	Requires []string `yaml:"requires"`
	// EscalateTo names the escalation destination node.
	EscalateTo string `yaml:"escalate_to"`
	// Review marks an escalation review target reachable through tier
	// configuration alone.
	Review bool `yaml:"review"`
	// FanIn marks a join node.
	FanIn bool `yaml:"fan_in"`
	// Quorum is the branch quorum for a join node; 0 = all.
	Quorum int `yaml:"quorum"`
	// Rule is the edge rule evaluated when the node succeeds.
	Rule RuleDefinition `yaml:"rule"`
}

// RuleDefinition declares an edge rule. Kind selects the shape:
//
//	next:      advance to .To
//	threshold: compare payload .Field against .Threshold; >= goes to
//	           .Above, < goes to .Below
//	fan_out:   split into .Branches, join at .Join
//	terminal:  end the task with .Outcome ("success" or "failure")
type RuleDefinition struct {
	Kind      string   `yaml:"kind"`
	To        string   `yaml:"to"`
	Field     string   `yaml:"field"`
	Threshold float64  `yaml:"threshold"`
	Above     string   `yaml:"above"`
	Below     string   `yaml:"below"`
	Branches  []string `yaml:"branches"`
	Join      string   `yaml:"join"`
	Outcome   string   `yaml:"outcome"`
}

// Load reads a workflow definition file and builds a validated graph.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	return Parse(data)
}

// Parse builds a validated graph from YAML bytes.
func Parse(data []byte) (*Graph, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	return Build(&def)
}

// Build compiles a definition into a validated graph. Declarative rules
// become pure predicates; validation runs before the graph is returned.
func Build(def *Definition) (*Graph, error) {
	g := New()

	for _, nd := range def.Nodes {
		node := Node{
			ID:         nd.ID,
			Capability: nd.Capability,
			Tier:       models.Tier(nd.Tier),
			MaxRetries: nd.MaxRetries,
			Timeout:    nd.Timeout,
			Entry:      nd.Entry,
			Requires:   nd.Requires,
			EscalateTo: nd.EscalateTo,
			Review:     nd.Review,
			FanIn:      nd.FanIn,
			Quorum:     nd.Quorum,
		}
		if err := g.AddNode(node); err != nil {
			return nil, err
		}
	}

	for _, nd := range def.Nodes {
		rule, err := compileRule(nd.ID, nd.Rule)
		if err != nil {
			return nil, err
		}
		if err := g.AddEdge(nd.ID, rule); err != nil {
			return nil, err
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// compileRule turns a declarative rule into an EdgeRule with a pure
// predicate and statically declared targets.
func compileRule(nodeID string, rd RuleDefinition) (EdgeRule, error) {
	switch rd.Kind {
	case "next":
		if rd.To == "" {
			return EdgeRule{}, fmt.Errorf("node %s: next rule needs 'to'", nodeID)
		}
		to := rd.To
		return EdgeRule{
			Targets: []string{to},
			Predicate: func(*models.TaskState) NodeSelection {
				return Next(to)
			},
		}, nil

	case "threshold":
		if rd.Field == "" || rd.Above == "" || rd.Below == "" {
			return EdgeRule{}, fmt.Errorf("node %s: threshold rule needs field, above, below", nodeID)
		}
		field, threshold, above, below := rd.Field, rd.Threshold, rd.Above, rd.Below
		return EdgeRule{
			Targets: []string{above, below},
			Predicate: func(state *models.TaskState) NodeSelection {
				v, ok := PayloadNumber(state.Payload, field)
				if ok && v >= threshold {
					return Next(above)
				}
				return Next(below)
			},
		}, nil

	case "fan_out":
		if len(rd.Branches) == 0 || rd.Join == "" {
			return EdgeRule{}, fmt.Errorf("node %s: fan_out rule needs branches and join", nodeID)
		}
		branches, join := rd.Branches, rd.Join
		return EdgeRule{
			Targets: branches,
			FanIn:   join,
			Predicate: func(*models.TaskState) NodeSelection {
				return FanOut(join, branches...)
			},
		}, nil

	case "terminal":
		switch rd.Outcome {
		case "", "success":
			return EdgeRule{Predicate: func(*models.TaskState) NodeSelection {
				return TerminalSuccess()
			}}, nil
		case "failure":
			return EdgeRule{Predicate: func(*models.TaskState) NodeSelection {
				return TerminalFailure()
			}}, nil
		default:
			return EdgeRule{}, fmt.Errorf("node %s: unknown terminal outcome %q", nodeID, rd.Outcome)
		}

	default:
		return EdgeRule{}, fmt.Errorf("node %s: unknown rule kind %q", nodeID, rd.Kind)
	}
}

// PayloadNumber reads a numeric payload field, tolerating the types YAML
// and JSON decoding produce.
func PayloadNumber(payload map[string]any, field string) (float64, bool) {
	v, ok := payload[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
