// Package ruleengine parses Vue-Flow-shaped rule graphs, evaluates them
// against live RTDB values on a priority/cooldown scheduler, and emits
// actions into the instance plane. A rule firing is a single-path
// deterministic walk; only the scheduler itself is concurrent.
package ruleengine

import (
	"encoding/json"
	"fmt"

	"github.com/voltageems/voltageemsd/internal/model"
)

// VariableBinding names one RTDB point a rule reads (or targets).
type VariableBinding struct {
	Name      string `json:"name"`
	Instance  uint32 `json:"instance"`
	PointType string `json:"pointType"` // "M" | "A"
	Point     uint32 `json:"point"`
}

// Predicate is one comparison inside a switch branch; both operands are
// numeric and the left side is a variable reference.
type Predicate struct {
	Variables string  `json:"variables"`
	Operator  string  `json:"operator"` // < <= = != >= >
	Value     float64 `json:"value"`
}

// Branch is one named output port of a function-switch node; its
// predicates are combined with AND.
type Branch struct {
	Name       string      `json:"name"`
	Conditions []Predicate `json:"conditions"`
}

// NodeConfig is the union of node-specific configuration. Wires is common
// to all node kinds and authoritative for graph shape (edges are advisory).
type NodeConfig struct {
	Wires map[string][]string `json:"wires,omitempty"`

	// function-switch
	Branches []Branch `json:"branches,omitempty"`

	// function arithmetic nodes
	Left     string `json:"left,omitempty"`
	Right    string `json:"right,omitempty"`
	Operator string `json:"operator,omitempty"`
	Output   string `json:"output,omitempty"`

	// action-changeValue: Variables names the binding that carries the
	// target (instance, point); Value is the value written.
	Variables string   `json:"Variables,omitempty"`
	Value     *float64 `json:"value,omitempty"`

	// action-log / action-publish
	Message string `json:"message,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// NodeData is the typed payload of one graph node.
type NodeData struct {
	Type   string     `json:"type"`
	Config NodeConfig `json:"config"`
}

// FlowNode is one node of the rule graph as the UI emits it.
type FlowNode struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Position json.RawMessage `json:"position,omitempty"`
	Data     NodeData        `json:"data"`
}

// flowDocument is the on-wire flow_json shape.
type flowDocument struct {
	Variables []VariableBinding `json:"variables,omitempty"`
	Nodes     []FlowNode        `json:"nodes"`
	Edges     json.RawMessage   `json:"edges,omitempty"` // advisory; wires are authoritative
}

// Flow is a parsed, validated rule graph ready for evaluation.
type Flow struct {
	Variables []VariableBinding
	Nodes     map[string]*FlowNode
	StartID   string
}

const (
	nodeStart = "start"
	nodeEnd   = "end"
)

// ParseFlow decodes and validates flow_json. Every failure here is a
// Schema-level rejection: malformed JSON, missing/duplicate start, no end,
// unreachable nodes, dangling wires, or cycles.
func ParseFlow(raw []byte) (*Flow, error) {
	var doc flowDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("flow json: %w", err)
	}
	if len(doc.Nodes) == 0 {
		return nil, fmt.Errorf("flow has no nodes")
	}

	f := &Flow{
		Variables: doc.Variables,
		Nodes:     make(map[string]*FlowNode, len(doc.Nodes)),
	}
	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("node %d has no id", i)
		}
		if _, dup := f.Nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		if n.Data.Type == "" {
			n.Data.Type = n.Type
		}
		f.Nodes[n.ID] = n
		if n.Data.Type == nodeStart {
			if f.StartID != "" {
				return nil, fmt.Errorf("more than one start node (%q, %q)", f.StartID, n.ID)
			}
			f.StartID = n.ID
		}
	}
	if f.StartID == "" {
		return nil, fmt.Errorf("flow has no start node")
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// validate enforces the structural invariants: at least one end node,
// every wire target exists, every node reachable from start, no cycles.
// Cycle detection is Kahn's algorithm, the same approach the pipeline DAG
// validator uses: a topological order shorter than the node count means a
// cycle remains.
func (f *Flow) validate() error {
	hasEnd := false
	for _, n := range f.Nodes {
		if n.Data.Type == nodeEnd {
			hasEnd = true
		}
		for port, targets := range n.Data.Config.Wires {
			for _, target := range targets {
				if _, ok := f.Nodes[target]; !ok {
					return fmt.Errorf("node %q wire %q targets unknown node %q", n.ID, port, target)
				}
			}
		}
		if n.Data.Type == "function-switch" {
			if err := validateSwitch(n); err != nil {
				return err
			}
		}
	}
	if !hasEnd {
		return fmt.Errorf("flow has no end node")
	}

	// reachability from start
	reached := map[string]bool{f.StartID: true}
	queue := []string{f.StartID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, targets := range f.Nodes[id].Data.Config.Wires {
			for _, target := range targets {
				if !reached[target] {
					reached[target] = true
					queue = append(queue, target)
				}
			}
		}
	}
	for id := range f.Nodes {
		if !reached[id] {
			return fmt.Errorf("node %q unreachable from start", id)
		}
	}

	// Kahn's algorithm over the wire edges
	inDegree := make(map[string]int, len(f.Nodes))
	for id := range f.Nodes {
		inDegree[id] = 0
	}
	for _, n := range f.Nodes {
		for _, targets := range n.Data.Config.Wires {
			for _, target := range targets {
				inDegree[target]++
			}
		}
	}
	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sorted := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted++
		for _, targets := range f.Nodes[id].Data.Config.Wires {
			for _, target := range targets {
				inDegree[target]--
				if inDegree[target] == 0 {
					ready = append(ready, target)
				}
			}
		}
	}
	if sorted != len(f.Nodes) {
		return fmt.Errorf("flow wires form a cycle")
	}
	return nil
}

// validateSwitch requires a mandatory default branch and known operators.
func validateSwitch(n *FlowNode) error {
	hasDefault := false
	for _, b := range n.Data.Config.Branches {
		if b.Name == "default" {
			hasDefault = true
		}
		for _, p := range b.Conditions {
			switch p.Operator {
			case "<", "<=", "=", "!=", ">=", ">":
			default:
				return fmt.Errorf("switch node %q: unknown operator %q", n.ID, p.Operator)
			}
			if p.Variables == "" {
				return fmt.Errorf("switch node %q: condition without variable", n.ID)
			}
		}
	}
	if !hasDefault {
		return fmt.Errorf("switch node %q: default branch is mandatory", n.ID)
	}
	return nil
}

// binding returns the named variable binding.
func (f *Flow) binding(name string) (VariableBinding, bool) {
	for _, v := range f.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return VariableBinding{}, false
}

// targetOf resolves an action-changeValue target binding to an instance
// point.
func (f *Flow) targetOf(name string) (model.InstanceID, model.PointID, bool) {
	b, ok := f.binding(name)
	if !ok {
		return 0, 0, false
	}
	return model.InstanceID(b.Instance), model.PointID(b.Point), true
}
