package ruleengine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/rtdb"
)

// ActionResult records one action node's outcome inside a firing.
type ActionResult struct {
	NodeID     string `json:"node_id"`
	ActionType string `json:"action_type"`
	Target     string `json:"target,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// ExecutionResult is the per-firing record appended to the bounded
// history: one struct capturing what happened and why.
type ExecutionResult struct {
	RuleID          int64          `json:"rule_id"`
	ExecutionID     string         `json:"execution_id"`
	TS              time.Time      `json:"ts"`
	ConditionsMet   bool           `json:"conditions_met"`
	ActionsExecuted []ActionResult `json:"actions_executed"`
	DurationMS      int64          `json:"duration_ms"`
	Error           string         `json:"error,omitempty"`
	Reason          string         `json:"reason,omitempty"`
}

// resolvedVariable is one binding's value at evaluation start.
type resolvedVariable struct {
	value   float64
	quality model.Quality
}

// resolveVariables reads every binding from the RTDB in one pass. A
// missing or unparsable value resolves with quality Bad; a Bad variable
// behaves exactly like a missing one for predicate purposes.
func (e *Engine) resolveVariables(ctx context.Context, flow *Flow) map[string]resolvedVariable {
	vars := make(map[string]resolvedVariable, len(flow.Variables))
	for _, b := range flow.Variables {
		section := rtdb.InstanceMeasurement
		if b.PointType == string(rtdb.InstanceAction) {
			section = rtdb.InstanceAction
		}
		key := rtdb.InstanceKey(b.Instance, section)
		field := strconv.FormatUint(uint64(b.Point), 10)

		raw, found, err := e.db.HashGet(ctx, key, field)
		if err != nil || !found {
			vars[b.Name] = resolvedVariable{quality: model.QualityBad}
			continue
		}
		value, _, ok := model.DecodeValue(raw)
		if !ok {
			vars[b.Name] = resolvedVariable{quality: model.QualityBad}
			continue
		}
		vars[b.Name] = resolvedVariable{value: value, quality: model.QualityGood}
	}
	return vars
}

// evaluate walks the graph once. Action failures are recorded per action
// and never abort the walk; a predicate touching a Bad variable
// short-circuits the firing with reason=missing_variable.
func (e *Engine) evaluate(ctx context.Context, rule model.Rule, flow *Flow, now time.Time) ExecutionResult {
	start := time.Now()
	result := ExecutionResult{
		RuleID:      rule.ID,
		ExecutionID: uuid.NewString(),
		TS:          now,
	}

	vars := e.resolveVariables(ctx, flow)

	visited := make(map[string]bool, len(flow.Nodes))
	current := flow.StartID
	port := "default"

walk:
	for current != "" {
		if visited[current] {
			// static validation excludes cycles; belt and braces.
			result.Error = fmt.Sprintf("revisited node %q", current)
			break
		}
		visited[current] = true
		node := flow.Nodes[current]

		switch {
		case node.Data.Type == nodeStart:
			port = "default"

		case node.Data.Type == nodeEnd:
			break walk

		case node.Data.Type == "function-switch":
			selected, ok, reason := selectBranch(node, vars)
			if !ok {
				result.Reason = reason
				e.rt.Logger.Info("rule short-circuited", "rule", rule.ID, "reason", reason)
				break walk
			}
			port = selected
			if selected != "default" {
				result.ConditionsMet = true
			}

		case strings.HasPrefix(node.Data.Type, "function-"):
			applyFunction(node, vars)
			port = "default"

		case node.Data.Type == "action-changeValue":
			result.ActionsExecuted = append(result.ActionsExecuted, e.runChangeValue(ctx, flow, node))
			port = "default"

		case node.Data.Type == "action-log":
			e.rt.Logger.Info("rule action-log", "rule", rule.ID, "node", node.ID, "message", node.Data.Config.Message)
			result.ActionsExecuted = append(result.ActionsExecuted, ActionResult{NodeID: node.ID, ActionType: "action-log", Success: true})
			port = "default"

		case node.Data.Type == "action-publish":
			result.ActionsExecuted = append(result.ActionsExecuted, e.runPublish(ctx, rule, node))
			port = "default"

		default:
			result.Error = fmt.Sprintf("unknown node type %q at %q", node.Data.Type, node.ID)
			break walk
		}

		targets := node.Data.Config.Wires[port]
		if len(targets) == 0 {
			break
		}
		current = targets[0]
	}

	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

// selectBranch evaluates a switch node's branches in order; the first
// branch whose AND-combined predicates all hold wins, falling back to the
// mandatory default. A predicate over a Bad variable short-circuits.
func selectBranch(node *FlowNode, vars map[string]resolvedVariable) (port string, ok bool, reason string) {
	for _, b := range node.Data.Config.Branches {
		if b.Name == "default" {
			continue
		}
		matched := true
		for _, p := range b.Conditions {
			v, bound := vars[p.Variables]
			if !bound || v.quality == model.QualityBad {
				return "", false, "missing_variable"
			}
			if !compare(v.value, p.Operator, p.Value) {
				matched = false
				break
			}
		}
		if matched {
			return b.Name, true, ""
		}
	}
	return "default", true, ""
}

func compare(left float64, operator string, right float64) bool {
	switch operator {
	case "<":
		return left < right
	case "<=":
		return left <= right
	case "=":
		return left == right
	case "!=":
		return left != right
	case ">=":
		return left >= right
	case ">":
		return left > right
	default:
		return false
	}
}

// applyFunction executes a pure arithmetic node, updating the variable
// register named by output.
func applyFunction(node *FlowNode, vars map[string]resolvedVariable) {
	cfg := node.Data.Config
	if cfg.Output == "" {
		return
	}
	left, lok := operand(cfg.Left, vars)
	right, rok := operand(cfg.Right, vars)
	if !lok || !rok {
		vars[cfg.Output] = resolvedVariable{quality: model.QualityBad}
		return
	}
	var out float64
	switch cfg.Operator {
	case "add", "+":
		out = left + right
	case "sub", "-":
		out = left - right
	case "mul", "*":
		out = left * right
	case "div", "/":
		if right == 0 {
			vars[cfg.Output] = resolvedVariable{quality: model.QualityBad}
			return
		}
		out = left / right
	default:
		vars[cfg.Output] = resolvedVariable{quality: model.QualityBad}
		return
	}
	vars[cfg.Output] = resolvedVariable{value: out, quality: model.QualityGood}
}

// operand resolves a function-node operand: a variable name or a numeric
// literal.
func operand(s string, vars map[string]resolvedVariable) (float64, bool) {
	if v, ok := vars[s]; ok {
		return v.value, v.quality == model.QualityGood
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// runChangeValue writes the configured value into the target instance
// action point through the action sink, which enters the downlink path.
func (e *Engine) runChangeValue(ctx context.Context, flow *Flow, node *FlowNode) ActionResult {
	cfg := node.Data.Config
	res := ActionResult{NodeID: node.ID, ActionType: "action-changeValue", Target: cfg.Variables}

	instanceID, pointID, ok := flow.targetOf(cfg.Variables)
	if !ok {
		res.Error = fmt.Sprintf("unknown target variable %q", cfg.Variables)
		return res
	}
	if cfg.Value == nil {
		res.Error = "changeValue without value"
		return res
	}
	if err := e.sink.SetActionPoint(ctx, instanceID, pointID, *cfg.Value); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

// runPublish emits an event payload to the configured pub/sub channel.
func (e *Engine) runPublish(ctx context.Context, rule model.Rule, node *FlowNode) ActionResult {
	cfg := node.Data.Config
	res := ActionResult{NodeID: node.ID, ActionType: "action-publish", Target: cfg.Channel}
	if cfg.Channel == "" {
		res.Error = "publish without channel"
		return res
	}
	payload := fmt.Sprintf(`{"rule_id":%d,"node_id":%q,"message":%q}`, rule.ID, node.ID, cfg.Message)
	if err := e.db.Publish(ctx, cfg.Channel, []byte(payload)); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}
