package ruleengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/voltageems/voltageemsd/internal/apprt"
	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/rtdb"
)

// ActionSink is the narrow slice of the instance manager the rule engine
// writes actions through; tests substitute an in-memory sink.
type ActionSink interface {
	SetActionPoint(ctx context.Context, instanceID model.InstanceID, pointID model.PointID, value float64) error
}

// ActionSinkFunc adapts a function to ActionSink.
type ActionSinkFunc func(ctx context.Context, instanceID model.InstanceID, pointID model.PointID, value float64) error

func (f ActionSinkFunc) SetActionPoint(ctx context.Context, instanceID model.InstanceID, pointID model.PointID, value float64) error {
	return f(ctx, instanceID, pointID, value)
}

// HistoryBound caps the in-memory execution history (FIFO).
const HistoryBound = 1000

// cachedRule pairs a rule row with its parsed flow and cooldown
// bookkeeping; flow parsing happens once at upsert, never per tick.
type cachedRule struct {
	rule      model.Rule
	flow      *Flow
	lastFired time.Time
}

// Options bounds the scheduler.
type Options struct {
	TickInterval time.Duration // default 100ms
	EvalTimeout  time.Duration // per-rule evaluation timeout, default 1s
}

func (o Options) withDefaults() Options {
	if o.TickInterval == 0 {
		o.TickInterval = 100 * time.Millisecond
	}
	if o.EvalTimeout == 0 {
		o.EvalTimeout = time.Second
	}
	return o
}

// Engine schedules and evaluates the enabled rule set. The rule cache is a
// read-mostly RWMutex map: scheduler ticks read, reload writes.
type Engine struct {
	rt   *apprt.Context
	db   rtdb.RTDB
	sink ActionSink
	opts Options

	mu    sync.RWMutex
	rules map[int64]*cachedRule

	histMu  sync.Mutex
	history []ExecutionResult
}

// NewEngine builds an Engine.
func NewEngine(rt *apprt.Context, db rtdb.RTDB, sink ActionSink, opts Options) *Engine {
	return &Engine{
		rt:    rt.WithComponent("ruleengine"),
		db:    db,
		sink:  sink,
		opts:  opts.withDefaults(),
		rules: make(map[int64]*cachedRule),
	}
}

// UpsertRule parses, validates, and caches one rule under a single write
// lock; an invalid flow leaves any previous version in place.
func (e *Engine) UpsertRule(rule model.Rule) error {
	flow, err := ParseFlow(rule.FlowJSON)
	if err != nil {
		return apprt.Wrap(apprt.KindRule, "upsert_rule", fmt.Sprintf("rule %d (%s)", rule.ID, rule.Name), err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.rules[rule.ID]; ok {
		// ConfigUpdate: keep cooldown bookkeeping across hot swaps.
		e.rules[rule.ID] = &cachedRule{rule: rule, flow: flow, lastFired: prev.lastFired}
	} else {
		e.rules[rule.ID] = &cachedRule{rule: rule, flow: flow}
	}
	return nil
}

// RemoveRule drops one rule from the cache.
func (e *Engine) RemoveRule(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return false
	}
	delete(e.rules, id)
	return true
}

// RuleIDs returns the cached rule ids, for reload diffing.
func (e *Engine) RuleIDs() []int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]int64, 0, len(e.rules))
	for id := range e.rules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Rules returns the cached rule rows.
func (e *Engine) Rules() []model.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		out = append(out, cr.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetEnabled flips one rule's enabled flag in the cache.
func (e *Engine) SetEnabled(id int64, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cr, ok := e.rules[id]
	if !ok {
		return false
	}
	cr.rule.Enabled = enabled
	return true
}

// Start launches the scheduler loop; the returned stop function blocks
// until the loop exits.
func (e *Engine) Start(ctx context.Context) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := time.NewTicker(e.opts.TickInterval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				e.runTick(loopCtx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// runTick evaluates every due rule in descending priority order. Rules are
// evaluated sequentially within a tick so priority order is observable.
func (e *Engine) runTick(ctx context.Context) {
	now := time.Now()

	e.mu.RLock()
	due := make([]*cachedRule, 0, len(e.rules))
	for _, cr := range e.rules {
		if !cr.rule.Enabled {
			continue
		}
		cooldown := time.Duration(cr.rule.CooldownMS) * time.Millisecond
		if cooldown > 0 && now.Sub(cr.lastFired) < cooldown {
			continue
		}
		due = append(due, cr)
	}
	e.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].rule.Priority != due[j].rule.Priority {
			return due[i].rule.Priority > due[j].rule.Priority
		}
		return due[i].rule.ID < due[j].rule.ID
	})

	for _, cr := range due {
		if ctx.Err() != nil {
			return
		}
		e.fire(ctx, cr, now)
	}
}

// fire evaluates one rule with the per-rule timeout and records the result.
func (e *Engine) fire(ctx context.Context, cr *cachedRule, now time.Time) ExecutionResult {
	evalCtx, cancel := context.WithTimeout(ctx, e.opts.EvalTimeout)
	result := e.evaluate(evalCtx, cr.rule, cr.flow, now)
	cancel()

	e.mu.Lock()
	cr.lastFired = now
	e.mu.Unlock()

	outcome := "ok"
	switch {
	case result.Error != "":
		outcome = "error"
	case result.Reason != "":
		outcome = result.Reason
	}
	e.rt.Metrics.RuleExecutions.WithLabelValues(cr.rule.Name, outcome).Inc()
	e.rt.Metrics.RuleDuration.WithLabelValues(cr.rule.Name).Observe(float64(result.DurationMS) / 1000)
	e.rt.Logger.Debug("rule evaluated",
		"rule", cr.rule.ID, "execution", result.ExecutionID,
		"conditions_met", result.ConditionsMet, "actions", len(result.ActionsExecuted),
		"duration_ms", result.DurationMS, "reason", result.Reason, "error", result.Error)

	e.appendHistory(result)
	return result
}

// ExecuteRule fires one rule immediately, bypassing the cooldown gate —
// the manual-fire surface behind POST /rules/{id}/execute and
// `voltagectl execute`.
func (e *Engine) ExecuteRule(ctx context.Context, id int64) (ExecutionResult, error) {
	e.mu.RLock()
	cr, ok := e.rules[id]
	e.mu.RUnlock()
	if !ok {
		return ExecutionResult{}, apprt.Wrap(apprt.KindRule, "execute_rule", fmt.Sprintf("rule %d not loaded", id), nil)
	}
	return e.fire(ctx, cr, time.Now()), nil
}

// TestRule evaluates a rule graph without touching the cache or cooldowns;
// used by `voltagectl test`.
func (e *Engine) TestRule(ctx context.Context, rule model.Rule) (ExecutionResult, error) {
	flow, err := ParseFlow(rule.FlowJSON)
	if err != nil {
		return ExecutionResult{}, apprt.Wrap(apprt.KindRule, "test_rule", fmt.Sprintf("rule %d (%s)", rule.ID, rule.Name), err)
	}
	evalCtx, cancel := context.WithTimeout(ctx, e.opts.EvalTimeout)
	defer cancel()
	return e.evaluate(evalCtx, rule, flow, time.Now()), nil
}

func (e *Engine) appendHistory(result ExecutionResult) {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	e.history = append(e.history, result)
	if len(e.history) > HistoryBound {
		e.history = e.history[len(e.history)-HistoryBound:]
	}
}

// History returns the most recent executions, newest last. limit <= 0
// returns everything retained.
func (e *Engine) History(limit int) []ExecutionResult {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]ExecutionResult, limit)
	copy(out, e.history[len(e.history)-limit:])
	return out
}
