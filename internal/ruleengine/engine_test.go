package ruleengine

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltageems/voltageemsd/internal/apprt"
	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/rtdb"
)

func testContext() *apprt.Context {
	return apprt.New(nil, apprt.NoopLogger(), prometheus.NewRegistry())
}

// hashSink mimics the instance manager's unconditional action-hash write.
func hashSink(db rtdb.RTDB) ActionSink {
	return ActionSinkFunc(func(ctx context.Context, instanceID model.InstanceID, pointID model.PointID, value float64) error {
		key := rtdb.InstanceKey(uint32(instanceID), rtdb.InstanceAction)
		return db.HashSet(ctx, key, strconv.FormatUint(uint64(pointID), 10), model.EncodeValue(value, time.Now()))
	})
}

const switchFlowJSON = `{
	"variables": [
		{"name":"X1","instance":5001,"pointType":"M","point":10},
		{"name":"X2","instance":5002,"pointType":"A","point":1}
	],
	"nodes": [
		{"id":"n1","type":"start","data":{"type":"start","config":{"wires":{"default":["n2"]}}}},
		{"id":"n2","type":"function-switch","data":{"type":"function-switch","config":{
			"branches":[
				{"name":"low","conditions":[{"variables":"X1","operator":"<=","value":5}]},
				{"name":"default"}
			],
			"wires":{"low":["n3"],"default":["n4"]}}}},
		{"id":"n3","type":"action-changeValue","data":{"type":"action-changeValue","config":{
			"Variables":"X2","value":0,"wires":{"default":["n4"]}}}},
		{"id":"n4","type":"end","data":{"type":"end","config":{}}}
	]
}`

func switchRule(id int64) model.Rule {
	return model.Rule{ID: id, Name: "low_soc_guard", Enabled: true, Priority: 10, CooldownMS: 0, FlowJSON: []byte(switchFlowJSON)}
}

func TestRuleFireWritesActionPoint(t *testing.T) {
	// with inst:5001:M[10]=4, the low branch fires and writes
	// inst:5002:A[1] = 0.
	db := rtdb.NewMemory()
	ctx := context.Background()
	require.NoError(t, db.HashSet(ctx, "inst:5001:M", "10", model.EncodeValue(4, time.Now())))

	e := NewEngine(testContext(), db, hashSink(db), Options{})
	require.NoError(t, e.UpsertRule(switchRule(1)))

	result, err := e.ExecuteRule(ctx, 1)
	require.NoError(t, err)
	assert.True(t, result.ConditionsMet)
	require.Len(t, result.ActionsExecuted, 1)
	assert.True(t, result.ActionsExecuted[0].Success)

	raw, found, _ := db.HashGet(ctx, "inst:5002:A", "1")
	require.True(t, found)
	value, _, ok := model.DecodeValue(raw)
	require.True(t, ok)
	assert.Equal(t, 0.0, value)
}

func TestRuleDefaultBranchSkipsAction(t *testing.T) {
	db := rtdb.NewMemory()
	ctx := context.Background()
	require.NoError(t, db.HashSet(ctx, "inst:5001:M", "10", model.EncodeValue(9, time.Now())))

	e := NewEngine(testContext(), db, hashSink(db), Options{})
	require.NoError(t, e.UpsertRule(switchRule(1)))

	result, err := e.ExecuteRule(ctx, 1)
	require.NoError(t, err)
	assert.False(t, result.ConditionsMet)
	assert.Empty(t, result.ActionsExecuted)

	_, found, _ := db.HashGet(ctx, "inst:5002:A", "1")
	assert.False(t, found)
}

func TestRuleMissingVariableShortCircuits(t *testing.T) {
	db := rtdb.NewMemory() // no measurement written
	e := NewEngine(testContext(), db, hashSink(db), Options{})
	require.NoError(t, e.UpsertRule(switchRule(1)))

	result, err := e.ExecuteRule(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "missing_variable", result.Reason)
	assert.False(t, result.ConditionsMet)
	assert.Empty(t, result.ActionsExecuted)
}

func TestRuleDeterminism(t *testing.T) {
	// fixed RTDB snapshot + fixed graph => identical actions_executed
	// modulo timestamps/ids.
	db := rtdb.NewMemory()
	ctx := context.Background()
	require.NoError(t, db.HashSet(ctx, "inst:5001:M", "10", model.EncodeValue(3, time.Now())))

	e := NewEngine(testContext(), db, hashSink(db), Options{})
	require.NoError(t, e.UpsertRule(switchRule(1)))

	first, err := e.ExecuteRule(ctx, 1)
	require.NoError(t, err)
	second, err := e.ExecuteRule(ctx, 1)
	require.NoError(t, err)

	require.Equal(t, len(first.ActionsExecuted), len(second.ActionsExecuted))
	for i := range first.ActionsExecuted {
		a, b := first.ActionsExecuted[i], second.ActionsExecuted[i]
		assert.Equal(t, a.NodeID, b.NodeID)
		assert.Equal(t, a.ActionType, b.ActionType)
		assert.Equal(t, a.Target, b.Target)
		assert.Equal(t, a.Success, b.Success)
	}
	assert.Equal(t, first.ConditionsMet, second.ConditionsMet)
}

func TestRuleCooldown(t *testing.T) {
	db := rtdb.NewMemory()
	ctx := context.Background()
	require.NoError(t, db.HashSet(ctx, "inst:5001:M", "10", model.EncodeValue(2, time.Now())))

	rule := switchRule(1)
	rule.CooldownMS = 60_000
	e := NewEngine(testContext(), db, hashSink(db), Options{})
	require.NoError(t, e.UpsertRule(rule))

	// first tick fires, second tick inside the cooldown must not
	e.runTick(ctx)
	e.runTick(ctx)
	assert.Len(t, e.History(0), 1)
}

func TestRunTickPriorityOrder(t *testing.T) {
	db := rtdb.NewMemory()
	ctx := context.Background()
	require.NoError(t, db.HashSet(ctx, "inst:5001:M", "10", model.EncodeValue(2, time.Now())))

	e := NewEngine(testContext(), db, hashSink(db), Options{})
	low := switchRule(1)
	low.Priority = 1
	high := switchRule(2)
	high.Priority = 200
	require.NoError(t, e.UpsertRule(low))
	require.NoError(t, e.UpsertRule(high))

	e.runTick(ctx)
	history := e.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, int64(2), history[0].RuleID, "higher priority evaluates first")
	assert.Equal(t, int64(1), history[1].RuleID)
}

func TestDisabledRuleSkipped(t *testing.T) {
	db := rtdb.NewMemory()
	e := NewEngine(testContext(), db, hashSink(db), Options{})
	rule := switchRule(1)
	rule.Enabled = false
	require.NoError(t, e.UpsertRule(rule))

	e.runTick(context.Background())
	assert.Empty(t, e.History(0))
}

func TestActionFailureDoesNotAbortWalk(t *testing.T) {
	db := rtdb.NewMemory()
	ctx := context.Background()
	require.NoError(t, db.HashSet(ctx, "inst:5001:M", "10", model.EncodeValue(1, time.Now())))

	failing := ActionSinkFunc(func(context.Context, model.InstanceID, model.PointID, float64) error {
		return assert.AnError
	})
	e := NewEngine(testContext(), db, failing, Options{})
	require.NoError(t, e.UpsertRule(switchRule(1)))

	result, err := e.ExecuteRule(ctx, 1)
	require.NoError(t, err)
	require.Len(t, result.ActionsExecuted, 1)
	assert.False(t, result.ActionsExecuted[0].Success)
	assert.NotEmpty(t, result.ActionsExecuted[0].Error)
	assert.Empty(t, result.Error, "action failure is per-action, not a rule error")
}

func TestUpsertRuleRejectsBadFlow(t *testing.T) {
	e := NewEngine(testContext(), rtdb.NewMemory(), hashSink(rtdb.NewMemory()), Options{})
	err := e.UpsertRule(model.Rule{ID: 1, Name: "broken", FlowJSON: []byte(`{"nodes":[]}`)})
	assert.Error(t, err)
	assert.Empty(t, e.RuleIDs())
}

func TestHistoryBounded(t *testing.T) {
	db := rtdb.NewMemory()
	e := NewEngine(testContext(), db, hashSink(db), Options{})
	for i := 0; i < HistoryBound+50; i++ {
		e.appendHistory(ExecutionResult{RuleID: int64(i)})
	}
	history := e.History(0)
	require.Len(t, history, HistoryBound)
	assert.Equal(t, int64(50), history[0].RuleID, "oldest entries evicted FIFO")
}

func TestFunctionNodeArithmetic(t *testing.T) {
	raw := `{
		"variables": [
			{"name":"X1","instance":1,"pointType":"M","point":1},
			{"name":"X9","instance":2,"pointType":"A","point":9}
		],
		"nodes": [
			{"id":"n1","type":"start","data":{"type":"start","config":{"wires":{"default":["n2"]}}}},
			{"id":"n2","type":"function-calc","data":{"type":"function-calc","config":{
				"left":"X1","operator":"mul","right":"2","output":"doubled","wires":{"default":["n3"]}}}},
			{"id":"n3","type":"function-switch","data":{"type":"function-switch","config":{
				"branches":[
					{"name":"big","conditions":[{"variables":"doubled","operator":">=","value":10}]},
					{"name":"default"}
				],
				"wires":{"big":["n4"],"default":["n5"]}}}},
			{"id":"n4","type":"action-changeValue","data":{"type":"action-changeValue","config":{
				"Variables":"X9","value":1,"wires":{"default":["n5"]}}}},
			{"id":"n5","type":"end","data":{"type":"end","config":{}}}
		]
	}`
	db := rtdb.NewMemory()
	ctx := context.Background()
	require.NoError(t, db.HashSet(ctx, "inst:1:M", "1", model.EncodeValue(6, time.Now())))

	e := NewEngine(testContext(), db, hashSink(db), Options{})
	require.NoError(t, e.UpsertRule(model.Rule{ID: 3, Name: "calc", Enabled: true, FlowJSON: []byte(raw)}))

	result, err := e.ExecuteRule(ctx, 3)
	require.NoError(t, err)
	assert.True(t, result.ConditionsMet)
	raw2, found, _ := db.HashGet(ctx, "inst:2:A", "9")
	require.True(t, found)
	value, _, _ := model.DecodeValue(raw2)
	assert.Equal(t, 1.0, value)
}
