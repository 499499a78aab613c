package instancemgr

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltageems/voltageemsd/internal/apprt"
	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/routecache"
	"github.com/voltageems/voltageemsd/internal/rtdb"
	"github.com/voltageems/voltageemsd/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *rtdb.Memory, *routecache.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.UpsertProduct(context.Background(), model.Product{
		Name: "battery",
		Measurements: []model.PointSpec{{PointID: 10, Name: "soc", Unit: "%", DataType: "float"}},
		Actions:      []model.PointSpec{{PointID: 3, Name: "enable", DataType: "bool"}},
	}))

	db := rtdb.NewMemory()
	routes := routecache.NewStore()
	rt := apprt.New(nil, apprt.NoopLogger(), prometheus.NewRegistry())
	return New(rt, st, db, routes), db, routes
}

func TestCreateInstanceValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateInstance(ctx, CreateRequest{InstanceID: 1, Name: "1badname", ProductName: "battery"})
	assert.Error(t, err, "names must not start with a digit")

	_, err = m.CreateInstance(ctx, CreateRequest{InstanceID: 1, Name: "battery_01", ProductName: "missing"})
	assert.Error(t, err, "unknown product must be rejected")

	inst, err := m.CreateInstance(ctx, CreateRequest{InstanceID: 1, Name: "battery_01", ProductName: "battery", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, model.InstanceID(1), inst.ID)

	_, err = m.CreateInstance(ctx, CreateRequest{InstanceID: 1, Name: "battery_02", ProductName: "battery"})
	assert.Error(t, err, "duplicate instance id must be rejected")
}

func TestDeleteInstanceRemovesHashes(t *testing.T) {
	m, db, _ := newTestManager(t)
	ctx := context.Background()
	inst, err := m.CreateInstance(ctx, CreateRequest{InstanceID: 7, Name: "battery_07", ProductName: "battery", Enabled: true})
	require.NoError(t, err)

	_, err = m.SetActionPoint(ctx, inst.ID, 3, 1)
	require.NoError(t, err)
	require.NoError(t, m.DeleteInstance(ctx, inst.ID))

	all, err := db.HashGetAll(ctx, "inst:7:A")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSetActionPointUnrouted(t *testing.T) {
	m, db, _ := newTestManager(t)
	ctx := context.Background()

	outcome, err := m.SetActionPoint(ctx, 5001, 3, 1.0)
	require.NoError(t, err)
	assert.False(t, outcome.Routed)

	// the action hash write is unconditional
	raw, found, err := db.HashGet(ctx, "inst:5001:A", "3")
	require.NoError(t, err)
	require.True(t, found)
	value, _, ok := model.DecodeValue(raw)
	require.True(t, ok)
	assert.Equal(t, 1.0, value)
}

func TestSetActionPointWriteTriggersRouting(t *testing.T) {
	// action_routing (5001,3) -> (channel 1001, C, 201).
	m, db, routes := newTestManager(t)
	ctx := context.Background()
	routes.Swap(routecache.Build(model.RoutingMaps{
		M2C: []model.ActionRouting{{
			InstanceID: 5001, ActionID: 3,
			ChannelID: 1001, ChannelType: model.PointTypeControl, ChannelPointID: 201,
			Enabled: true,
		}},
	}, 1))

	outcome, err := m.SetActionPoint(ctx, 5001, 3, 1.0)
	require.NoError(t, err)
	assert.True(t, outcome.Routed)
	assert.Equal(t, model.ChannelID(1001), outcome.ChannelID)
	assert.Equal(t, "todo:1001:C", outcome.QueueKey)

	raw, found, _ := db.HashGet(ctx, "inst:5001:A", "3")
	require.True(t, found)
	value, _, _ := model.DecodeValue(raw)
	assert.Equal(t, 1.0, value)

	raw, found, _ = db.HashGet(ctx, "ch:1001:C", "201")
	require.True(t, found)
	value, _, _ = model.DecodeValue(raw)
	assert.Equal(t, 1.0, value)

	entry, found, err := db.ListPop(ctx, "todo:1001:C")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "201", entry)
}

func TestSetActionPointQueueOverflowDropsOldest(t *testing.T) {
	m, db, routes := newTestManager(t)
	ctx := context.Background()
	routes.Swap(routecache.Build(model.RoutingMaps{
		M2C: []model.ActionRouting{{
			InstanceID: 5001, ActionID: 3,
			ChannelID: 1001, ChannelType: model.PointTypeControl, ChannelPointID: 201,
			Enabled: true,
		}},
	}, 1))

	for i := 0; i < TodoQueueBound; i++ {
		require.NoError(t, db.ListPush(ctx, "todo:1001:C", "999"))
	}

	outcome, err := m.SetActionPoint(ctx, 5001, 3, 1.0)
	require.NoError(t, err)
	assert.True(t, outcome.Routed)
	assert.True(t, outcome.Dropped)

	length, err := db.ListLen(ctx, "todo:1001:C")
	require.NoError(t, err)
	assert.Equal(t, TodoQueueBound, length)
}
