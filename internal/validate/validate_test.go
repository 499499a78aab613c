package validate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/rtdb"
	"github.com/voltageems/voltageemsd/internal/store"
)

func goodFlow() []byte {
	return []byte(`{"nodes":[
		{"id":"n1","type":"start","data":{"type":"start","config":{"wires":{"default":["n2"]}}}},
		{"id":"n2","type":"end","data":{"type":"end","config":{}}}
	]}`)
}

func goodSnapshot() *Snapshot {
	return &Snapshot{
		Channels: []model.Channel{{
			ID: 1001, Name: "pcs_line_a", Protocol: model.ProtocolModbusTCP, Enabled: true,
			Points: []model.ChannelPoint{
				{ChannelID: 1001, PointType: model.PointTypeTelemetry, PointID: 40001},
				{ChannelID: 1001, PointType: model.PointTypeControl, PointID: 201},
			},
		}},
		Products:  []model.Product{{Name: "battery"}},
		Instances: []model.Instance{{ID: 5001, Name: "battery_01", ProductName: "battery", Enabled: true}},
		Routing: model.RoutingMaps{
			C2M: []model.MeasurementRouting{{
				ID: 1, ChannelID: 1001, ChannelType: model.PointTypeTelemetry, ChannelPointID: 40001,
				InstanceID: 5001, MeasurementID: 10, Enabled: true,
			}},
			M2C: []model.ActionRouting{{
				ID: 1, InstanceID: 5001, ActionID: 3,
				ChannelID: 1001, ChannelType: model.PointTypeControl, ChannelPointID: 201, Enabled: true,
			}},
		},
		Rules: []model.Rule{{ID: 1, Name: "guard", Enabled: true, FlowJSON: goodFlow()}},
	}
}

func TestValidateAcceptsGoodSnapshot(t *testing.T) {
	result := Validate(goodSnapshot())
	assert.True(t, result.IsValid, "errors: %v", result.Errors)
	assert.Equal(t, LevelBusiness, result.Level)
}

func TestValidateRejectsCyclicRuleAtSchemaLevel(t *testing.T) {
	snap := goodSnapshot()
	snap.Rules[0].FlowJSON = []byte(`{"nodes":[
		{"id":"n1","type":"start","data":{"type":"start","config":{"wires":{"default":["n2"]}}}},
		{"id":"n2","type":"function-calc","data":{"type":"function-calc","config":{"wires":{"default":["n2","n3"]}}}},
		{"id":"n3","type":"end","data":{"type":"end","config":{}}}
	]}`)
	result := Validate(snap)
	assert.False(t, result.IsValid)
	assert.Equal(t, LevelSchema, result.Level)
}

func TestValidateRejectsBadNames(t *testing.T) {
	snap := goodSnapshot()
	snap.Channels[0].Name = "1_starts_with_digit"
	result := Validate(snap)
	assert.False(t, result.IsValid)
	assert.Equal(t, LevelSemantic, result.Level)
}

func TestValidateRejectsUnknownProductReference(t *testing.T) {
	snap := goodSnapshot()
	snap.Instances[0].ProductName = "ghost"
	result := Validate(snap)
	assert.False(t, result.IsValid)
	assert.Equal(t, LevelSemantic, result.Level)
}

func TestValidateRejectsDuplicateChannelPoints(t *testing.T) {
	snap := goodSnapshot()
	snap.Channels[0].Points = append(snap.Channels[0].Points, snap.Channels[0].Points[0])
	result := Validate(snap)
	assert.False(t, result.IsValid)
}

func TestValidateRejectsRoutingToMissingChannelPoint(t *testing.T) {
	snap := goodSnapshot()
	snap.Routing.C2M[0].ChannelPointID = 49999
	result := Validate(snap)
	assert.False(t, result.IsValid)
	assert.Equal(t, LevelBusiness, result.Level)
}

func TestValidateRejectsC2MCollision(t *testing.T) {
	snap := goodSnapshot()
	snap.Routing.C2M = append(snap.Routing.C2M, model.MeasurementRouting{
		ID: 2, ChannelID: 1001, ChannelType: model.PointTypeTelemetry, ChannelPointID: 40001,
		InstanceID: 5001, MeasurementID: 99, Enabled: true,
	})
	result := Validate(snap)
	assert.False(t, result.IsValid)
}

func TestValidateRejectsActionRoutingToUplinkType(t *testing.T) {
	snap := goodSnapshot()
	snap.Routing.M2C[0].ChannelType = model.PointTypeTelemetry
	result := Validate(snap)
	assert.False(t, result.IsValid)
}

func TestValidateRejectsNoEnabledChannel(t *testing.T) {
	snap := goodSnapshot()
	snap.Channels[0].Enabled = false
	result := Validate(snap)
	assert.False(t, result.IsValid)
	assert.Equal(t, LevelBusiness, result.Level)
}

func TestCheckRuntime(t *testing.T) {
	st, err := store.OpenMemory()
	require.NoError(t, err)
	defer st.Close()

	result := CheckRuntime(context.Background(), rtdb.NewMemory(), st)
	assert.True(t, result.IsValid, "errors: %v", result.Errors)
	assert.Equal(t, LevelRuntime, result.Level)
}
