package routecache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/voltageems/voltageemsd/internal/model"
)

func sampleMaps() model.RoutingMaps {
	return model.RoutingMaps{
		C2M: []model.MeasurementRouting{
			{ID: 1, ChannelID: 1001, ChannelType: model.PointTypeTelemetry, ChannelPointID: 201, InstanceID: 42, MeasurementID: 5, Enabled: true},
			{ID: 2, ChannelID: 1001, ChannelType: model.PointTypeTelemetry, ChannelPointID: 202, InstanceID: 42, MeasurementID: 6, Enabled: false},
		},
		M2C: []model.ActionRouting{
			{ID: 1, InstanceID: 42, ActionID: 7, ChannelID: 1001, ChannelType: model.PointTypeControl, ChannelPointID: 301, Enabled: true},
		},
		C2C: []model.ChannelRouting{
			{ID: 1, SourceChannel: 1001, SourceType: model.PointTypeTelemetry, SourcePointID: 201, TargetChannel: 2002, TargetType: model.PointTypeAdjustment, TargetPointID: 401, Scale: 2, Offset: 1, Enabled: true},
		},
	}
}

func TestBuildSkipsDisabledRoutes(t *testing.T) {
	cache := Build(sampleMaps(), 1)
	c2m, m2c, c2c := cache.Size()
	assert.Equal(t, 1, c2m)
	assert.Equal(t, 1, m2c)
	assert.Equal(t, 1, c2c)
}

func TestLookupC2M(t *testing.T) {
	cache := Build(sampleMaps(), 1)
	instanceID, measurementID, ok := cache.LookupC2M(model.ChannelPointKey{ChannelID: 1001, PointType: model.PointTypeTelemetry, PointID: 201})
	assert.True(t, ok)
	assert.Equal(t, model.InstanceID(42), instanceID)
	assert.Equal(t, model.PointID(5), measurementID)

	_, _, ok = cache.LookupC2M(model.ChannelPointKey{ChannelID: 1001, PointType: model.PointTypeTelemetry, PointID: 202})
	assert.False(t, ok, "disabled route must not resolve")
}

func TestLookupC2MStringMatchesStructured(t *testing.T) {
	cache := Build(sampleMaps(), 1)
	key := model.ChannelPointKey{ChannelID: 1001, PointType: model.PointTypeTelemetry, PointID: 201}
	want, _, _ := cache.LookupC2M(key)
	got, _, ok := cache.LookupC2MString(key.String())
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

func TestLookupM2C(t *testing.T) {
	cache := Build(sampleMaps(), 1)
	channelID, channelType, pointID, ok := cache.LookupM2C(model.InstancePointKey{InstanceID: 42, PointType: model.PointTypeAdjustment, PointID: 7})
	assert.True(t, ok)
	assert.Equal(t, model.ChannelID(1001), channelID)
	assert.Equal(t, model.PointTypeControl, channelType)
	assert.Equal(t, model.PointID(301), pointID)
}

func TestLookupC2C(t *testing.T) {
	cache := Build(sampleMaps(), 1)
	targetChannel, targetType, targetPointID, scale, offset, ok := cache.LookupC2C(model.ChannelPointKey{ChannelID: 1001, PointType: model.PointTypeTelemetry, PointID: 201})
	assert.True(t, ok)
	assert.Equal(t, model.ChannelID(2002), targetChannel)
	assert.Equal(t, model.PointTypeAdjustment, targetType)
	assert.Equal(t, model.PointID(401), targetPointID)
	assert.Equal(t, 2.0, scale)
	assert.Equal(t, 1.0, offset)
}

// TestStoreSwapIsLockFreeForReaders exercises concurrent Load calls racing
// a Swap, the concurrency shape the routing cache must support under reload.
func TestStoreSwapIsLockFreeForReaders(t *testing.T) {
	store := NewStore()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = store.Load()
				}
			}
		}()
	}

	for epoch := int64(1); epoch <= 50; epoch++ {
		store.Swap(Build(sampleMaps(), epoch))
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(50), store.Load().Epoch())
}
