// Package dispatcher is the uplink counterpart to the instance manager's
// downlink path: an inline hook invoked after every channel-hash write
// that resolves measurement and channel-forwarding routes.
package dispatcher

import (
	"context"
	"strconv"
	"time"

	"github.com/voltageems/voltageemsd/internal/apprt"
	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/routecache"
	"github.com/voltageems/voltageemsd/internal/rtdb"
)

// Dispatcher resolves C2M and C2C routes for every channel point write.
type Dispatcher struct {
	rt     *apprt.Context
	db     rtdb.RTDB
	routes *routecache.Store
}

// New builds a Dispatcher against the shared routing-cache store.
func New(rt *apprt.Context, db rtdb.RTDB, routes *routecache.Store) *Dispatcher {
	return &Dispatcher{rt: rt.WithComponent("dispatcher"), db: db, routes: routes}
}

// OnChannelWrite is the hook the protocol engine calls inline after
// writing ch:{id}:{T|S}. It consults the C2M map and, on a hit, writes the
// instance measurement hash and publishes a change notification. The write
// is best-effort: failures are counted and logged but never block the
// polling loop. C2C forwarding, when configured, applies the configured
// scale/offset before writing the target channel hash and enqueuing its
// own TODO entry for downlink targets.
func (d *Dispatcher) OnChannelWrite(ctx context.Context, channelID model.ChannelID, pointType model.PointType, pointID model.PointID, value float64, ts time.Time) {
	cache := d.routes.Load()
	key := model.ChannelPointKey{ChannelID: channelID, PointType: pointType, PointID: pointID}

	if instanceID, measurementID, ok := cache.LookupC2M(key); ok {
		d.writeInstanceMeasurement(ctx, instanceID, measurementID, value, ts)
	} else {
		d.rt.Metrics.RouteHits.WithLabelValues("c2m", "miss").Inc()
	}

	if targetChannel, targetType, targetPointID, scale, offset, ok := cache.LookupC2C(key); ok {
		d.forwardChannel(ctx, targetChannel, targetType, targetPointID, value, scale, offset, ts)
	}
}

func (d *Dispatcher) writeInstanceMeasurement(ctx context.Context, instanceID model.InstanceID, measurementID model.PointID, value float64, ts time.Time) {
	instKey := rtdb.InstanceKey(uint32(instanceID), rtdb.InstanceMeasurement)
	field := strconv.FormatUint(uint64(measurementID), 10)
	if err := d.db.HashSet(ctx, instKey, field, model.EncodeValue(value, ts)); err != nil {
		d.rt.Metrics.RouteHits.WithLabelValues("c2m", "error").Inc()
		d.rt.Logger.Warn("c2m write failed", "instance", instanceID, "measurement", measurementID, "error", err)
		return
	}
	d.rt.Metrics.RouteHits.WithLabelValues("c2m", "hit").Inc()

	// Notify subscribers (historian, rule engine fast path) that a
	// measurement changed. Best-effort like the hash write itself.
	payload := []byte(field + "=" + model.EncodeValue(value, ts))
	if err := d.db.Publish(ctx, instKey, payload); err != nil {
		d.rt.Logger.Debug("c2m notify failed", "instance", instanceID, "error", err)
	}
}

func (d *Dispatcher) forwardChannel(ctx context.Context, targetChannel model.ChannelID, targetType model.PointType, targetPointID model.PointID, value, scale, offset float64, ts time.Time) {
	forwarded := value
	if scale != 0 {
		forwarded = value*scale + offset
	} else if offset != 0 {
		forwarded = value + offset
	}

	chKey := rtdb.ChannelKey(uint32(targetChannel), rtdb.ChannelSection(targetType))
	field := strconv.FormatUint(uint64(targetPointID), 10)
	if err := d.db.HashSet(ctx, chKey, field, model.EncodeValue(forwarded, ts)); err != nil {
		d.rt.Metrics.RouteHits.WithLabelValues("c2c", "error").Inc()
		d.rt.Logger.Warn("c2c write failed", "target_channel", targetChannel, "point", targetPointID, "error", err)
		return
	}
	d.rt.Metrics.RouteHits.WithLabelValues("c2c", "hit").Inc()

	if targetType.IsDownlink() {
		todoKey := rtdb.TodoKey(uint32(targetChannel), rtdb.TodoSection(targetType))
		if err := d.db.ListPush(ctx, todoKey, field); err != nil {
			d.rt.Logger.Warn("c2c todo push failed", "target_channel", targetChannel, "point", targetPointID, "error", err)
		}
	}
}
