// Package routecache holds the immutable routing snapshot every uplink
// and downlink write path consults. A reload builds a brand-new snapshot
// off to the side and installs it with a single atomic pointer store, so
// readers never block.
package routecache

import (
	"sync/atomic"

	"github.com/voltageems/voltageemsd/internal/model"
)

// measurementTarget is the M2C-direction-agnostic resolved target of a
// C2M lookup: which instance/measurement a channel point feeds.
type measurementTarget struct {
	instanceID    model.InstanceID
	measurementID model.PointID
}

// actionTarget is the resolved target of an M2C lookup: which channel point
// an instance action point writes to.
type actionTarget struct {
	channelID      model.ChannelID
	channelType    model.PointType
	channelPointID model.PointID
}

// channelTarget is the resolved target of a C2C forwarding lookup.
type channelTarget struct {
	targetChannel  model.ChannelID
	targetType     model.PointType
	targetPointID  model.PointID
	scale, offset  float64
}

// Cache is an immutable routing snapshot. Every field is populated once at
// Build time and never mutated afterward — concurrent readers need no
// locking.
type Cache struct {
	c2m    map[model.ChannelPointKey]measurementTarget
	m2c    map[model.InstancePointKey]actionTarget
	c2c    map[model.ChannelPointKey]channelTarget
	c2mStr map[string]measurementTarget // legacy string-keyed fast path
	m2cStr map[string]actionTarget
	epoch  int64
}

// Build turns loaded RoutingMaps into an immutable Cache. Disabled routing
// rows are skipped; only Enabled rows are wired into lookup tables.
func Build(maps model.RoutingMaps, epoch int64) *Cache {
	c := &Cache{
		c2m:    make(map[model.ChannelPointKey]measurementTarget, len(maps.C2M)),
		m2c:    make(map[model.InstancePointKey]actionTarget, len(maps.M2C)),
		c2c:    make(map[model.ChannelPointKey]channelTarget, len(maps.C2C)),
		c2mStr: make(map[string]measurementTarget, len(maps.C2M)),
		m2cStr: make(map[string]actionTarget, len(maps.M2C)),
		epoch:  epoch,
	}
	for _, r := range maps.C2M {
		if !r.Enabled {
			continue
		}
		key := model.ChannelPointKey{ChannelID: r.ChannelID, PointType: r.ChannelType, PointID: r.ChannelPointID}
		target := measurementTarget{instanceID: r.InstanceID, measurementID: r.MeasurementID}
		c.c2m[key] = target
		c.c2mStr[key.String()] = target
	}
	for _, r := range maps.M2C {
		if !r.Enabled {
			continue
		}
		key := model.InstancePointKey{InstanceID: r.InstanceID, PointType: model.PointTypeAdjustment, PointID: r.ActionID}
		target := actionTarget{channelID: r.ChannelID, channelType: r.ChannelType, channelPointID: r.ChannelPointID}
		c.m2c[key] = target
		c.m2cStr[key.String()] = target
	}
	for _, r := range maps.C2C {
		if !r.Enabled {
			continue
		}
		key := model.ChannelPointKey{ChannelID: r.SourceChannel, PointType: r.SourceType, PointID: r.SourcePointID}
		c.c2c[key] = channelTarget{
			targetChannel: r.TargetChannel,
			targetType:    r.TargetType,
			targetPointID: r.TargetPointID,
			scale:         r.Scale,
			offset:        r.Offset,
		}
	}
	return c
}

// Epoch returns the schema_version this snapshot was built from, so
// reload can detect whether a swap actually advanced anything.
func (c *Cache) Epoch() int64 { return c.epoch }

// LookupC2M resolves a channel point to its instance measurement target.
func (c *Cache) LookupC2M(key model.ChannelPointKey) (instanceID model.InstanceID, measurementID model.PointID, ok bool) {
	t, ok := c.c2m[key]
	return t.instanceID, t.measurementID, ok
}

// LookupC2MString is the legacy string-keyed fast path, kept alongside the
// structured map for callers that still address points by their
// ChannelPointKey.String() form rather than the struct itself.
func (c *Cache) LookupC2MString(key string) (instanceID model.InstanceID, measurementID model.PointID, ok bool) {
	t, ok := c.c2mStr[key]
	return t.instanceID, t.measurementID, ok
}

// LookupM2C resolves an instance action point to the channel point it
// writes to.
func (c *Cache) LookupM2C(key model.InstancePointKey) (channelID model.ChannelID, channelType model.PointType, channelPointID model.PointID, ok bool) {
	t, ok := c.m2c[key]
	return t.channelID, t.channelType, t.channelPointID, ok
}

// LookupM2CString is the legacy string-keyed counterpart of LookupM2C.
func (c *Cache) LookupM2CString(key string) (channelID model.ChannelID, channelType model.PointType, channelPointID model.PointID, ok bool) {
	t, ok := c.m2cStr[key]
	return t.channelID, t.channelType, t.channelPointID, ok
}

// LookupC2C resolves a channel point's optional C2C forwarding target.
func (c *Cache) LookupC2C(key model.ChannelPointKey) (targetChannel model.ChannelID, targetType model.PointType, targetPointID model.PointID, scale, offset float64, ok bool) {
	t, ok := c.c2c[key]
	return t.targetChannel, t.targetType, t.targetPointID, t.scale, t.offset, ok
}

// DumpC2M renders the uplink table as structured-key -> target strings,
// the shape /routing?direction=c2m exposes.
func (c *Cache) DumpC2M() map[string]string {
	out := make(map[string]string, len(c.c2m))
	for key, t := range c.c2m {
		target := model.InstancePointKey{InstanceID: t.instanceID, PointType: model.PointTypeMeasure, PointID: t.measurementID}
		out[key.String()] = target.String()
	}
	return out
}

// DumpM2C renders the downlink table symmetrically.
func (c *Cache) DumpM2C() map[string]string {
	out := make(map[string]string, len(c.m2c))
	for key, t := range c.m2c {
		target := model.ChannelPointKey{ChannelID: t.channelID, PointType: t.channelType, PointID: t.channelPointID}
		out[key.String()] = target.String()
	}
	return out
}

// Size reports the number of enabled routes in each table, for /status and
// for reload's differential-change logging.
func (c *Cache) Size() (c2m, m2c, c2c int) {
	return len(c.c2m), len(c.m2c), len(c.c2c)
}

// Store is the atomically-swapped handle every component holds: an
// atomic.Pointer[Cache] wrapped so callers never see a nil Cache even
// before the first Build.
type Store struct {
	ptr atomic.Pointer[Cache]
}

// NewStore creates a Store pre-populated with an empty Cache so readers
// never race against a nil pointer before the first reload.
func NewStore() *Store {
	s := &Store{}
	s.ptr.Store(Build(model.RoutingMaps{}, 0))
	return s
}

// Load returns the current snapshot. Lock-free: readers never block a
// concurrent Swap.
func (s *Store) Load() *Cache { return s.ptr.Load() }

// Swap installs a newly built Cache as the current snapshot, returning the
// snapshot it replaced so callers can log what changed between epochs.
func (s *Store) Swap(next *Cache) (previous *Cache) {
	return s.ptr.Swap(next)
}
