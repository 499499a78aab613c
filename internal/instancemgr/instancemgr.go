// Package instancemgr materializes products into instances, owns the
// instance action plane, and enforces the write-triggers-routing
// discipline on every action write.
package instancemgr

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/voltageems/voltageemsd/internal/apprt"
	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/routecache"
	"github.com/voltageems/voltageemsd/internal/rtdb"
	"github.com/voltageems/voltageemsd/internal/store"
)

// TodoQueueBound caps each per-channel TODO queue; overflow drops the
// oldest entry with a warning counter.
const TodoQueueBound = 1000

// RouteOutcome describes what SetActionPoint did beyond the unconditional
// action-hash write.
type RouteOutcome struct {
	Routed    bool            `json:"routed"`
	ChannelID model.ChannelID `json:"channel_id,omitempty"`
	QueueKey  string          `json:"queue_key,omitempty"`
	Dropped   bool            `json:"dropped,omitempty"` // an older TODO entry was evicted
}

// Manager is the instance/model plane facade.
type Manager struct {
	rt     *apprt.Context
	store  *store.Store
	db     rtdb.RTDB
	routes *routecache.Store
}

// New builds a Manager over the mapping store, the RTDB, and the shared
// routing-cache handle.
func New(rt *apprt.Context, st *store.Store, db rtdb.RTDB, routes *routecache.Store) *Manager {
	return &Manager{rt: rt.WithComponent("instancemgr"), store: st, db: db, routes: routes}
}

// CreateRequest is the input to CreateInstance.
type CreateRequest struct {
	InstanceID  model.InstanceID `json:"instance_id"`
	Name        string           `json:"name"`
	ProductName string           `json:"product_name"`
	Properties  map[string]any   `json:"properties,omitempty"`
	Enabled     bool             `json:"enabled"`
}

// CreateInstance validates the request, inserts the row, and initializes
// the two live hashes. Returns the full Instance.
func (m *Manager) CreateInstance(ctx context.Context, req CreateRequest) (model.Instance, error) {
	if !model.ValidName(req.Name) {
		return model.Instance{}, apprt.Wrap(apprt.KindConfig, "create_instance", fmt.Sprintf("invalid instance name %q", req.Name), nil)
	}
	exists, err := m.store.ProductExists(ctx, req.ProductName)
	if err != nil {
		return model.Instance{}, err
	}
	if !exists {
		return model.Instance{}, apprt.Wrap(apprt.KindConfig, "create_instance", fmt.Sprintf("unknown product %q", req.ProductName), nil)
	}
	used, err := m.store.InstanceIDExists(ctx, req.InstanceID)
	if err != nil {
		return model.Instance{}, err
	}
	if used {
		return model.Instance{}, apprt.Wrap(apprt.KindConfig, "create_instance", fmt.Sprintf("instance id %d already in use", req.InstanceID), nil)
	}
	if _, taken, err := m.store.GetInstanceByName(ctx, req.Name); err != nil {
		return model.Instance{}, err
	} else if taken {
		return model.Instance{}, apprt.Wrap(apprt.KindConfig, "create_instance", fmt.Sprintf("instance name %q already in use", req.Name), nil)
	}

	inst := model.Instance{
		ID:          req.InstanceID,
		Name:        req.Name,
		ProductName: req.ProductName,
		Properties:  req.Properties,
		Enabled:     req.Enabled,
	}
	if err := m.store.UpsertInstance(ctx, inst); err != nil {
		return model.Instance{}, err
	}

	// Clear any stale hashes left by a previously deleted instance with
	// the same id; the fresh hashes materialize on first field write.
	for _, section := range []rtdb.InstanceSection{rtdb.InstanceMeasurement, rtdb.InstanceAction} {
		key := rtdb.InstanceKey(uint32(inst.ID), section)
		if err := m.db.Del(ctx, key); err != nil {
			m.rt.Logger.Warn("instance hash reset failed", "instance", inst.ID, "key", key, "error", err)
		}
	}

	m.rt.Logger.Info("instance created", "instance", inst.ID, "name", inst.Name, "product", inst.ProductName)
	return inst, nil
}

// DeleteInstance removes routing records referencing the instance, deletes
// its two hashes, and removes the row.
func (m *Manager) DeleteInstance(ctx context.Context, id model.InstanceID) error {
	if err := m.store.DeleteInstance(ctx, id); err != nil {
		return err
	}
	for _, section := range []rtdb.InstanceSection{rtdb.InstanceMeasurement, rtdb.InstanceAction} {
		key := rtdb.InstanceKey(uint32(id), section)
		if err := m.db.Del(ctx, key); err != nil {
			m.rt.Logger.Warn("instance hash delete failed", "instance", id, "key", key, "error", err)
		}
	}
	m.rt.Logger.Info("instance deleted", "instance", id)
	return nil
}

// GetInstanceByName looks up one instance.
func (m *Manager) GetInstanceByName(ctx context.Context, name string) (model.Instance, bool, error) {
	return m.store.GetInstanceByName(ctx, name)
}

// ListInstances returns all enabled instances.
func (m *Manager) ListInstances(ctx context.Context) ([]model.Instance, error) {
	return m.store.LoadInstances(ctx)
}

// SetActionPoint writes an instance action point and triggers M2C routing.
// The sequence is fixed: the inst:{id}:A write always happens and always
// happens first, then (on a route hit) the channel hash write, then the
// TODO push — so any subscriber observing the TODO entry can read back
// both hash values.
func (m *Manager) SetActionPoint(ctx context.Context, instanceID model.InstanceID, pointID model.PointID, value float64) (RouteOutcome, error) {
	ts := time.Now()
	encoded := model.EncodeValue(value, ts)
	field := strconv.FormatUint(uint64(pointID), 10)

	cache := m.routes.Load()
	key := model.InstancePointKey{InstanceID: instanceID, PointType: model.PointTypeAdjustment, PointID: pointID}
	channelID, channelType, channelPointID, routed := cache.LookupM2C(key)

	instKey := rtdb.InstanceKey(uint32(instanceID), rtdb.InstanceAction)
	if err := m.db.HashSet(ctx, instKey, field, encoded); err != nil {
		return RouteOutcome{}, apprt.Wrap(apprt.KindRTDB, "set_action_point", "action hash write", err)
	}

	if !routed {
		m.rt.Metrics.RouteHits.WithLabelValues("m2c", "miss").Inc()
		return RouteOutcome{Routed: false}, nil
	}

	chKey := rtdb.ChannelKey(uint32(channelID), rtdb.ChannelSection(channelType))
	chField := strconv.FormatUint(uint64(channelPointID), 10)
	if err := m.db.HashSet(ctx, chKey, chField, encoded); err != nil {
		m.rt.Metrics.RouteHits.WithLabelValues("m2c", "error").Inc()
		return RouteOutcome{Routed: false}, apprt.Wrap(apprt.KindRTDB, "set_action_point", "channel hash write", err)
	}

	todoKey := rtdb.TodoKey(uint32(channelID), rtdb.TodoSection(channelType))
	outcome := RouteOutcome{Routed: true, ChannelID: channelID, QueueKey: todoKey}

	if length, err := m.db.ListLen(ctx, todoKey); err == nil && length >= TodoQueueBound {
		m.db.ListPop(ctx, todoKey)
		outcome.Dropped = true
		m.rt.Logger.Warn("todo queue overflow, dropped oldest", "queue", todoKey, "bound", TodoQueueBound)
	}
	if err := m.db.ListPush(ctx, todoKey, chField); err != nil {
		m.rt.Metrics.RouteHits.WithLabelValues("m2c", "error").Inc()
		return RouteOutcome{Routed: false}, apprt.Wrap(apprt.KindRTDB, "set_action_point", "todo push", err)
	}

	m.rt.Metrics.RouteHits.WithLabelValues("m2c", "hit").Inc()
	m.rt.Logger.Debug("action routed", "instance", instanceID, "point", pointID, "channel", channelID, "queue", todoKey)
	return outcome, nil
}
