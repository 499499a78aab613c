package comengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voltageems/voltageemsd/internal/apprt"
	"github.com/voltageems/voltageemsd/internal/comengine/protocol"
	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/rtdb"
)

// Factory resolves a channel's Transport and Protocol from its
// configuration. Returning a nil Transport registers the channel as
// passive: no task is spawned, values arrive only via routing.
type Factory func(cfg model.Channel) (Transport, Protocol, error)

// DefaultFactory wires the compile-time protocol set: modbus_tcp, iec104,
// and gateway-bridged modbus_rtu/can over TCP; dio and virtual channels
// are passive.
func DefaultFactory(cfg model.Channel) (Transport, Protocol, error) {
	addr, _ := cfg.Parameters["address"].(string)

	switch cfg.Protocol {
	case model.ProtocolModbusTCP:
		return NewTCPTransport(addr, 0), protocol.NewModbusTCP(), nil
	case model.ProtocolModbusRTU:
		// RTU framing over a serial-to-TCP gateway named by "address".
		return NewTCPTransport(addr, 0), protocol.NewModbusRTU(), nil
	case model.ProtocolIEC104:
		return NewTCPTransport(addr, 0), protocol.NewIEC104(), nil
	case model.ProtocolCAN:
		// SocketCAN bridge endpoint.
		return NewTCPTransport(addr, 0), protocol.NewCAN(), nil
	case model.ProtocolIEC101:
		// 101 over a serial gateway shares the 104 ASDU layer.
		return NewTCPTransport(addr, 0), protocol.NewIEC104(), nil
	case model.ProtocolDIO, model.ProtocolVirtual:
		return nil, nil, nil
	default:
		return nil, nil, newErr(ErrProtocol, "factory", fmt.Sprintf("unknown protocol %q", cfg.Protocol), nil)
	}
}

// runningChannel tracks one started (or passive) channel.
type runningChannel struct {
	cfg     model.Channel
	task    *Channel // nil when passive
	cancel  context.CancelFunc
	passive bool
}

// Engine owns one task per channel and is the surface reload and the
// admin API drive to start, stop, and inspect channels.
type Engine struct {
	rt      *apprt.Context
	db      rtdb.RTDB
	hook    UplinkHook
	factory Factory
	opts    Options

	mu       sync.Mutex
	channels map[model.ChannelID]*runningChannel
	wg       sync.WaitGroup
}

// NewEngine builds an Engine. factory may be nil to use DefaultFactory.
func NewEngine(rt *apprt.Context, db rtdb.RTDB, hook UplinkHook, factory Factory, opts Options) *Engine {
	if factory == nil {
		factory = DefaultFactory
	}
	return &Engine{
		rt:       rt.WithComponent("comengine"),
		db:       db,
		hook:     hook,
		factory:  factory,
		opts:     opts,
		channels: make(map[model.ChannelID]*runningChannel),
	}
}

// StartChannel resolves transport/protocol for cfg and spawns its task.
// Starting an already-running channel id is an error; reload restarts via
// UpdateChannel instead.
func (e *Engine) StartChannel(ctx context.Context, cfg model.Channel) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.channels[cfg.ID]; exists {
		return newErr(ErrProtocol, "start_channel", fmt.Sprintf("channel %d already running", cfg.ID), nil)
	}

	transport, proto, err := e.factory(cfg)
	if err != nil {
		return err
	}
	if transport == nil {
		e.channels[cfg.ID] = &runningChannel{cfg: cfg, passive: true}
		e.rt.Logger.Info("channel registered passive", "channel", cfg.Name, "protocol", cfg.Protocol)
		return nil
	}

	task := NewChannel(e.rt, cfg, transport, proto, e.db, e.hook, e.opts)
	taskCtx, cancel := context.WithCancel(ctx)
	e.channels[cfg.ID] = &runningChannel{cfg: cfg, task: task, cancel: cancel}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		task.Run(taskCtx)
	}()
	e.rt.Logger.Info("channel started", "channel", cfg.Name, "protocol", cfg.Protocol)
	return nil
}

// StopChannel cancels a channel's task. Returns false when the id is not
// running.
func (e *Engine) StopChannel(id model.ChannelID) bool {
	e.mu.Lock()
	rc, ok := e.channels[id]
	if ok {
		delete(e.channels, id)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	if rc.cancel != nil {
		rc.cancel()
	}
	e.rt.Logger.Info("channel stopped", "channel", rc.cfg.Name)
	return true
}

// UpdateChannel applies a structural change: stop the old task, start a
// fresh one with the new configuration.
func (e *Engine) UpdateChannel(ctx context.Context, cfg model.Channel) error {
	e.StopChannel(cfg.ID)
	return e.StartChannel(ctx, cfg)
}

// RunningIDs returns the ids of every registered channel.
func (e *Engine) RunningIDs() []model.ChannelID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]model.ChannelID, 0, len(e.channels))
	for id := range e.channels {
		ids = append(ids, id)
	}
	return ids
}

// ChannelConfigs returns the configuration snapshot of every registered
// channel, keyed by id — reload diffs against this.
func (e *Engine) ChannelConfigs() map[model.ChannelID]model.Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[model.ChannelID]model.Channel, len(e.channels))
	for id, rc := range e.channels {
		out[id] = rc.cfg
	}
	return out
}

// ChannelStatus is one channel's /status row.
type ChannelStatus struct {
	ID       model.ChannelID `json:"id"`
	Name     string          `json:"name"`
	Protocol model.Protocol  `json:"protocol"`
	State    State           `json:"state"`
	Stats    Snapshot        `json:"stats"`
}

// Statuses reports every channel's state and counters.
func (e *Engine) Statuses() []ChannelStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ChannelStatus, 0, len(e.channels))
	for id, rc := range e.channels {
		st := ChannelStatus{ID: id, Name: rc.cfg.Name, Protocol: rc.cfg.Protocol}
		if rc.passive {
			st.State = StateIdle
		} else {
			st.State = rc.task.State()
			st.Stats = rc.task.Stats().Snapshot()
		}
		out = append(out, st)
	}
	return out
}

// Counts reports (running, total) channel counts for /health and /status.
// Passive channels count as running; Faulted and Disconnected ones do not.
func (e *Engine) Counts() (running, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rc := range e.channels {
		total++
		if rc.passive {
			running++
			continue
		}
		switch rc.task.State() {
		case StateIdle, StatePolling, StateWriting, StateConnecting:
			running++
		}
	}
	return running, total
}

// StopAll cancels every task and waits up to grace for them to drain.
func (e *Engine) StopAll(grace time.Duration) {
	e.mu.Lock()
	for id, rc := range e.channels {
		if rc.cancel != nil {
			rc.cancel()
		}
		delete(e.channels, id)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.rt.Logger.Warn("channel tasks did not drain within grace window")
	}
}
