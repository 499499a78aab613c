package comengine

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/voltageems/voltageemsd/internal/apprt"
	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/rtdb"
)

// UplinkHook is invoked inline after every channel-hash write so the
// routing dispatcher (C7) can resolve C2M/C2C routes without the engine
// importing it. The hook must never block for long; dispatch failures are
// the hook's own problem.
type UplinkHook interface {
	OnChannelWrite(ctx context.Context, channelID model.ChannelID, pointType model.PointType, pointID model.PointID, value float64, ts time.Time)
}

// Options bounds a channel task's timers and retry policy. Zero values take
// the defaults named in the component design.
type Options struct {
	PollInterval   time.Duration // default 1s
	ReceiveTimeout time.Duration // transport receive timeout, default 5s
	BackoffInitial time.Duration // reconnect backoff start, default 1s
	BackoffMax     time.Duration // reconnect backoff cap, default 30s
	FaultThreshold int           // consecutive transport failures before Faulted, default 5
	TodoDrainLimit int           // max TODO entries drained per tick, default 32
	CommandDedupe  time.Duration // duplicate command_id window, default 30s
}

func (o Options) withDefaults() Options {
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.ReceiveTimeout == 0 {
		o.ReceiveTimeout = 5 * time.Second
	}
	if o.BackoffInitial == 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.FaultThreshold == 0 {
		o.FaultThreshold = 5
	}
	if o.TodoDrainLimit == 0 {
		o.TodoDrainLimit = 32
	}
	if o.CommandDedupe == 0 {
		o.CommandDedupe = 30 * time.Second
	}
	return o
}

// Channel is one per-channel long-running task: the polling state machine,
// the codec pipeline, and the command subscriber for a single field
// endpoint.
type Channel struct {
	rt        *apprt.Context
	cfg       model.Channel
	transport Transport
	proto     Protocol
	db        rtdb.RTDB
	hook      UplinkHook
	opts      Options
	stats     *Stats

	// state shares the stats mutex: both are cold next to the wire
	// round-trips, and one lock keeps /status snapshots coherent.
	state    State
	lastTS   time.Time
	recent   map[string]time.Time // command_id -> seen-at, for dedupe
	failures int                  // consecutive transport failures
}

// NewChannel builds (but does not start) a channel task.
func NewChannel(rt *apprt.Context, cfg model.Channel, transport Transport, proto Protocol, db rtdb.RTDB, hook UplinkHook, opts Options) *Channel {
	crt := rt.WithComponent("comengine")
	crt.Logger = crt.Logger.Bind("channel", cfg.Name)
	return &Channel{
		rt:        crt,
		cfg:       cfg,
		transport: transport,
		proto:     proto,
		db:        db,
		hook:      hook,
		opts:      opts.withDefaults(),
		stats:     NewStats(time.Now()),
		state:     StateDisconnected,
		recent:    make(map[string]time.Time),
	}
}

// State returns the task's current state-machine position.
func (c *Channel) State() State {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	return c.state
}

// Stats returns the channel's live counters.
func (c *Channel) Stats() *Stats { return c.stats }

// Config returns the channel's configuration snapshot.
func (c *Channel) Config() model.Channel { return c.cfg }

func (c *Channel) setState(to State) bool {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	if !IsValidTransition(c.state, to) {
		return false
	}
	c.state = to
	return true
}

// nextTS returns a timestamp strictly after every previously issued one,
// keeping per-channel writes monotonically timestamped.
func (c *Channel) nextTS(now time.Time) time.Time {
	if !now.After(c.lastTS) {
		now = c.lastTS.Add(time.Millisecond)
	}
	c.lastTS = now
	return now
}

// Run drives the state machine until ctx is canceled. It owns the
// transport exclusively; nothing else may touch it while Run is live.
func (c *Channel) Run(ctx context.Context) {
	cmdCh, unsubscribe, err := c.db.PSubscribe(ctx, rtdb.CommandChannelPattern(uint32(c.cfg.ID)))
	if err != nil {
		c.rt.Logger.Error("command subscribe failed", "error", err)
		cmdCh = nil
	} else {
		defer unsubscribe()
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	backoff := c.opts.BackoffInitial

	for ctx.Err() == nil {
		switch c.State() {
		case StateDisconnected:
			c.setState(StateConnecting)

		case StateConnecting:
			connectCtx, cancel := context.WithTimeout(ctx, c.opts.ReceiveTimeout)
			err := c.transport.Connect(connectCtx)
			cancel()
			if err != nil {
				c.setState(StateFaulted)
				c.rt.Logger.Warn("connect failed", "error", err)
				continue
			}
			c.stats.RecordConnection(time.Now())
			c.failures = 0
			backoff = c.opts.BackoffInitial
			c.setState(StateIdle)
			c.rt.Logger.Info("channel connected", "protocol", c.cfg.Protocol)

		case StateFaulted:
			c.stats.RecordReconnectAttempt()
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.opts.BackoffMax {
				backoff = c.opts.BackoffMax
			}
			c.setState(StateConnecting)

		case StateIdle:
			select {
			case <-ctx.Done():
			case msg, ok := <-cmdCh:
				if !ok {
					cmdCh = nil
					continue
				}
				c.handleCommandMessage(ctx, msg.Payload)
			case <-ticker.C:
				c.drainTodo(ctx)
				c.poll(ctx)
			}
		}
	}

	disconnectCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	c.transport.Disconnect(disconnectCtx)
	cancel()
	c.rt.Logger.Info("channel stopped")
}

// fault records a transport failure and trips Faulted once the consecutive
// threshold is crossed; below threshold the channel stays Idle and retries
// on the next tick.
func (c *Channel) fault(op string, err error) {
	c.failures++
	c.rt.Logger.Warn("transport failure", "op", op, "consecutive", c.failures, "error", err)
	if c.failures >= c.opts.FaultThreshold {
		c.stats.RecordDisconnection(time.Now())
		disconnectCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		c.transport.Disconnect(disconnectCtx)
		cancel()
		c.setState(StateFaulted)
	}
}

// poll executes one polling pass: batch the channel's uplink points, run
// one request per batch, decode every covered point, and write the results.
// Per-point codec failures mark the point Bad and never abort the batch.
func (c *Channel) poll(ctx context.Context) {
	if !c.setState(StatePolling) {
		return
	}
	defer c.setState(StateIdle)

	switch c.cfg.Protocol {
	case model.ProtocolCAN:
		c.pollCAN(ctx)
	case model.ProtocolVirtual, model.ProtocolDIO:
		// virtual/dio channels have no wire to poll; values arrive via
		// routing or the command path.
	default:
		c.pollBatches(ctx)
	}
}

func (c *Channel) pollBatches(ctx context.Context) {
	points := make([]RegisterPoint, 0, len(c.cfg.Points))
	byKey := make(map[model.ChannelPointKey]model.ChannelPoint, len(c.cfg.Points))
	for _, p := range c.cfg.Points {
		if p.Modbus == nil || p.PointType.IsDownlink() {
			continue
		}
		byKey[p.Key()] = p
		points = append(points, RegisterPoint{
			SlaveID:      p.Modbus.SlaveID,
			FunctionCode: p.Modbus.FunctionCode,
			Address:      p.Modbus.RegisterAddr,
			Count:        registerSpan(p.Modbus),
			PointKey:     p.Key(),
		})
	}
	if len(points) == 0 {
		return
	}

	for _, batch := range CoalesceBatches(points, DefaultBatchParams) {
		payload, err := c.roundTrip(ctx, batch)
		if err != nil {
			c.fault("poll", err)
			return
		}
		c.failures = 0

		now := time.Now()
		for _, rp := range batch.Points {
			key := rp.PointKey.(model.ChannelPointKey)
			p := byKey[key]
			value, decodeErr := decodeModbusPoint(p, batch, payload)
			if decodeErr != nil {
				c.stats.RecordRequest(false, 0, "codec", now)
				c.rt.Logger.Warn("point decode failed, quality bad", "point", p.PointID, "error", decodeErr)
				continue
			}
			c.writePoint(ctx, p, value, c.nextTS(now))
		}
	}
}

// pollCAN drains whatever frames are on the bus this tick; CAN is
// broadcast, so there is no request side.
func (c *Channel) pollCAN(ctx context.Context) {
	buf := make([]byte, 16)
	n, err := c.transport.Receive(ctx, buf, c.opts.PollInterval/2)
	if err != nil || n < 4 {
		return // nothing on the bus this tick
	}
	canID := binary.BigEndian.Uint32(buf[0:4])
	data := buf[4:n]

	now := time.Now()
	for _, p := range c.cfg.Points {
		if p.CAN == nil || p.CAN.CANID != canID || p.PointType.IsDownlink() {
			continue
		}
		value, decodeErr := decodeCANPoint(p, data)
		if decodeErr != nil {
			c.stats.RecordRequest(false, 0, "codec", now)
			c.rt.Logger.Warn("CAN point decode failed, quality bad", "point", p.PointID, "error", decodeErr)
			continue
		}
		c.writePoint(ctx, p, value, c.nextTS(now))
	}
}

// roundTrip sends one read request and returns the protocol payload.
func (c *Channel) roundTrip(ctx context.Context, batch Batch) ([]byte, error) {
	frame, err := c.proto.BuildReadRequest(batch)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if _, err := c.transport.Send(ctx, frame); err != nil {
		c.stats.RecordRequest(false, time.Since(start), "send", time.Now())
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := c.transport.Receive(ctx, buf, c.opts.ReceiveTimeout)
	latency := time.Since(start)
	if err != nil {
		c.stats.RecordRequest(false, latency, "timeout", time.Now())
		return nil, err
	}
	payload, err := c.proto.ExtractPayload(batch, buf[:n])
	if err != nil {
		c.stats.RecordRequest(false, latency, "protocol", time.Now())
		return nil, err
	}
	c.stats.RecordRequest(true, latency, "", time.Now())
	c.rt.Metrics.ChannelPollLatency.WithLabelValues(c.cfg.Name).Observe(latency.Seconds())
	return payload, nil
}

// writePoint writes one decoded value into the channel hash and fires the
// uplink hook.
func (c *Channel) writePoint(ctx context.Context, p model.ChannelPoint, value float64, ts time.Time) {
	key := rtdb.ChannelKey(uint32(c.cfg.ID), rtdb.ChannelSection(p.PointType))
	if err := c.db.HashSet(ctx, key, pointField(p.PointID), model.EncodeValue(value, ts)); err != nil {
		c.rt.Logger.Warn("channel hash write failed", "point", p.PointID, "error", err)
		c.rt.Metrics.ChannelPolls.WithLabelValues(c.cfg.Name, "rtdb_error").Inc()
		return
	}
	c.rt.Metrics.ChannelPolls.WithLabelValues(c.cfg.Name, "ok").Inc()
	if c.hook != nil {
		c.hook.OnChannelWrite(ctx, c.cfg.ID, p.PointType, p.PointID, value, ts)
	}
}

// handleCommandMessage is the cmd:{id}:* subscriber path: parse, dedupe,
// execute, publish cmd_status.
func (c *Channel) handleCommandMessage(ctx context.Context, payload []byte) {
	cmd, err := ParseCommand(payload)
	if err != nil {
		c.rt.Logger.Warn("dropping malformed command", "error", err)
		return
	}
	if c.isDuplicate(cmd.CommandID) {
		c.rt.Logger.Debug("dropping duplicate command", "command_id", cmd.CommandID)
		return
	}

	status := CommandStatus{CommandID: cmd.CommandID, Status: "success"}
	if err := c.executeWrite(ctx, commandPointType(cmd.CommandType), model.PointID(cmd.PointID), cmd.Value); err != nil {
		status.Status = "failed"
		status.Error = err.Error()
		c.rt.Logger.Warn("command failed", "command_id", cmd.CommandID, "error", err)
	}

	statusKey := rtdb.CommandStatusKey(uint32(c.cfg.ID), cmd.CommandID)
	if err := c.db.SetEx(ctx, statusKey, status.encode(), rtdb.CommandStatusTTLSeconds); err != nil {
		c.rt.Logger.Warn("command status write failed", "command_id", cmd.CommandID, "error", err)
	}
}

func commandPointType(commandType string) model.PointType {
	if commandType == string(rtdb.CommandAdjustment) {
		return model.PointTypeAdjustment
	}
	return model.PointTypeControl
}

// isDuplicate tracks command_ids inside the dedupe window; entries older
// than the window are pruned on each call.
func (c *Channel) isDuplicate(commandID string) bool {
	now := time.Now()
	for id, seen := range c.recent {
		if now.Sub(seen) > c.opts.CommandDedupe {
			delete(c.recent, id)
		}
	}
	if _, dup := c.recent[commandID]; dup {
		return true
	}
	c.recent[commandID] = now
	return false
}

// drainTodo pops pending outbound point-ids off todo:{id}:{C|A}, reads the
// queued value back from the channel hash, and writes it to the device.
func (c *Channel) drainTodo(ctx context.Context) {
	for _, section := range []rtdb.TodoSection{rtdb.TodoControl, rtdb.TodoAdjust} {
		todoKey := rtdb.TodoKey(uint32(c.cfg.ID), section)
		hashKey := rtdb.ChannelKey(uint32(c.cfg.ID), rtdb.ChannelSection(section))
		for i := 0; i < c.opts.TodoDrainLimit; i++ {
			field, ok, err := c.db.ListPop(ctx, todoKey)
			if err != nil || !ok {
				break
			}
			raw, found, err := c.db.HashGet(ctx, hashKey, field)
			if err != nil || !found {
				c.rt.Logger.Warn("todo entry without channel hash value", "point", field)
				continue
			}
			value, _, decoded := model.DecodeValue(raw)
			if !decoded {
				c.rt.Logger.Warn("todo entry with unparsable value", "point", field, "raw", raw)
				continue
			}
			pointID, perr := parsePointID(field)
			if perr != nil {
				continue
			}
			if err := c.executeWrite(ctx, model.PointType(section), pointID, value); err != nil {
				c.rt.Logger.Warn("todo write failed", "point", field, "error", err)
			}
		}
	}
}

// executeWrite builds and sends one downlink PDU for the named point.
func (c *Channel) executeWrite(ctx context.Context, pointType model.PointType, pointID model.PointID, value float64) error {
	point, ok := c.findPoint(pointType, pointID)
	if !ok {
		return newErr(ErrProtocol, "write", "no such point on channel", nil)
	}
	if !c.setState(StateWriting) {
		return newErr(ErrTransport, "write", "channel not writable in state "+string(c.State()), nil)
	}
	defer c.setState(StateIdle)

	data, err := encodeModbusPointOrRaw(point, value)
	if err != nil {
		return err
	}

	var frame []byte
	switch {
	case point.Modbus != nil:
		frame, err = c.proto.BuildWriteRequest(point.Modbus.SlaveID, writeFunctionCode(point.Modbus.FunctionCode), point.Modbus.RegisterAddr, data)
	case point.CAN != nil:
		frame, err = c.proto.BuildWriteRequest(0, 0, uint16(point.CAN.CANID), data)
	case point.IEC104 != nil:
		frame, err = c.proto.BuildWriteRequest(uint8(point.IEC104.CA), 0, uint16(point.IEC104.IOA), data)
	default:
		return newErr(ErrProtocol, "write", "point has no codec config", nil)
	}
	if err != nil {
		return err
	}

	start := time.Now()
	if _, err := c.transport.Send(ctx, frame); err != nil {
		c.stats.RecordRequest(false, time.Since(start), "send", time.Now())
		c.fault("write", err)
		return err
	}
	// Best-effort ack read; write-only devices simply time out quickly.
	ack := make([]byte, 256)
	c.transport.Receive(ctx, ack, c.opts.ReceiveTimeout)
	c.stats.RecordRequest(true, time.Since(start), "", time.Now())
	return nil
}

// encodeModbusPointOrRaw routes encoding by the point's codec family.
func encodeModbusPointOrRaw(p model.ChannelPoint, value float64) ([]byte, error) {
	if p.Modbus != nil {
		return encodeModbusPoint(p, value)
	}
	// CAN / IEC104 single-byte command payloads.
	if value != 0 {
		return []byte{0x01}, nil
	}
	return []byte{0x00}, nil
}

// writeFunctionCode maps a read function code to its write counterpart:
// coils (fc 1) are written with fc 5, registers with fc 6.
func writeFunctionCode(readFC uint8) uint8 {
	if readFC == 1 {
		return 5
	}
	return 6
}

func (c *Channel) findPoint(pointType model.PointType, pointID model.PointID) (model.ChannelPoint, bool) {
	for _, p := range c.cfg.Points {
		if p.PointType == pointType && p.PointID == pointID {
			return p, true
		}
	}
	return model.ChannelPoint{}, false
}

func parsePointID(field string) (model.PointID, error) {
	var id uint64
	for _, r := range field {
		if r < '0' || r > '9' {
			return 0, newErr(ErrProtocol, "parse_point_id", "non-numeric point id "+field, nil)
		}
		id = id*10 + uint64(r-'0')
	}
	return model.PointID(id), nil
}
