package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cmdrelay/cmdrelay/pkg/clock"
	"github.com/cmdrelay/cmdrelay/pkg/command"
	"github.com/cmdrelay/cmdrelay/pkg/deviceid"
	"github.com/cmdrelay/cmdrelay/pkg/log"
	"github.com/cmdrelay/cmdrelay/pkg/session"
	"github.com/cmdrelay/cmdrelay/pkg/wire"
)

// RegisteredMessage is the message of a successful registered event.
const RegisteredMessage = "Device registered successfully"

// InvalidDeviceIDMessage is the message of the error event sent on a bad
// registration.
const InvalidDeviceIDMessage = "Invalid device ID"

// conn is the loop-owned record of one live connection.
type conn struct {
	id         string
	remoteAddr string
	state      ConnState
	deviceID   deviceid.ID
	openedAt   time.Time
}

// ConnInfo is a snapshot of a live connection.
type ConnInfo struct {
	ConnectionID string
	RemoteAddr   string
	State        ConnState
	DeviceID     deviceid.ID
	OpenedAt     time.Time
}

// Engine wires the registry, dispatcher, ack processor and liveness monitor
// to the transport through a single control loop.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	plog   log.Logger

	loop       *Loop
	registry   *session.Registry
	conns      map[string]*conn
	dispatcher *Dispatcher
	acks       *AckProcessor
	liveness   *Liveness
	spawn      func(func())

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine. Run must be called to start processing.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Transport == nil {
		return nil, ErrMissingTransport
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		logger:   cfg.Logger,
		plog:     cfg.ProtocolLogger,
		loop:     NewLoop(cfg.Logger),
		registry: session.NewRegistry(),
		conns:    make(map[string]*conn),
		ctx:      ctx,
		cancel:   cancel,
	}

	spawn := cfg.Spawn
	if spawn == nil {
		spawn = func(f func()) { go f() }
	}
	e.spawn = func(f func()) {
		e.wg.Add(1)
		spawn(func() {
			defer e.wg.Done()
			f()
		})
	}

	e.dispatcher = &Dispatcher{
		store:       cfg.Store,
		transport:   cfg.Transport,
		clock:       cfg.Clock,
		registry:    e.registry,
		submit:      e.loop.Submit,
		spawn:       e.spawn,
		pacing:      cfg.Pacing,
		verifyDelay: cfg.VerifyDelay,
		limit:       cfg.PendingLimit,
		logger:      cfg.Logger,
		plog:        cfg.ProtocolLogger,
	}
	e.acks = NewAckProcessor(cfg.Store, cfg.Clock, cfg.ConflictPolicy, cfg.Logger, cfg.ProtocolLogger)
	e.liveness = &Liveness{
		clock:     cfg.Clock,
		transport: cfg.Transport,
		interval:  cfg.HeartbeatInterval,
		submit:    e.loop.Submit,
		timers:    make(map[string]clock.Timer),
		logger:    cfg.Logger,
		plog:      cfg.ProtocolLogger,
	}
	return e, nil
}

// Run processes connection events until ctx is cancelled. On return all
// heartbeats are stopped and off-loop work has finished.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("relay engine started",
		"pacing", e.cfg.Pacing,
		"verifyDelay", e.cfg.VerifyDelay,
		"heartbeat", e.cfg.HeartbeatInterval,
		"pendingLimit", e.cfg.PendingLimit,
		"conflictPolicy", e.cfg.ConflictPolicy.String())

	e.loop.Run(ctx)

	e.cancel()
	e.liveness.StopAll()
	e.wg.Wait()
	e.logger.Info("relay engine stopped")
}

// Flush waits until every queued loop task has run. Intended for tests and
// orderly shutdown.
func (e *Engine) Flush(ctx context.Context) error {
	return e.loop.Flush(ctx)
}

// OnOpen records a new connection.
func (e *Engine) OnOpen(connID, remoteAddr string) {
	e.loop.Submit(func() {
		e.handleOpen(connID, remoteAddr)
	})
}

// OnEvent handles an inbound envelope from connID.
func (e *Engine) OnEvent(connID string, msg wire.Message) {
	e.loop.Submit(func() {
		e.handleEvent(connID, msg)
	})
}

// OnClose runs the single cleanup path for connID.
func (e *Engine) OnClose(connID string) {
	e.loop.Submit(func() {
		e.handleClose(connID, "transport closed")
	})
}

// NotifyEnqueued delivers a freshly created command at once if its device
// is online. Otherwise the command waits for the next registration.
func (e *Engine) NotifyEnqueued(cmd command.Command) {
	e.loop.Submit(func() {
		e.dispatcher.DeliverNow(cmd)
	})
}

// Sessions returns a snapshot of the session registry.
func (e *Engine) Sessions(ctx context.Context) ([]session.Session, error) {
	var out []session.Session
	err := e.loop.Call(ctx, func() {
		out = e.registry.Sessions()
	})
	return out, err
}

// MembersOf returns the connection IDs joined to the device's room.
func (e *Engine) MembersOf(ctx context.Context, id deviceid.ID) ([]string, error) {
	var out []string
	err := e.loop.Call(ctx, func() {
		out = e.registry.MembersOf(id)
	})
	return out, err
}

// Conn returns a snapshot of a live connection.
func (e *Engine) Conn(ctx context.Context, connID string) (ConnInfo, error) {
	var (
		info ConnInfo
		ok   bool
	)
	err := e.loop.Call(ctx, func() {
		c, found := e.conns[connID]
		if !found {
			return
		}
		ok = true
		info = ConnInfo{
			ConnectionID: c.id,
			RemoteAddr:   c.remoteAddr,
			State:        c.state,
			DeviceID:     c.deviceID,
			OpenedAt:     c.openedAt,
		}
	})
	if err != nil {
		return ConnInfo{}, err
	}
	if !ok {
		return ConnInfo{}, ErrUnknownConnection
	}
	return info, nil
}

func (e *Engine) handleOpen(connID, remoteAddr string) {
	if _, exists := e.conns[connID]; exists {
		e.logger.Warn("duplicate connection open ignored", "connID", connID)
		return
	}
	c := &conn{
		id:         connID,
		remoteAddr: remoteAddr,
		state:      StateConnecting,
		openedAt:   e.cfg.Clock.Now(),
	}
	e.conns[connID] = c
	e.logState(c, "", StateConnecting, "opened")
	e.liveness.Start(connID)
	e.logger.Debug("connection opened", "connID", connID, "remoteAddr", remoteAddr)
}

func (e *Engine) handleEvent(connID string, msg wire.Message) {
	c, ok := e.conns[connID]
	if !ok {
		e.logger.Debug("event for unknown connection",
			"connID", connID, "event", msg.Event, "error", ErrUnknownConnection)
		return
	}

	switch msg.Event {
	case wire.EventRegisterDevice:
		e.handleRegister(c, msg)
	case wire.EventCommandAck:
		e.handleAck(c, msg)
	case wire.EventPing:
		e.handlePing(c)
	default:
		e.logger.Debug("ignoring event", "connID", connID, "event", msg.Event)
	}
}

func (e *Engine) handleRegister(c *conn, msg wire.Message) {
	if c.state == StateConnecting {
		e.transition(c, StateIdentified, "register-device received")
	}

	raw, err := wire.RegisterDeviceID(msg)
	if err == nil {
		var id deviceid.ID
		id, err = deviceid.Normalize(raw)
		if err == nil {
			e.register(c, id)
			return
		}
	}

	e.logger.Warn("registration rejected", "connID", c.id, "raw", raw, "error", err)
	if emitErr := e.cfg.Transport.EmitToConnection(c.id, wire.EventError, wire.ErrorPayload{
		Message: InvalidDeviceIDMessage,
	}); emitErr != nil {
		e.logger.Debug("error event emit failed", "connID", c.id, "error", emitErr)
	}
}

func (e *Engine) register(c *conn, id deviceid.ID) {
	now := e.cfg.Clock.Now()
	repeat := c.state == StateRegistered && c.deviceID == id

	previous, moved := e.registry.Join(id, c.id, now)
	if moved {
		if err := e.cfg.Transport.LeaveRoom(c.id, string(previous)); err != nil {
			e.logger.Debug("leave room failed", "connID", c.id, "room", previous, "error", err)
		}
		e.logRoom(c, string(previous), "", "re-registered")
	}
	if err := e.cfg.Transport.JoinRoom(c.id, string(id)); err != nil {
		e.logger.Error("join room failed", "connID", c.id, "deviceID", id, "error", err)
	}
	e.logRoom(c, string(previous), string(id), "joined")

	c.deviceID = id
	reason := "registered"
	if c.state == StateRegistered {
		reason = "re-registered"
	}
	e.transition(c, StateRegistered, reason)

	if err := e.cfg.Transport.EmitToConnection(c.id, wire.EventRegistered, wire.RegisteredPayload{
		DeviceID:     string(id),
		Timestamp:    now,
		ConnectionID: c.id,
		Rooms:        []string{c.id, string(id)},
		Success:      true,
		Message:      RegisteredMessage,
	}); err != nil {
		e.logger.Debug("registered event emit failed", "connID", c.id, "error", err)
	}

	e.logger.Info("device registered", "connID", c.id, "deviceID", id, "migratedFrom", previous)

	// The running pass already targets this connection's room.
	if repeat && e.dispatcher.Running(id) {
		e.logger.Debug("dispatch skipped: pass in progress", "connID", c.id, "deviceID", id)
		return
	}
	e.dispatcher.Dispatch(e.ctx, id)
}

func (e *Engine) handleAck(c *conn, msg wire.Message) {
	var ack wire.AckPayload
	if err := msg.Bind(&ack); err != nil {
		e.logger.Warn("ignoring undecodable ack", "connID", c.id, "error", errors.Join(ErrInvalidAck, err))
		return
	}
	connID := c.id
	e.spawn(func() {
		// Errors are logged by the processor and never reach the device.
		_, _ = e.acks.Apply(e.ctx, connID, ack)
	})
}

func (e *Engine) handlePing(c *conn) {
	now := e.cfg.Clock.Now()
	e.registry.Touch(c.id, now)
	if err := e.cfg.Transport.EmitToConnection(c.id, wire.EventPong, wire.PulsePayload{
		Timestamp:    now,
		ConnectionID: c.id,
	}); err != nil {
		e.logger.Debug("pong emit failed", "connID", c.id, "error", err)
	}
}

// handleClose is the only cleanup path for a connection.
func (e *Engine) handleClose(connID, reason string) {
	c, ok := e.conns[connID]
	if !ok {
		return
	}

	e.liveness.Stop(connID)
	if id, joined := e.registry.Leave(connID); joined {
		if err := e.cfg.Transport.LeaveRoom(connID, string(id)); err != nil {
			e.logger.Debug("leave room failed", "connID", connID, "room", id, "error", err)
		}
		e.logRoom(c, string(id), "", reason)
	}
	e.transition(c, StateDisconnected, reason)
	delete(e.conns, connID)

	e.logger.Debug("connection closed", "connID", connID, "deviceID", c.deviceID,
		"duration", e.cfg.Clock.Now().Sub(c.openedAt))
}

// transition moves c to a new state. Invalid edges are logged and refused.
func (e *Engine) transition(c *conn, to ConnState, reason string) bool {
	from := c.state
	if !canTransition(from, to) {
		e.logger.Warn("invalid connection transition",
			"connID", c.id, "from", from.String(), "to", to.String())
		return false
	}
	c.state = to
	e.logState(c, from.String(), to, reason)
	return true
}

func (e *Engine) logState(c *conn, from string, to ConnState, reason string) {
	e.logger.Debug("connection state", "connID", c.id, "from", from, "to", to.String(), "reason", reason)
	e.plog.Log(log.Event{
		Timestamp:    e.cfg.Clock.Now(),
		ConnectionID: c.id,
		RemoteAddr:   c.remoteAddr,
		DeviceID:     string(c.deviceID),
		Direction:    log.DirectionIn,
		Layer:        log.LayerRelay,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: from,
			NewState: to.String(),
			Reason:   reason,
		},
	})
}

func (e *Engine) logRoom(c *conn, from, to, reason string) {
	e.plog.Log(log.Event{
		Timestamp:    e.cfg.Clock.Now(),
		ConnectionID: c.id,
		DeviceID:     to,
		Direction:    log.DirectionIn,
		Layer:        log.LayerRelay,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityRoom,
			OldState: from,
			NewState: to,
			Reason:   reason,
		},
	})
}
