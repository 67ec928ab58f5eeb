package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cmdrelay/cmdrelay/pkg/clock"
	"github.com/cmdrelay/cmdrelay/pkg/command"
	"github.com/cmdrelay/cmdrelay/pkg/log"
)

// Relay errors.
var (
	ErrInvalidAck        = errors.New("invalid command ack")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrLoopStopped       = errors.New("control loop stopped")
	ErrMissingStore      = errors.New("relay: command store is required")
	ErrMissingTransport  = errors.New("relay: transport is required")
)

// Default timing and limits.
const (
	DefaultPacing            = 2000 * time.Millisecond
	DefaultVerifyDelay       = 3000 * time.Millisecond
	DefaultHeartbeatInterval = 30000 * time.Millisecond
	DefaultPendingLimit      = 20
)

// Transport is the realtime channel capability the relay needs.
// Rooms are named by device ID or connection ID.
//
// EmitToRoom returns a *PartialEmitError when some members received the
// event and others did not.
type Transport interface {
	JoinRoom(connID, room string) error
	LeaveRoom(connID, room string) error
	EmitToRoom(room, event string, data any) error
	EmitToConnection(connID, event string, data any) error
}

// PartialEmitError reports a room emit that reached only some members.
type PartialEmitError struct {
	Delivered int
	Err       error
}

func (e *PartialEmitError) Error() string {
	return fmt.Sprintf("emit reached %d member(s): %v", e.Delivered, e.Err)
}

func (e *PartialEmitError) Unwrap() error { return e.Err }

// Config configures an Engine.
type Config struct {
	// Store holds commands. Required.
	Store command.Store

	// Transport delivers events to connections. Required.
	Transport Transport

	// Clock schedules deliveries and heartbeats. Defaults to the wall clock.
	Clock clock.Clock

	// Pacing separates consecutive deliveries of one dispatch pass.
	Pacing time.Duration

	// VerifyDelay is when the room is re-checked after a pass starts.
	VerifyDelay time.Duration

	// HeartbeatInterval is the period of heartbeat events per connection.
	HeartbeatInterval time.Duration

	// PendingLimit caps how many pending commands one pass delivers.
	PendingLimit int

	// ConflictPolicy governs differing acks for a terminal command.
	ConflictPolicy command.ConflictPolicy

	// Spawn runs store I/O off the control loop. Defaults to a new
	// goroutine per call.
	Spawn func(func())

	// Logger is the optional logger for operational output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger receives relay-layer protocol events. Optional.
	ProtocolLogger log.Logger
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Pacing <= 0 {
		c.Pacing = DefaultPacing
	}
	if c.VerifyDelay <= 0 {
		c.VerifyDelay = DefaultVerifyDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = DefaultPendingLimit
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	c.ProtocolLogger = log.OrNoop(c.ProtocolLogger)
}

// ConnState is the lifecycle state of a connection.
type ConnState uint8

const (
	StateConnecting ConnState = iota
	StateIdentified
	StateRegistered
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateIdentified:
		return "IDENTIFIED"
	case StateRegistered:
		return "REGISTERED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// validTransitions lists the allowed edges of the connection state machine.
var validTransitions = map[ConnState][]ConnState{
	StateConnecting: {StateIdentified, StateDisconnected},
	StateIdentified: {StateIdentified, StateRegistered, StateDisconnected},
	StateRegistered: {StateRegistered, StateDisconnected},
}

func canTransition(from, to ConnState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
