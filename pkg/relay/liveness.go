package relay

import (
	"log/slog"
	"time"

	"github.com/cmdrelay/cmdrelay/pkg/clock"
	"github.com/cmdrelay/cmdrelay/pkg/log"
	"github.com/cmdrelay/cmdrelay/pkg/wire"
)

// Liveness emits a periodic heartbeat to every open connection.
//
// Missed heartbeats are not tracked here; the transport detects dead peers
// through its own read deadline. All methods run on the control loop.
type Liveness struct {
	clock     clock.Clock
	transport Transport
	interval  time.Duration
	submit    func(func()) bool
	timers    map[string]clock.Timer

	logger *slog.Logger
	plog   log.Logger
}

// Start schedules heartbeats for connID. Starting twice is a no-op.
func (l *Liveness) Start(connID string) {
	if _, ok := l.timers[connID]; ok {
		return
	}
	l.timers[connID] = l.clock.Every(l.interval, func() {
		l.submit(func() {
			l.beat(connID)
		})
	})
}

// Stop releases the heartbeat timer of connID.
func (l *Liveness) Stop(connID string) {
	if t, ok := l.timers[connID]; ok {
		t.Stop()
		delete(l.timers, connID)
	}
}

// StopAll releases every timer.
func (l *Liveness) StopAll() {
	for connID, t := range l.timers {
		t.Stop()
		delete(l.timers, connID)
	}
}

// Active returns the number of connections with a running heartbeat.
func (l *Liveness) Active() int {
	return len(l.timers)
}

func (l *Liveness) beat(connID string) {
	// A tick may already be queued when the connection closes.
	if _, ok := l.timers[connID]; !ok {
		return
	}
	now := l.clock.Now()
	err := l.transport.EmitToConnection(connID, wire.EventHeartbeat, wire.PulsePayload{
		Timestamp:    now,
		ConnectionID: connID,
	})
	if err != nil {
		l.logger.Debug("heartbeat emit failed", "connID", connID, "error", err)
		return
	}
	l.plog.Log(log.Event{
		Timestamp:    now,
		ConnectionID: connID,
		Direction:    log.DirectionOut,
		Layer:        log.LayerRelay,
		Category:     log.CategoryControl,
		ControlMsg:   &log.ControlMsgEvent{Type: log.ControlMsgHeartbeat},
	})
}
