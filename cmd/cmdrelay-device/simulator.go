package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cmdrelay/cmdrelay/pkg/command"
	"github.com/cmdrelay/cmdrelay/pkg/log"
	"github.com/cmdrelay/cmdrelay/pkg/transport"
	"github.com/cmdrelay/cmdrelay/pkg/wire"
)

// Simulator plays one device against a relay.
type Simulator struct {
	RawDeviceID string
	Codec       wire.Codec
	Fail        bool
	ResultCode  string
	AckDelay    time.Duration
	PingEvery   time.Duration
	Logger      *slog.Logger
	Protocol    log.Logger

	// Resolve returns the socket URL for each connection attempt.
	Resolve func(ctx context.Context) (string, error)

	mu     sync.Mutex
	acked  int
	failed int
}

// Stats returns how many success and failure acks were sent.
func (s *Simulator) Stats() (acked, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked, s.failed
}

// Session runs one connection until it drops or ctx ends.
func (s *Simulator) Session(ctx context.Context, established func()) error {
	url, err := s.Resolve(ctx)
	if err != nil {
		return err
	}

	conn, err := transport.Dial(ctx, url, transport.DialConfig{
		Codec:          s.Codec,
		Logger:         s.Logger,
		ProtocolLogger: s.Protocol,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	// Receive blocks; closing the socket is what unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.Send(wire.EventRegisterDevice, s.RawDeviceID); err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.PingEvery > 0 {
		go s.pingLoop(sessionCtx, conn)
	}

	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) || errors.Is(err, wire.ErrUnknownEvent) {
				s.Logger.Warn("ignoring frame", "error", err)
				continue
			}
			return err
		}
		s.handle(sessionCtx, conn, msg, established)
	}
}

func (s *Simulator) handle(ctx context.Context, conn *transport.Conn, msg wire.Message, established func()) {
	switch msg.Event {
	case wire.EventRegistered:
		var reg wire.RegisteredPayload
		if err := msg.Bind(&reg); err != nil {
			s.Logger.Warn("bad registered payload", "error", err)
			return
		}
		s.Logger.Info("registered", "deviceID", reg.DeviceID, "connID", reg.ConnectionID)
		established()

	case wire.EventCommand:
		var cmd command.Command
		if err := msg.Bind(&cmd); err != nil {
			s.Logger.Warn("bad command payload", "error", err)
			return
		}
		s.Logger.Info("command received", "commandID", cmd.ID, "action", cmd.Action)
		s.ack(ctx, conn, cmd)

	case wire.EventNewCommand:
		// Legacy alias of command, already handled.

	case wire.EventError:
		var e wire.ErrorPayload
		_ = msg.Bind(&e)
		s.Logger.Warn("relay error", "message", e.Message)

	default:
		s.Logger.Debug("event", "event", msg.Event)
	}
}

func (s *Simulator) ack(ctx context.Context, conn *transport.Conn, cmd command.Command) {
	if s.AckDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.AckDelay):
		}
	}

	ack := wire.AckPayload{
		CommandID: cmd.ID,
		Success:   !s.Fail,
		DeviceID:  s.RawDeviceID,
	}
	if s.Fail {
		ack.Error = "simulated failure"
	} else {
		ack.ResultCode = s.ResultCode
		ack.ResultMessage = cmd.Action + " done"
	}
	if err := conn.Send(wire.EventCommandAck, ack); err != nil {
		s.Logger.Warn("ack failed", "commandID", cmd.ID, "error", err)
		return
	}

	s.mu.Lock()
	if s.Fail {
		s.failed++
	} else {
		s.acked++
	}
	s.mu.Unlock()
}

func (s *Simulator) pingLoop(ctx context.Context, conn *transport.Conn) {
	ticker := time.NewTicker(s.PingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Send(wire.EventPing, nil); err != nil {
				return
			}
		}
	}
}
