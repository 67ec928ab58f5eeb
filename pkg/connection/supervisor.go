package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State represents the supervised link state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SessionFunc runs one connection until it ends. It calls established
// once the link is usable, which resets the backoff.
type SessionFunc func(ctx context.Context, established func()) error

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Backoff BackoffConfig

	// Logger for operational logging (nil = discard).
	Logger *slog.Logger

	// OnStateChange is called on every state change.
	OnStateChange func(oldState, newState State)

	// After replaces time.After in tests.
	After func(d time.Duration) <-chan time.Time
}

// Supervisor redials a session with backoff until its context ends.
type Supervisor struct {
	backoff *Backoff
	logger  *slog.Logger
	onState func(oldState, newState State)
	after   func(d time.Duration) <-chan time.Time

	mu    sync.Mutex
	state State
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}
	return &Supervisor{
		backoff: NewBackoff(cfg.Backoff),
		logger:  logger,
		onState: cfg.OnStateChange,
		after:   after,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the failed attempts since the last established link.
func (s *Supervisor) Attempts() int {
	return s.backoff.Attempts()
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	old := s.state
	s.state = state
	s.mu.Unlock()

	if old != state && s.onState != nil {
		s.onState(old, state)
	}
}

// Run runs fn repeatedly until ctx is done and returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context, fn SessionFunc) error {
	defer s.setState(StateClosed)

	s.setState(StateConnecting)
	for {
		err := fn(ctx, func() {
			s.backoff.Reset()
			s.setState(StateConnected)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := s.backoff.Next()
		s.setState(StateReconnecting)
		s.logger.Info("session ended, reconnecting",
			"attempt", s.backoff.Attempts(), "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(delay):
		}
		s.setState(StateConnecting)
	}
}
