package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(BackoffConfig{Jitter: -1})

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "attempt %d", i+1)
	}
	assert.Equal(t, len(want), b.Attempts())

	b.Reset()
	assert.Equal(t, 0, b.Attempts())
	assert.Equal(t, InitialBackoff, b.Current())
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: time.Second})
	for i := 0; i < 100; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, time.Second+time.Second/4)
	}
}

func TestBackoffMaxBelowInitial(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 2 * time.Second, Max: time.Second, Jitter: -1})
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "RECONNECTING", StateReconnecting.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}

// instantAfter records requested delays and fires at once.
type instantAfter struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (a *instantAfter) after(d time.Duration) <-chan time.Time {
	a.mu.Lock()
	a.delays = append(a.delays, d)
	a.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func TestSupervisorRedialsWithBackoff(t *testing.T) {
	clk := &instantAfter{}
	var transitions []State
	s := NewSupervisor(SupervisorConfig{
		Backoff:       BackoffConfig{Initial: 10 * time.Millisecond, Jitter: -1},
		After:         clk.after,
		OnStateChange: func(_, n State) { transitions = append(transitions, n) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := s.Run(ctx, func(ctx context.Context, established func()) error {
		calls++
		switch calls {
		case 1, 2:
			return errors.New("refused")
		case 3:
			established()
			return errors.New("link lost")
		default:
			cancel()
			return nil
		}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		10 * time.Millisecond, // reset by the established session
	}, clk.delays)
	assert.Equal(t, StateClosed, s.State())
	require.NotEmpty(t, transitions)
	assert.Contains(t, transitions, StateConnected)
	assert.Equal(t, StateClosed, transitions[len(transitions)-1])
}

func TestSupervisorStopsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSupervisor(SupervisorConfig{
		After: func(time.Duration) <-chan time.Time {
			cancel()
			return make(chan time.Time)
		},
	})

	err := s.Run(ctx, func(context.Context, func()) error {
		return errors.New("refused")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.Attempts())
}
