// Package clock abstracts time so scheduled relay work can run against
// virtual time in tests.
package clock

import (
	"sync"
	"time"
)

// Timer is a cancellable scheduled task.
type Timer interface {
	// Stop prevents the task from running. Returns false if it already ran
	// or was already stopped. Stopping a repeating task ends the series.
	Stop() bool
}

// Clock tells time and schedules deferred work.
type Clock interface {
	Now() time.Time

	// AfterFunc runs f once after d in its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer

	// Every runs f repeatedly with period d until the returned Timer is
	// stopped. The first run happens after d.
	Every(d time.Duration, f func()) Timer
}

// Real is the wall clock.
type Real struct{}

// New returns the wall clock.
func New() Clock {
	return Real{}
}

// Now returns time.Now.
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Every drives f from a time.Ticker goroutine.
func (Real) Every(d time.Duration, f func()) Timer {
	t := &realTicker{
		ticker: time.NewTicker(d),
		done:   make(chan struct{}),
	}
	go t.run(f)
	return t
}

type realTicker struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *realTicker) run(f func()) {
	for {
		select {
		case <-t.ticker.C:
			f()
		case <-t.done:
			return
		}
	}
}

func (t *realTicker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
		stopped = true
	})
	return stopped
}
