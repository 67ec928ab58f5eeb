package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncOrder(t *testing.T) {
	c := NewFake(start)
	var order []int
	var at []time.Time

	c.AfterFunc(3*time.Second, func() { order = append(order, 3); at = append(at, c.Now()) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1); at = append(at, c.Now()) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2); at = append(at, c.Now()) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 22); at = append(at, c.Now()) })

	c.Advance(1500 * time.Millisecond)
	if len(order) != 1 || order[0] != 1 {
		t.Fatalf("after 1.5s order = %v, want [1]", order)
	}

	c.Advance(5 * time.Second)
	want := []int{1, 2, 22, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
	if !at[3].Equal(start.Add(3 * time.Second)) {
		t.Errorf("third task saw Now = %v, want %v", at[3], start.Add(3*time.Second))
	}
	if !c.Now().Equal(start.Add(6500 * time.Millisecond)) {
		t.Errorf("Now() = %v after advancing 6.5s", c.Now())
	}
}

func TestFakeStop(t *testing.T) {
	c := NewFake(start)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("first Stop should return true")
	}
	if timer.Stop() {
		t.Error("second Stop should return false")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestFakeEvery(t *testing.T) {
	c := NewFake(start)
	count := 0
	ticker := c.Every(30*time.Second, func() { count++ })

	c.Advance(29 * time.Second)
	if count != 0 {
		t.Errorf("count = %d before first period", count)
	}
	c.Advance(61 * time.Second)
	if count != 3 {
		t.Errorf("count = %d after 90s, want 3", count)
	}

	ticker.Stop()
	c.Advance(time.Hour)
	if count != 3 {
		t.Errorf("count = %d after Stop, want 3", count)
	}
}

func TestFakeCallbackSchedulesMore(t *testing.T) {
	c := NewFake(start)
	var fired []time.Duration

	c.AfterFunc(time.Second, func() {
		fired = append(fired, c.Now().Sub(start))
		c.AfterFunc(time.Second, func() {
			fired = append(fired, c.Now().Sub(start))
		})
	})

	c.Advance(5 * time.Second)
	if len(fired) != 2 || fired[0] != time.Second || fired[1] != 2*time.Second {
		t.Errorf("fired = %v, want [1s 2s]", fired)
	}
}

func TestRealAfterFunc(t *testing.T) {
	c := New()
	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real AfterFunc did not fire")
	}
}

func TestRealEveryStop(t *testing.T) {
	c := New()
	var n atomic.Int32
	ticker := c.Every(time.Millisecond, func() { n.Add(1) })

	deadline := time.Now().Add(time.Second)
	for n.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n.Load() < 2 {
		t.Fatal("ticker did not fire twice")
	}
	if !ticker.Stop() {
		t.Error("first Stop should return true")
	}
	if ticker.Stop() {
		t.Error("second Stop should return false")
	}
}
