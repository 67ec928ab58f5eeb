package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cmdrelay/cmdrelay/pkg/clock"
	"github.com/cmdrelay/cmdrelay/pkg/command"
	"github.com/cmdrelay/cmdrelay/pkg/deviceid"
	"github.com/cmdrelay/cmdrelay/pkg/log"
	"github.com/cmdrelay/cmdrelay/pkg/wire"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// emitted is one event handed to the fake transport.
type emitted struct {
	Room   string // set for room emits
	ConnID string // set for connection emits
	Event  string
	Data   any
	At     time.Time
}

// fakeTransport records emits and room membership.
type fakeTransport struct {
	mu     sync.Mutex
	clock  clock.Clock
	rooms  map[string]map[string]bool
	events []emitted

	// roomErr, when set, supplies the error returned by EmitToRoom.
	roomErr func(event string) error
}

func newFakeTransport(clk clock.Clock) *fakeTransport {
	return &fakeTransport{clock: clk, rooms: make(map[string]map[string]bool)}
}

func (f *fakeTransport) JoinRoom(connID, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[room] == nil {
		f.rooms[room] = make(map[string]bool)
	}
	f.rooms[room][connID] = true
	return nil
}

func (f *fakeTransport) LeaveRoom(connID, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms[room], connID)
	if len(f.rooms[room]) == 0 {
		delete(f.rooms, room)
	}
	return nil
}

func (f *fakeTransport) EmitToRoom(room, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{Room: room, Event: event, Data: data, At: f.clock.Now()})
	if f.roomErr != nil {
		return f.roomErr(event)
	}
	return nil
}

func (f *fakeTransport) EmitToConnection(connID, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{ConnID: connID, Event: event, Data: data, At: f.clock.Now()})
	return nil
}

func (f *fakeTransport) inRoom(room, connID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[room][connID]
}

// byEvent returns every recorded emit of the named event.
func (f *fakeTransport) byEvent(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// commands returns the commands delivered under the primary event name.
func (f *fakeTransport) commands() []command.Command {
	var out []command.Command
	for _, e := range f.byEvent(wire.EventCommand) {
		out = append(out, e.Data.(command.Command))
	}
	return out
}

// captureLogger records protocol events.
type captureLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (c *captureLogger) Log(e log.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureLogger) deliveries(outcome log.DeliveryOutcome) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Delivery != nil && e.Delivery.Outcome == outcome {
			n++
		}
	}
	return n
}

// stubStore wraps a MemoryStore and lets tests override ListPending.
type stubStore struct {
	mock.Mock
	*command.MemoryStore
}

func (s *stubStore) ListPending(ctx context.Context, id deviceid.ID, limit int) ([]command.Command, error) {
	args := s.Called(ctx, id, limit)
	cmds, _ := args.Get(0).([]command.Command)
	return cmds, args.Error(1)
}

type harness struct {
	t      *testing.T
	clock  *clock.Fake
	store  command.Store
	tr     *fakeTransport
	plog   *captureLogger
	engine *Engine
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()

	clk := clock.NewFake(t0)
	h := &harness{
		t:     t,
		clock: clk,
		store: command.NewMemoryStore(),
		tr:    newFakeTransport(clk),
		plog:  &captureLogger{},
	}

	cfg := Config{
		Store:          h.store,
		Transport:      h.tr,
		Clock:          clk,
		Spawn:          func(f func()) { f() },
		ProtocolLogger: h.plog,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.store = cfg.Store

	e, err := NewEngine(cfg)
	require.NoError(t, err)
	h.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.engine.Flush(ctx))
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.flush()
}

// enqueue creates a pending command created at t0+offset.
func (h *harness) enqueue(rawDevice, action string, offset time.Duration) command.Command {
	h.t.Helper()
	cmd, err := command.New(rawDevice, action, map[string]any{"n": action}, t0.Add(offset))
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.Create(context.Background(), cmd))
	return cmd
}

// send encodes the event as a device would and hands it to the engine.
func (h *harness) send(connID, event string, data any) {
	h.t.Helper()
	frame, err := wire.JSON.Encode(wire.NewMessage(event, data))
	require.NoError(h.t, err)
	msg, err := wire.JSON.Decode(frame)
	require.NoError(h.t, err)
	h.engine.OnEvent(connID, msg)
	h.flush()
}

func (h *harness) open(connID string) {
	h.t.Helper()
	h.engine.OnOpen(connID, "192.0.2.1:5000")
	h.flush()
}

func (h *harness) register(connID, raw string) {
	h.t.Helper()
	h.send(connID, wire.EventRegisterDevice, raw)
}

func (h *harness) close(connID string) {
	h.t.Helper()
	h.engine.OnClose(connID)
	h.flush()
}

func (h *harness) members(id deviceid.ID) []string {
	h.t.Helper()
	m, err := h.engine.MembersOf(context.Background(), id)
	require.NoError(h.t, err)
	return m
}

func (h *harness) get(id string) command.Command {
	h.t.Helper()
	cmd, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return cmd
}
