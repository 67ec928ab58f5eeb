package interactive

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cmdrelay/cmdrelay/pkg/command"
	"github.com/cmdrelay/cmdrelay/pkg/deviceid"
	"github.com/cmdrelay/cmdrelay/pkg/session"
)

type mockRelay struct {
	mock.Mock
}

func (m *mockRelay) NotifyEnqueued(cmd command.Command) {
	m.Called(cmd)
}

func (m *mockRelay) Sessions(ctx context.Context) ([]session.Session, error) {
	args := m.Called(ctx)
	sessions, _ := args.Get(0).([]session.Session)
	return sessions, args.Error(1)
}

var now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestConsole(t *testing.T) (*Console, command.Store, *mockRelay, *bytes.Buffer) {
	t.Helper()
	store := command.NewMemoryStore()
	relay := &mockRelay{}
	var out bytes.Buffer
	c := newConsole(store, relay, &out)
	c.now = func() time.Time { return now }
	return c, store, relay, &out
}

func TestEnqueue(t *testing.T) {
	c, store, relay, out := newTestConsole(t)
	ctx := context.Background()

	relay.On("NotifyEnqueued", mock.MatchedBy(func(cmd command.Command) bool {
		return cmd.DeviceID == "DEVICE-001" && cmd.Action == "EXEC_USSD"
	})).Once()

	quit := c.Execute(ctx, `enqueue device-001 EXEC_USSD {"code": "*100#", "sim": 1}`)
	assert.False(t, quit)
	relay.AssertExpectations(t)
	assert.Contains(t, out.String(), "Queued")

	cmds, err := store.List(ctx, command.Filter{DeviceID: "DEVICE-001"})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, command.StatePending, cmds[0].State)
	assert.Equal(t, "*100#", cmds[0].Payload["code"])
	assert.Equal(t, now, cmds[0].CreatedAt)
}

func TestEnqueueErrors(t *testing.T) {
	c, store, relay, out := newTestConsole(t)
	ctx := context.Background()

	c.Execute(ctx, "enqueue A1")
	assert.Contains(t, out.String(), "Usage: enqueue")

	out.Reset()
	c.Execute(ctx, "enqueue A1 REBOOT {not json")
	assert.Contains(t, out.String(), "Invalid payload")

	out.Reset()
	c.Execute(ctx, "enqueue -- REBOOT")
	assert.Contains(t, out.String(), "Invalid command")

	cmds, err := store.List(ctx, command.Filter{})
	require.NoError(t, err)
	assert.Empty(t, cmds)
	relay.AssertNotCalled(t, "NotifyEnqueued", mock.Anything)
}

func TestListAndShow(t *testing.T) {
	c, store, _, out := newTestConsole(t)
	ctx := context.Background()

	a, err := command.New("A1", "REBOOT", nil, now)
	require.NoError(t, err)
	b, err := command.New("B2", "EXEC_USSD", nil, now.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	c.Execute(ctx, "list a1 pending")
	assert.Contains(t, out.String(), a.ID)
	assert.NotContains(t, out.String(), b.ID)

	out.Reset()
	c.Execute(ctx, "list acknowledged")
	assert.Contains(t, out.String(), "No commands")

	out.Reset()
	c.Execute(ctx, "show "+b.ID)
	assert.Contains(t, out.String(), `"action": "EXEC_USSD"`)

	out.Reset()
	c.Execute(ctx, "show missing")
	assert.Contains(t, out.String(), "not found")
}

func TestSessions(t *testing.T) {
	c, _, relay, out := newTestConsole(t)
	ctx := context.Background()

	relay.On("Sessions", ctx).Return([]session.Session{{
		DeviceID:     deviceid.MustNormalize("A1"),
		ConnectionID: "conn-1",
		JoinedAt:     now,
		LastSeen:     now,
	}}, nil).Once()
	c.Execute(ctx, "sessions")
	assert.Contains(t, out.String(), "Connected sessions (1)")
	assert.Contains(t, out.String(), "conn-1")

	out.Reset()
	relay.On("Sessions", ctx).Return(nil, errors.New("loop stopped")).Once()
	c.Execute(ctx, "sessions")
	assert.Contains(t, out.String(), "loop stopped")
}

func TestQuitAndUnknown(t *testing.T) {
	c, _, _, out := newTestConsole(t)
	ctx := context.Background()

	assert.False(t, c.Execute(ctx, "   "))
	assert.False(t, c.Execute(ctx, "frobnicate"))
	assert.Contains(t, out.String(), "Unknown command: frobnicate")
	assert.True(t, c.Execute(ctx, "quit"))
}

func TestSplitN(t *testing.T) {
	assert.Equal(t, []string{"enqueue", "A1", "X", `{"a": 1}`}, splitN(`  enqueue A1  X {"a": 1}`, 4))
	assert.Equal(t, []string{"enqueue", "A1"}, splitN("enqueue A1", 4))
	assert.Nil(t, splitN("   ", 4))
}
