package relay

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmdrelay/cmdrelay/pkg/clock"
	"github.com/cmdrelay/cmdrelay/pkg/command"
	"github.com/cmdrelay/cmdrelay/pkg/log"
	"github.com/cmdrelay/cmdrelay/pkg/wire"
)

func newAckFixture(t *testing.T, policy command.ConflictPolicy) (*AckProcessor, command.Store, *clock.Fake, *bytes.Buffer, *captureLogger) {
	t.Helper()
	store := command.NewMemoryStore()
	clk := clock.NewFake(t0)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	plog := &captureLogger{}
	return NewAckProcessor(store, clk, policy, logger, plog), store, clk, &buf, plog
}

func createCommand(t *testing.T, store command.Store, raw string) command.Command {
	t.Helper()
	cmd, err := command.New(raw, "EXEC_USSD", nil, t0)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), cmd))
	return cmd
}

func TestAckProcessorInvalidAck(t *testing.T) {
	p, _, _, _, _ := newAckFixture(t, command.LastWriteWins)

	_, err := p.Apply(context.Background(), "conn-1", wire.AckPayload{Success: true})
	assert.ErrorIs(t, err, ErrInvalidAck)
}

func TestAckProcessorUnknownCommand(t *testing.T) {
	p, _, _, buf, plog := newAckFixture(t, command.LastWriteWins)

	_, err := p.Apply(context.Background(), "conn-1", wire.AckPayload{CommandID: "nope", Success: true})
	assert.ErrorIs(t, err, command.ErrNotFound)
	assert.Contains(t, buf.String(), "ack for unknown command")

	require.Len(t, plog.events, 1)
	assert.Equal(t, log.CategoryError, plog.events[0].Category)
}

func TestAckProcessorResults(t *testing.T) {
	p, store, clk, _, plog := newAckFixture(t, command.LastWriteWins)
	ctx := context.Background()
	cmd := createCommand(t, store, "A1")

	clk.Advance(time.Second)
	result, err := p.Apply(ctx, "conn-1", wire.AckPayload{CommandID: cmd.ID, Success: true, ResultCode: "OK"})
	require.NoError(t, err)
	assert.Equal(t, command.ResultApplied, result)

	result, err = p.Apply(ctx, "conn-1", wire.AckPayload{CommandID: cmd.ID, Success: true, ResultCode: "OK"})
	require.NoError(t, err)
	assert.Equal(t, command.ResultDuplicate, result)

	result, err = p.Apply(ctx, "conn-2", wire.AckPayload{CommandID: cmd.ID, Success: false, Error: "retry failed"})
	require.NoError(t, err)
	assert.Equal(t, command.ResultOverwritten, result)

	stored, err := store.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, command.StateFailed, stored.State)

	require.Len(t, plog.events, 3)
	assert.Equal(t, "applied", plog.events[0].Ack.Result)
	assert.Equal(t, "duplicate", plog.events[1].Ack.Result)
	assert.Equal(t, "overwritten", plog.events[2].Ack.Result)
}

func TestAckProcessorFirstWriteWins(t *testing.T) {
	p, store, _, _, _ := newAckFixture(t, command.FirstWriteWins)
	ctx := context.Background()
	cmd := createCommand(t, store, "A1")

	_, err := p.Apply(ctx, "conn-1", wire.AckPayload{CommandID: cmd.ID, Success: true})
	require.NoError(t, err)

	result, err := p.Apply(ctx, "conn-1", wire.AckPayload{CommandID: cmd.ID, Success: false, Error: "late"})
	require.NoError(t, err)
	assert.Equal(t, command.ResultRejected, result)

	stored, err := store.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, command.StateAcknowledged, stored.State)
}

func TestAckProcessorDeviceMismatchStillApplies(t *testing.T) {
	p, store, _, buf, _ := newAckFixture(t, command.LastWriteWins)
	ctx := context.Background()
	cmd := createCommand(t, store, "A1")

	result, err := p.Apply(ctx, "conn-1", wire.AckPayload{CommandID: cmd.ID, Success: true, DeviceID: "B2"})
	require.NoError(t, err)
	assert.Equal(t, command.ResultApplied, result)
	assert.True(t, strings.Contains(buf.String(), "ack device does not match"))

	buf.Reset()
	_, err = p.Apply(ctx, "conn-1", wire.AckPayload{CommandID: cmd.ID, Success: true, DeviceID: " a1 "})
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "does not match")
}
