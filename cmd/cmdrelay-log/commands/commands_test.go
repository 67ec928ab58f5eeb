package commands

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmdrelay/cmdrelay/pkg/log"
)

var base = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.rlog")
	logger, err := log.NewFileLogger(path)
	require.NoError(t, err)
	for _, e := range events {
		logger.Log(e)
	}
	require.NoError(t, logger.Close())
	require.Zero(t, logger.Errors())
	return path
}

func sessionEvents() []log.Event {
	conn := "abc12345-6789-0123-4567-890abcdef012"
	return []log.Event{
		{
			Timestamp: base, ConnectionID: conn, Direction: log.DirectionIn,
			Layer: log.LayerTransport, Category: log.CategoryMessage,
			Frame: log.NewFrameEvent([]byte(`["register-device","dev-1"]`), false),
		},
		{
			Timestamp: base.Add(time.Millisecond), ConnectionID: conn, Direction: log.DirectionIn,
			Layer: log.LayerRelay, Category: log.CategoryState, DeviceID: "DEV-1",
			StateChange: &log.StateChangeEvent{
				Entity: log.StateEntityRoom, NewState: "DEV-1", Reason: "register-device",
			},
		},
		{
			Timestamp: base.Add(2 * time.Millisecond), ConnectionID: conn, Direction: log.DirectionOut,
			Layer: log.LayerWire, Category: log.CategoryMessage, DeviceID: "DEV-1", CommandID: "cmd-1",
			Message: &log.MessageEvent{
				Event: "command", Codec: "json",
				Payload: map[string]any{"action": "EXEC_USSD", "payload": map[string]any{"code": "*100#"}},
			},
		},
		{
			Timestamp: base.Add(3 * time.Millisecond), ConnectionID: conn, Direction: log.DirectionOut,
			Layer: log.LayerRelay, Category: log.CategoryDelivery, DeviceID: "DEV-1", CommandID: "cmd-1",
			Delivery: &log.DeliveryEvent{Outcome: log.DeliveryEmitted, Index: 0, Batch: 2, Members: 1, Action: "EXEC_USSD"},
		},
		{
			Timestamp: base.Add(time.Second), ConnectionID: conn, Direction: log.DirectionOut,
			Layer: log.LayerRelay, Category: log.CategoryDelivery, DeviceID: "DEV-1", CommandID: "cmd-2",
			Delivery: &log.DeliveryEvent{Outcome: log.DeliverySkipped, Index: 1, Batch: 2, Members: 0},
		},
		{
			Timestamp: base.Add(2 * time.Second), ConnectionID: conn, Direction: log.DirectionIn,
			Layer: log.LayerRelay, Category: log.CategoryAck, DeviceID: "DEV-1", CommandID: "cmd-1",
			Ack: &log.AckEvent{Success: true, Result: "applied", State: "acknowledged", ResultCode: "OK"},
		},
		{
			Timestamp: base.Add(3 * time.Second), ConnectionID: conn, Direction: log.DirectionIn,
			Layer: log.LayerWire, Category: log.CategoryError,
			Error: &log.ErrorEventData{Layer: log.LayerWire, Message: "malformed frame", Context: "decode"},
		},
	}
}

func TestFormatFrameEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sessionEvents()[0])
	out := buf.String()

	assert.Contains(t, out, "2026-03-02T09:30:00.000000Z")
	assert.Contains(t, out, "[conn:abc12345]")
	assert.Contains(t, out, "IN  TRANSPORT Frame")
	assert.Contains(t, out, "(text)")
	assert.Contains(t, out, `Data: ["register-device","dev-1"]`)
}

func TestFormatBinaryFrameAsHex(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, log.Event{
		Timestamp: base,
		Layer:     log.LayerTransport,
		Frame:     &log.FrameEvent{Size: 3, Data: []byte{0x82, 0x01, 0x02}, Binary: true},
	})
	assert.Contains(t, buf.String(), "Data: 820102")
}

func TestFormatControlEventUsesCtrl(t *testing.T) {
	code := 1001
	var buf bytes.Buffer
	formatEvent(&buf, log.Event{
		Timestamp:  base,
		Direction:  log.DirectionOut,
		Category:   log.CategoryControl,
		ControlMsg: &log.ControlMsgEvent{Type: log.ControlMsgClose, CloseCode: &code},
	})
	out := buf.String()
	assert.Contains(t, out, "OUT CTRL CLOSE")
	assert.Contains(t, out, "Code: 1001")
}

func TestFormatDeliveryAndAck(t *testing.T) {
	events := sessionEvents()

	var buf bytes.Buffer
	formatEvent(&buf, events[3])
	out := buf.String()
	assert.Contains(t, out, "RELAY Delivery EMITTED")
	assert.Contains(t, out, "Command: cmd-1")
	assert.Contains(t, out, "Step: 1 of 2, room members: 1")
	assert.Contains(t, out, "Action: EXEC_USSD")

	buf.Reset()
	formatEvent(&buf, events[5])
	out = buf.String()
	assert.Contains(t, out, "RELAY Ack")
	assert.Contains(t, out, "Success: true  Result: applied")
	assert.Contains(t, out, "ResultCode: OK")
}

func TestRunViewDecodesPayload(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	var buf bytes.Buffer
	require.NoError(t, RunView(path, FilterOptions{Layer: "wire", Category: "message"}, &buf))
	out := buf.String()

	assert.Equal(t, 1, strings.Count(out, "[conn:"))
	assert.Contains(t, out, "WIRE command")
	assert.Contains(t, out, `"code":"*100#"`)
}

func TestRunViewFiltersByCommand(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	var buf bytes.Buffer
	require.NoError(t, RunView(path, FilterOptions{CommandID: "cmd-1"}, &buf))
	assert.Equal(t, 3, strings.Count(buf.String(), "[conn:"))
}

func TestFilterOptionsBuild(t *testing.T) {
	f, err := FilterOptions{
		Layer:     "Relay",
		Direction: "OUT",
		Category:  "delivery",
		TimeStart: "2026-03-02T09:30:00Z",
	}.Build()
	require.NoError(t, err)
	require.NotNil(t, f.Layer)
	assert.Equal(t, log.LayerRelay, *f.Layer)
	assert.Equal(t, log.DirectionOut, *f.Direction)
	assert.Equal(t, log.CategoryDelivery, *f.Category)
	assert.True(t, f.TimeStart.Equal(base))
	assert.Nil(t, f.TimeEnd)

	for _, bad := range []FilterOptions{
		{Layer: "service"},
		{Direction: "sideways"},
		{Category: "snapshot"},
		{TimeEnd: "yesterday"},
	} {
		_, err := bad.Build()
		assert.Error(t, err, "%+v", bad)
	}
}

func readAll(t *testing.T, path string) []log.Event {
	t.Helper()
	r, err := log.NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	var events []log.Event
	for {
		e, err := r.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, e)
	}
}

func TestRunFilterByDevice(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	out := filepath.Join(t.TempDir(), "device.rlog")

	var msg bytes.Buffer
	n, err := RunFilter(path, out, FilterOptions{DeviceID: "DEV-1"}, &msg)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Contains(t, msg.String(), "Filtered 5 events")

	events := readAll(t, out)
	require.Len(t, events, 5)
	for _, e := range events {
		assert.Equal(t, "DEV-1", e.DeviceID)
	}
}

func TestRunFilterByTimeRange(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	out := filepath.Join(t.TempDir(), "window.rlog")

	n, err := RunFilter(path, out, FilterOptions{
		TimeStart: "2026-03-02T09:30:01Z",
		TimeEnd:   "2026-03-02T09:30:03Z",
	}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	events := readAll(t, out)
	require.Len(t, events, 2)
	assert.NotNil(t, events[0].Delivery)
	assert.NotNil(t, events[1].Ack)
}

func TestRunFilterMissingInput(t *testing.T) {
	_, err := RunFilter(filepath.Join(t.TempDir(), "missing.rlog"), filepath.Join(t.TempDir(), "out.rlog"), FilterOptions{}, io.Discard)
	assert.Error(t, err)
}

func TestExportJSONL(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	out := filepath.Join(t.TempDir(), "relay.jsonl")
	require.NoError(t, RunExport(path, "jsonl", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, len(sessionEvents()))

	var msg map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &msg))
	assert.Equal(t, "command", msg["event"])
	assert.Equal(t, "OUT", msg["direction"])
	assert.Equal(t, "WIRE", msg["layer"])
	payload, ok := msg["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "EXEC_USSD", payload["action"])

	var delivery map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[4]), &delivery))
	assert.Equal(t, "SKIPPED", delivery["delivery"].(map[string]any)["outcome"])
}

func TestExportCSV(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	out := filepath.Join(t.TempDir(), "relay.csv")
	require.NoError(t, RunExport(path, "csv", out))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, len(sessionEvents())+1)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{
		"2026-03-02T09:30:02.000000Z", "abc12345-6789-0123-4567-890abcdef012", "IN", "RELAY", "ACK",
		"DEV-1", "cmd-1", "Ack", "applied",
	}, rows[6])
}

func TestExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	assert.Error(t, RunExport(path, "xml", ""))
}

func TestCollectStats(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	r, err := log.NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	stats, err := Collect(r)
	require.NoError(t, err)

	assert.Equal(t, 7, stats.TotalEvents)
	assert.Equal(t, 4, stats.EventsByLayer[log.LayerRelay])
	assert.Equal(t, 1, stats.Deliveries[log.DeliveryEmitted])
	assert.Equal(t, 1, stats.Deliveries[log.DeliverySkipped])
	assert.Equal(t, 1, stats.AckResults["applied"])
	assert.Equal(t, 1, stats.Errors)
	require.Len(t, stats.Connections, 1)
	for _, cs := range stats.Connections {
		assert.Equal(t, "DEV-1", cs.DeviceID)
		assert.Len(t, cs.Commands, 2)
		assert.Equal(t, 1, cs.Acks)
		assert.Equal(t, 3*time.Second, cs.LastSeen.Sub(cs.FirstSeen))
	}
}

func TestRunStatsOutput(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	var buf bytes.Buffer
	require.NoError(t, RunStats(path, &buf))
	out := buf.String()

	assert.Contains(t, out, "Total Events: 7")
	assert.Contains(t, out, "EMITTED:")
	assert.Contains(t, out, "applied:")
	assert.Contains(t, out, "Connections: 1")
	assert.Contains(t, out, "Device: DEV-1")
	assert.Contains(t, out, "Commands: 2, acks: 1")
	assert.Contains(t, out, "Errors: 1")
}

func TestJSONSafe(t *testing.T) {
	in := map[any]any{"a": []any{map[any]any{uint64(1): "x"}}}
	data, err := json.Marshal(jsonSafe(in))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[{"1":"x"}]}`, string(data))
}
