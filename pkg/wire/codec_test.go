package wire

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var codecs = []Codec{JSON, CBOR}

func TestCodecFor(t *testing.T) {
	if CodecFor(SubprotocolCBOR) != CBOR {
		t.Error("cmdrelay.cbor should select CBOR")
	}
	if CodecFor(SubprotocolJSON) != JSON {
		t.Error("cmdrelay.json should select JSON")
	}
	if CodecFor("") != JSON {
		t.Error("empty subprotocol should default to JSON")
	}
	if !CBOR.Binary() || JSON.Binary() {
		t.Error("only CBOR uses binary frames")
	}
}

func TestRegisterDeviceIDForms(t *testing.T) {
	for _, c := range codecs {
		t.Run(c.Subprotocol(), func(t *testing.T) {
			for _, data := range []any{"  Device-001 ", RegisterRequest{DeviceID: "  Device-001 "}} {
				frame, err := c.Encode(NewMessage(EventRegisterDevice, data))
				if err != nil {
					t.Fatalf("Encode failed: %v", err)
				}
				msg, err := c.Decode(frame)
				if err != nil {
					t.Fatalf("Decode failed: %v", err)
				}
				if msg.Event != EventRegisterDevice {
					t.Errorf("Event = %q, want %q", msg.Event, EventRegisterDevice)
				}
				raw, err := RegisterDeviceID(msg)
				if err != nil {
					t.Fatalf("RegisterDeviceID failed for %T: %v", data, err)
				}
				if raw != "  Device-001 " {
					t.Errorf("RegisterDeviceID = %q", raw)
				}
			}
		})
	}
}

func TestRegisterDeviceIDJSONObject(t *testing.T) {
	msg, err := JSON.Decode([]byte(`{"event":"register-device","data":{"deviceId":"a1"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	raw, err := RegisterDeviceID(msg)
	if err != nil {
		t.Fatalf("RegisterDeviceID failed: %v", err)
	}
	if raw != "a1" {
		t.Errorf("RegisterDeviceID = %q, want a1", raw)
	}
}

func TestAckPayload(t *testing.T) {
	ack := AckPayload{
		CommandID:  "cmd-1",
		Success:    true,
		DeviceID:   "a1",
		ResultCode: "OK",
	}

	for _, c := range codecs {
		t.Run(c.Subprotocol(), func(t *testing.T) {
			frame, err := c.Encode(NewMessage(EventCommandAck, ack))
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			msg, err := c.Decode(frame)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			var got AckPayload
			if err := msg.Bind(&got); err != nil {
				t.Fatalf("Bind failed: %v", err)
			}
			if got != ack {
				t.Errorf("got %+v, want %+v", got, ack)
			}
			if err := got.Validate(); err != nil {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestAckPayloadValidate(t *testing.T) {
	err := AckPayload{Success: true}.Validate()
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Validate() = %v, want ErrMalformed", err)
	}
}

func TestCommandPayloadMap(t *testing.T) {
	type command struct {
		ID      string         `json:"id" cbor:"1,keyasint"`
		Payload map[string]any `json:"payload" cbor:"2,keyasint"`
	}
	in := command{ID: "c1", Payload: map[string]any{"number": "*123#"}}

	for _, c := range codecs {
		t.Run(c.Subprotocol(), func(t *testing.T) {
			frame, err := c.Encode(NewMessage(EventCommand, in))
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			msg, err := c.Decode(frame)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			var out command
			if err := msg.Bind(&out); err != nil {
				t.Fatalf("Bind failed: %v", err)
			}
			if out.ID != "c1" || out.Payload["number"] != "*123#" {
				t.Errorf("got %+v", out)
			}
		})
	}
}

func TestPulsePayloadTimestamp(t *testing.T) {
	ts := time.Date(2026, 5, 6, 7, 8, 9, 123000000, time.UTC)

	for _, c := range codecs {
		t.Run(c.Subprotocol(), func(t *testing.T) {
			frame, err := c.Encode(NewMessage(EventHeartbeat, PulsePayload{Timestamp: ts, ConnectionID: "conn-1"}))
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			msg, err := c.Decode(frame)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			var p PulsePayload
			if err := msg.Bind(&p); err != nil {
				t.Fatalf("Bind failed: %v", err)
			}
			if !p.Timestamp.Equal(ts) || p.ConnectionID != "conn-1" {
				t.Errorf("got %+v", p)
			}
		})
	}
}

func TestPingWithoutData(t *testing.T) {
	for _, c := range codecs {
		t.Run(c.Subprotocol(), func(t *testing.T) {
			frame, err := c.Encode(NewMessage(EventPing, nil))
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			msg, err := c.Decode(frame)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if msg.HasData() {
				t.Error("ping should carry no data")
			}
			var v any
			if err := msg.Bind(&v); !errors.Is(err, ErrMalformed) {
				t.Errorf("Bind on empty payload = %v, want ErrMalformed", err)
			}
		})
	}

	msg, err := JSON.Decode([]byte(`{"event":"ping","data":null}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.HasData() {
		t.Error("explicit null should count as no data")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
		frame []byte
		want  error
	}{
		{"json garbage", JSON, []byte("not json"), ErrMalformed},
		{"json missing event", JSON, []byte(`{"data":1}`), ErrMalformed},
		{"json unknown event", JSON, []byte(`{"event":"reboot"}`), ErrUnknownEvent},
		{"cbor garbage", CBOR, []byte{0xff, 0x00}, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.codec.Decode(tt.frame)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnknownEventKeepsName(t *testing.T) {
	msg, err := JSON.Decode([]byte(`{"event":"reboot","data":{}}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if msg.Event != "reboot" {
		t.Errorf("Event = %q, want reboot", msg.Event)
	}
}

func TestJSONEnvelopeShape(t *testing.T) {
	frame, err := JSON.Encode(NewMessage(EventError, ErrorPayload{Message: "invalid device id"}))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got := string(frame)
	if !strings.Contains(got, `"event":"error"`) || !strings.Contains(got, `"data":{"message":"invalid device id"}`) {
		t.Errorf("unexpected envelope: %s", got)
	}
}

func TestDirectionOf(t *testing.T) {
	if d, ok := DirectionOf(EventCommandAck); !ok || d != Inbound {
		t.Errorf("command-ack direction = %v, %v", d, ok)
	}
	if d, ok := DirectionOf(EventNewCommand); !ok || d != Outbound {
		t.Errorf("new-command direction = %v, %v", d, ok)
	}
	if _, ok := DirectionOf("reboot"); ok {
		t.Error("unknown event should have no direction")
	}
}
