package wire

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wire errors.
var (
	ErrMalformed    = errors.New("malformed message")
	ErrUnknownEvent = errors.New("unknown event")
)

// Event names.
const (
	EventRegisterDevice = "register-device"
	EventCommandAck     = "command-ack"
	EventPing           = "ping"

	EventRegistered = "registered"
	EventCommand    = "command"
	EventNewCommand = "new-command"
	EventPong       = "pong"
	EventHeartbeat  = "heartbeat"
	EventError      = "error"
)

// Direction tells whether an event flows to or from the relay.
type Direction uint8

const (
	Inbound Direction = iota + 1
	Outbound
)

var events = map[string]Direction{
	EventRegisterDevice: Inbound,
	EventCommandAck:     Inbound,
	EventPing:           Inbound,
	EventRegistered:     Outbound,
	EventCommand:        Outbound,
	EventNewCommand:     Outbound,
	EventPong:           Outbound,
	EventHeartbeat:      Outbound,
	EventError:          Outbound,
}

// DirectionOf returns the direction of a known event.
func DirectionOf(event string) (Direction, bool) {
	d, ok := events[event]
	return d, ok
}

// Message is a decoded or to-be-encoded envelope.
//
// Outbound messages set Data to a payload value. Inbound messages keep the
// payload in its encoded form until Bind is called.
type Message struct {
	Event string
	Data  any

	raw   []byte
	codec Codec
}

// NewMessage creates an outbound message.
func NewMessage(event string, data any) Message {
	return Message{Event: event, Data: data}
}

// HasData reports whether a decoded message carried a payload.
func (m Message) HasData() bool {
	return len(m.raw) > 0 || m.Data != nil
}

// Bind decodes the payload of an inbound message into v.
func (m Message) Bind(v any) error {
	if m.codec == nil {
		return fmt.Errorf("%w: %s has no encoded payload", ErrMalformed, m.Event)
	}
	if len(m.raw) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformed, m.Event)
	}
	if err := m.codec.unmarshal(m.raw, v); err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrMalformed, m.Event, err)
	}
	return nil
}

// RegisterRequest is the object form of a register-device payload.
type RegisterRequest struct {
	DeviceID string `json:"deviceId" cbor:"1,keyasint"`
}

// RegisterDeviceID extracts the raw device ID from a register-device
// message. The payload is either the bare ID string or a RegisterRequest.
func RegisterDeviceID(m Message) (string, error) {
	var raw string
	if err := m.Bind(&raw); err == nil {
		return raw, nil
	}
	var req RegisterRequest
	if err := m.Bind(&req); err != nil {
		return "", err
	}
	return req.DeviceID, nil
}

// AckPayload is the data of a command-ack event.
type AckPayload struct {
	CommandID     string `json:"commandId" cbor:"1,keyasint"`
	Success       bool   `json:"success" cbor:"2,keyasint"`
	Error         string `json:"error,omitempty" cbor:"3,keyasint,omitempty"`
	DeviceID      string `json:"deviceId,omitempty" cbor:"4,keyasint,omitempty"`
	ResultCode    string `json:"resultCode,omitempty" cbor:"5,keyasint,omitempty"`
	ResultMessage string `json:"resultMessage,omitempty" cbor:"6,keyasint,omitempty"`
}

// Validate checks the required fields.
func (a AckPayload) Validate() error {
	if strings.TrimSpace(a.CommandID) == "" {
		return fmt.Errorf("%w: commandId is required", ErrMalformed)
	}
	return nil
}

// RegisteredPayload is the data of a registered event.
type RegisteredPayload struct {
	DeviceID     string    `json:"deviceId" cbor:"1,keyasint"`
	Timestamp    time.Time `json:"timestamp" cbor:"2,keyasint"`
	ConnectionID string    `json:"connectionId" cbor:"3,keyasint"`
	Rooms        []string  `json:"rooms" cbor:"4,keyasint"`
	Success      bool      `json:"success" cbor:"5,keyasint"`
	Message      string    `json:"message" cbor:"6,keyasint"`
}

// PulsePayload is the data of pong and heartbeat events.
type PulsePayload struct {
	Timestamp    time.Time `json:"timestamp" cbor:"1,keyasint"`
	ConnectionID string    `json:"connectionId" cbor:"2,keyasint"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Message string `json:"message" cbor:"1,keyasint"`
}
