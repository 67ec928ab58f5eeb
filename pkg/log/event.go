package log

import (
	"time"
)

// Event is one protocol log record captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the realtime connection (UUID).
	ConnectionID string `cbor:"2,keyasint,omitempty"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// LocalRole tells whether the relay or a device simulator wrote the event.
	LocalRole Role `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// DeviceID is the canonical device ID, once known.
	DeviceID string `cbor:"8,keyasint,omitempty"`

	// CommandID is set on delivery and ack events.
	CommandID string `cbor:"9,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
	Delivery    *DeliveryEvent    `cbor:"15,keyasint,omitempty"`
	Ack         *AckEvent         `cbor:"16,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates where the event was captured.
type Layer uint8

const (
	// LayerTransport is the WebSocket frame layer.
	LayerTransport Layer = 0
	// LayerWire is the decoded event envelope layer.
	LayerWire Layer = 1
	// LayerRelay is the session, dispatch and ack layer.
	LayerRelay Layer = 2
)

func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerRelay:
		return "RELAY"
	default:
		return "UNKNOWN"
	}
}

// ParseLayer parses a layer name as printed by String.
func ParseLayer(s string) (Layer, bool) {
	for _, l := range []Layer{LayerTransport, LayerWire, LayerRelay} {
		if l.String() == s {
			return l, true
		}
	}
	return 0, false
}

// Category classifies the event.
type Category uint8

const (
	CategoryMessage  Category = 0
	CategoryControl  Category = 1
	CategoryState    Category = 2
	CategoryError    Category = 3
	CategoryDelivery Category = 4
	CategoryAck      Category = 5
)

func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	case CategoryDelivery:
		return "DELIVERY"
	case CategoryAck:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory parses a category name as printed by String.
func ParseCategory(s string) (Category, bool) {
	for c := CategoryMessage; c <= CategoryAck; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// Role indicates which side wrote the event.
type Role uint8

const (
	RoleRelay  Role = 0
	RoleDevice Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleRelay:
		return "RELAY"
	case RoleDevice:
		return "DEVICE"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a raw WebSocket data frame.
type FrameEvent struct {
	Size int `cbor:"1,keyasint"`

	// Data is the frame payload, truncated to MaxFrameCapture bytes.
	Data      []byte `cbor:"2,keyasint,omitempty"`
	Truncated bool   `cbor:"3,keyasint,omitempty"`
	Binary    bool   `cbor:"4,keyasint,omitempty"`
}

// MaxFrameCapture bounds the frame bytes kept in a FrameEvent.
const MaxFrameCapture = 4096

// NewFrameEvent captures data, truncating it if needed.
func NewFrameEvent(data []byte, binary bool) *FrameEvent {
	fe := &FrameEvent{Size: len(data), Binary: binary}
	if len(data) > MaxFrameCapture {
		fe.Data = append([]byte(nil), data[:MaxFrameCapture]...)
		fe.Truncated = true
	} else {
		fe.Data = append([]byte(nil), data...)
	}
	return fe
}

// MessageEvent captures a decoded event envelope.
type MessageEvent struct {
	// Event is the envelope event name, e.g. "command-ack".
	Event string `cbor:"1,keyasint"`

	// Codec is the negotiated subprotocol.
	Codec string `cbor:"2,keyasint,omitempty"`

	// Payload is the outbound payload value. Inbound payloads are not
	// decoded here; the frame event holds their bytes.
	Payload any `cbor:"3,keyasint,omitempty"`
}

// StateChangeEvent captures connection and room lifecycle changes.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what changed state.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = 0
	// StateEntityRoom is a device room membership change.
	StateEntityRoom StateEntity = 1
)

func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityRoom:
		return "ROOM"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures transport control frames and relay heartbeats.
type ControlMsgEvent struct {
	Type ControlMsgType `cbor:"1,keyasint"`

	// CloseCode is the WebSocket close code for close frames.
	CloseCode *int `cbor:"2,keyasint,omitempty"`
}

// ControlMsgType indicates the type of control message.
type ControlMsgType uint8

const (
	ControlMsgPing      ControlMsgType = 0
	ControlMsgPong      ControlMsgType = 1
	ControlMsgClose     ControlMsgType = 2
	ControlMsgHeartbeat ControlMsgType = 3
)

func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgPing:
		return "PING"
	case ControlMsgPong:
		return "PONG"
	case ControlMsgClose:
		return "CLOSE"
	case ControlMsgHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// DeliveryEvent records one step of a dispatch pass.
type DeliveryEvent struct {
	Outcome DeliveryOutcome `cbor:"1,keyasint"`

	// Index is the command's position in the pass, 0 is delivered first.
	Index int `cbor:"2,keyasint"`

	// Batch is the number of commands in the pass.
	Batch int `cbor:"3,keyasint"`

	// Members is the room size when the step ran.
	Members int `cbor:"4,keyasint"`

	Action string `cbor:"5,keyasint,omitempty"`
}

// DeliveryOutcome classifies a dispatch step.
type DeliveryOutcome uint8

const (
	// DeliveryEmitted means the command was emitted to the room.
	DeliveryEmitted DeliveryOutcome = 0
	// DeliverySkipped means the room was empty when the step fired.
	DeliverySkipped DeliveryOutcome = 1
	// DeliveryAtRisk means the room was empty at the verification check.
	DeliveryAtRisk DeliveryOutcome = 2
	// DeliveryVerified means the room still had members at the check.
	DeliveryVerified DeliveryOutcome = 3
)

func (d DeliveryOutcome) String() string {
	switch d {
	case DeliveryEmitted:
		return "EMITTED"
	case DeliverySkipped:
		return "SKIPPED"
	case DeliveryAtRisk:
		return "AT_RISK"
	case DeliveryVerified:
		return "VERIFIED"
	default:
		return "UNKNOWN"
	}
}

// AckEvent records the application of a device acknowledgment.
type AckEvent struct {
	Success    bool   `cbor:"1,keyasint"`
	Result     string `cbor:"2,keyasint"`
	State      string `cbor:"3,keyasint,omitempty"`
	ResultCode string `cbor:"4,keyasint,omitempty"`
	Error      string `cbor:"5,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
