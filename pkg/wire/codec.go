package wire

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Subprotocol names.
const (
	SubprotocolJSON = "cmdrelay.json"
	SubprotocolCBOR = "cmdrelay.cbor"
)

// Subprotocols lists the supported subprotocols in order of preference.
var Subprotocols = []string{SubprotocolJSON, SubprotocolCBOR}

// encMode is the CBOR encoder mode for envelopes.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for envelopes.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Command payloads are free-form string-keyed maps.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Codec encodes and decodes envelopes for one subprotocol.
type Codec interface {
	// Subprotocol returns the WebSocket subprotocol name.
	Subprotocol() string

	// Binary reports whether frames are binary rather than text.
	Binary() bool

	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)

	unmarshal(data []byte, v any) error
}

// JSON is the text-frame codec.
var JSON Codec = jsonCodec{}

// CBOR is the binary-frame codec.
var CBOR Codec = cborCodec{}

// CodecFor returns the codec for a negotiated subprotocol. An empty or
// unknown name selects JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return CBOR
	}
	return JSON
}

type jsonEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool        { return false }

func (jsonCodec) Encode(m Message) ([]byte, error) {
	env := jsonEnvelope{Event: m.Event}
	if m.Data != nil {
		data, err := json.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", m.Event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func (c jsonCodec) Decode(data []byte) (Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	raw := []byte(env.Data)
	if string(raw) == "null" {
		raw = nil
	}
	return decoded(env.Event, raw, c)
}

func (jsonCodec) unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type cborEnvelope struct {
	Event string          `cbor:"1,keyasint"`
	Data  cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

type cborCodec struct{}

func (cborCodec) Subprotocol() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool        { return true }

func (cborCodec) Encode(m Message) ([]byte, error) {
	env := cborEnvelope{Event: m.Event}
	if m.Data != nil {
		data, err := encMode.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", m.Event, err)
		}
		env.Data = data
	}
	return encMode.Marshal(env)
}

func (c cborCodec) Decode(data []byte) (Message, error) {
	var env cborEnvelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	raw := []byte(env.Data)
	if len(raw) == 1 && raw[0] == 0xf6 { // CBOR null
		raw = nil
	}
	return decoded(env.Event, raw, c)
}

func (cborCodec) unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func decoded(event string, raw []byte, c Codec) (Message, error) {
	if event == "" {
		return Message{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	msg := Message{Event: event, raw: raw, codec: c}
	if _, ok := events[event]; !ok {
		return msg, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	return msg, nil
}
