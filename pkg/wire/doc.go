// Package wire defines the event envelope exchanged with devices over the
// realtime channel.
//
// Every frame carries one envelope:
//
//	{ "event": "<name>", "data": <payload> }
//
// Two encodings are supported and negotiated through the WebSocket
// subprotocol:
//   - cmdrelay.json: JSON in text frames (default)
//   - cmdrelay.cbor: CBOR (RFC 8949) with integer keys in binary frames
//
// # CBOR Integer Keys
//
// In CBOR frames the envelope uses key 1 for the event name and key 2 for
// the payload. Payload structs carry their own integer keys.
//
// # Events
//
// Inbound (device to relay): register-device, command-ack, ping.
// Outbound (relay to device): registered, command, new-command, pong,
// heartbeat, error. new-command is a legacy alias of command with an
// identical payload.
package wire
