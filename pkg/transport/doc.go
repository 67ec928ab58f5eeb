// Package transport carries relay events over WebSocket.
//
// The server side is a Hub: it upgrades HTTP requests on the socket path,
// negotiates the wire codec from the WebSocket subprotocol, tracks rooms
// and implements the relay's Transport capability. Every connection runs
// a read pump and a write pump; the read pump owns disconnect detection
// through the pong deadline.
//
// The device side is Dial, which returns a Conn used by the device
// simulator and by end-to-end tests.
//
// # Keep-alive
//
// The hub pings every PingPeriod. A connection that sends no frame and no
// pong within PongWait is closed and reported to the Handler through
// OnClose, which is the only place a device leaves its room.
package transport
