// Package relay implements the device-session and command-dispatch core.
//
// An Engine owns every live connection. Transport callbacks (OnOpen,
// OnEvent, OnClose) are posted onto a single control Loop, which is the only
// goroutine that touches the session registry, connection state and
// heartbeat timers. Store queries and acknowledgment writes run off the loop
// and post their results back.
//
// # Connection Lifecycle
//
//	connecting -> identified -> registered -> disconnected
//	                            registered -> registered (re-registration)
//
// Every transition goes through one handler that logs it; the close path
// performs all cleanup in one place.
//
// # Dispatch
//
// When a device registers, its newest pending commands (up to
// Config.PendingLimit) are delivered to the device's room, the first
// immediately and the rest Config.Pacing apart. Each delivery re-checks the
// room when it fires. Config.VerifyDelay after the pass starts the room is
// checked again and an empty room is reported as a delivery risk. Commands
// stay pending until the device acknowledges them; the next registration is
// the only retry.
package relay
