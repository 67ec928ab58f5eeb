// Package connection keeps a device-side link to a relay alive.
//
// A Supervisor runs one session at a time and redials after it ends.
// Failed attempts back off exponentially with jitter:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
//
// Base delays double from 500 ms up to 30 s and return to 500 ms once a
// session reports that its link is established.
package connection
