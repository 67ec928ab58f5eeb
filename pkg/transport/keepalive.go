package transport

import (
	"fmt"
	"time"
)

// Default keep-alive and sizing values.
const (
	// DefaultWriteWait bounds a single frame write.
	DefaultWriteWait = 10 * time.Second

	// DefaultPongWait is how long a connection may stay silent.
	DefaultPongWait = 60 * time.Second

	// DefaultPingPeriod must be less than DefaultPongWait.
	DefaultPingPeriod = 27 * time.Second

	// DefaultMaxMessageSize is the largest inbound frame accepted.
	DefaultMaxMessageSize = 512 * 1024

	// DefaultSendBuffer is the per-connection outbound queue length.
	DefaultSendBuffer = 256
)

// KeepAlive holds the per-connection timing and sizing limits.
type KeepAlive struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultKeepAlive returns the default limits.
func DefaultKeepAlive() KeepAlive {
	return KeepAlive{
		WriteWait:      DefaultWriteWait,
		PongWait:       DefaultPongWait,
		PingPeriod:     DefaultPingPeriod,
		MaxMessageSize: DefaultMaxMessageSize,
		SendBuffer:     DefaultSendBuffer,
	}
}

// withDefaults fills zero fields.
func (k KeepAlive) withDefaults() KeepAlive {
	d := DefaultKeepAlive()
	if k.WriteWait <= 0 {
		k.WriteWait = d.WriteWait
	}
	if k.PongWait <= 0 {
		k.PongWait = d.PongWait
	}
	if k.PingPeriod <= 0 {
		k.PingPeriod = d.PingPeriod
	}
	if k.MaxMessageSize <= 0 {
		k.MaxMessageSize = d.MaxMessageSize
	}
	if k.SendBuffer <= 0 {
		k.SendBuffer = d.SendBuffer
	}
	return k
}

// Validate checks that pings go out before the pong deadline passes.
func (k KeepAlive) Validate() error {
	k = k.withDefaults()
	if k.PingPeriod >= k.PongWait {
		return fmt.Errorf("ping period %v must be less than pong wait %v", k.PingPeriod, k.PongWait)
	}
	return nil
}
