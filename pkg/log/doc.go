// Package log captures protocol events of the command relay.
//
// This is separate from operational logging (slog). Protocol capture is a
// machine-readable trace of what crossed the realtime channel and what the
// relay did about it: frames, decoded envelopes, connection and room state
// changes, command deliveries and acknowledgments.
//
// # Basic Usage
//
//	// Development: print events through slog at debug level
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Production: append CBOR records to a file
//	fl, _ := log.NewFileLogger("/var/log/cmdrelay/relay.rlog")
//	cfg.ProtocolLogger = fl
//
//	// Both
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # Layers
//
//   - Transport: raw WebSocket frames (FrameEvent) and control frames
//   - Wire: decoded envelopes (MessageEvent)
//   - Relay: state changes, deliveries (DeliveryEvent) and acks (AckEvent)
//
// # File Format
//
// Files are a stream of CBOR-encoded Event records with the .rlog
// extension. The cmdrelay-log tool views and filters them.
package log
