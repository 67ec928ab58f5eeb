// Command cmdrelay-device simulates a device connected to a command relay.
//
// It registers with a raw device ID, acknowledges every command it
// receives and reconnects with backoff when the link drops.
//
// Usage:
//
//	cmdrelay-device [flags]
//
// Flags:
//
//	-url string           Relay socket URL (default: browse with mDNS)
//	-device string        Raw device ID to register (default "sim-001")
//	-codec string         Wire codec: json, cbor (default "json")
//	-fail                 Report every command as failed
//	-result-code string   Result code sent with successful acks (default "OK")
//	-ack-delay duration   Delay before acknowledging a command (default 200ms)
//	-ping duration        Application ping interval, 0 disables (default 20s)
//	-protocol-log string  Write protocol events to this .rlog file
//	-log-level string     Log level: debug, info, warn, error (default "info")
//
// Examples:
//
//	# Register as " Device-001 " against a local relay
//	cmdrelay-device -url ws://localhost:8080/socket -device " Device-001 "
//
//	# Find the relay with mDNS and speak CBOR
//	cmdrelay-device -codec cbor
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cmdrelay/cmdrelay/internal/config"
	"github.com/cmdrelay/cmdrelay/internal/logging"
	"github.com/cmdrelay/cmdrelay/pkg/connection"
	"github.com/cmdrelay/cmdrelay/pkg/discovery"
	"github.com/cmdrelay/cmdrelay/pkg/log"
	"github.com/cmdrelay/cmdrelay/pkg/wire"
)

var (
	relayURL    = flag.String("url", "", "Relay socket URL (default: browse with mDNS)")
	deviceID    = flag.String("device", "sim-001", "Raw device ID to register")
	codecName   = flag.String("codec", "json", "Wire codec: json, cbor")
	fail        = flag.Bool("fail", false, "Report every command as failed")
	resultCode  = flag.String("result-code", "OK", "Result code sent with successful acks")
	ackDelay    = flag.Duration("ack-delay", 200*time.Millisecond, "Delay before acknowledging a command")
	pingEvery   = flag.Duration("ping", 20*time.Second, "Application ping interval, 0 disables")
	protocolLog = flag.String("protocol-log", "", "Write protocol events to this .rlog file")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	iface       = flag.String("interface", "", "Network interface for mDNS browsing")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cmdrelay-device: %v\n", err)
		os.Exit(1)
	}
}

func parseCodec(name string) (wire.Codec, error) {
	switch name {
	case "json", wire.SubprotocolJSON:
		return wire.JSON, nil
	case "cbor", wire.SubprotocolCBOR:
		return wire.CBOR, nil
	}
	return nil, fmt.Errorf("unknown codec %q (use: json, cbor)", name)
}

func run() error {
	codec, err := parseCodec(*codecName)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(config.LogConfig{Level: *logLevel, Format: "text"}, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	var plog log.Logger = log.NoopLogger{}
	if *protocolLog != "" {
		fl, err := log.NewFileLogger(*protocolLog)
		if err != nil {
			return err
		}
		defer fl.Close()
		plog = fl
	}

	sim := &Simulator{
		RawDeviceID: *deviceID,
		Codec:       codec,
		Fail:        *fail,
		ResultCode:  *resultCode,
		AckDelay:    *ackDelay,
		PingEvery:   *pingEvery,
		Logger:      logger,
		Protocol:    plog,
		Resolve:     staticURL(*relayURL),
	}
	if *relayURL == "" {
		sim.Resolve = browseURL(discovery.NewMDNSBrowser(discovery.BrowserConfig{Interface: *iface}))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sup := connection.NewSupervisor(connection.SupervisorConfig{
		Logger: logger,
		OnStateChange: func(old, next connection.State) {
			logger.Debug("link state", "from", old.String(), "to", next.String())
		},
	})
	logger.Info("device simulator starting", "device", *deviceID, "codec", codec.Subprotocol())
	_ = sup.Run(ctx, sim.Session)

	acked, failed := sim.Stats()
	logger.Info("device simulator stopped", "acked", acked, "failed", failed)
	return nil
}

func staticURL(url string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return url, nil }
}

func browseURL(b discovery.Browser) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, discovery.BrowseTimeout)
		defer cancel()
		svc, err := discovery.FindRelay(ctx, b)
		if err != nil {
			return "", err
		}
		return svc.URL()
	}
}
