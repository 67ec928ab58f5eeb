// Command cmdrelayd is the command relay daemon.
//
// Devices connect over WebSocket, register with their device ID and
// receive their pending commands one by one. Acknowledgments update the
// command store.
//
// Usage:
//
//	cmdrelayd [flags]
//
// Flags:
//
//	-config string           YAML configuration file
//	-listen string           Listen address (default ":8080")
//	-path string             Socket path (default "/socket")
//	-store string            Store driver: sqlite, memory (default "sqlite")
//	-db string               SQLite database file (default "cmdrelay.db")
//	-log-level string        Log level: debug, info, warn, error (default "info")
//	-log-format string       Log format: text, json (default "text")
//	-protocol-log string     Write protocol events to this .rlog file
//	-conflict-policy string  Ack conflicts: last-write-wins, first-write-wins
//	-discovery               Announce the relay with mDNS
//	-interactive             Enable the operator console
//
// Command-line flags override values from the configuration file.
//
// Examples:
//
//	# Start with an in-memory store and the operator console
//	cmdrelayd -store memory -interactive
//
//	# Start from a config file and capture protocol traffic
//	cmdrelayd -config /etc/cmdrelay.yaml -protocol-log relay.rlog
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cmdrelay/cmdrelay/cmd/cmdrelayd/interactive"
	"github.com/cmdrelay/cmdrelay/internal/config"
	"github.com/cmdrelay/cmdrelay/internal/logging"
	"github.com/cmdrelay/cmdrelay/pkg/command"
	"github.com/cmdrelay/cmdrelay/pkg/discovery"
	"github.com/cmdrelay/cmdrelay/pkg/log"
	"github.com/cmdrelay/cmdrelay/pkg/relay"
	"github.com/cmdrelay/cmdrelay/pkg/transport"
	"github.com/cmdrelay/cmdrelay/pkg/wire"
)

var (
	configFile      = flag.String("config", "", "YAML configuration file")
	interactiveMode = flag.Bool("interactive", false, "Enable the operator console")

	listen         = flag.String("listen", "", "Listen address (default \":8080\")")
	socketPath     = flag.String("path", "", "Socket path (default \"/socket\")")
	storeDriver    = flag.String("store", "", "Store driver: sqlite, memory")
	dbPath         = flag.String("db", "", "SQLite database file")
	logLevel       = flag.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat      = flag.String("log-format", "", "Log format: text, json")
	protocolLog    = flag.String("protocol-log", "", "Write protocol events to this .rlog file")
	conflictPolicy = flag.String("conflict-policy", "", "Ack conflicts: last-write-wins, first-write-wins")
	announce       = flag.Bool("discovery", false, "Announce the relay with mDNS")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cmdrelayd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Read(*configFile)
	if err != nil {
		return cfg, err
	}

	// Only flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "path":
			cfg.Path = *socketPath
		case "store":
			cfg.Store.Driver = *storeDriver
		case "db":
			cfg.Store.Path = *dbPath
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		case "protocol-log":
			cfg.ProtocolLog = *protocolLog
		case "conflict-policy":
			cfg.Acks.ConflictPolicy = *conflictPolicy
		case "discovery":
			cfg.Discovery.Enabled = *announce
		}
	})
	return cfg, cfg.Validate()
}

func openStore(cfg config.StoreConfig) (command.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return command.NewMemoryStore(), nil
	default:
		return command.NewSQLiteStore(cfg.Path)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logOut := &switchWriter{w: os.Stderr}
	logger, logCloser, err := logging.New(cfg.Log, logOut)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	store, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var plogs []log.Logger
	if cfg.ProtocolLog != "" {
		fl := log.NewWriterLogger(logging.Rotator(cfg.ProtocolLog, cfg.Log))
		defer func() {
			if n := fl.Errors(); n > 0 {
				logger.Warn("protocol log write errors", "count", n)
			}
			_ = fl.Close()
		}()
		plogs = append(plogs, fl)
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		plogs = append(plogs, log.NewSlogAdapter(logger))
	}
	plog := log.NewMultiLogger(plogs...)

	hub := transport.NewHub(transport.HubConfig{
		KeepAlive:      cfg.KeepAlive(),
		Logger:         logger.With("component", "transport"),
		ProtocolLogger: plog,
	})
	// Dispatch timing stays at the relay defaults.
	engine, err := relay.NewEngine(relay.Config{
		Store:          store,
		Transport:      hub,
		ConflictPolicy: cfg.ConflictPolicy(),
		Logger:         logger.With("component", "relay"),
		ProtocolLogger: plog,
	})
	if err != nil {
		return err
	}
	hub.SetHandler(engine)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineDone := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(engineDone)
	}()

	srv := &http.Server{
		Handler:           transport.NewRouter(hub, cfg.Path),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	logger.Info("relay listening", "addr", ln.Addr().String(), "path", cfg.Path,
		"store", cfg.Store.Driver)

	if cfg.Discovery.Enabled {
		adv := discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{Interface: cfg.Discovery.Interface})
		if err := adv.Advertise(ctx, &discovery.ServiceInfo{
			Instance: cfg.Discovery.Instance,
			Port:     listenPort(ln.Addr()),
			Path:     cfg.Path,
			Codecs:   wire.Subprotocols,
		}); err != nil {
			logger.Warn("mDNS announcement failed", "error", err)
		} else {
			logger.Info("announcing relay", "instance", cfg.Discovery.Instance, "service", discovery.ServiceType)
			defer adv.Stop()
		}
	}

	if *interactiveMode {
		console, err := interactive.New(store, engine)
		if err != nil {
			return err
		}
		logOut.Set(console.Stdout())
		go console.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("serve: %w", err)
	}

	logger.Info("shutting down")
	hub.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("http shutdown", "error", err)
	}

	// Let the engine process the close events of the hub's connections.
	if err := engine.Flush(shutdownCtx); err != nil {
		logger.Debug("engine flush", "error", err)
	}
	cancel()
	<-engineDone
	logOut.Set(os.Stderr)

	return runErr
}

func listenPort(addr net.Addr) uint16 {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return uint16(port)
}

// switchWriter lets the console take over log output once it starts.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *switchWriter) Set(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = w
}
