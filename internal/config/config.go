// Package config loads the relay daemon configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cmdrelay/cmdrelay/pkg/command"
	"github.com/cmdrelay/cmdrelay/pkg/discovery"
	"github.com/cmdrelay/cmdrelay/pkg/transport"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config is the complete relay daemon configuration.
type Config struct {
	Listen      string          `yaml:"listen"`
	Path        string          `yaml:"path"`
	Store       StoreConfig     `yaml:"store"`
	Log         LogConfig       `yaml:"log"`
	ProtocolLog string          `yaml:"protocolLog"`
	Acks        AcksConfig      `yaml:"acks"`
	Discovery   DiscoveryConfig `yaml:"discovery"`
	Transport   TransportConfig `yaml:"transport"`
}

// StoreConfig selects the command store.
type StoreConfig struct {
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// LogConfig configures operational logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File enables rotated file output instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// AcksConfig configures acknowledgment handling.
type AcksConfig struct {
	// ConflictPolicy is "last-write-wins" or "first-write-wins".
	ConflictPolicy string `yaml:"conflictPolicy"`
}

// DiscoveryConfig configures mDNS announcement.
type DiscoveryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Instance  string `yaml:"instance"`
	Interface string `yaml:"interface"`
}

// TransportConfig configures the WebSocket hub.
type TransportConfig struct {
	MaxMessageSize int64         `yaml:"maxMessageSize"`
	SendBuffer     int           `yaml:"sendBuffer"`
	PingPeriod     time.Duration `yaml:"pingPeriod"`
	PongWait       time.Duration `yaml:"pongWait"`
}

// Default returns the built-in configuration.
func Default() Config {
	ka := transport.DefaultKeepAlive()
	return Config{
		Listen: ":8080",
		Path:   transport.DefaultPath,
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "cmdrelay.db",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Acks: AcksConfig{
			ConflictPolicy: command.LastWriteWins.String(),
		},
		Discovery: DiscoveryConfig{
			Instance: "cmdrelay",
		},
		Transport: TransportConfig{
			MaxMessageSize: ka.MaxMessageSize,
			SendBuffer:     ka.SendBuffer,
			PingPeriod:     ka.PingPeriod,
			PongWait:       ka.PongWait,
		},
	}
}

// Load reads a YAML file over Default and validates the result. An
// empty path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Read is Load without validation, for callers that apply overrides
// before validating.
func Read(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := Decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode merges YAML from r into cfg. Unknown keys are errors.
func Decode(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Listen == "" {
		fail("listen address is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		fail("path %q must start with /", c.Path)
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			fail("store.path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		fail("unknown store.driver %q", c.Store.Driver)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		fail("unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		fail("unknown log.format %q", c.Log.Format)
	}

	if _, err := command.ParseConflictPolicy(c.Acks.ConflictPolicy); err != nil {
		fail("acks.conflictPolicy: %v", err)
	}

	if c.Discovery.Enabled {
		if err := discovery.ValidateInstanceName(c.Discovery.Instance); err != nil {
			fail("discovery.instance: %v", err)
		}
	}

	if err := c.KeepAlive().Validate(); err != nil {
		fail("transport: %v", err)
	}

	return errors.Join(errs...)
}

// KeepAlive returns the transport limits.
func (c Config) KeepAlive() transport.KeepAlive {
	return transport.KeepAlive{
		PongWait:       c.Transport.PongWait,
		PingPeriod:     c.Transport.PingPeriod,
		MaxMessageSize: c.Transport.MaxMessageSize,
		SendBuffer:     c.Transport.SendBuffer,
	}
}

// ConflictPolicy returns the parsed acknowledgment conflict policy.
func (c Config) ConflictPolicy() command.ConflictPolicy {
	p, _ := command.ParseConflictPolicy(c.Acks.ConflictPolicy)
	return p
}
