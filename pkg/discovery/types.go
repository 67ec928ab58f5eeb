package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Service constants for mDNS.
const (
	// ServiceType is the DNS-SD service type of a relay.
	ServiceType = "_cmdrelay._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the default relay port.
	DefaultPort = 8080

	// ProtocolVersion is advertised in the v TXT key.
	ProtocolVersion = 1

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// BrowseTimeout is the default timeout for FindRelay.
	BrowseTimeout = 10 * time.Second
)

// TXT record keys.
const (
	TXTKeyPath    = "path"
	TXTKeyCodecs  = "codecs"
	TXTKeyVersion = "v"
)

var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrNotFound            = errors.New("service not found")
)

// ServiceInfo describes the relay being advertised.
type ServiceInfo struct {
	// Instance is the DNS-SD instance name, e.g. "cmdrelay-gw1".
	Instance string
	Port     uint16
	Path     string
	Codecs   []string
	Version  int
}

// RelayService is a relay found while browsing.
type RelayService struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string
	Path         string
	Codecs       []string
	Version      int
}

// URL returns the socket URL of the first known address.
func (s *RelayService) URL() (string, error) {
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	if host == "" {
		return "", fmt.Errorf("%w: %s has no address", ErrNotFound, s.InstanceName)
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(int(s.Port))) + s.Path, nil
}

// Advertiser announces a relay on the local network.
type Advertiser interface {
	Advertise(ctx context.Context, info *ServiceInfo) error
	Stop() error
}

// Browser finds relays on the local network.
type Browser interface {
	Browse(ctx context.Context) (<-chan *RelayService, error)
}

// AdvertiserConfig configures the mDNS advertiser.
type AdvertiserConfig struct {
	// Interface limits advertising to one network interface (empty = all).
	Interface string

	// TTL for the records (0 = library default).
	TTL time.Duration
}

// BrowserConfig configures the mDNS browser.
type BrowserConfig struct {
	Interface string
}
