package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cmdrelay/cmdrelay/pkg/log"
	"github.com/cmdrelay/cmdrelay/pkg/relay"
	"github.com/cmdrelay/cmdrelay/pkg/wire"
)

// Errors returned by emit operations.
var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrSendBufferFull    = errors.New("send buffer full")
	ErrHubClosed         = errors.New("hub closed")
)

// Handler receives connection lifecycle and inbound events.
// Calls for one connection are made in order from its read pump.
type Handler interface {
	OnOpen(connID, remoteAddr string)
	OnEvent(connID string, msg wire.Message)
	OnClose(connID string)
}

// HubConfig configures a Hub.
type HubConfig struct {
	KeepAlive KeepAlive

	// CheckOrigin overrides the upgrader origin check. Devices are not
	// browsers, so nil accepts every origin.
	CheckOrigin func(r *http.Request) bool

	// Logger for operational logging (nil = discard).
	Logger *slog.Logger

	// ProtocolLogger receives frame, message and control events (nil = none).
	ProtocolLogger log.Logger
}

// Hub tracks WebSocket connections and their rooms.
type Hub struct {
	keepAlive KeepAlive
	logger    *slog.Logger
	plog      log.Logger
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	handler Handler
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	closed  bool
}

var _ relay.Transport = (*Hub)(nil)

// NewHub creates a hub. SetHandler must be called before serving.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Hub{
		keepAlive: cfg.KeepAlive.withDefaults(),
		logger:    logger,
		plog:      log.OrNoop(cfg.ProtocolLogger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    wire.Subprotocols,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

// SetHandler sets the receiver of connection events.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// ServeHTTP upgrades the request and starts the connection pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler, closed := h.handler, h.closed
	h.mu.RUnlock()
	if handler == nil || closed {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &Client{
		id:         uuid.NewString(),
		conn:       ws,
		codec:      wire.CodecFor(ws.Subprotocol()),
		remoteAddr: r.RemoteAddr,
		send:       make(chan []byte, h.keepAlive.SendBuffer),
		hub:        h,
		handler:    handler,
	}

	if !h.add(c) {
		_ = ws.Close()
		return
	}
	h.logger.Info("connection opened",
		"connID", c.id, "remote", c.remoteAddr, "codec", c.codec.Subprotocol())

	handler.OnOpen(c.id, c.remoteAddr)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

// remove drops c from the hub and every room it was in.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	for room, members := range h.rooms {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	c.Close()
	h.logger.Info("connection closed", "connID", c.id, "remote", c.remoteAddr)
}

// JoinRoom adds a connection to a room.
func (h *Hub) JoinRoom(connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[connID] = c
	return nil
}

// LeaveRoom removes a connection from a room. Leaving a room the
// connection is not in is a no-op.
func (h *Hub) LeaveRoom(connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	return nil
}

// EmitToRoom sends an event to every connection in room. Every connection
// is also implicitly a member of the room named by its own ID.
func (h *Hub) EmitToRoom(room, event string, data any) error {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room])+1)
	for _, c := range h.rooms[room] {
		targets = append(targets, c)
	}
	if c, ok := h.clients[room]; ok && h.rooms[room][room] == nil {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	msg := wire.NewMessage(event, data)
	var errs []error
	delivered := 0
	for _, c := range targets {
		if err := c.emit(msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.id, err))
			continue
		}
		delivered++
	}
	if len(errs) > 0 && delivered > 0 {
		return &relay.PartialEmitError{Delivered: delivered, Err: errors.Join(errs...)}
	}
	return errors.Join(errs...)
}

// EmitToConnection sends an event to one connection.
func (h *Hub) EmitToConnection(connID, event string, data any) error {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return c.emit(wire.NewMessage(event, data))
}

// Members returns the sorted connection IDs in room.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.rooms[room]) == 0 {
		return nil
	}
	out := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops accepting connections and closes every open one. Each
// closed connection is still reported through Handler.OnClose.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	h.logger.Info("hub closed", "connections", len(clients))
}

func (h *Hub) logEvent(e log.Event) {
	e.Timestamp = time.Now()
	e.LocalRole = log.RoleRelay
	h.plog.Log(e)
}
