package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cmdrelay/cmdrelay/pkg/log"
	"github.com/cmdrelay/cmdrelay/pkg/wire"
)

// DialConfig configures a device-side connection.
type DialConfig struct {
	// Codec requests a subprotocol. Nil requests JSON.
	Codec wire.Codec

	Header           http.Header
	HandshakeTimeout time.Duration

	// WriteWait bounds each write (0 = DefaultWriteWait).
	WriteWait time.Duration

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Conn is a device-side relay connection. Send and Ping may be called
// concurrently with Receive; Receive must be called from one goroutine.
type Conn struct {
	ws         *websocket.Conn
	codec      wire.Codec
	writeWait  time.Duration
	remoteAddr string
	logger     *slog.Logger
	plog       log.Logger

	writeMu sync.Mutex
}

// Dial connects to a relay socket URL (ws:// or wss://).
func Dial(ctx context.Context, url string, cfg DialConfig) (*Conn, error) {
	codec := cfg.Codec
	if codec == nil {
		codec = wire.JSON
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	writeWait := cfg.WriteWait
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Subprotocols:     []string{codec.Subprotocol()},
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	ws, resp, err := dialer.DialContext(ctx, url, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Conn{
		ws:         ws,
		codec:      wire.CodecFor(ws.Subprotocol()),
		writeWait:  writeWait,
		remoteAddr: ws.RemoteAddr().String(),
		logger:     logger,
		plog:       log.OrNoop(cfg.ProtocolLogger),
	}
	ws.SetPingHandler(func(appData string) error {
		c.logControl(log.DirectionIn, log.ControlMsgPing)
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	logger.Debug("connected", "url", url, "codec", c.codec.Subprotocol())
	return c, nil
}

// Codec returns the negotiated codec.
func (c *Conn) Codec() wire.Codec { return c.codec }

// Send encodes and writes one event.
func (c *Conn) Send(event string, data any) error {
	msg := wire.NewMessage(event, data)
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	err = c.ws.WriteMessage(frameType, frame)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}

	c.log(log.Event{
		Direction: log.DirectionOut,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		Message:   &log.MessageEvent{Event: event, Codec: c.codec.Subprotocol(), Payload: data},
	})
	return nil
}

// Receive blocks for the next event. Undecodable frames are returned as
// errors wrapping wire.ErrMalformed or wire.ErrUnknownEvent; the
// connection stays usable after them.
func (c *Conn) Receive() (wire.Message, error) {
	frameType, data, err := c.ws.ReadMessage()
	if err != nil {
		return wire.Message{}, err
	}
	c.log(log.Event{
		Direction: log.DirectionIn,
		Layer:     log.LayerTransport,
		Category:  log.CategoryMessage,
		Frame:     log.NewFrameEvent(data, frameType == websocket.BinaryMessage),
	})

	msg, err := c.codec.Decode(data)
	if err != nil {
		return msg, err
	}
	c.log(log.Event{
		Direction: log.DirectionIn,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		Message:   &log.MessageEvent{Event: msg.Event, Codec: c.codec.Subprotocol()},
	})
	return msg, nil
}

// SetReadDeadline bounds the next Receive.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Close sends a normal close frame and closes the connection.
func (c *Conn) Close() error {
	code := websocket.CloseNormalClosure
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(c.writeWait))
	c.writeMu.Unlock()
	c.logControl(log.DirectionOut, log.ControlMsgClose)
	return c.ws.Close()
}

func (c *Conn) logControl(dir log.Direction, typ log.ControlMsgType) {
	c.log(log.Event{
		Direction:  dir,
		Layer:      log.LayerTransport,
		Category:   log.CategoryControl,
		ControlMsg: &log.ControlMsgEvent{Type: typ},
	})
}

func (c *Conn) log(e log.Event) {
	e.Timestamp = time.Now()
	e.LocalRole = log.RoleDevice
	e.RemoteAddr = c.remoteAddr
	c.plog.Log(e)
}
