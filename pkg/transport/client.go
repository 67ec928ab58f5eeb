package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cmdrelay/cmdrelay/pkg/log"
	"github.com/cmdrelay/cmdrelay/pkg/wire"
)

// Client is one server-side WebSocket connection.
type Client struct {
	id         string
	conn       *websocket.Conn
	codec      wire.Codec
	remoteAddr string
	send       chan []byte
	hub        *Hub
	handler    Handler

	// Safe close handling, prevents send-on-closed-channel panics.
	closeOnce sync.Once
	closed    atomic.Bool
}

// ID returns the connection ID.
func (c *Client) ID() string { return c.id }

// SafeSend queues a frame without panicking on a closed channel.
// Returns false if the client is closed or its buffer is full.
func (c *Client) SafeSend(data []byte) (sent bool) {
	// Close can run between the closed check and the send.
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close closes the send channel exactly once. The write pump then sends
// a close frame and tears the connection down.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

func (c *Client) emit(msg wire.Message) error {
	if c.closed.Load() {
		return ErrHubClosed
	}
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	if !c.SafeSend(frame) {
		if c.closed.Load() {
			return ErrHubClosed
		}
		c.hub.logger.Warn("dropping frame, send buffer full", "connID", c.id, "event", msg.Event)
		return ErrSendBufferFull
	}

	c.hub.logEvent(log.Event{
		ConnectionID: c.id,
		Direction:    log.DirectionOut,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		RemoteAddr:   c.remoteAddr,
		Message: &log.MessageEvent{
			Event:   msg.Event,
			Codec:   c.codec.Subprotocol(),
			Payload: msg.Data,
		},
	})
	c.hub.logEvent(log.Event{
		ConnectionID: c.id,
		Direction:    log.DirectionOut,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		RemoteAddr:   c.remoteAddr,
		Frame:        log.NewFrameEvent(frame, c.codec.Binary()),
	})
	return nil
}

func (c *Client) logControl(dir log.Direction, typ log.ControlMsgType, code *int) {
	c.hub.logEvent(log.Event{
		ConnectionID: c.id,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryControl,
		RemoteAddr:   c.remoteAddr,
		ControlMsg:   &log.ControlMsgEvent{Type: typ, CloseCode: code},
	})
}

func (c *Client) logError(layer log.Layer, msg string, err error) {
	c.hub.logEvent(log.Event{
		ConnectionID: c.id,
		Direction:    log.DirectionIn,
		Layer:        layer,
		Category:     log.CategoryError,
		RemoteAddr:   c.remoteAddr,
		Error: &log.ErrorEventData{
			Layer:   layer,
			Message: msg,
			Context: err.Error(),
		},
	})
}

// readPump reads frames until the connection fails, then runs cleanup.
func (c *Client) readPump() {
	ka := c.hub.keepAlive
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
		c.handler.OnClose(c.id)
	}()

	c.conn.SetReadLimit(ka.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(ka.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.logControl(log.DirectionIn, log.ControlMsgPong, nil)
		return c.conn.SetReadDeadline(time.Now().Add(ka.PongWait))
	})
	c.conn.SetPingHandler(func(appData string) error {
		c.logControl(log.DirectionIn, log.ControlMsgPing, nil)
		_ = c.conn.SetReadDeadline(time.Now().Add(ka.PongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(ka.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	c.conn.SetCloseHandler(func(code int, text string) error {
		c.logControl(log.DirectionIn, log.ControlMsgClose, &code)
		msg := websocket.FormatCloseMessage(code, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ka.WriteWait))
		return nil
	})

	for {
		frameType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("read error", "connID", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ka.PongWait))

		c.hub.logEvent(log.Event{
			ConnectionID: c.id,
			Direction:    log.DirectionIn,
			Layer:        log.LayerTransport,
			Category:     log.CategoryMessage,
			RemoteAddr:   c.remoteAddr,
			Frame:        log.NewFrameEvent(data, frameType == websocket.BinaryMessage),
		})

		msg, err := c.codec.Decode(data)
		if err != nil {
			c.hub.logger.Warn("undecodable frame", "connID", c.id, "size", len(data), "error", err)
			c.logError(log.LayerWire, "undecodable frame", err)
			continue
		}

		c.hub.logEvent(log.Event{
			ConnectionID: c.id,
			Direction:    log.DirectionIn,
			Layer:        log.LayerWire,
			Category:     log.CategoryMessage,
			RemoteAddr:   c.remoteAddr,
			Message: &log.MessageEvent{
				Event: msg.Event,
				Codec: c.codec.Subprotocol(),
			},
		})
		c.handler.OnEvent(c.id, msg)
	}
}

// writePump drains the send queue and pings on PingPeriod.
func (c *Client) writePump() {
	ka := c.hub.keepAlive
	ticker := time.NewTicker(ka.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(ka.WriteWait))
			if !ok {
				code := websocket.CloseGoingAway
				c.logControl(log.DirectionOut, log.ControlMsgClose, &code)
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
				return
			}
			if err := c.conn.WriteMessage(frameType, frame); err != nil {
				c.hub.logger.Debug("write failed", "connID", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(ka.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.logControl(log.DirectionOut, log.ControlMsgPing, nil)
		}
	}
}
