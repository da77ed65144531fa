// Package transport wraps a single WebSocket connection with the
// read/write pump split (spec §4.4, §5), grounded on the streamspace
// Hub/Client pattern but scoped to one connection rather than a global
// hub — fan-out lives in note.NoteSession, not here.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hedgedoc/collab-core/internal/collabutil"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// ErrClosed is returned by Send once the connection has been closed.
var ErrClosed = errors.New("transport: connection closed")

// FrameHandler is invoked once per inbound binary message, on the
// connection's own read goroutine. A non-nil return closes the
// connection as a protocol error — the handler never needs a reference
// back to its own *Connection to do so (avoiding a construction-order
// race between New's goroutines and the caller's own variable holding
// the not-yet-returned *Connection).
type FrameHandler func(frame []byte) error

// Connection wraps a *websocket.Conn, exposing a non-blocking bounded
// send queue and a Closed signal; cleanup by the owner is driven by the
// onClose callback passed to New (spec §3's Connection, §5's
// "non-blocking enqueue").
type Connection struct {
	conn *websocket.Conn
	log  *zap.Logger

	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps conn, starting its read and write pumps. onFrame is invoked
// for every inbound binary message; onClose is invoked exactly once,
// from whichever pump first exits (read error, write error, or explicit
// Close); the other pump may still be running when it is called.
func New(conn *websocket.Conn, log *zap.Logger, sendBufferSize int, onFrame FrameHandler, onClose func(reason string)) *Connection {
	c := &Connection{
		conn:   conn,
		log:    log,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}

	var closeOnceForCallback sync.Once
	fireClose := func(reason string) {
		closeOnceForCallback.Do(func() {
			if onClose != nil {
				onClose(reason)
			}
		})
	}

	collabutil.SafeGo(log, func() { c.writePump(fireClose) })
	collabutil.SafeGo(log, func() { c.readPump(onFrame, fireClose) })

	return c
}

// Send enqueues payload for delivery without blocking. Returns
// ErrClosed if the connection has already been closed; if the send
// buffer is full, the connection is considered too slow to keep up and
// is closed (spec §5's "implementation-defined buffer" policy,
// grounded on the streamspace hub's drop-slow-clients default).
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return ErrClosed
	default:
		c.Close("send buffer overflow")
		return ErrClosed
	}
}

// Close closes the underlying transport and signals Closed(). Safe to
// call multiple times and from multiple goroutines.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// Closed returns a channel that is closed once Close has run, for a
// caller that needs to await the end of the connection.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

func (c *Connection) readPump(onFrame FrameHandler, fireClose func(reason string)) {
	defer fireClose("read pump exit")

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Debug("unexpected websocket close", zap.Error(err))
			}
			c.Close("read error")
			return
		}
		if msgType != websocket.BinaryMessage {
			// Protocol requires binary subtype (spec §6); a text frame is
			// a fatal protocol error for this connection only.
			c.log.Info("rejecting non-binary frame", zap.Int("messageType", msgType))
			c.Close("non-binary frame")
			return
		}
		if err := onFrame(data); err != nil {
			c.log.Info("closing connection on frame handler error", zap.Error(err))
			c.Close("protocol error")
			return
		}
	}
}

func (c *Connection) writePump(fireClose func(reason string)) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		fireClose("write pump exit")
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
