package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/real-rm/golog"

	"github.com/real-rm/supportdesk/internal/constants"
)

var (
	// ErrConnectionClosed is returned by Send after Close or a failed write
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned by Send when the peer is not draining frames
	ErrSendBufferFull = errors.New("send buffer full")
)

var (
	// pongWait is the time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// pingPeriod is the interval for sending ping messages (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// writeWait is the time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

// Connection is one upgraded WebSocket. Frames are queued by Send and
// written by writePump, so callers never block on the network.
type Connection struct {
	conn   *websocket.Conn
	id     string
	remote string

	send chan []byte

	// mu guards closed and the close frame; Send holds it shared so the
	// channel is never closed underneath a send
	mu          sync.RWMutex
	closed      bool
	closeCode   int
	closeReason string

	// dead is set once a write fails
	dead atomic.Bool

	done chan struct{}
}

func newConnection(conn *websocket.Conn, remote string) *Connection {
	return &Connection{
		conn:   conn,
		id:     uuid.NewString(),
		remote: remote,
		send:   make(chan []byte, constants.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// ID returns the connection identifier
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the client IP the connection was accepted from
func (c *Connection) RemoteAddr() string { return c.remote }

// Send queues frame without blocking
func (c *Connection) Send(frame []byte) error {
	if c.dead.Load() {
		return ErrConnectionClosed
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops accepting frames. Frames already queued are flushed, then a
// close frame carrying code and reason is written. Safe to call repeatedly.
func (c *Connection) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
	return nil
}

// Done is closed when the write side has finished
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) closeFrame() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	code := c.closeCode
	if code == 0 {
		code = constants.CloseNormal
	}
	return websocket.FormatCloseMessage(code, c.closeReason)
}

// writePump drains the queue onto the socket and sends heartbeats. It owns
// all writes to the underlying connection.
func (c *Connection) writePump(logger *golog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, c.closeFrame()); err != nil {
					logger.Debug("Close frame not delivered", "conn_id", c.id, "error", err)
				}
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.dead.Store(true)
				logger.Debug("Write failed, dropping connection", "conn_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.dead.Store(true)
				return
			}
		}
	}
}
