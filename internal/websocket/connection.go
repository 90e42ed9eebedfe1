// Package websocket is the transport layer: it upgrades HTTP requests,
// wraps gorilla connections behind session.Conn, and runs the per-
// connection read loop feeding the dispatcher.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection wraps a gorilla websocket connection. All writes are
// serialized through a single writer goroutine; gorilla connections do
// not tolerate concurrent writers.
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection wraps conn and starts its writer goroutine. sendBuffer
// is the outbound queue depth; a full queue makes Send fail rather than
// block the broadcaster behind a slow peer.
func NewConnection(conn *websocket.Conn, sendBuffer int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, sendBuffer),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.cancel()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send enqueues a frame without blocking. A closed connection or a full
// queue returns an error; the caller treats either as a failed delivery
// to this one peer.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// Ping writes a websocket ping control frame. Control frames bypass the
// write queue; gorilla allows WriteControl concurrently with one writer.
func (c *Connection) Ping(deadline time.Time) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close stops the writer and closes the underlying connection. Safe to
// call from any goroutine, any number of times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}
