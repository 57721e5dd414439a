package router

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WriteTimeout bounds each WebSocket write.
const WriteTimeout = 10 * time.Second

// WSConn adapts a gorilla connection to the Conn interface, serializing
// writes and applying a deadline per frame.
type WSConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSConn wraps an upgraded gorilla connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// WriteJSON writes one JSON frame under the write lock.
func (c *WSConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.conn.WriteJSON(v)
}

// Ping sends a control ping to keep the connection alive.
func (c *WSConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout))
}

// Close closes the underlying connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}
