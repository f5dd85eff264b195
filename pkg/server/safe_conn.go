package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SafeConn wraps a websocket connection with automatic write synchronization.
//
// Under load, multiple goroutines (the event handlers and broadcast workers)
// may try to write to the same connection simultaneously. gorilla/websocket
// forbids concurrent writers, so unsynchronized writes corrupt the frame
// stream and kill the connection.
//
// SafeConn solves this by encapsulating both the connection and its write
// mutex, making it impossible to write without proper synchronization.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a websocket.Conn with write synchronization
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{
		conn: conn,
	}
}

// WriteFrame sends one encoded event as a text message with automatic write
// synchronization. This is the ONLY way to write events to the connection -
// the raw conn is private.
func (sc *SafeConn) WriteFrame(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// WritePing sends a ping control frame. Control frames have their own
// synchronization inside gorilla/websocket, so no mutex is needed here.
func (sc *SafeConn) WritePing(deadline time.Time) error {
	return sc.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// ReadFrame reads the next message from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() ([]byte, error) {
	_, data, err := sc.conn.ReadMessage()
	return data, err
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address as a string
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}

// SetReadLimit caps the size of inbound messages
func (sc *SafeConn) SetReadLimit(limit int64) {
	sc.conn.SetReadLimit(limit)
}

// SetReadDeadline sets the deadline for future reads
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// SetPongHandler installs the handler invoked for inbound pong frames
func (sc *SafeConn) SetPongHandler(h func(string) error) {
	sc.conn.SetPongHandler(h)
}
