// Package client provides a programmatic client for the chat gateway. It is
// used by the load generator and by integration tooling; it is not a user
// interface.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsechat/pulse/pkg/protocol"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client: connection closed")

	// ErrTimeout is returned when a wait elapses before a frame arrives.
	ErrTimeout = errors.New("client: timed out waiting for frame")
)

// ServerError is an error frame sent by the gateway.
type ServerError struct {
	Code    int
	Message string
	Event   string
}

func (e *ServerError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("server error %d on %s: %s", e.Code, e.Event, e.Message)
	}
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Client is a single authenticated gateway connection. One reader goroutine
// pumps incoming frames into a buffered queue, so wait timeouts are enforced
// on the queue rather than with socket deadlines and a slow wait never
// poisons the connection. Callers that go long stretches without waiting
// should Drain periodically, or the queue fills and the server sees a slow
// consumer.
type Client struct {
	conn   *websocket.Conn
	frames chan *protocol.Envelope
	done   chan struct{}

	sendMu sync.Mutex

	mu      sync.Mutex
	readErr error
	closed  bool

	closeOnce sync.Once
}

// Dial connects to the gateway endpoint, an http(s) or ws(s) URL such as
// ws://localhost:8080/ws, authenticating with the given token.
func Dial(endpoint, token string) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("dial %s: authentication rejected", u.Host)
			}
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		conn:   conn,
		frames: make(chan *protocol.Envelope, 256),
		done:   make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

func (c *Client) pump() {
	defer close(c.frames)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			c.fail(err)
			return
		}
		select {
		case c.frames <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.mu.Unlock()
}

func (c *Client) readError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClosed
}

// Close sends a close frame and tears the connection down. Safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// Send encodes and writes one event frame.
func (c *Client) Send(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive returns the next frame, waiting up to the timeout. A timeout leaves
// the connection usable.
func (c *Client) Receive(timeout time.Duration) (*protocol.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env, ok := <-c.frames:
		if !ok {
			return nil, c.readError()
		}
		return env, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// WaitFor returns the next frame with the given event name that satisfies
// match, discarding everything else it reads along the way. A nil match
// accepts any frame with that name. An error frame arriving first is
// returned as a *ServerError.
func (c *Client) WaitFor(event string, timeout time.Duration, match func(*protocol.Envelope) bool) (*protocol.Envelope, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case env, ok := <-c.frames:
			if !ok {
				return nil, c.readError()
			}
			if env.Event == event && (match == nil || match(env)) {
				return env, nil
			}
			if env.Event == protocol.EventError {
				serr := &ServerError{}
				var p protocol.ErrorPayload
				if err := json.Unmarshal(env.Data, &p); err == nil {
					serr.Code = p.Code
					serr.Message = p.Message
					serr.Event = p.Event
				}
				return nil, serr
			}
		case <-deadline.C:
			return nil, ErrTimeout
		}
	}
}

// Drain consumes and discards frames for the given window and reports how
// many it read. Use it during think time to keep the queue from backing up.
func (c *Client) Drain(window time.Duration) int {
	deadline := time.NewTimer(window)
	defer deadline.Stop()

	n := 0
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return n
			}
			n++
		case <-deadline.C:
			return n
		}
	}
}
