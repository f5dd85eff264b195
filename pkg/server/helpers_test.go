package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pulsechat/pulse/pkg/database"
	"github.com/pulsechat/pulse/pkg/protocol"
	"github.com/pulsechat/pulse/pkg/relay"
)

// loopbackChannel is an in-process relay transport. Publishes deliver
// synchronously to every open subscription, so a single server instance
// receives its own signals the way it would through a real broker.
type loopbackChannel struct {
	mu   sync.Mutex
	subs []*loopbackSub
}

func (l *loopbackChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	l.mu.Lock()
	subs := make([]*loopbackSub, len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, sub := range subs {
		if !sub.closed.Load() {
			sub.onMessage(payload)
		}
	}
	return nil
}

func (l *loopbackChannel) Subscribe(ctx context.Context, topic string, onMessage func([]byte), onState func(relay.ChannelEvent)) (relay.Subscription, error) {
	sub := &loopbackSub{onMessage: onMessage}
	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()

	onState(relay.ChannelSubscribed)
	return sub, nil
}

type loopbackSub struct {
	onMessage func([]byte)
	closed    atomic.Bool
}

func (s *loopbackSub) Close() error {
	s.closed.Store(true)
	return nil
}

// newBareServer wires a Server around the store without listening. Handler
// tests drive it through handleEvent and dispatchFrame directly.
func newBareServer(t *testing.T, store database.Store) *Server {
	t.Helper()
	s := NewServer(store, NewJWTVerifier("test-secret"), &loopbackChannel{}, DefaultConfig(), nil)
	return s
}

// wsPair opens a real WebSocket pair through a throwaway HTTP server. The
// server side comes back wrapped in a SafeConn the way production sessions
// hold it; the client side reads whatever the server wrote.
func wsPair(t *testing.T) (*SafeConn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	var server *websocket.Conn
	select {
	case server = <-serverConns:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of the websocket pair never arrived")
	}
	t.Cleanup(func() { server.Close() })

	return NewSafeConn(server), client
}

// sessionWithConn builds a session backed by a live pair and returns the
// client side for reading its frames.
func sessionWithConn(t *testing.T, id string, userID int64, username string) (*Session, *websocket.Conn) {
	t.Helper()
	conn, client := wsPair(t)
	sess := &Session{
		ID:          id,
		UserID:      userID,
		Username:    username,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}
	return sess, client
}

// readEvent reads the next frame from the client side of a pair.
func readEvent(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(raw)
	require.NoError(t, err)
	return env
}

// requireNoFrame asserts the connection stays silent. A read timeout kills
// the connection in gorilla/websocket, so this must be the last read on it.
func requireNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.True(t, os.IsTimeout(err), "expected a read timeout, got: %v", err)
}

// decodeAs unmarshals an envelope's data into the given payload type.
func decodeAs[T any](t *testing.T, env *protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func envelope(t *testing.T, event string, payload any) *protocol.Envelope {
	t.Helper()
	env := &protocol.Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Data = data
	}
	return env
}

// dispatch runs one event through the handler table and returns its error,
// the same thing dispatchFrame would turn into an error frame.
func dispatch(t *testing.T, s *Server, sess *Session, event string, payload any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.handleEvent(ctx, sess, envelope(t, event, payload))
}

func requireErrorCode(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	got, _ := classifyError(err)
	require.Equal(t, code, got, "error was: %v", err)
}

func seedUser(t *testing.T, store *database.MemStore, username string) *database.User {
	t.Helper()
	u, err := store.CreateUser(context.Background(), username, protocol.StatusOnline, false)
	require.NoError(t, err)
	return u
}

// countingStore records how often direct messages reach the store, so tests
// can assert that refused sends never persist anything.
type countingStore struct {
	database.Store
	dmAdds atomic.Int32
}

func (c *countingStore) AddDirectMessage(ctx context.Context, senderID, recipientID int64, senderUsername, content string) (*database.DirectMessage, error) {
	c.dmAdds.Add(1)
	return c.Store.AddDirectMessage(ctx, senderID, recipientID, senderUsername, content)
}

// gatingStore parks CreateFriendRequest until released, holding the pair
// lock open long enough for a second caller to be observed failing fast.
type gatingStore struct {
	database.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatingStore) CreateFriendRequest(ctx context.Context, from, to int64) (*database.FriendRequest, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Store.CreateFriendRequest(ctx, from, to)
}

// reactionlessStore fails every reaction read so handlers fall back to the
// in-memory table.
type reactionlessStore struct {
	database.Store
}

func (r *reactionlessStore) MessageReactions(ctx context.Context, messageID int64) (map[string][]int64, error) {
	return nil, context.DeadlineExceeded
}
