package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pulsechat/pulse/pkg/database"
	"github.com/pulsechat/pulse/pkg/protocol"
)

const (
	// Time allowed to write a ping to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong or data frame from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Slack on top of the content limit for the envelope around it.
	readLimitSlack = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The token is the whole story; Origin means nothing to the native
	// clients and nothing extra for browsers that already hold a token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleWebSocket authenticates the upgrade request, promotes it to a
// session, and serves the session's read loop until the peer goes away.
// Authentication failures are plain HTTP 401s; the socket is never opened
// for a client we cannot name.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get(s.config.TokenQueryParam)
	if token == "" {
		http.Error(w, "missing authentication token", http.StatusUnauthorized)
		return
	}

	userID, err := s.verifier.Verify(token)
	if err != nil {
		debugLog.Printf("rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "invalid authentication token", http.StatusUnauthorized)
		return
	}

	// A valid token for a vanished user is as bad as a forged one, and the
	// row carries the username and preferred status the session needs.
	user, err := s.store.UserByID(r.Context(), userID)
	if err != nil {
		debugLog.Printf("rejected connection from %s: user %d: %v", r.RemoteAddr, userID, err)
		http.Error(w, "invalid authentication token", http.StatusUnauthorized)
		return
	}

	select {
	case <-s.shutdown:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	sess := &Session{
		ID:          uuid.New().String(),
		UserID:      user.ID,
		Username:    user.Username,
		Conn:        NewSafeConn(conn),
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	s.wg.Add(1)
	defer s.wg.Done()

	s.attachSession(sess, user)
	s.readLoop(sess)
}

// attachSession brings a session into the live state: registry, personal and
// channel rooms, the relay handler for inbound call signals, and the presence
// announcement. The announcement reaches every local session, the new one
// included.
func (s *Server) attachSession(sess *Session, user *database.User) {
	s.registry.Register(sess)

	s.rooms.Join(UserRoom(sess.UserID), sess)
	s.autoJoinChannels(sess)

	s.registerSignalHandler(sess)

	effective := s.presence.HandleConnect(sess.UserID, user.Status)
	s.broadcastStatus(sess.UserID, effective)

	debugLog.Printf("session %s connected: user %d (%s) from %s", sess.ID, sess.UserID, sess.Username, sess.RemoteAddr)
}

// autoJoinChannels subscribes the session to every channel of every server
// the user belongs to. Channels that appear later are joined lazily. Store
// trouble here degrades to lazy joins instead of failing the connection.
func (s *Server) autoJoinChannels(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	servers, err := s.store.UserServers(ctx, sess.UserID)
	if err != nil {
		errorLog.Printf("auto-join failed for user %d: %v", sess.UserID, err)
		return
	}

	for _, srv := range servers {
		channels, err := s.store.ServerChannels(ctx, srv.ID)
		if err != nil {
			errorLog.Printf("auto-join failed for server %d: %v", srv.ID, err)
			continue
		}
		for _, ch := range channels {
			s.rooms.Join(ChannelRoom(ch.ID), sess)
		}
	}
}

// registerSignalHandler points relayed call signals for the user at this
// session. One handler serves every session of the user; delivery fans out
// through the personal room.
func (s *Server) registerSignalHandler(sess *Session) {
	userID := sess.UserID
	s.relay.RegisterHandler(userID, sess.ID, func(signalType string, fromUserID int64, data json.RawMessage) {
		s.deliverSignal(userID, signalType, fromUserID, data)
	})
}

// readLoop consumes frames until the connection dies, then tears the session
// down exactly once.
func (s *Server) readLoop(sess *Session) {
	done := make(chan struct{})
	defer s.detachSession(sess, done)

	sess.Conn.SetReadLimit(int64(s.config.MaxMessageLength) + readLimitSlack)
	sess.Conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.Conn.SetPongHandler(func(string) error {
		return sess.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.wg.Add(1)
	go s.keepAlive(sess, done)

	for {
		data, err := sess.Conn.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debugLog.Printf("session %s read error: %v", sess.ID, err)
			}
			return
		}
		sess.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatchFrame(sess, data)
	}
}

// keepAlive pings the peer and refreshes the user's presence entry until the
// session ends.
func (s *Server) keepAlive(sess *Session, done <-chan struct{}) {
	defer s.wg.Done()

	pings := time.NewTicker(pingPeriod)
	defer pings.Stop()
	beats := time.NewTicker(s.config.HeartbeatInterval)
	defer beats.Stop()

	for {
		select {
		case <-pings.C:
			if err := sess.Conn.WritePing(time.Now().Add(writeWait)); err != nil {
				sess.Conn.Close()
				return
			}
		case <-beats.C:
			s.presence.Heartbeat(sess.UserID)
		case <-done:
			return
		case <-s.shutdown:
			return
		}
	}
}

// detachSession tears one session down. Order matters: the registry entry
// goes first so broadcasts stop targeting the dead connection, and the
// presence decision comes last so it sees the final session count. Only the
// teardown that removes the user's last session announces offline.
func (s *Server) detachSession(sess *Session, done chan struct{}) {
	removed, remaining := s.registry.Remove(sess.ID)

	s.rooms.LeaveAll(sess.ID)

	s.relay.UnregisterHandler(sess.UserID, sess.ID)
	if remaining > 0 {
		// The handler may have been tagged with this connection; hand it to
		// a surviving session so relayed signals keep flowing.
		if survivors := s.registry.FindForUser(sess.UserID); len(survivors) > 0 {
			s.registerSignalHandler(survivors[0])
		}
	}

	close(done)
	sess.Conn.Close()

	if removed != nil && remaining == 0 {
		s.presence.Drop(sess.UserID)
		s.broadcastStatus(sess.UserID, protocol.StatusOffline)
	}

	debugLog.Printf("session %s disconnected: user %d", sess.ID, sess.UserID)
}
