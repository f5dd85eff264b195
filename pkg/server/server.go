package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pulsechat/pulse/pkg/database"
	"github.com/pulsechat/pulse/pkg/protocol"
	"github.com/pulsechat/pulse/pkg/relay"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// EnableDebugLogging routes debug output to w. Off by default; the debug log
// narrates every connect, disconnect, and rejected event.
func EnableDebugLogging(w io.Writer) {
	debugLog = log.New(w, "DEBUG: ", log.LstdFlags)
	relay.SetLoggers(errorLog, debugLog)
	debugLog.Println("Debug logging enabled")
}

// SetLoggers replaces the package loggers, the relay's included. Pass nil to
// keep one unchanged.
func SetLoggers(errLogger, dbgLogger *log.Logger) {
	if errLogger != nil {
		errorLog = errLogger
	}
	if dbgLogger != nil {
		debugLog = dbgLogger
	}
	relay.SetLoggers(errorLog, debugLog)
}

// Server is the realtime layer: it authenticates WebSocket connections,
// routes their events, and fans the results back out.
type Server struct {
	store    database.Store
	verifier TokenVerifier
	config   ServerConfig
	metrics  *Metrics

	registry *SessionRegistry
	presence *PresenceTracker
	rooms    *RoomRouter
	pairLock *PairLock
	relay    *relay.Relay

	// Degraded-mode reaction state, only touched when the store fails.
	fallbackMu        sync.Mutex
	fallbackReactions map[int64]map[string][]int64

	listener      net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer wires the realtime layer together. The caller owns the store and
// the relay channel; Stop closes neither.
func NewServer(store database.Store, verifier TokenVerifier, channel relay.Channel, config ServerConfig, metrics *Metrics) *Server {
	relay.SetLoggers(errorLog, debugLog)
	s := &Server{
		store:             store,
		verifier:          verifier,
		config:            config,
		metrics:           metrics,
		registry:          NewSessionRegistry(),
		presence:          NewPresenceTracker(),
		rooms:             NewRoomRouter(),
		pairLock:          NewPairLock(),
		fallbackReactions: make(map[int64]map[string][]int64),
		shutdown:          make(chan struct{}),
	}
	s.registry.SetMetrics(metrics)
	s.presence.SetMetrics(metrics)
	s.rooms.SetMetrics(metrics)
	s.relay = relay.New(channel, config.Relay, metrics)
	return s
}

// Start listens for WebSocket connections, serves metrics if configured,
// subscribes the relay, and launches the presence sweep.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.WSPort))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.config.WSPort, err)
	}
	s.listener = ln
	s.startTime = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("websocket server error: %v", err)
		}
	}()

	// Metrics and health are INTERNAL ONLY - never expose this port publicly
	if s.config.MetricsPort > 0 {
		s.startMetricsServer()
	}

	s.relay.Start()

	s.wg.Add(1)
	go s.presenceSweepLoop()

	debugLog.Printf("listening on %s", ln.Addr())
	return nil
}

func (s *Server) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler: mux,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("metrics server error: %v", err)
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
		"sessions":      s.registry.Count(),
		"onlineUsers":   s.presence.OnlineCount(),
		"relayState":    s.relay.State().String(),
	})
}

// Addr returns the WebSocket listener address, useful when the configured
// port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down: no new connections, relay unsubscribed, every
// session closed, all loops drained. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.shutdown)

		if s.httpServer != nil {
			s.httpServer.Close()
		}
		if s.metricsServer != nil {
			s.metricsServer.Close()
		}

		s.relay.Stop()

		// Closing the connections unblocks every read loop, which runs the
		// usual per-session teardown.
		s.registry.CloseAll()
	})
	s.wg.Wait()
	return nil
}

// presenceSweepLoop drops presence entries orphaned by a missed disconnect (a
// crashed peer, a wedged proxy). An entry two heartbeat intervals stale with
// no live session goes offline like a normal last disconnect.
func (s *Server) presenceSweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * s.config.HeartbeatInterval)
			for _, userID := range s.presence.Stale(cutoff) {
				if s.registry.CountForUser(userID) > 0 {
					continue
				}
				s.presence.Drop(userID)
				s.broadcastStatus(userID, protocol.StatusOffline)
			}
		case <-s.shutdown:
			return
		}
	}
}

// --- Outbound plumbing ---

// sendEvent encodes and writes one event to one session. A failed write
// closes the connection; its read loop does the rest.
func (s *Server) sendEvent(sess *Session, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		errorLog.Printf("encode %s: %v", event, err)
		return
	}
	if err := sess.Conn.WriteFrame(frame); err != nil {
		sess.Conn.Close()
		return
	}
	s.metrics.RecordEventSent(event)
}

// sendErrorEvent reports a handler failure to the offending connection. The
// client sees the code, a safe message, and which event failed; causes stay
// in the server log.
func (s *Server) sendErrorEvent(sess *Session, event string, err error) {
	code, msg := classifyError(err)
	if code >= protocol.ErrCodeInternal {
		errorLog.Printf("event %q from session %s failed: %v", event, sess.ID, err)
	} else {
		debugLog.Printf("event %q from session %s rejected: %v", event, sess.ID, err)
	}

	s.sendEvent(sess, protocol.EventError, protocol.ErrorPayload{
		Code:    code,
		Message: msg,
		Event:   event,
	})
	s.metrics.RecordErrorSent(code)
}

// broadcastToRoom encodes once and fans out to a room. Failed writes cost
// only the failing connections.
func (s *Server) broadcastToRoom(room, event string, payload any, excludeConnID string) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		errorLog.Printf("encode %s: %v", event, err)
		return
	}

	start := time.Now()
	dead := s.rooms.Broadcast(room, frame, excludeConnID)
	s.metrics.ObserveBroadcast(time.Since(start))
	s.metrics.RecordEventSent(event)

	s.closeDead(dead)
}

// broadcastToAll fans an event out to every session on this instance.
func (s *Server) broadcastToAll(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		errorLog.Printf("encode %s: %v", event, err)
		return
	}

	start := time.Now()
	dead := fanOut(s.registry.All(), frame, "")
	s.metrics.ObserveBroadcast(time.Since(start))
	s.metrics.RecordEventSent(event)

	s.closeDead(dead)
}

// broadcastStatus announces a user's effective status to every local session,
// the user's own included.
func (s *Server) broadcastStatus(userID int64, status string) {
	s.broadcastToAll(protocol.EventUserStatus, protocol.UserStatus{UserID: userID, Status: status})
}

// BroadcastToUser delivers an event to every session of one user on this
// instance. The HTTP API drives the flows that have no socket event through
// it: friend acceptance and removal, profile and account updates.
func (s *Server) BroadcastToUser(userID int64, event string, payload any) {
	s.broadcastToRoom(UserRoom(userID), event, payload, "")
}

// closeDead closes connections whose writes failed. Teardown happens in
// their read loops, never in the broadcast path.
func (s *Server) closeDead(connIDs []string) {
	for _, connID := range connIDs {
		if sess, ok := s.registry.Get(connID); ok {
			debugLog.Printf("closing session %s after failed write", connID)
			sess.Conn.Close()
		}
	}
}
