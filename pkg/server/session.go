package server

import (
	"sync"
	"time"
)

// Session represents one authenticated WebSocket connection. A user may hold
// several sessions at once (desktop and phone, multiple tabs).
type Session struct {
	ID          string // connection ID, unique per process
	UserID      int64
	Username    string
	Conn        *SafeConn
	RemoteAddr  string
	ConnectedAt time.Time
}

// SessionRegistry tracks live sessions and the reverse index from user ID to
// that user's sessions.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[int64]map[string]*Session

	metrics *Metrics
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		byUser:   make(map[int64]map[string]*Session),
	}
}

// SetMetrics attaches the metrics recorder. Must be called before Register.
func (r *SessionRegistry) SetMetrics(m *Metrics) {
	r.metrics = m
}

// Register adds a session to the registry.
func (r *SessionRegistry) Register(sess *Session) {
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	conns, ok := r.byUser[sess.UserID]
	if !ok {
		conns = make(map[string]*Session)
		r.byUser[sess.UserID] = conns
	}
	conns[sess.ID] = sess
	total := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordActiveSessions(total)
}

// Remove deletes a session and reports how many sessions remain for the same
// user. The count is taken under the registry lock, so when two connections
// of one user disconnect at once, exactly one caller observes zero. Removing
// an unknown ID returns (nil, 0).
func (r *SessionRegistry) Remove(connID string) (*Session, int) {
	r.mu.Lock()
	sess, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return nil, 0
	}
	delete(r.sessions, connID)

	remaining := 0
	if conns, ok := r.byUser[sess.UserID]; ok {
		delete(conns, connID)
		remaining = len(conns)
		if remaining == 0 {
			delete(r.byUser, sess.UserID)
		}
	}
	total := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordActiveSessions(total)
	return sess, remaining
}

// Get returns a session by connection ID.
func (r *SessionRegistry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[connID]
	return sess, ok
}

// CountForUser returns the number of live sessions for a user.
func (r *SessionRegistry) CountForUser(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// FindForUser returns every live session for a user.
func (r *SessionRegistry) FindForUser(userID int64) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(conns))
	for _, sess := range conns {
		out = append(out, sess)
	}
	return out
}

// All returns a snapshot of every live session.
func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UserCount returns the number of distinct users with a live session.
func (r *SessionRegistry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// CloseAll closes every connection. Each close unblocks that session's read
// loop, which performs the usual per-session teardown.
func (r *SessionRegistry) CloseAll() {
	for _, sess := range r.All() {
		sess.Conn.Close()
	}
}
