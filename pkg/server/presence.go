package server

import (
	"sync"
	"time"

	"github.com/pulsechat/pulse/pkg/protocol"
)

type presenceEntry struct {
	status        string
	lastHeartbeat time.Time
}

// PresenceTracker caches the effective status of every user with at least one
// live session on this instance. Users without an entry are offline. The
// persisted preferred status seeds the entry on connect; offline is never a
// live status, so it normalizes to online.
type PresenceTracker struct {
	mu    sync.Mutex
	users map[int64]*presenceEntry

	metrics *Metrics
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		users: make(map[int64]*presenceEntry),
	}
}

// SetMetrics attaches the metrics recorder. Must be called before HandleConnect.
func (p *PresenceTracker) SetMetrics(m *Metrics) {
	p.metrics = m
}

// HandleConnect seeds or refreshes the user's entry from their persisted
// preferred status and returns the effective status to announce. A second
// session of the same user keeps whatever live status is already cached.
func (p *PresenceTracker) HandleConnect(userID int64, preferred string) string {
	effective := preferred
	if effective != protocol.StatusOnline && effective != protocol.StatusAway {
		effective = protocol.StatusOnline
	}

	p.mu.Lock()
	if entry, ok := p.users[userID]; ok {
		entry.lastHeartbeat = time.Now()
		effective = entry.status
	} else {
		p.users[userID] = &presenceEntry{
			status:        effective,
			lastHeartbeat: time.Now(),
		}
	}
	total := len(p.users)
	p.mu.Unlock()

	p.metrics.RecordOnlineUsers(total)
	return effective
}

// Heartbeat refreshes the user's entry. A heartbeat for a user with no entry
// is a no-op; the ticker can outlive the entry by a beat during teardown.
func (p *PresenceTracker) Heartbeat(userID int64) {
	p.mu.Lock()
	if entry, ok := p.users[userID]; ok {
		entry.lastHeartbeat = time.Now()
	}
	p.mu.Unlock()
}

// SetStatus updates the cached live status without touching the heartbeat. It
// reports whether the user had an entry; a status change for an absent user
// is a no-op.
func (p *PresenceTracker) SetStatus(userID int64, status string) bool {
	p.mu.Lock()
	entry, ok := p.users[userID]
	if ok {
		entry.status = status
	}
	p.mu.Unlock()
	return ok
}

// Status returns the user's effective status, offline if absent.
func (p *PresenceTracker) Status(userID int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.users[userID]; ok {
		return entry.status
	}
	return protocol.StatusOffline
}

// Drop removes the user's entry. Dropping an absent user is a no-op.
func (p *PresenceTracker) Drop(userID int64) {
	p.mu.Lock()
	delete(p.users, userID)
	total := len(p.users)
	p.mu.Unlock()

	p.metrics.RecordOnlineUsers(total)
}

// OnlineCount returns the number of users with a presence entry.
func (p *PresenceTracker) OnlineCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users)
}

// Stale returns the users whose last heartbeat is older than cutoff. The
// sweep loop uses it to catch entries orphaned by a missed disconnect.
func (p *PresenceTracker) Stale(cutoff time.Time) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var stale []int64
	for userID, entry := range p.users {
		if entry.lastHeartbeat.Before(cutoff) {
			stale = append(stale, userID)
		}
	}
	return stale
}
