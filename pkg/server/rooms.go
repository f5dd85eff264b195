package server

import (
	"fmt"
	"sync"

	"github.com/pulsechat/pulse/pkg/database"
)

// Rooms are process-local broadcast groups. Session membership never crosses
// server instances; cross-instance traffic goes through the relay.

// UserRoom names the personal room every session of a user joins on connect.
func UserRoom(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// ChannelRoom names the room for a server channel.
func ChannelRoom(channelID int64) string {
	return fmt.Sprintf("channel:%d", channelID)
}

// DMRoom names the room for a DM conversation. The pair is sorted so both
// participants compute the same name.
func DMRoom(a, b int64) string {
	lo, hi := database.SortPair(a, b)
	return fmt.Sprintf("dm:%d:%d", lo, hi)
}

// Broadcast worker pool sizing. Small rooms are handled inline by one worker;
// large fan-outs are chunked across goroutines so one slow connection cannot
// stall the whole room.
const (
	maxBroadcastWorkers = 40
	sessionsPerWorker   = 50
)

// RoomRouter maps room names to member sessions and fans encoded frames out
// to them.
type RoomRouter struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*Session // room -> connID -> session
	byConn map[string]map[string]bool     // connID -> rooms joined

	metrics *Metrics
}

func NewRoomRouter() *RoomRouter {
	return &RoomRouter{
		rooms:  make(map[string]map[string]*Session),
		byConn: make(map[string]map[string]bool),
	}
}

// SetMetrics attaches the metrics recorder. Must be called before Join.
func (rr *RoomRouter) SetMetrics(m *Metrics) {
	rr.metrics = m
}

// Join adds a session to a room. Joining a room twice is a no-op.
func (rr *RoomRouter) Join(room string, sess *Session) {
	rr.mu.Lock()
	members, ok := rr.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		rr.rooms[room] = members
	}
	members[sess.ID] = sess

	joined, ok := rr.byConn[sess.ID]
	if !ok {
		joined = make(map[string]bool)
		rr.byConn[sess.ID] = joined
	}
	joined[room] = true
	total := len(rr.rooms)
	rr.mu.Unlock()

	rr.metrics.RecordActiveRooms(total)
}

// Leave removes a session from a room. Leaving a room the session never
// joined is a no-op.
func (rr *RoomRouter) Leave(room string, connID string) {
	rr.mu.Lock()
	if members, ok := rr.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(rr.rooms, room)
		}
	}
	if joined, ok := rr.byConn[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(rr.byConn, connID)
		}
	}
	total := len(rr.rooms)
	rr.mu.Unlock()

	rr.metrics.RecordActiveRooms(total)
}

// LeaveAll removes a session from every room it joined.
func (rr *RoomRouter) LeaveAll(connID string) {
	rr.mu.Lock()
	for room := range rr.byConn[connID] {
		if members, ok := rr.rooms[room]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(rr.rooms, room)
			}
		}
	}
	delete(rr.byConn, connID)
	total := len(rr.rooms)
	rr.mu.Unlock()

	rr.metrics.RecordActiveRooms(total)
}

// Members returns a snapshot of the sessions in a room.
func (rr *RoomRouter) Members(room string) []*Session {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	members := rr.rooms[room]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(members))
	for _, sess := range members {
		out = append(out, sess)
	}
	return out
}

// MemberCount returns the number of sessions in a room.
func (rr *RoomRouter) MemberCount(room string) int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return len(rr.rooms[room])
}

// RoomCount returns the number of rooms with at least one member.
func (rr *RoomRouter) RoomCount() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return len(rr.rooms)
}

// Rooms returns a snapshot of the rooms a session has joined.
func (rr *RoomRouter) Rooms(connID string) []string {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	joined := rr.byConn[connID]
	if len(joined) == 0 {
		return nil
	}
	out := make([]string, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	return out
}

// Broadcast writes an encoded frame to every member of a room except
// excludeConnID (pass "" to exclude nobody). It returns the connection IDs
// whose writes failed; the caller is responsible for tearing those down.
// The member list is snapshotted first so writes happen outside the lock.
func (rr *RoomRouter) Broadcast(room string, frame []byte, excludeConnID string) []string {
	return fanOut(rr.Members(room), frame, excludeConnID)
}

// fanOut writes one encoded frame to a set of sessions using a bounded worker
// pool and returns the connection IDs whose writes failed.
func fanOut(sessions []*Session, frame []byte, excludeConnID string) []string {
	if len(sessions) == 0 {
		return nil
	}

	workers := (len(sessions) + sessionsPerWorker - 1) / sessionsPerWorker
	if workers > maxBroadcastWorkers {
		workers = maxBroadcastWorkers
	}
	chunkSize := (len(sessions) + workers - 1) / workers

	var (
		wg     sync.WaitGroup
		deadMu sync.Mutex
		dead   []string
	)
	for start := 0; start < len(sessions); start += chunkSize {
		end := start + chunkSize
		if end > len(sessions) {
			end = len(sessions)
		}

		wg.Add(1)
		go func(chunk []*Session) {
			defer wg.Done()
			var failed []string
			for _, sess := range chunk {
				if sess.ID == excludeConnID {
					continue
				}
				if err := sess.Conn.WriteFrame(frame); err != nil {
					failed = append(failed, sess.ID)
				}
			}
			if len(failed) > 0 {
				deadMu.Lock()
				dead = append(dead, failed...)
				deadMu.Unlock()
			}
		}(sessions[start:end])
	}
	wg.Wait()

	return dead
}
