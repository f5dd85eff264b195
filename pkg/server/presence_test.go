package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pulsechat/pulse/pkg/protocol"
)

func TestPresenceConnectNormalizesStatus(t *testing.T) {
	tests := []struct {
		name      string
		preferred string
		want      string
	}{
		{"online stays online", protocol.StatusOnline, protocol.StatusOnline},
		{"away stays away", protocol.StatusAway, protocol.StatusAway},
		{"offline is not a live status", protocol.StatusOffline, protocol.StatusOnline},
		{"empty defaults to online", "", protocol.StatusOnline},
		{"junk defaults to online", "invisible", protocol.StatusOnline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPresenceTracker()
			got := p.HandleConnect(1, tt.preferred)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, p.Status(1))
		})
	}
}

func TestPresenceSecondConnectKeepsLiveStatus(t *testing.T) {
	p := NewPresenceTracker()

	assert.Equal(t, protocol.StatusOnline, p.HandleConnect(1, protocol.StatusOnline))
	assert.True(t, p.SetStatus(1, protocol.StatusAway))

	// A second device connecting must not clobber the live status the user
	// picked since the first connect.
	assert.Equal(t, protocol.StatusAway, p.HandleConnect(1, protocol.StatusOnline))
	assert.Equal(t, protocol.StatusAway, p.Status(1))
	assert.Equal(t, 1, p.OnlineCount())
}

func TestPresenceAbsentUserIsOffline(t *testing.T) {
	p := NewPresenceTracker()

	assert.Equal(t, protocol.StatusOffline, p.Status(42))
	assert.False(t, p.SetStatus(42, protocol.StatusAway), "status change without an entry must be a no-op")

	// Heartbeats for absent users must not create entries.
	p.Heartbeat(42)
	assert.Equal(t, 0, p.OnlineCount())
}

func TestPresenceDrop(t *testing.T) {
	p := NewPresenceTracker()
	p.HandleConnect(1, protocol.StatusOnline)
	p.HandleConnect(2, protocol.StatusOnline)
	assert.Equal(t, 2, p.OnlineCount())

	p.Drop(1)
	assert.Equal(t, protocol.StatusOffline, p.Status(1))
	assert.Equal(t, 1, p.OnlineCount())

	p.Drop(1)
	assert.Equal(t, 1, p.OnlineCount())
}

func TestPresenceStale(t *testing.T) {
	p := NewPresenceTracker()
	p.HandleConnect(1, protocol.StatusOnline)

	assert.Empty(t, p.Stale(time.Now().Add(-time.Minute)), "fresh entry must not be stale")

	stale := p.Stale(time.Now().Add(time.Minute))
	assert.Equal(t, []int64{1}, stale)

	// A heartbeat moves the entry ahead of an old cutoff.
	cutoff := time.Now()
	time.Sleep(time.Millisecond)
	p.Heartbeat(1)
	assert.Empty(t, p.Stale(cutoff))
}
