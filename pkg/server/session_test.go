package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id string, userID int64) *Session {
	return &Session{ID: id, UserID: userID, Username: fmt.Sprintf("user%d", userID)}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewSessionRegistry()

	a1 := newTestSession("a1", 1)
	a2 := newTestSession("a2", 1)
	b1 := newTestSession("b1", 2)
	reg.Register(a1)
	reg.Register(a2)
	reg.Register(b1)

	assert.Equal(t, 3, reg.Count())
	assert.Equal(t, 2, reg.UserCount())
	assert.Equal(t, 2, reg.CountForUser(1))
	assert.Equal(t, 1, reg.CountForUser(2))
	assert.Equal(t, 0, reg.CountForUser(99))

	got, ok := reg.Get("a2")
	require.True(t, ok)
	assert.Same(t, a2, got)

	_, ok = reg.Get("nope")
	assert.False(t, ok)

	assert.Len(t, reg.FindForUser(1), 2)
	assert.Nil(t, reg.FindForUser(99))
	assert.Len(t, reg.All(), 3)
}

func TestRegistryRemoveReportsRemaining(t *testing.T) {
	reg := NewSessionRegistry()
	a1 := newTestSession("a1", 1)
	a2 := newTestSession("a2", 1)
	reg.Register(a1)
	reg.Register(a2)

	removed, remaining := reg.Remove("a1")
	require.Same(t, a1, removed)
	assert.Equal(t, 1, remaining)

	removed, remaining = reg.Remove("a2")
	require.Same(t, a2, removed)
	assert.Equal(t, 0, remaining)

	// Removing an unknown or already removed ID is a no-op.
	removed, remaining = reg.Remove("a2")
	assert.Nil(t, removed)
	assert.Equal(t, 0, remaining)

	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, 0, reg.UserCount())
}

// Two connections of one user disconnecting at the same time must produce
// exactly one observation of "no sessions left", or the offline announcement
// would fire twice.
func TestRegistryConcurrentRemovalObservesZeroOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		reg := NewSessionRegistry()
		reg.Register(newTestSession("c1", 7))
		reg.Register(newTestSession("c2", 7))

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			zeros int
		)
		for _, connID := range []string{"c1", "c2"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if removed, remaining := reg.Remove(id); removed != nil && remaining == 0 {
					mu.Lock()
					zeros++
					mu.Unlock()
				}
			}(connID)
		}
		wg.Wait()

		require.Equal(t, 1, zeros)
	}
}
