package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pulsechat/pulse/pkg/database"
)

// ErrPairBusy means another friend request between the same two users is
// mid-flight on this instance.
var ErrPairBusy = errors.New("a request between these users is already in progress")

// PairLock serializes friend request processing per user pair so two
// concurrent requests cannot both pass the duplicate checks. Acquire fails
// fast instead of blocking; the loser surfaces as a duplicate to its sender.
type PairLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewPairLock() *PairLock {
	return &PairLock{
		held: make(map[string]bool),
	}
}

// Acquire takes the lock for the pair, returning ErrPairBusy when it is
// already held. Order of a and b does not matter.
func (l *PairLock) Acquire(a, b int64) error {
	key := pairKey(a, b)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return ErrPairBusy
	}
	l.held[key] = true
	return nil
}

// Release frees the lock for the pair. Releasing an unheld pair is a no-op.
func (l *PairLock) Release(a, b int64) {
	l.mu.Lock()
	delete(l.held, pairKey(a, b))
	l.mu.Unlock()
}

func pairKey(a, b int64) string {
	lo, hi := database.SortPair(a, b)
	return fmt.Sprintf("%d:%d", lo, hi)
}
