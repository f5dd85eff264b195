package database

import (
	"sync"
	"time"
)

// Snowflake generates roughly time-ordered 63-bit IDs:
// 41 bits of milliseconds since a custom epoch, 10 bits of worker id,
// 12 bits of per-millisecond sequence.
type Snowflake struct {
	mu       sync.Mutex
	epoch    int64
	workerID int64
	lastTime int64
	sequence int64
}

const (
	snowflakeWorkerBits   = 10
	snowflakeSequenceBits = 12
	snowflakeWorkerMax    = (1 << snowflakeWorkerBits) - 1
	snowflakeSequenceMask = (1 << snowflakeSequenceBits) - 1
)

// NewSnowflake creates a generator. epoch is milliseconds since the Unix
// epoch; workerID is masked to 10 bits.
func NewSnowflake(epoch, workerID int64) *Snowflake {
	return &Snowflake{
		epoch:    epoch,
		workerID: workerID & snowflakeWorkerMax,
	}
}

// NextID returns the next ID. Safe for concurrent use.
func (s *Snowflake) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now == s.lastTime {
		s.sequence = (s.sequence + 1) & snowflakeSequenceMask
		if s.sequence == 0 {
			// Sequence exhausted for this millisecond, spin to the next
			for now <= s.lastTime {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastTime = now

	return (now-s.epoch)<<(snowflakeWorkerBits+snowflakeSequenceBits) |
		s.workerID<<snowflakeSequenceBits |
		s.sequence
}
