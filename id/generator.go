package id

import (
	"sync"

	"github.com/maxpert/beacon/clock"
)

// Generator provides unique producer IDs.
// IDs are unique within a broker process and roughly time-ordered so that
// restarts do not hand out IDs a client may still hold.
type Generator interface {
	NextID() uint64
}

// sequenceBits is the width of the per-millisecond counter
const sequenceBits = 16

const maxSequence = 1<<sequenceBits - 1

// ClockGenerator generates IDs as (millis << 16) | sequence.
// When the sequence space of a millisecond is exhausted it borrows from the
// next millisecond instead of waiting, so IDs stay strictly increasing.
type ClockGenerator struct {
	clock  clock.Clock
	mu     sync.Mutex
	lastMS int64
	seq    uint64
}

// NewClockGenerator creates an ID generator backed by the given clock.
func NewClockGenerator(c clock.Clock) *ClockGenerator {
	return &ClockGenerator{clock: c}
}

// NextID generates a unique 64-bit ID.
func (g *ClockGenerator) NextID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Millis()
	if now > g.lastMS {
		g.lastMS = now
		g.seq = 0
	}

	g.seq++
	if g.seq > maxSequence {
		g.lastMS++
		g.seq = 1
	}

	return uint64(g.lastMS)<<sequenceBits | g.seq
}
