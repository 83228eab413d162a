// Package clock supplies millisecond wall time to snapshot rounds and id generation.
// Tests substitute Manual to drive timeout boundaries deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock reports wall time in milliseconds
type Clock interface {
	Millis() int64
}

type systemClock struct{}

func (systemClock) Millis() int64 {
	return time.Now().UnixMilli()
}

// System is the process wall clock
var System Clock = systemClock{}

// Manual is a Clock that only moves when told to
type Manual struct {
	mu  sync.Mutex
	now int64
}

// NewManual creates a manual clock starting at the given millisecond
func NewManual(startMillis int64) *Manual {
	return &Manual{now: startMillis}
}

// Millis returns the current manual time
func (m *Manual) Millis() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to an absolute millisecond
func (m *Manual) Set(millis int64) {
	m.mu.Lock()
	m.now = millis
	m.mu.Unlock()
}

// Advance moves the clock forward by d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d.Milliseconds()
	m.mu.Unlock()
}
