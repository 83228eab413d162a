package snapshot

import (
	"sync"

	"github.com/maxpert/beacon/marker"
)

// Cache keeps recent snapshots for one replicated subscription, ordered by
// local position. When full the oldest snapshot is evicted.
type Cache struct {
	mu        sync.Mutex
	maxSize   int
	snapshots []marker.Snapshot
}

// NewCache creates a cache holding at most maxSize snapshots
func NewCache(maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{maxSize: maxSize}
}

// Add records a snapshot. Snapshots whose local position is not beyond the
// newest cached one are ignored, as are snapshots without remote clusters.
func (c *Cache) Add(s marker.Snapshot) {
	if len(s.Clusters) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.snapshots); n > 0 && !s.LocalPosition.After(c.snapshots[n-1].LocalPosition) {
		return
	}

	c.snapshots = append(c.snapshots, s)
	if len(c.snapshots) > c.maxSize {
		c.snapshots = append([]marker.Snapshot(nil), c.snapshots[1:]...)
	}
}

// AdvancedMarkDeleteTo removes every snapshot at or below pos and returns the
// newest of them, which is the snapshot the subscription has now passed.
func (c *Cache) AdvancedMarkDeleteTo(pos marker.Position) (marker.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, s := range c.snapshots {
		if s.LocalPosition.After(pos) {
			break
		}
		idx = i
	}

	if idx < 0 {
		return marker.Snapshot{}, false
	}

	passed := c.snapshots[idx]
	c.snapshots = append([]marker.Snapshot(nil), c.snapshots[idx+1:]...)
	return passed, true
}

// Len returns the number of cached snapshots
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snapshots)
}
