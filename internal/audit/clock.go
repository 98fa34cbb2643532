package audit

import (
	"sync"
	"time"
)

// Clock assigns entry timestamps. Timestamps for the same actor never go backwards,
// even if the wall clock does.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last map[int64]time.Time
}

// NewClock returns a Clock reading from now (time.Now when nil).
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now, last: make(map[int64]time.Time)}
}

// Stamp returns the timestamp for actorID's next entry.
func (c *Clock) Stamp(actorID int64) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UTC()
	if prev, ok := c.last[actorID]; ok && ts.Before(prev) {
		ts = prev
	}
	c.last[actorID] = ts
	return ts
}
