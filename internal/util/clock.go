package util

import (
	"sync"
	"time"
)

// Clock supplies timestamps for persisted records.
type Clock interface {
	Now() time.Time
}

// MonotonicClock returns UTC timestamps that strictly increase across calls on the same
// instance, so records created back to back keep a stable creation order.
type MonotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewMonotonicClock wraps now (time.Now when nil).
func NewMonotonicClock(now func() time.Time) *MonotonicClock {
	if now == nil {
		now = time.Now
	}
	return &MonotonicClock{now: now}
}

func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
