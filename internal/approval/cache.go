package approval

import (
	"sync"
	"time"
)

// recentCache remembers non-rejecting, non-edited approvals for a short
// window so an identical request repeated in a tight loop is not re-prompted.
// A TTL <= 0 disables the cache entirely.
type recentCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	sweepSize int
	now       func() time.Time
	entries   map[string]time.Time
}

func newRecentCache(ttl time.Duration, sweepSize int, now func() time.Time) *recentCache {
	if now == nil {
		now = time.Now
	}
	if sweepSize <= 0 {
		sweepSize = 256
	}
	return &recentCache{
		ttl:       ttl,
		sweepSize: sweepSize,
		now:       now,
		entries:   make(map[string]time.Time),
	}
}

// Record stores the key at the current time. Once the cache grows past the
// sweep threshold, aged entries are evicted eagerly.
func (c *recentCache) Record(key string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = c.now()

	if len(c.entries) > c.sweepSize {
		cutoff := c.now().Add(-c.ttl)
		for k, at := range c.entries {
			if !at.After(cutoff) {
				delete(c.entries, k)
			}
		}
	}
}

// Hit reports whether the key holds a fresh entry. Aged entries are evicted
// lazily on lookup.
func (c *recentCache) Hit(key string) bool {
	if c.ttl <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().Sub(at) >= c.ttl {
		delete(c.entries, key)
		return false
	}
	return true
}

func (c *recentCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
