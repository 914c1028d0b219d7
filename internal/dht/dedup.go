package dht

import (
	"sync"
)

// dedupCache remembers recently seen envelope digests so that copies of
// the same message arriving on multiple propagation paths dispatch at
// most once. Capacity-bounded with FIFO eviction; exact recall is not
// required, only that the window comfortably outlasts the propagation
// storm for one message.
type dedupCache struct {
	mu       sync.Mutex
	capacity int
	seen     map[[32]byte]struct{}
	order    [][32]byte
	next     int
}

func newDedupCache(capacity int) *dedupCache {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &dedupCache{
		capacity: capacity,
		seen:     make(map[[32]byte]struct{}, capacity),
		order:    make([][32]byte, 0, capacity),
	}
}

// Observe records a digest and reports whether it was already present.
func (c *dedupCache) Observe(digest [32]byte) (duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[digest]; ok {
		return true
	}

	if len(c.order) < c.capacity {
		c.order = append(c.order, digest)
	} else {
		// Ring is full: evict the oldest entry in place.
		delete(c.seen, c.order[c.next])
		c.order[c.next] = digest
		c.next = (c.next + 1) % c.capacity
	}
	c.seen[digest] = struct{}{}
	return false
}

// Len returns the number of digests currently tracked.
func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
