package service

import "sync"

// rendCookieCache is a bounded, recently-seen set of rendezvous cookies from
// INTRODUCE2 cells. A client that retransmits (or an adversary that
// replays) the same INTRODUCE2 must only ever trigger one rendezvous
// attempt; the oldest entry is evicted once the cache is full, since a
// cookie an attacker could usefully replay is one still within a client's
// own retry window, not one from hours ago.
type rendCookieCache struct {
	mu       sync.Mutex
	seen     map[[20]byte]struct{}
	order    [][20]byte
	capacity int
}

func newRendCookieCache(capacity int) *rendCookieCache {
	return &rendCookieCache{
		seen:     make(map[[20]byte]struct{}, capacity),
		capacity: capacity,
	}
}

// seenBefore reports whether cookie was already recorded, recording it if not.
func (c *rendCookieCache) seenBefore(cookie [20]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[cookie]; ok {
		return true
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	c.seen[cookie] = struct{}{}
	c.order = append(c.order, cookie)
	return false
}
