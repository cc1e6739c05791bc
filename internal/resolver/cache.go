package resolver

import (
	"net"
	"time"
)

// cacheEntry is one insertion-ordered cache slot. Unlike the teacher's
// TTLCache (internal/resolvers/cache.go), there's no LRU ring here: spec.md
// §4.5 describes an explicit cache-expiry sweep over the cache's own
// insertion order, so layering a second, competing LRU eviction policy on
// top would fight the sweep rather than complement it (see DESIGN.md).
type cacheEntry struct {
	hostname  string
	addr      net.IP
	cachedAt  time.Time
	expiresAt time.Time
}

// Cache is a hostname->IP cache with a bounded linear expiry sweep, per the
// REDESIGN FLAGS decision in spec.md §9: no exponential back-off probe.
type Cache struct {
	order   []string // insertion order, oldest first
	entries map[string]*cacheEntry
	cursor  int // position in order for the next ExpireSweep call
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: map[string]*cacheEntry{}}
}

// Get returns the cached address for hostname, if present and unexpired.
func (c *Cache) Get(hostname string) (net.IP, bool) {
	e, ok := c.entries[hostname]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.addr, true
}

// Set stores or refreshes hostname's cached address with the given TTL.
func (c *Cache) Set(hostname string, addr net.IP, ttl time.Duration) {
	now := time.Now()
	if e, ok := c.entries[hostname]; ok {
		e.addr = addr
		e.cachedAt = now
		e.expiresAt = now.Add(ttl)
		return
	}
	c.entries[hostname] = &cacheEntry{hostname: hostname, addr: addr, cachedAt: now, expiresAt: now.Add(ttl)}
	c.order = append(c.order, hostname)
}

// ExpireSweep examines at most maxScan entries, resuming from wherever the
// previous call left off and wrapping around, evicting anything expired. It
// returns the number of entries evicted. Costing O(maxScan) per call (rather
// than scanning the whole cache, or the original's unspecified exponential
// back-off probe — see spec.md §9) keeps each maintenance tick cheap while
// still covering the whole cache over a bounded number of ticks.
func (c *Cache) ExpireSweep(maxScan int) int {
	evicted := 0
	now := time.Now()

	for scanned := 0; scanned < maxScan && len(c.order) > 0; scanned++ {
		if c.cursor >= len(c.order) {
			c.cursor = 0
		}
		host := c.order[c.cursor]
		e, ok := c.entries[host]
		if !ok || now.After(e.expiresAt) {
			delete(c.entries, host)
			c.order = append(c.order[:c.cursor], c.order[c.cursor+1:]...)
			evicted++
			continue // cursor now points at the next entry already
		}
		c.cursor++
	}
	return evicted
}

// Len returns the number of entries currently cached (including any not
// yet swept after expiry).
func (c *Cache) Len() int {
	return len(c.entries)
}
