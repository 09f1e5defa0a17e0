// Package ttlcache implements a TTL-bounded (no size cap) key-value map with
// O(1) get/set/delete and passive, lookup-time eviction. It backs the
// mapping cache, migration cache, and validation cache: none of them
// persist anything, so a cold cache is always safe, just slower until
// warm.
package ttlcache

import (
	"sync"
	"time"
)

// Cache is a generic TTL map. The zero value is not usable; construct
// with New. Safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry[V]
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New returns a Cache with the given TTL. A zero TTL means entries never
// expire.
func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry[V]),
	}
}

// NewWithClock is New with an injectable clock, for deterministic TTL tests.
func NewWithClock[V any](ttl time.Duration, now func() time.Time) *Cache[V] {
	c := New[V](ttl)
	c.now = now
	return c
}

// Get returns the value stored under key and true, or the zero value and
// false if absent or expired. Expired entries are evicted on the lookup
// that finds them. The returned value is a shared reference, never cloned.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.ttl > 0 && c.now().After(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the cache's configured TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Delete removes key, if present. It is a no-op otherwise.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes every entry. Used by Destroy-style cache flushes.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}

// Len reports the number of entries, including any not-yet-evicted expired
// ones. Intended for tests and stats, not for capacity decisions — this
// cache has no size cap, only TTL-driven eviction.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
