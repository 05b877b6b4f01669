// Package cache provides a bounded TTL map.
//
// It replaces ad-hoc per-feature dictionaries with a single reusable
// mapping that evicts on both entry count and age.
package cache

import (
	"sync"
	"time"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// TTL is a bounded map with per-entry expiry.
//
// Entries expire after the configured TTL; when the map is full, the oldest
// entry is evicted to make room. Safe for concurrent use.
type TTL[K comparable, V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[K]ttlEntry[V]
}

type ttlEntry[V any] struct {
	value    V
	storedAt time.Time
}

// NewTTL creates a TTL cache holding at most maxEntries values for ttl each.
func NewTTL[K comparable, V any](maxEntries int, ttl time.Duration) *TTL[K, V] {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &TTL[K, V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[K]ttlEntry[V]),
	}
}

// Get returns the cached value for key if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if timeNow().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores value under key, evicting the oldest entry when full.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := timeNow()

	// Drop expired entries first; they may free the slot.
	for k, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, k)
		}
	}

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		var oldestKey K
		var oldestAt time.Time
		first := true
		for k, e := range c.entries {
			if first || e.storedAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.storedAt
				first = false
			}
		}
		if !first {
			delete(c.entries, oldestKey)
		}
	}

	c.entries[key] = ttlEntry[V]{value: value, storedAt: now}
}

// Len returns the number of live (possibly expired) entries.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *TTL[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]ttlEntry[V])
}
