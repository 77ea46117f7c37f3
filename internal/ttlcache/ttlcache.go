package ttlcache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a bounded map whose entries expire after a fixed TTL.
// Expiration is checked on access; there is no background janitor.
// When full, the entry closest to expiry is evicted.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	items    map[K]entry[V]
	now      func() time.Time
}

// New creates a cache holding at most capacity entries for ttl each.
// capacity <= 0 defaults to 128.
func New[K comparable, V any](capacity int, ttl time.Duration) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 128
	}
	return &Cache[K, V]{
		ttl:      ttl,
		capacity: capacity,
		items:    make(map[K]entry[V], capacity),
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests).
func (c *Cache[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, replacing any previous entry and resetting its TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.capacity {
		c.evictLocked(now)
	}
	c.items[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}
}

// SetIfAbsent stores value only when key is missing or expired.
// It reports whether the value was stored.
func (c *Cache[K, V]) SetIfAbsent(key K, value V) bool {
	if _, ok := c.Get(key); ok {
		return false
	}
	c.Set(key, value)
	return true
}

// Delete removes key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len reports the number of stored entries, including ones not yet
// observed as expired.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictLocked drops expired entries, or the soonest-expiring one when none are expired.
func (c *Cache[K, V]) evictLocked(now time.Time) {
	var (
		victim    K
		victimExp time.Time
		found     bool
		dropped   bool
	)
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			dropped = true
			continue
		}
		if !found || e.expiresAt.Before(victimExp) {
			victim, victimExp, found = k, e.expiresAt, true
		}
	}
	if !dropped && found {
		delete(c.items, victim)
	}
}
