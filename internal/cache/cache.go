// Package cache is a small in-process TTL cache with tag-based invalidation.
//
// Every entry is registered under zero or more tags. InvalidateTag removes
// exactly the keys registered under that tag; there is no pattern matching.
package cache

import (
	"sync"
	"time"

	"github.com/real-rm/supportdesk/internal/metrics"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
	tags      []string
}

// Cache maps string keys to values of type V
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*entry[V]
	tags       map[string]map[string]struct{}
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// New creates a cache whose entries live for ttl. maxEntries bounds memory;
// when full the entry closest to expiry is evicted.
func New[V any](ttl time.Duration, maxEntries int) *Cache[V] {
	return &Cache[V]{
		entries:    make(map[string]*entry[V]),
		tags:       make(map[string]map[string]struct{}),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// SetClock overrides the time source (tests)
func (c *Cache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the cached value for key if present and fresh
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && !c.now().Before(e.expiresAt) {
		c.removeLocked(key)
		ok = false
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		var zero V
		return zero, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return e.value, true
}

// Set stores value under key and registers it with every tag
func (c *Cache[V]) Set(key string, value V, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.removeLocked(key)
	} else if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}

	c.entries[key] = &entry[V]{value: value, expiresAt: c.now().Add(c.ttl), tags: tags}
	for _, t := range tags {
		keys, ok := c.tags[t]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[t] = keys
		}
		keys[key] = struct{}{}
	}
}

// Invalidate removes a single key
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// InvalidateTag removes every key registered under tag and returns how many
// were removed.
func (c *Cache[V]) InvalidateTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.tags[tag]
	n := 0
	for k := range keys {
		if _, ok := c.entries[k]; ok {
			c.removeLocked(k)
			n++
		}
	}
	delete(c.tags, tag)
	return n
}

// Len returns the number of stored entries, fresh or not
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for _, t := range e.tags {
		if keys, ok := c.tags[t]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.tags, t)
			}
		}
	}
}

func (c *Cache[V]) evictLocked() {
	now := c.now()
	var victim string
	var soonest time.Time
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.removeLocked(k)
			continue
		}
		if victim == "" || e.expiresAt.Before(soonest) {
			victim, soonest = k, e.expiresAt
		}
	}
	if len(c.entries) >= c.maxEntries && victim != "" {
		c.removeLocked(victim)
	}
}
