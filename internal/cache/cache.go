package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// entry stores one cached value with its insertion time.
type entry[V any] struct {
	storedAt time.Time
	value    V
}

// Cache is a process-wide TTL map. Entries older than TTL are misses and
// are dropped lazily when read. Entries older than TTL-StaleWindow are still
// served but flagged by IsStale so callers can refresh in the background.
type Cache[V any] struct {
	TTL         time.Duration
	StaleWindow time.Duration
	MaxItems    int
	Now         func() time.Time

	mu    sync.RWMutex
	items map[string]entry[V]

	hits, misses, stale, evictions atomic.Int64
}

// New creates a cache with the given TTL and stale window.
func New[V any](ttl, staleWindow time.Duration, maxItems int) *Cache[V] {
	return &Cache[V]{TTL: ttl, StaleWindow: staleWindow, MaxItems: maxItems}
}

func (c *Cache[V]) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Get returns the value for key if it is younger than TTL.
func (c *Cache[V]) Get(key string) (V, bool) {
	now := c.now()
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if ok && now.Sub(e.storedAt) < c.TTL {
		c.hits.Add(1)
		return e.value, true
	}
	if ok {
		// prune lazily, unless a writer refreshed it meanwhile
		c.mu.Lock()
		if cur, still := c.items[key]; still && cur.storedAt.Equal(e.storedAt) {
			delete(c.items, key)
			c.evictions.Add(1)
		}
		c.mu.Unlock()
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// IsStale reports whether key is present but close enough to expiry that it
// should be refreshed.
func (c *Cache[V]) IsStale(key string) bool {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	stale := c.now().Sub(e.storedAt) > c.TTL-c.StaleWindow
	if stale {
		c.stale.Add(1)
	}
	return stale
}

// Set stores value under key.
func (c *Cache[V]) Set(key string, value V) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil {
		c.items = make(map[string]entry[V])
	}
	c.items[key] = entry[V]{storedAt: now, value: value}

	// best-effort cap: expired first, then arbitrary
	if c.MaxItems > 0 && len(c.items) > c.MaxItems {
		for k, v := range c.items {
			if len(c.items) <= c.MaxItems {
				break
			}
			if now.Sub(v.storedAt) >= c.TTL {
				delete(c.items, k)
				c.evictions.Add(1)
			}
		}
		for k := range c.items {
			if len(c.items) <= c.MaxItems {
				break
			}
			if k == key {
				continue
			}
			delete(c.items, k)
			c.evictions.Add(1)
		}
	}
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// DeletePrefix removes every key starting with prefix and returns how many
// were removed.
func (c *Cache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Items     int   `json:"items"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	StaleHits int64 `json:"staleHits"`
	Evictions int64 `json:"evictions"`
}

func (c *Cache[V]) Stats() Stats {
	c.mu.RLock()
	n := len(c.items)
	c.mu.RUnlock()
	return Stats{
		Items:     n,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		StaleHits: c.stale.Load(),
		Evictions: c.evictions.Load(),
	}
}
