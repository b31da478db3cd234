// Package lru implements a generic, thread-safe LRU cache with optional
// per-entry expiry and an eviction hook.
//
// Get, Put, Delete and Len are O(1). The eviction hook runs after the cache
// lock is released, so it may call back into the cache.
package lru

import (
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key       K
	val       V
	expiresAt time.Time // zero means no expiry
	prev      *entry[K, V]
	next      *entry[K, V]
}

func (e *entry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Metrics is a snapshot of cache counters.
type Metrics struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// HitRate returns hits / (hits + misses), or 0 with no lookups.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithTTL sets the default lifetime applied by Put.
func WithTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.ttl = ttl }
}

// WithOnEvict registers fn to run for every entry removed by capacity
// pressure or expiry. Explicit Delete and Clear do not call it.
func WithOnEvict[K comparable, V any](fn func(key K, val V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// Cache is a generic, thread-safe LRU cache.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	onEvict  func(K, V)
	now      func() time.Time
	items    map[K]*entry[K, V]
	// root is a sentinel: root.next is most recently used, root.prev least.
	root    entry[K, V]
	metrics Metrics
}

// New creates an LRU cache with the given capacity.
// Panics if capacity < 1.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}
	c := &Cache[K, V]{
		capacity: capacity,
		now:      time.Now,
		items:    make(map[K]*entry[K, V], capacity),
	}
	c.root.next = &c.root
	c.root.prev = &c.root
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok && e.expired(c.now()) {
		c.unlink(e)
		c.metrics.Expirations++
		c.metrics.Misses++
		c.mu.Unlock()
		c.evicted(e)
		var zero V
		return zero, false
	}
	if !ok {
		c.metrics.Misses++
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	c.metrics.Hits++
	c.moveToFront(e)
	val := e.val
	c.mu.Unlock()
	return val, true
}

// Peek returns the value for key without touching recency or counters.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok || e.expired(c.now()) {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Put inserts or replaces key using the default TTL. When an insert pushes
// the cache over capacity the least recently used entry is evicted and
// returned.
func (c *Cache[K, V]) Put(key K, val V) (K, V, bool) {
	return c.PutWithTTL(key, val, c.ttl)
}

// PutWithTTL is Put with an explicit lifetime; ttl <= 0 means no expiry.
func (c *Cache[K, V]) PutWithTTL(key K, val V, ttl time.Duration) (K, V, bool) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		e.val = val
		e.expiresAt = expiresAt
		c.moveToFront(e)
		c.mu.Unlock()
		var zk K
		var zv V
		return zk, zv, false
	}

	var victim *entry[K, V]
	if len(c.items) >= c.capacity {
		victim = c.root.prev
		c.unlink(victim)
		c.metrics.Evictions++
	}

	e := &entry[K, V]{key: key, val: val, expiresAt: expiresAt}
	c.items[key] = e
	c.pushFront(e)
	c.mu.Unlock()

	if victim == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	c.evicted(victim)
	return victim.key, victim.val, true
}

// Delete removes key and returns its value. The eviction hook is not called.
func (c *Cache[K, V]) Delete(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.unlink(e)
	return e.val, true
}

// Len returns the number of entries, including expired ones not yet purged.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns live keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	keys := make([]K, 0, len(c.items))
	for e := c.root.next; e != &c.root; e = e.next {
		if !e.expired(now) {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Purge removes expired entries, running the eviction hook for each.
// Returns how many were removed.
func (c *Cache[K, V]) Purge() int {
	c.mu.Lock()
	now := c.now()
	var gone []*entry[K, V]
	for e := c.root.next; e != &c.root; {
		next := e.next
		if e.expired(now) {
			c.unlink(e)
			c.metrics.Expirations++
			gone = append(gone, e)
		}
		e = next
	}
	c.mu.Unlock()

	for _, e := range gone {
		c.evicted(e)
	}
	return len(gone)
}

// Drain removes every entry and returns the values, most recent first.
func (c *Cache[K, V]) Drain() []V {
	c.mu.Lock()
	defer c.mu.Unlock()
	vals := make([]V, 0, len(c.items))
	for e := c.root.next; e != &c.root; e = e.next {
		vals = append(vals, e.val)
	}
	c.root.next = &c.root
	c.root.prev = &c.root
	c.items = make(map[K]*entry[K, V], c.capacity)
	return vals
}

// Clear removes all entries without calling the eviction hook.
func (c *Cache[K, V]) Clear() {
	c.Drain()
}

// Metrics returns a snapshot of the cache counters.
func (c *Cache[K, V]) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Cache[K, V]) evicted(e *entry[K, V]) {
	if c.onEvict != nil {
		c.onEvict(e.key, e.val)
	}
}

// unlink removes e from both the list and the index. Caller holds mu.
func (c *Cache[K, V]) unlink(e *entry[K, V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
	delete(c.items, e.key)
}

func (c *Cache[K, V]) pushFront(e *entry[K, V]) {
	e.prev = &c.root
	e.next = c.root.next
	c.root.next.prev = e
	c.root.next = e
}

func (c *Cache[K, V]) moveToFront(e *entry[K, V]) {
	if c.root.next == e {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	c.pushFront(e)
}
