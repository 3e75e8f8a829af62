// Package cache implements a byte-budgeted LRU cache with a TTL cutoff.
//
// The cache is advisory. Callers must treat every failure mode (oversized
// entry, expiry, eviction) as a miss and recompute.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultEntryOverhead approximates per-entry bookkeeping (list element, map
// slot, key header) for callers that opt in with WithEntryOverhead.
const DefaultEntryOverhead = 96

// Stats summarizes cache occupancy and effectiveness.
type Stats struct {
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Budget    int64  `json:"budget"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now      func() time.Time
	sizer    func(any) int64
	overhead int64
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSizer sets the estimator used when Put is given a non-positive size.
func WithSizer(fn func(any) int64) Option {
	return func(o *options) { o.sizer = fn }
}

// WithEntryOverhead charges n bytes plus the key length on top of every
// entry's size. Without it sizes are stored exactly as given.
func WithEntryOverhead(n int64) Option {
	return func(o *options) { o.overhead = max(n, 0) }
}

type entry[V any] struct {
	key            string
	value          V
	size           int64
	insertedAt     time.Time
	lastAccessedAt time.Time
}

// Cache is a concurrency-safe LRU keyed by string. Resident bytes never exceed
// the budget once Put returns.
type Cache[V any] struct {
	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
	bytes int64

	budget atomic.Int64
	ttl    time.Duration
	now      func() time.Time
	sizer    func(any) int64
	overhead int64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64
}

// New creates a cache holding at most budget bytes, each entry living at most
// ttl after insertion. A zero ttl disables expiry.
func New[V any](budget int64, ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache[V]{
		ll:    list.New(),
		items: make(map[string]*list.Element),
		ttl:   ttl,
		now:      o.now,
		sizer:    o.sizer,
		overhead: o.overhead,
	}
	c.budget.Store(max(budget, 0))
	return c
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	ent := el.Value.(*entry[V])
	if c.isExpired(ent, now) {
		c.removeElement(el)
		c.expired.Add(1)
		c.misses.Add(1)
		return zero, false
	}
	ent.lastAccessedAt = now
	c.ll.MoveToFront(el)
	c.hits.Add(1)
	return ent.value, true
}

// Put inserts or replaces key. Least recently used entries are evicted until
// the cache fits its budget, then expired entries are purged. A value larger
// than the whole budget is not stored and any previous value for key is
// dropped.
func (c *Cache[V]) Put(key string, value V, size int64) {
	if size <= 0 && c.sizer != nil {
		size = c.sizer(value)
	}
	size = max(size, 0)
	if c.overhead > 0 {
		size += int64(len(key)) + c.overhead
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	budget := c.budget.Load()
	if size > budget {
		return
	}

	ent := &entry[V]{key: key, value: value, size: size, insertedAt: now, lastAccessedAt: now}
	c.items[key] = c.ll.PushFront(ent)
	c.bytes += size
	c.evictToLocked(budget)
	if c.ttl > 0 {
		c.purgeExpiredLocked(now)
	}
}

// Invalidate removes key if present.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Clear drops every entry. Counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	clear(c.items)
	c.bytes = 0
}

// SetBudget changes the byte ceiling and evicts down to it immediately.
func (c *Cache[V]) SetBudget(budget int64) {
	budget = max(budget, 0)
	c.budget.Store(budget)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictToLocked(budget)
}

// Budget returns the current byte ceiling.
func (c *Cache[V]) Budget() int64 {
	return c.budget.Load()
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache[V]) Sweep() int {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeExpiredLocked(c.now())
}

// Len returns the number of resident entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns a point-in-time snapshot.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	entries, bytes := c.ll.Len(), c.bytes
	c.mu.Unlock()
	return Stats{
		Entries:   entries,
		Bytes:     bytes,
		Budget:    c.budget.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}

func (c *Cache[V]) isExpired(ent *entry[V], now time.Time) bool {
	return c.ttl > 0 && !now.Before(ent.insertedAt.Add(c.ttl))
}

func (c *Cache[V]) evictToLocked(budget int64) {
	for c.bytes > budget {
		el := c.ll.Back()
		if el == nil {
			return
		}
		c.removeElement(el)
		c.evictions.Add(1)
	}
}

func (c *Cache[V]) purgeExpiredLocked(now time.Time) int {
	n := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if c.isExpired(el.Value.(*entry[V]), now) {
			c.removeElement(el)
			c.expired.Add(1)
			n++
		}
		el = prev
	}
	return n
}

func (c *Cache[V]) removeElement(el *list.Element) {
	ent := el.Value.(*entry[V])
	c.ll.Remove(el)
	delete(c.items, ent.key)
	c.bytes -= ent.size
}

// StringSize is a Sizer for string values.
func StringSize(v any) int64 {
	s, _ := v.(string)
	return int64(len(s))
}
