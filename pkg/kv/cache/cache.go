// Package cache implements an in-memory LRU+TTL cache: a bounded hashmap
// with O(1) get/set/delete/has, a container/list doubly-linked list for LRU
// ordering, per-entry TTL, and a periodic background sweep that evicts
// expired entries starting from the LRU end.
//
// The hashmap+sentinel-list shape is grounded on the teacher's own
// hand-rolled entry/shard style (lib/db/engines/maple/internal/internal.go's
// Entry/Shard, maple.go's GC loop that runs as a cancellable goroutine for
// the lifetime of the store) rather than a third-party LRU package: the
// teacher never imports one directly (hashicorp/golang-lru only appears
// deep in dragonboat's indirect closure, dropped per DESIGN.md), so
// reaching for one here would not be "the teacher's way".
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/birchdb/birch/internal/logging"
)

var log = logging.Get("cache")

// Stats is a snapshot of the cache's hit/miss/eviction counters and
// current footprint, also consumed verbatim by pkg/admin for the
// metrics endpoint.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Size        int
	MemoryBytes int64
}

// HitRate returns Hits / (Hits + Misses), or 0 when there have been no
// lookups yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// maxEvictionsPerSet bounds the work a single Set call can do to bring
// the cache back under its size and memory limits.
const maxEvictionsPerSet = 1000

type entry struct {
	key       string
	value     any
	expiresAt time.Time // zero means no expiry
	size      int64
	elem      *list.Element
}

// Cache is the LRU+TTL cache. The zero value is not usable; construct
// with New.
type Cache struct {
	mu sync.Mutex

	maxSize     int
	defaultTTL  time.Duration
	maxMemory   int64

	items map[string]*entry
	order *list.List // front = most recently used, back = least recently used

	stats Stats

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
	closed        bool
}

// Options configures a new Cache.
type Options struct {
	MaxSize     int
	DefaultTTL  time.Duration
	MaxMemory   int64
}

// New constructs a Cache and starts its background sweep goroutine. Call
// Destroy to stop the goroutine and release the cache.
func New(opts Options) *Cache {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1000
	}
	c := &Cache{
		maxSize:    opts.MaxSize,
		defaultTTL: opts.DefaultTTL,
		maxMemory:  opts.MaxMemory,
		items:      make(map[string]*entry, opts.MaxSize),
		order:      list.New(),
		stopSweep:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
	c.sweepInterval = sweepInterval(opts.DefaultTTL)
	go c.sweepLoop()
	return c
}

// sweepInterval picks a background-sweep cadence of
// max(1000ms, min(ttl/10, 60000ms)). A zero TTL (no default expiry)
// still runs the sweep at its slowest cadence so per-entry TTLs set via
// Set's ttl override are still reaped.
func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 60 * time.Second
	}
	interval := ttl / 10
	if interval > 60*time.Second {
		interval = 60 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Get returns the value stored under key and bumps it to the front of the
// LRU list. ok is false if the key is absent or has expired.
func (c *Cache) Get(key string) (value any, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.items[key]
	if !found {
		c.stats.Misses++
		return nil, false
	}
	if e.expired(time.Now()) {
		c.removeLocked(e)
		c.stats.Misses++
		c.stats.Expirations++
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	c.stats.Hits++
	return e.value, true
}

// Has reports presence without affecting LRU order or hit/miss stats.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.items[key]
	if !found {
		return false
	}
	if e.expired(time.Now()) {
		c.removeLocked(e)
		c.stats.Expirations++
		return false
	}
	return true
}

// Set inserts or overwrites key. ttl of 0 uses the cache's default TTL
// (itself possibly 0, meaning no expiry). Inserting beyond maxSize
// entries or maxMemory bytes evicts from the LRU end until both bounds
// are satisfied again, up to maxEvictionsPerSet entries; a single
// remaining entry is never evicted just to satisfy the memory bound.
func (c *Cache) Set(key string, value any, ttl time.Duration, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if e, found := c.items[key]; found {
		c.stats.MemoryBytes -= e.size
		e.value = value
		e.expiresAt = expiresAt
		e.size = size
		c.stats.MemoryBytes += size
		c.order.MoveToFront(e.elem)
		return
	}

	e := &entry{key: key, value: value, expiresAt: expiresAt, size: size}
	e.elem = c.order.PushFront(e)
	c.items[key] = e
	c.stats.MemoryBytes += size

	evictions := 0
	for len(c.items) > c.maxSize && evictions < maxEvictionsPerSet {
		c.evictOneLocked()
		evictions++
	}
	for c.stats.MemoryBytes > c.maxMemory && c.maxMemory > 0 && len(c.items) > 1 && evictions < maxEvictionsPerSet {
		c.evictOneLocked()
		evictions++
	}
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, found := c.items[key]; found {
		c.removeLocked(e)
	}
}

// Clear empties the cache without stopping its sweep goroutine.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry, c.maxSize)
	c.order.Init()
	c.stats.Size = 0
	c.stats.MemoryBytes = 0
}

// Destroy stops the background sweep and releases the cache's entries.
func (c *Cache) Destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopSweep)
	<-c.sweepDone
	c.Clear()
}

// GetStats returns a snapshot of the cache's statistics.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.items)
	return s
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// evictOneLocked drops the least-recently-used entry. Caller holds c.mu.
func (c *Cache) evictOneLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	c.removeLocked(e)
	c.stats.Evictions++
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.items, e.key)
	c.stats.MemoryBytes -= e.size
}

func (c *Cache) sweepLoop() {
	defer close(c.sweepDone)
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep runs one expiry pass over the whole list, walking from the LRU
// end to the front; reads do not extend an entry's TTL. Exported so tests and callers needing an
// immediate sweep (e.g. before computing stats) don't have to wait on
// the ticker.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for elem := c.order.Back(); elem != nil; {
		e := elem.Value.(*entry)
		prev := elem.Prev()
		if e.expired(now) {
			c.removeLocked(e)
			c.stats.Expirations++
		}
		elem = prev
	}
}
