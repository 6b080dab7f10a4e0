// Package cache is a bounded, thread-safe store of per-text transform
// results with oldest-inserted-first eviction.
package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1000

type entry[V any] struct {
	text  string
	value V
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
	Capacity  int
}

// Cache maps plaintext to a value. Keys are the xxhash64 of the text; the
// text itself is kept so a hash collision reads as a miss.
type Cache[V any] struct {
	entries  map[uint64]*entry[V]
	order    []uint64 // insertion ring
	head     int      // Index of oldest key
	tail     int      // Index where next key will be inserted
	size     int
	capacity int

	hits, misses, evictions uint64
	mu                      sync.RWMutex
}

// New creates a cache holding at most capacity texts.
func New[V any](capacity int) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache[V]{
		entries:  make(map[uint64]*entry[V], capacity),
		order:    make([]uint64, capacity),
		capacity: capacity,
	}
}

// Key is the cache key of text.
func Key(text string) uint64 { return xxhash.Sum64String(text) }

// Get returns the value stored for text.
func (c *Cache[V]) Get(text string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[Key(text)]
	if !ok || e.text != text {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Put stores value for text. Re-storing a text keeps its original insertion
// position. Returns true if an older text was evicted to make room.
func (c *Cache[V]) Put(text string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := Key(text)
	if e, ok := c.entries[k]; ok {
		// Same text, or a colliding one: the slot is reused either way.
		e.text, e.value = text, value
		return false
	}

	evicted := false
	if c.size == c.capacity {
		delete(c.entries, c.order[c.head])
		c.head = (c.head + 1) % c.capacity
		c.size--
		c.evictions++
		evicted = true
	}

	c.entries[k] = &entry[V]{text: text, value: value}
	c.order[c.tail] = k
	c.tail = (c.tail + 1) % c.capacity
	c.size++
	return evicted
}

// Len returns the number of cached texts.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// Capacity returns the maximum number of cached texts.
func (c *Cache[V]) Capacity() int {
	return c.capacity
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.size,
		Capacity:  c.capacity,
	}
}

// Clear drops every entry. Counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.entries)
	c.head = 0
	c.tail = 0
	c.size = 0
}
