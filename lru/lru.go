// Package lru provides a fixed-capacity key-value cache with strict
// least-recently-used eviction.
//
// Recency is maintained as a strict total order using a doubly-linked list,
// so the eviction choice is never ambiguous. Get and Set promote the
// accessed entry to most-recently-used; Has is an existence probe that does
// not disturb recency, allowing callers to check several keys before
// deciding whether to fetch without perturbing eviction order.
//
// A Cache is safe for concurrent use by multiple goroutines.
package lru

import (
	"container/list"
	"fmt"
	"sync"
)

// Cache is a bounded key-value store with LRU eviction. The zero value is
// not usable; create instances with New.
type Cache[K comparable, V any] struct {
	mutex    sync.Mutex
	capacity int
	order    *list.List // front is most-recently-used
	entries  map[K]*list.Element
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New creates a Cache that holds at most capacity entries. A capacity less
// than 1 is a configuration error.
func New[K comparable, V any](capacity int) (*Cache[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	return &Cache[K, V]{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[K]*list.Element, capacity),
	}, nil
}

// Get returns the value stored for key and promotes the entry to
// most-recently-used. The second return value is false if the key is not
// present. A miss has no side effects.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*entry[K, V]).value, true
}

// Set stores value for key as the most-recently-used entry. If the key is
// already present its value is replaced and the entry promoted; replacement
// does not count against capacity. If the key is new and the cache is full,
// the single least-recently-used entry is evicted first.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*entry[K, V]).value = value
		c.order.MoveToFront(elem)
		return
	}

	if len(c.entries) == c.capacity {
		c.evictOldest()
	}
	c.entries[key] = c.order.PushFront(&entry[K, V]{key: key, value: value})
}

// Has reports whether key is present without altering recency.
func (c *Cache[K, V]) Has(key K) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, ok := c.entries[key]
	return ok
}

// Clear removes all entries. Capacity is retained.
func (c *Cache[K, V]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.order.Init()
	clear(c.entries)
}

// Len returns the number of entries currently stored, which is never more
// than the capacity.
func (c *Cache[K, V]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.entries)
}

// Cap returns the capacity the cache was created with.
func (c *Cache[K, V]) Cap() int {
	return c.capacity
}

func (c *Cache[K, V]) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		// Eviction is only requested when the cache is full, so an empty
		// list here is a bug in the cache itself.
		panic("lru: evict from empty cache")
	}
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(*entry[K, V]).key)
}
