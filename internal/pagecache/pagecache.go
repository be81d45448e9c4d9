// Package pagecache keeps per-page artifacts alive while mentions of the page
// are still pending.
//
// An entry exists exactly while its reference count is positive. It is built
// on first Acquire and evicted when the last reference is released.
package pagecache

import (
	"fmt"
	"sync"
)

type entry[T any] struct {
	value T
	refs  int
}

// Cache is a reference-counted map from page id to artifact. It is safe for
// concurrent use.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[int64]*entry[T]
	onEvict func(pageID int64)
}

// New returns an empty cache. onEvict, if non-nil, is called after an entry
// is removed.
func New[T any](onEvict func(pageID int64)) *Cache[T] {
	return &Cache[T]{entries: make(map[int64]*entry[T]), onEvict: onEvict}
}

// Acquire returns the artifact for pageID, building it with build if it is
// not cached. refs is the number of pending consumers and is only used when
// the entry is created; it must be positive.
func (c *Cache[T]) Acquire(pageID int64, refs int, build func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[pageID]; ok {
		return e.value, nil
	}
	var zero T
	if refs <= 0 {
		return zero, fmt.Errorf("pagecache: page %d acquired with %d references", pageID, refs)
	}
	v, err := build()
	if err != nil {
		return zero, err
	}
	c.entries[pageID] = &entry[T]{value: v, refs: refs}
	return v, nil
}

// Get returns the cached artifact without touching its count.
func (c *Cache[T]) Get(pageID int64) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pageID]
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Release drops one reference and evicts the entry at zero. It reports
// whether the entry was evicted.
func (c *Cache[T]) Release(pageID int64) (bool, error) {
	c.mu.Lock()
	e, ok := c.entries[pageID]
	if !ok {
		c.mu.Unlock()
		return false, fmt.Errorf("pagecache: release of uncached page %d", pageID)
	}
	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return false, nil
	}
	delete(c.entries, pageID)
	c.mu.Unlock()
	if c.onEvict != nil {
		c.onEvict(pageID)
	}
	return true, nil
}

// Refs returns the live reference count of pageID, zero when absent.
func (c *Cache[T]) Refs(pageID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[pageID]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of cached pages.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
