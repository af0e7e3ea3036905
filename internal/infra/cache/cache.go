// Package cache provides the short-lived user cache consulted by the auth
// middleware. Entries are evicted explicitly when a user is suspended.
package cache

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// TTL is a thread-safe TTL cache with an optional entry cap. When full, Set
// drops expired entries first and then an arbitrary live one.
type TTL[T any] struct {
	mu         sync.RWMutex
	items      map[string]entry[T]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

// New creates a cache whose entries live for ttl. maxEntries <= 0 means unbounded.
// Call Close to stop the background sweeper.
func New[T any](ttl time.Duration, maxEntries int) *TTL[T] {
	c := &TTL[T]{
		items:      make(map[string]entry[T]),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the live value for key.
func (c *TTL[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || !c.now().Before(e.expiresAt) {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (c *TTL[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictLocked()
	}
	c.items[key] = entry[T]{value: value, expiresAt: c.now().Add(c.ttl)}
}

func (c *TTL[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len counts stored entries, expired ones included until swept.
func (c *TTL[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the sweeper. It is safe to call more than once.
func (c *TTL[T]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *TTL[T]) evictLocked() {
	now := c.now()
	removed := c.removeExpiredLocked(now)
	if removed > 0 {
		return
	}
	for k := range c.items {
		delete(c.items, k)
		return
	}
}

func (c *TTL[T]) removeExpiredLocked(now time.Time) int {
	n := 0
	for k, v := range c.items {
		if !now.Before(v.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *TTL[T]) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.removeExpiredLocked(c.now())
			c.mu.Unlock()
		}
	}
}
