// ABOUTME: TTL cache of recently seen idempotency keys
// ABOUTME: Collapses duplicate deliveries of the same logical send on the server

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Cache remembers idempotency keys for a bounded window so that a send
// delivered twice (live-channel replay, client retry on a flaky network)
// is processed once. Bounded both by TTL and by entry count; insertion
// order is kept in a list so eviction of the oldest key is O(1).
type Cache struct {
	mu      sync.Mutex
	keys    map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

type entry struct {
	seenAt time.Time
	elem   *list.Element
}

// New creates a cache holding keys for ttl, capped at maxSize entries.
// A background goroutine sweeps expired keys once a minute until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		keys:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Check reports whether the key is inside the dedupe window.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.keys[key]
	return ok && time.Since(e.seenAt) < c.ttl
}

// Mark records the key as seen, evicting the oldest entry at capacity.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// CheckAndMark atomically checks the key and marks it when new. It returns
// true for a duplicate. Callers on the live fan-out path use this form so
// two concurrent deliveries of one key cannot both pass.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.keys[key]; ok && time.Since(e.seenAt) < c.ttl {
		return true
	}
	c.markLocked(key)
	return false
}

func (c *Cache) markLocked(key string) {
	now := time.Now()

	if e, ok := c.keys[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.elem)
		return
	}

	if len(c.keys) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.keys, oldest)
		}
	}

	c.keys[key] = &entry{seenAt: now, elem: c.order.PushBack(key)}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.keys {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.elem)
			delete(c.keys, key)
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
