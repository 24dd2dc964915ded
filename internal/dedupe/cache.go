// ABOUTME: Thread-safe TTL cache for Idempotency-Key handling on trigger requests.
// ABOUTME: Remembers which execution a key produced so retried requests return the same run.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// State is the outcome of Begin.
type State int

const (
	// StateNew means the caller now owns the key and must Complete or Abort it.
	StateNew State = iota
	// StateInFlight means another request with the same key has not finished.
	StateInFlight
	// StateDone means the key already produced a result, returned by Begin.
	StateDone
)

// cacheEntry stores the result and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
	value     string
	done      bool
}

// Cache provides a thread-safe, TTL-based, size-limited map from idempotency
// keys to results. Uses a doubly-linked list to maintain insertion order for
// O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a new cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Begin atomically looks up key and reserves it if absent or expired.
// For StateDone the stored result is returned.
func (c *Cache) Begin(key string) (string, State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && time.Since(entry.timestamp) < c.ttl {
		if entry.done {
			return entry.value, StateDone
		}
		return "", StateInFlight
	}

	c.putLocked(key, "", false)
	return "", StateNew
}

// Complete records the result for a key reserved by Begin.
func (c *Cache) Complete(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value, true)
}

// Abort releases a reservation so the request can be retried.
func (c *Cache) Abort(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && !entry.done {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// putLocked inserts or refreshes key. Must be called with mu held.
func (c *Cache) putLocked(key, value string, done bool) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		entry.value = value
		entry.done = done
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp: now,
		element:   elem,
		value:     value,
		done:      done,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
