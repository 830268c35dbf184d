// ABOUTME: Thread-safe TTL cache for embedding vectors keyed by content hash
// ABOUTME: Avoids redundant provider calls when re-indexing unchanged content

package knowledge

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the vector, timestamp and list element for a cached key.
type cacheEntry struct {
	vector    []float32
	timestamp time.Time
	element   *list.Element
}

// embedCache is a thread-safe, TTL-based, size-limited cache mapping content
// hashes to embedding vectors. Uses a doubly-linked list to maintain
// insertion order for O(1) eviction.
type embedCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// newEmbedCache creates a cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func newEmbedCache(ttl time.Duration, maxSize int) *embedCache {
	c := &embedCache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the cached vector for a key, or nil if absent or expired.
func (c *embedCache) Get(key string) []float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return nil
	}
	return entry.vector
}

// Put stores a vector for a key. If the cache is at capacity, the oldest
// entry is evicted to make room.
func (c *embedCache) Put(key string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		existing.vector = vector
		existing.timestamp = time.Now()
		return
	}

	for len(c.entries) >= c.maxSize {
		front := c.order.Front()
		if front == nil {
			break
		}
		oldest := front.Value.(string)
		c.order.Remove(front)
		delete(c.entries, oldest)
	}

	c.entries[key] = &cacheEntry{
		vector:    vector,
		timestamp: time.Now(),
		element:   c.order.PushBack(key),
	}
}

// cleanup periodically removes expired entries until Close is called.
func (c *embedCache) cleanup() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			for key, entry := range c.entries {
				if time.Since(entry.timestamp) >= c.ttl {
					c.order.Remove(entry.element)
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Close stops the cleanup goroutine.
func (c *embedCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
