// ABOUTME: Thread-safe TTL cache remembering which client message ids were already appended.
// ABOUTME: Lets the dispatcher answer retried sends without another append attempt.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the assigned sequence number and list position for a key.
type cacheEntry struct {
	seq       int64
	timestamp time.Time
	element   *list.Element
}

// Cache maps (conversation id, client message id) to the sequence number the
// store assigned. Entries expire after the TTL and the oldest entry is evicted
// once maxSize is reached, so memory stays bounded under retry storms.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a new dedupe cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
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

// Key builds the cache key for a client message id within a conversation.
func Key(conversationID, clientMsgID string) string {
	return conversationID + "\x00" + clientMsgID
}

// Lookup returns the sequence number recorded for the key, if it is present
// and not expired.
func (c *Cache) Lookup(conversationID, clientMsgID string) (int64, bool) {
	if c == nil || clientMsgID == "" {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[Key(conversationID, clientMsgID)]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return 0, false
	}
	return entry.seq, true
}

// Remember records the sequence number assigned to a client message id.
// If the cache is at capacity, the oldest entry is evicted to make room.
func (c *Cache) Remember(conversationID, clientMsgID string, seq int64) {
	if c == nil || clientMsgID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(conversationID, clientMsgID)
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.seq = seq
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		seq:       seq,
		timestamp: now,
		element:   elem,
	}
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
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
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
