// ABOUTME: TTL-bounded seen-key cache for dropping duplicate inbound wire messages.
// ABOUTME: Reconnecting clients tend to replay their last message; this absorbs it.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Cache remembers message keys for a bounded window so adapters can ignore
// replays. Entries expire after the TTL and the cache never holds more than
// maxSize keys; the oldest key is evicted first. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
}

type entry struct {
	at      time.Time
	element *list.Element
}

// New creates a cache that forgets keys after ttl and holds at most maxSize
// of them.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen reports whether the key was recorded within the TTL window, and
// records it if not. The check and the mark are one atomic step.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.seen[key]; ok && now.Sub(e.at) < c.ttl {
		return true
	}

	c.sweepLocked(now)

	if e, ok := c.seen[key]; ok {
		// Expired entry for the same key: refresh in place.
		e.at = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[key] = &entry{at: now, element: c.order.PushBack(key)}
	return false
}

// Len returns the number of keys currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// sweepLocked drops expired entries from the front of the insertion order.
// Entries are refreshed on re-mark, so the front is always the stalest.
func (c *Cache) sweepLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		key := front.Value.(string)
		if now.Sub(c.seen[key].at) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
