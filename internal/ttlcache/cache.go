// ABOUTME: Thread-safe TTL cache with per-entry expiry and bounded size
// ABOUTME: Backs the in-process context store and the webhook redelivery guard

package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the value, its deadline and its list element.
type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited cache. The list keeps keys in write
// order (oldest at front) so eviction is O(1).
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*entry[V]
	order   *list.List
	ttl     time.Duration
	maxSize int
	onEvict func(key string, value V)
	sweep   time.Duration
	done    chan struct{}
	closed  bool
}

// Option customises a Cache.
type Option[V any] func(*Cache[V])

// WithMaxSize bounds the cache. The oldest entry is evicted when full.
func WithMaxSize[V any](n int) Option[V] {
	return func(c *Cache[V]) { c.maxSize = n }
}

// WithEvictHook calls fn for every entry dropped by expiry or eviction.
// It is not called for Delete. fn runs without the cache lock held.
func WithEvictHook[V any](fn func(key string, value V)) Option[V] {
	return func(c *Cache[V]) { c.onEvict = fn }
}

// WithCleanupInterval sets how often expired entries are swept.
func WithCleanupInterval[V any](d time.Duration) Option[V] {
	return func(c *Cache[V]) { c.sweep = d }
}

// New creates a cache whose entries live for ttl unless set with their own
// TTL. A background goroutine removes expired entries until Close.
func New[V any](ttl time.Duration, opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		items: make(map[string]*entry[V]),
		order: list.New(),
		ttl:   ttl,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweep <= 0 {
		c.sweep = cleanupInterval(ttl)
	}
	go c.cleanup(c.sweep)
	return c
}

func cleanupInterval(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return time.Minute
	case ttl < time.Second:
		return ttl
	case ttl > time.Minute:
		return time.Minute
	}
	return ttl / 2
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok || c.expired(e, time.Now()) {
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the cache's default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key for ttl. A ttl of zero or less never expires.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	evicted := c.set(key, value, ttl)
	c.notify(evicted)
}

// Add stores value only if key is absent or expired. It reports whether the
// value was stored, so concurrent callers can claim a key exactly once.
func (c *Cache[V]) Add(key string, value V) bool {
	c.mu.Lock()
	if e, ok := c.items[key]; ok && !c.expired(e, time.Now()) {
		c.mu.Unlock()
		return false
	}
	evicted := c.setLocked(key, value, c.ttl)
	c.mu.Unlock()

	c.notify(evicted)
	return true
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.order.Remove(e.element)
		delete(c.items, key)
	}
}

// Len returns the number of stored entries, expired ones included until cleanup.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[V]) set(key string, value V, ttl time.Duration) []*entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(key, value, ttl)
}

// setLocked stores the entry and returns anything evicted. Must be called with mu held.
func (c *Cache[V]) setLocked(key string, value V, ttl time.Duration) []*entry[V] {
	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}

	if e, exists := c.items[key]; exists {
		e.value = value
		e.expiresAt = deadline
		c.order.MoveToBack(e.element)
		return nil
	}

	var evicted []*entry[V]
	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		if e := c.evictOldest(); e != nil {
			evicted = append(evicted, e)
		}
	}

	e := &entry[V]{key: key, value: value, expiresAt: deadline}
	e.element = c.order.PushBack(e)
	c.items[key] = e
	return evicted
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache[V]) evictOldest() *entry[V] {
	front := c.order.Front()
	if front == nil {
		return nil
	}
	e, _ := front.Value.(*entry[V])
	c.order.Remove(front)
	delete(c.items, e.key)
	return e
}

func (c *Cache[V]) expired(e *entry[V], now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (c *Cache[V]) notify(entries []*entry[V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range entries {
		c.onEvict(e.key, e.value)
	}
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.notify(c.removeExpired())
		case <-c.done:
			return
		}
	}
}

func (c *Cache[V]) removeExpired() []*entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []*entry[V]
	for key, e := range c.items {
		if c.expired(e, now) {
			c.order.Remove(e.element)
			delete(c.items, key)
			expired = append(expired, e)
		}
	}
	return expired
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
