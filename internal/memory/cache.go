// ABOUTME: In-process context store backed by the TTL cache
// ABOUTME: Contexts are kept encoded so callers never share mutable state

package memory

import (
	"context"
	"time"

	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/ttlcache"
)

// Cache is a Store that lives in process memory.
type Cache struct {
	cache *ttlcache.Cache[[]byte]
	opts  options
}

// NewCache creates an in-process store.
func NewCache(opts ...Option) *Cache {
	o := applyOptions("memory", opts)
	c := &Cache{opts: o}
	c.cache = ttlcache.New[[]byte](0,
		ttlcache.WithEvictHook(c.expired),
		ttlcache.WithCleanupInterval[[]byte](o.sweep),
	)
	o.logger.Info("in-process context store initialized")
	return c
}

func (c *Cache) expired(id string, data []byte) {
	convo, err := conversation.Unmarshal(data)
	if err != nil {
		c.opts.logger.Warn("expired context is unreadable", "memory_id", id, "error", err)
		return
	}
	c.opts.logger.Debug("context expired", "memory_id", id)
	if c.opts.onExpire != nil {
		c.opts.onExpire(id, convo)
	}
}

// Get implements Store.
func (c *Cache) Get(_ context.Context, id string) (*conversation.Context, error) {
	data, ok := c.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return conversation.Unmarshal(data)
}

// Put implements Store.
func (c *Cache) Put(_ context.Context, id string, convo *conversation.Context, ttl time.Duration) error {
	data, err := convo.Marshal()
	if err != nil {
		return err
	}
	c.cache.SetWithTTL(id, data, ttl)
	return nil
}

// Del implements Store.
func (c *Cache) Del(_ context.Context, id string) error {
	c.cache.Delete(id)
	return nil
}

// Close stops the expiry sweeper.
func (c *Cache) Close() error {
	c.cache.Close()
	return nil
}
