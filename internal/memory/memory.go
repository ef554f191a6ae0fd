// ABOUTME: Context store contract and the factory selecting a backend from config
// ABOUTME: Backends are the in-process cache, SQLite and a NATS JetStream KV bucket

package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/skillbot/internal/config"
	"github.com/2389/skillbot/internal/conversation"
)

// ErrNotFound is returned when no live context is stored for an id.
var ErrNotFound = errors.New("context not found")

// Store persists conversation contexts keyed by memory id.
type Store interface {
	// Get returns the stored context or ErrNotFound.
	Get(ctx context.Context, id string) (*conversation.Context, error)
	// Put stores c under id for ttl. A ttl of zero or less keeps it until deleted.
	Put(ctx context.Context, id string, c *conversation.Context, ttl time.Duration) error
	// Del removes the context. Removing a missing id is not an error.
	Del(ctx context.Context, id string) error
	Close() error
}

// ExpireFunc observes a context dropped because its TTL elapsed.
type ExpireFunc func(id string, c *conversation.Context)

type options struct {
	logger   *slog.Logger
	onExpire ExpireFunc
	sweep    time.Duration
}

// Option customises a store.
type Option func(*options)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithExpireHook sets a callback for expired contexts. Backends that expire
// entries server-side (NATS) cannot report them and ignore it.
func WithExpireHook(fn ExpireFunc) Option {
	return func(o *options) { o.onExpire = fn }
}

// WithSweepInterval sets how often expired contexts are purged. Defaults to a minute.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweep = d }
}

func applyOptions(component string, opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.sweep <= 0 {
		o.sweep = time.Minute
	}
	o.logger = o.logger.With("component", component)
	return o
}

// New builds the store selected by cfg.Type.
func New(ctx context.Context, cfg config.MemoryConfig, opts ...Option) (Store, error) {
	switch cfg.Type {
	case config.MemoryTypeMemory, "":
		return NewCache(opts...), nil
	case config.MemoryTypeSQLite:
		return NewSQLiteStore(cfg.Path, opts...)
	case config.MemoryTypeNATS:
		return NewNATSStore(ctx, cfg.URL, cfg.Bucket, cfg.Retention, opts...)
	}
	return nil, fmt.Errorf("unsupported memory type %q", cfg.Type)
}

// ExpiryLogger returns an ExpireFunc recording an aborted skill for contexts
// that expired while waiting for an answer.
func ExpiryLogger(recorder *conversation.Recorder) ExpireFunc {
	return func(id string, c *conversation.Context) {
		if c == nil || c.Confirming == "" {
			return
		}
		recorder.SkillStatus(context.Background(), id, c.Skill, conversation.StatusAborted, c.Confirming)
	}
}
