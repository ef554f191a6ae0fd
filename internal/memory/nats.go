// ABOUTME: Context store on a NATS JetStream key-value bucket
// ABOUTME: The bucket TTL bounds retention; per-put TTLs are enforced on read

package memory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/2389/skillbot/internal/conversation"
)

// kvBucket is the subset of a JetStream KV bucket the store uses.
type kvBucket interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// jetstreamBucket adapts jetstream.KeyValue to kvBucket.
type jetstreamBucket struct {
	kv jetstream.KeyValue
}

func (b jetstreamBucket) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (b jetstreamBucket) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

func (b jetstreamBucket) Delete(ctx context.Context, key string) error {
	err := b.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// envelope wraps a stored context with its own deadline.
type envelope struct {
	ExpiresAt int64           `json:"expires_at,omitempty"`
	Context   json.RawMessage `json:"context"`
}

// NATSStore implements Store on a JetStream KV bucket.
type NATSStore struct {
	conn   *nats.Conn
	bucket kvBucket
	opts   options
}

// NewNATSStore connects to url and opens bucket, creating it with retention
// as the bucket TTL when it doesn't exist.
func NewNATSStore(ctx context.Context, url, bucket string, retention time.Duration, opts ...Option) (*NATSStore, error) {
	o := applyOptions("memory", opts)

	conn, err := nats.Connect(url, nats.Name("skillbot"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "skillbot conversation contexts",
			TTL:         retention,
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, bucket)
		}
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("opening kv bucket %s: %w", bucket, err)
		}
		o.logger.Info("created KV bucket", "bucket", bucket, "ttl", retention)
	}

	s := newNATSStore(jetstreamBucket{kv: kv}, o)
	s.conn = conn
	o.logger.Info("NATS context store initialized", "url", url, "bucket", bucket)
	return s, nil
}

func newNATSStore(bucket kvBucket, o options) *NATSStore {
	if o.onExpire != nil {
		o.logger.Warn("expire hook is not supported by the nats context store")
	}
	return &NATSStore{bucket: bucket, opts: o}
}

// natsKey encodes a memory id into the KV key alphabet.
func natsKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// Get implements Store.
func (s *NATSStore) Get(ctx context.Context, id string) (*conversation.Context, error) {
	data, err := s.bucket.Get(ctx, natsKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading context: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding context envelope: %w", err)
	}
	if env.ExpiresAt > 0 && time.Now().UnixMilli() >= env.ExpiresAt {
		return nil, ErrNotFound
	}
	return conversation.Unmarshal(env.Context)
}

// Put implements Store.
func (s *NATSStore) Put(ctx context.Context, id string, c *conversation.Context, ttl time.Duration) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	env := envelope{Context: data}
	if ttl > 0 {
		env.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding context envelope: %w", err)
	}
	if err := s.bucket.Put(ctx, natsKey(id), raw); err != nil {
		return fmt.Errorf("storing context: %w", err)
	}
	return nil
}

// Del implements Store.
func (s *NATSStore) Del(ctx context.Context, id string) error {
	if err := s.bucket.Delete(ctx, natsKey(id)); err != nil {
		return fmt.Errorf("deleting context: %w", err)
	}
	return nil
}

// Close drains the NATS connection.
func (s *NATSStore) Close() error {
	if s.conn == nil {
		return nil
	}
	s.opts.logger.Info("closing NATS context store")
	return s.conn.Drain()
}
