// Package redis provides a Redis-backed storage.KV for multi-node
// deployments where session metadata must be visible to every instance.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/contexthost/mcprt/storage"
)

// Config configures the Redis store.
type Config struct {
	// Client is the Redis client to use. If nil, a localhost client is
	// created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all keys. Defaults to "mcprt:kv:".
	KeyPrefix string
}

// KV implements storage.KV on Redis strings with native TTLs.
type KV struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates the store.
func New(cfg Config) *KV {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcprt:kv:"
	}
	return &KV{client: client, keyPrefix: prefix}
}

func (kv *KV) Get(ctx context.Context, key string) (*storage.Item, error) {
	data, err := kv.client.Get(ctx, kv.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}

	item := &storage.Item{Data: data}
	if ttl, err := kv.client.TTL(ctx, kv.keyPrefix+key).Result(); err == nil && ttl > 0 {
		expires := time.Now().Add(ttl)
		item.ExpiresAt = &expires
	}
	return item, nil
}

func (kv *KV) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := kv.client.Set(ctx, kv.keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (kv *KV) Delete(ctx context.Context, key string) error {
	if err := kv.client.Del(ctx, kv.keyPrefix+key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (kv *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := kv.client.Scan(ctx, 0, kv.keyPrefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(kv.keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

func (kv *KV) Close() error { return kv.client.Close() }

var _ storage.KV = (*KV)(nil)
