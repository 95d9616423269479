// Package memory provides the in-process storage.KV implementation used for
// single-node deployments and tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/contexthost/mcprt/storage"
)

// KV implements storage.KV with a mutex-guarded map. Expired entries are
// dropped lazily on read.
type KV struct {
	mu    sync.RWMutex
	items map[string]storage.Item
}

// New returns an empty in-memory store.
func New() *KV {
	return &KV{items: make(map[string]storage.Item)}
}

func (kv *KV) Get(ctx context.Context, key string) (*storage.Item, error) {
	kv.mu.RLock()
	item, ok := kv.items[key]
	kv.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if item.Expired() {
		kv.mu.Lock()
		delete(kv.items, key)
		kv.mu.Unlock()
		return nil, nil
	}
	out := item
	out.Data = append([]byte(nil), item.Data...)
	return &out, nil
}

func (kv *KV) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	item := storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		expires := time.Now().Add(ttl)
		item.ExpiresAt = &expires
	}
	kv.mu.Lock()
	kv.items[key] = item
	kv.mu.Unlock()
	return nil
}

func (kv *KV) Delete(ctx context.Context, key string) error {
	kv.mu.Lock()
	delete(kv.items, key)
	kv.mu.Unlock()
	return nil
}

func (kv *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	var keys []string
	for k, item := range kv.items {
		if strings.HasPrefix(k, prefix) && !item.Expired() {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (kv *KV) Close() error { return nil }

var _ storage.KV = (*KV)(nil)
