package concurrency

import (
	"context"
	"sync"
	"time"
)

// threadedAdapter backs every primitive with the Go runtime's preemptive
// scheduler and real mutexes.
type threadedAdapter struct{}

// NewThreaded returns the preemptive, mutex-based adapter.
func NewThreaded() Adapter { return threadedAdapter{} }

func (threadedAdapter) NewLock() Lock { return &mutexLock{} }

func (threadedAdapter) Go(fn func()) { go fn() }

func (threadedAdapter) Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}

func (threadedAdapter) NewMap() Map {
	return &lockedMap{entries: make(map[string]any)}
}

func (threadedAdapter) Close() {}

type mutexLock struct{ mu sync.Mutex }

func (l *mutexLock) Do(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

type lockedMap struct {
	mu      sync.RWMutex
	entries map[string]any
}

func (m *lockedMap) Load(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

func (m *lockedMap) Store(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
}

func (m *lockedMap) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *lockedMap) Range(fn func(key string, value any) bool) {
	// Snapshot under the read lock so fn may mutate the map.
	m.mu.RLock()
	snapshot := make(map[string]any, len(m.entries))
	for k, v := range m.entries {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

func (m *lockedMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
