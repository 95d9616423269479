// Package filter narrows listing results (tools, resources, prompts) per
// request. Filters compose left to right, and filtered snapshots are cached
// by normalized query so repeated listings with the same shape do not rerun
// the chain.
package filter

import (
	"context"
	"net/url"
	"sync"

	"github.com/contexthost/mcprt/auth"
)

// RequestContext carries the per-request inputs a filter may consult.
type RequestContext struct {
	// Query holds the request's query parameters.
	Query url.Values
	// Token is the authenticated principal, when the binding runs with an
	// OAuth resource server. Nil otherwise.
	Token *auth.TokenInfo
}

// Key returns the cache key for this context: the query parameters in
// canonical (sorted, encoded) form. Requests that differ only in parameter
// order share a snapshot.
func (rc RequestContext) Key() string {
	if len(rc.Query) == 0 {
		return ""
	}
	return rc.Query.Encode()
}

// Func transforms a listing. It must treat items as read-only and return the
// retained subset, which may be the input slice itself.
type Func[T any] func(ctx context.Context, rc RequestContext, items []T) []T

// Engine runs a filter chain over one kind of listing. The zero value is not
// usable; create engines with NewEngine.
type Engine[T any] struct {
	mu      sync.RWMutex
	chain   []Func[T]
	cache   map[string][]T
	version uint64
}

// NewEngine returns an engine with an empty chain. Apply on an empty chain
// returns its input unchanged.
func NewEngine[T any]() *Engine[T] {
	return &Engine[T]{cache: make(map[string][]T)}
}

// Register appends fn to the chain. Later registrations see the output of
// earlier ones. Registering invalidates cached snapshots.
func (e *Engine[T]) Register(fn Func[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chain = append(e.chain, fn)
	e.cache = make(map[string][]T)
	e.version++
}

// Apply runs the chain over items without consulting the cache.
func (e *Engine[T]) Apply(ctx context.Context, rc RequestContext, items []T) []T {
	e.mu.RLock()
	chain := e.chain
	e.mu.RUnlock()

	out := items
	for _, fn := range chain {
		out = fn(ctx, rc, out)
	}
	return out
}

// Snapshot returns the filtered listing for rc, computing and caching it on
// first use. Token-dependent filtering must not rely on Snapshot; callers
// with a token should use Apply directly since the cache is keyed by query
// shape alone.
func (e *Engine[T]) Snapshot(ctx context.Context, rc RequestContext, items []T) []T {
	if rc.Token != nil {
		return e.Apply(ctx, rc, items)
	}

	key := rc.Key()
	e.mu.RLock()
	cached, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return cached
	}

	out := e.Apply(ctx, rc, items)

	e.mu.Lock()
	e.cache[key] = out
	e.mu.Unlock()
	return out
}

// Invalidate drops all cached snapshots. Call it when the underlying catalog
// changes.
func (e *Engine[T]) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string][]T)
	e.version++
}

// Len returns the number of registered filters.
func (e *Engine[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.chain)
}
