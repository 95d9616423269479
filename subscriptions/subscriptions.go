// Package subscriptions tracks which connections watch which resource URIs
// and fans out notifications/resources/updated when a resource changes.
package subscriptions

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/contexthost/mcprt/concurrency"
	"github.com/contexthost/mcprt/internal/jsonrpc"
	"github.com/contexthost/mcprt/mcp"
)

// Sink delivers serialized notifications to one subscriber connection.
type Sink interface {
	// Ready reports whether the connection has completed initialization.
	// Notifications are suppressed for sinks that are not ready.
	Ready() bool

	// Send writes one serialized JSON-RPC message to the connection.
	Send(ctx context.Context, data []byte) error
}

// ResourceMeta is the descriptive metadata carried in update notifications.
type ResourceMeta struct {
	Name     string
	MimeType string
}

// Manager maintains the URI to subscriber mapping. Its mutation and fan-out
// paths run under the configured concurrency adapter's lock.
type Manager struct {
	log  *slog.Logger
	mu   concurrency.Lock
	subs map[string]map[string]Sink
}

// NewManager creates an empty manager. A nil logger discards diagnostics.
func NewManager(adapter concurrency.Adapter, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		log:  log,
		mu:   adapter.NewLock(),
		subs: make(map[string]map[string]Sink),
	}
}

// Subscribe registers sink under (uri, subID). Re-subscribing the same pair
// replaces the sink.
func (m *Manager) Subscribe(uri, subID string, sink Sink) {
	m.mu.Do(func() {
		set, ok := m.subs[uri]
		if !ok {
			set = make(map[string]Sink)
			m.subs[uri] = set
		}
		set[subID] = sink
	})
}

// Unsubscribe removes (uri, subID). It is idempotent; removing the last
// subscriber drops the URI entry entirely.
func (m *Manager) Unsubscribe(uri, subID string) {
	m.mu.Do(func() {
		set, ok := m.subs[uri]
		if !ok {
			return
		}
		delete(set, subID)
		if len(set) == 0 {
			delete(m.subs, uri)
		}
	})
}

// SubscriberCount returns the number of subscribers watching uri.
func (m *Manager) SubscriberCount(uri string) int {
	var n int
	m.mu.Do(func() {
		n = len(m.subs[uri])
	})
	return n
}

// DropSubscriber removes subID from every URI it watches. Used when a
// connection goes away.
func (m *Manager) DropSubscriber(subID string) {
	m.mu.Do(func() {
		for uri, set := range m.subs {
			delete(set, subID)
			if len(set) == 0 {
				delete(m.subs, uri)
			}
		}
	})
}

// Notify fans out a resources-updated notification to every ready subscriber
// of uri. With no subscribers it returns without building a message. Sinks
// that fail to accept the message are pruned so one broken connection cannot
// wedge the rest.
func (m *Manager) Notify(ctx context.Context, uri string, meta ResourceMeta) {
	type target struct {
		subID string
		sink  Sink
	}
	var targets []target
	m.mu.Do(func() {
		for subID, sink := range m.subs[uri] {
			targets = append(targets, target{subID: subID, sink: sink})
		}
	})
	if len(targets) == 0 {
		return
	}

	note, err := jsonrpc.NewNotification(string(mcp.ResourcesUpdatedNotificationMethod), mcp.ResourceUpdatedParams{
		URI:      uri,
		Name:     meta.Name,
		MimeType: meta.MimeType,
	})
	if err != nil {
		m.log.ErrorContext(ctx, "failed to build resource update notification",
			slog.String("uri", uri), slog.String("err", err.Error()))
		return
	}
	data, err := json.Marshal(note)
	if err != nil {
		m.log.ErrorContext(ctx, "failed to encode resource update notification",
			slog.String("uri", uri), slog.String("err", err.Error()))
		return
	}

	for _, tgt := range targets {
		if !tgt.sink.Ready() {
			continue
		}
		if err := tgt.sink.Send(ctx, data); err != nil {
			m.log.WarnContext(ctx, "pruning subscriber after failed delivery",
				slog.String("uri", uri),
				slog.String("subscriber", tgt.subID),
				slog.String("err", err.Error()))
			m.Unsubscribe(uri, tgt.subID)
		}
	}
}
