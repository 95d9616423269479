package streaminghttp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	brokermem "github.com/contexthost/mcprt/broker/memory"
	"github.com/contexthost/mcprt/catalog"
	"github.com/contexthost/mcprt/concurrency"
	"github.com/contexthost/mcprt/internal/engine"
	"github.com/contexthost/mcprt/mcp"
	"github.com/contexthost/mcprt/sessions"
	storagemem "github.com/contexthost/mcprt/storage/memory"
	"github.com/contexthost/mcprt/subscriptions"
)

// newNode builds one handler instance on shared session storage and a shared
// broker, the way two replicas behind a load balancer would run.
func newNode(t *testing.T, store *storagemem.KV, b *brokermem.Broker) *fixture {
	t.Helper()
	adapter, err := concurrency.New(concurrency.ModeThreaded)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { adapter.Close() })

	cat := catalog.New()
	cat.MustAddResource(catalog.TextResource("memo://note", "note", "text/plain", "hello"))

	eng, err := engine.New(engine.Config{
		Catalog:       cat,
		Subscriptions: subscriptions.NewManager(adapter, nil),
		Adapter:       adapter,
		ServerInfo:    mcp.ImplementationInfo{Name: "node", Version: "0"},
	})
	if err != nil {
		t.Fatal(err)
	}

	registry, err := sessions.NewRegistry(sessions.Config{Store: store, Adapter: adapter})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { registry.Close() })

	h := NewHandler(eng, adapter, registry, b)
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return &fixture{handler: h, catalog: cat, server: server}
}

// A subscription taken out against one node is delivered through a stream
// attached to another, since session state and messages live in shared
// backends.
func TestSubscriptionDeliveredAcrossNodes(t *testing.T) {
	store := storagemem.New()
	b := brokermem.New()
	nodeA := newNode(t, store, b)
	nodeB := newNode(t, store, b)

	sessionID := nodeA.initSession(t)

	resp := nodeA.post(t, sessionID, `{"jsonrpc":"2.0","id":2,"method":"resources/subscribe","params":{"uri":"memo://note"}}`)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("subscribe: got status %d", resp.StatusCode)
	}

	nodeA.catalog.Notifier().ResourceUpdated(context.Background(), mcp.Resource{URI: "memo://note", Name: "note"})

	reader, closeStream := nodeB.attach(t, sessionID, "")
	defer closeStream()
	ev := readStreamEvent(t, reader)

	var note struct {
		Method string `json:"method"`
		Params struct {
			URI string `json:"uri"`
		} `json:"params"`
	}
	if err := json.Unmarshal([]byte(ev.data), &note); err != nil {
		t.Fatal(err)
	}
	if note.Method != "notifications/resources/updated" || note.Params.URI != "memo://note" {
		t.Fatalf("got %s", ev.data)
	}
}
