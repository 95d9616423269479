package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/contexthost/mcprt/catalog"
	"github.com/contexthost/mcprt/concurrency"
	"github.com/contexthost/mcprt/filter"
	"github.com/contexthost/mcprt/mcp"
	"github.com/contexthost/mcprt/subscriptions"
)

type connSink struct {
	mu    sync.Mutex
	conn  *Conn
	sent  [][]byte
	ready func() bool
}

func (s *connSink) Ready() bool {
	if s.ready != nil {
		return s.ready()
	}
	return s.conn != nil && s.conn.Ready()
}

func (s *connSink) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func (s *connSink) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

type testServer struct {
	engine *Engine
	subs   *subscriptions.Manager
	cat    *catalog.Catalog
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	adapter, err := concurrency.New(concurrency.ModeThreaded)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { adapter.Close() })

	cat := catalog.New()
	cat.MustAddTool(catalog.NewTool("greet", func(ctx context.Context, n catalog.Notifier, args struct {
		Name string `json:"name"`
	}) (*mcp.CallToolResult, error) {
		return catalog.TextResult("Hello, " + args.Name + "!"), nil
	}, catalog.WithToolDescription("Greets the caller by name.")))
	cat.MustAddResource(catalog.TextResource("note://welcome", "welcome", "text/plain", "hi"))

	subs := subscriptions.NewManager(adapter, nil)
	eng, err := New(Config{
		Catalog:       cat,
		Subscriptions: subs,
		Adapter:       adapter,
		ServerInfo:    mcp.ImplementationInfo{Name: "test-server", Version: "0.0.1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testServer{engine: eng, subs: subs, cat: cat}
}

func (ts *testServer) newConn(t *testing.T, id string) (*Conn, *connSink) {
	t.Helper()
	sink := &connSink{}
	conn := ts.engine.NewConn(id, sink)
	sink.conn = conn
	t.Cleanup(conn.Close)
	return conn, sink
}

func handle(t *testing.T, c *Conn, msg string) map[string]any {
	t.Helper()
	out, err := c.HandleMessage(context.Background(), filter.RequestContext{}, []byte(msg))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if out == nil {
		return nil
	}
	var resp map[string]any
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("invalid response %q: %v", out, err)
	}
	return resp
}

func initialized(t *testing.T, c *Conn) {
	t.Helper()
	handle(t, c, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"t","version":"1"}}}`)
	handle(t, c, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if !c.Ready() {
		t.Fatal("connection should be ready after handshake")
	}
}

func errObj(t *testing.T, resp map[string]any) (float64, string) {
	t.Helper()
	e, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error in %v", resp)
	}
	return e["code"].(float64), e["message"].(string)
}

func TestPingReturnsEmptyObject(t *testing.T) {
	ts := newTestServer(t)
	c, _ := ts.newConn(t, "c1")

	resp := handle(t, c, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	result, ok := resp["result"].(map[string]any)
	if !ok || len(result) != 0 {
		t.Fatalf("got result %v, want {}", resp["result"])
	}
}

func TestInitializeHandshake(t *testing.T) {
	ts := newTestServer(t)
	c, _ := ts.newConn(t, "c1")

	resp := handle(t, c, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"cli","version":"2"}}}`)
	result := resp["result"].(map[string]any)
	if result["protocolVersion"] != "2025-06-18" {
		t.Errorf("got protocolVersion %v", result["protocolVersion"])
	}
	serverInfo := result["serverInfo"].(map[string]any)
	if serverInfo["name"] != "test-server" {
		t.Errorf("got serverInfo %v", serverInfo)
	}
	if c.State() != StateInitializing {
		t.Errorf("got state %q", c.State())
	}

	if out := handle(t, c, `{"jsonrpc":"2.0","method":"notifications/initialized"}`); out != nil {
		t.Errorf("initialized notification must not produce a response, got %v", out)
	}
	if !c.Ready() {
		t.Error("connection should be ready")
	}
	if c.ClientInfo().Name != "cli" {
		t.Errorf("got client info %+v", c.ClientInfo())
	}
}

func TestDoubleInitializeRejected(t *testing.T) {
	ts := newTestServer(t)
	c, _ := ts.newConn(t, "c1")

	handle(t, c, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	resp := handle(t, c, `{"jsonrpc":"2.0","id":2,"method":"initialize"}`)
	code, _ := errObj(t, resp)
	if code != -32600 {
		t.Errorf("got code %v", code)
	}
}

func TestUnknownMethod(t *testing.T) {
	ts := newTestServer(t)
	c, _ := ts.newConn(t, "c1")

	resp := handle(t, c, `{"jsonrpc":"2.0","id":3,"method":"unknown"}`)
	code, msg := errObj(t, resp)
	if code != -32601 {
		t.Errorf("got code %v, want -32601", code)
	}
	if msg != "Method not found: unknown" {
		t.Errorf("got message %q", msg)
	}
}

func TestMalformedJSONYieldsInvalidRequestWithNullID(t *testing.T) {
	ts := newTestServer(t)
	c, _ := ts.newConn(t, "c1")

	out, err := c.HandleMessage(context.Background(), filter.RequestContext{}, []byte(`{not json`))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("got err %v, want ErrInvalidMessage", err)
	}
	var resp struct {
		ID    json.RawMessage `json:"id"`
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error.Code != -32600 || resp.Error.Message != "Invalid Request" {
		t.Errorf("got %+v", resp.Error)
	}
	if string(resp.ID) != "null" {
		t.Errorf("got id %s, want null", resp.ID)
	}
}

func TestEnvelopeWithRecoverableIDKeepsID(t *testing.T) {
	ts := newTestServer(t)
	c, _ := ts.newConn(t, "c1")

	// Valid JSON but not a valid 2.0 envelope.
	out, err := c.HandleMessage(context.Background(), filter.RequestContext{}, []byte(`{"jsonrpc":"1.0","id":42,"method":"ping"}`))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("got err %v, want ErrInvalidMessage", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	code, _ := errObj(t, resp)
	if code != -32600 {
		t.Errorf("got code %v", code)
	}
	if resp["id"].(float64) != 42 {
		t.Errorf("got id %v, want 42", resp["id"])
	}
}

func TestGreetToolScenario(t *testing.T) {
	ts := newTestServer(t)
	c, _ := ts.newConn(t, "c1")
	initialized(t, c)

	resp := handle(t, c, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"greet","arguments":{"name":"World"}}}`)
	result := resp["result"].(map[string]any)
	if result["isError"] != false {
		t.Errorf("got isError %v", result["isError"])
	}
	content := result["content"].([]any)
	text := content[0].(map[string]any)["text"].(string)
	if text != "Hello, World!" {
		t.Errorf("got %q", text)
	}
}

func TestToolsListUniqueness(t *testing.T) {
	ts := newTestServer(t)
	c, _ := ts.newConn(t, "c1")
	initialized(t, c)

	resp := handle(t, c, `{"jsonrpc":"2.0","id":6,"method":"tools/list"}`)
	tools := resp["result"].(map[string]any)["tools"].([]any)
	count := 0
	for _, raw := range tools {
		if raw.(map[string]any)["name"] == "greet" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("greet appears %d times, want exactly 1", count)
	}
}

func TestUnknownToolCall(t *testing.T) {
	ts := newTestServer(t)
	c, _ := ts.newConn(t, "c1")
	initialized(t, c)

	resp := handle(t, c, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"nope"}}`)
	code, msg := errObj(t, resp)
	if code != -32602 {
		t.Errorf("got code %v", code)
	}
	if !strings.Contains(msg, "nope") {
		t.Errorf("got message %q", msg)
	}
}

func TestToolFailureReportedInBand(t *testing.T) {
	ts := newTestServer(t)
	ts.cat.MustAddTool(catalog.NewTool("fail", func(ctx context.Context, n catalog.Notifier, args struct{}) (*mcp.CallToolResult, error) {
		return catalog.ErrorResult("boom"), nil
	}))
	c, _ := ts.newConn(t, "c1")
	initialized(t, c)

	resp := handle(t, c, `{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"fail"}}`)
	result := resp["result"].(map[string]any)
	if result["isError"] != true {
		t.Fatalf("got %v", result)
	}
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.HasPrefix(text, "Error: ") {
		t.Errorf("got %q", text)
	}
}

func TestPanickingToolRecovered(t *testing.T) {
	ts := newTestServer(t)
	ts.cat.MustAddTool(catalog.NewTool("explode", func(ctx context.Context, n catalog.Notifier, args struct{}) (*mcp.CallToolResult, error) {
		panic("kaboom")
	}))
	c, _ := ts.newConn(t, "c1")
	initialized(t, c)

	resp := handle(t, c, `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"explode"}}`)
	code, msg := errObj(t, resp)
	if code != -32600 {
		t.Errorf("got code %v", code)
	}
	if !strings.Contains(msg, "kaboom") {
		t.Errorf("got message %q", msg)
	}

	// The connection keeps working afterwards.
	resp = handle(t, c, `{"jsonrpc":"2.0","id":10,"method":"ping"}`)
	if _, ok := resp["result"]; !ok {
		t.Error("connection unusable after recovered panic")
	}
}

func TestResourcesReadTextAndUnknown(t *testing.T) {
	ts := newTestServer(t)
	c, _ := ts.newConn(t, "c1")
	initialized(t, c)

	resp := handle(t, c, `{"jsonrpc":"2.0","id":11,"method":"resources/read","params":{"uri":"note://welcome"}}`)
	contents := resp["result"].(map[string]any)["contents"].([]any)
	first := contents[0].(map[string]any)
	if first["text"] != "hi" {
		t.Errorf("got %v", first)
	}

	resp = handle(t, c, `{"jsonrpc":"2.0","id":12,"method":"resources/read","params":{"uri":"nope://x"}}`)
	code, _ := errObj(t, resp)
	if code != -32602 {
		t.Errorf("got code %v", code)
	}
}

func TestSubscribeIsNoopBeforeReady(t *testing.T) {
	ts := newTestServer(t)
	c, _ := ts.newConn(t, "c1")

	resp := handle(t, c, `{"jsonrpc":"2.0","id":13,"method":"resources/subscribe","params":{"uri":"note://welcome"}}`)
	if _, ok := resp["result"]; !ok {
		t.Fatalf("subscribe should succeed as a no-op, got %v", resp)
	}
	if got := ts.subs.SubscriberCount("note://welcome"); got != 0 {
		t.Errorf("got %d subscribers before ready, want 0", got)
	}
}

func TestSubscribeUnsubscribeLifecycle(t *testing.T) {
	ts := newTestServer(t)
	c, sink := ts.newConn(t, "c1")
	initialized(t, c)

	handle(t, c, `{"jsonrpc":"2.0","id":14,"method":"resources/subscribe","params":{"uri":"note://welcome"}}`)
	if got := ts.subs.SubscriberCount("note://welcome"); got != 1 {
		t.Fatalf("got %d subscribers, want 1", got)
	}

	ts.engine.ResourceUpdated(context.Background(), mcp.Resource{
		URI: "note://welcome", Name: "welcome", MimeType: "text/plain",
	})
	msgs := sink.messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d notifications, want 1", len(msgs))
	}
	var note struct {
		Method string                    `json:"method"`
		Params mcp.ResourceUpdatedParams `json:"params"`
	}
	if err := json.Unmarshal(msgs[0], &note); err != nil {
		t.Fatal(err)
	}
	if note.Method != "notifications/resources/updated" || note.Params.URI != "note://welcome" {
		t.Errorf("got %+v", note)
	}

	handle(t, c, `{"jsonrpc":"2.0","id":15,"method":"resources/unsubscribe","params":{"uri":"note://welcome"}}`)
	handle(t, c, `{"jsonrpc":"2.0","id":16,"method":"resources/unsubscribe","params":{"uri":"note://welcome"}}`)
	if got := ts.subs.SubscriberCount("note://welcome"); got != 0 {
		t.Errorf("got %d subscribers after unsubscribe, want 0", got)
	}
}

func TestConnCloseDropsSubscriptions(t *testing.T) {
	ts := newTestServer(t)
	c, _ := ts.newConn(t, "c1")
	initialized(t, c)

	handle(t, c, `{"jsonrpc":"2.0","id":17,"method":"resources/subscribe","params":{"uri":"note://welcome"}}`)
	c.Close()
	if got := ts.subs.SubscriberCount("note://welcome"); got != 0 {
		t.Errorf("got %d subscribers after close, want 0", got)
	}
}

func TestListChangedBroadcastReachesReadyConns(t *testing.T) {
	ts := newTestServer(t)
	ready, readySink := ts.newConn(t, "ready")
	initialized(t, ready)
	_, coldSink := ts.newConn(t, "cold")

	ts.cat.RemoveTool(context.Background(), "greet")

	var found bool
	for _, msg := range readySink.messages() {
		if strings.Contains(string(msg), "notifications/tools/list_changed") {
			found = true
		}
	}
	if !found {
		t.Error("ready connection missed tools/list_changed")
	}
	if len(coldSink.messages()) != 0 {
		t.Error("uninitialized connection must not receive notifications")
	}
}

func TestPromptsGet(t *testing.T) {
	ts := newTestServer(t)
	ts.cat.AddPrompt(catalog.StaticPrompt{
		Descriptor: mcp.Prompt{Name: "hello"},
		Render: func(ctx context.Context, args map[string]json.RawMessage) ([]mcp.PromptMessage, error) {
			return []mcp.PromptMessage{{Role: "user", Content: []mcp.ContentBlock{mcp.TextContent("hi")}}}, nil
		},
	})
	c, _ := ts.newConn(t, "c1")
	initialized(t, c)

	resp := handle(t, c, `{"jsonrpc":"2.0","id":18,"method":"prompts/get","params":{"name":"hello"}}`)
	msgs := resp["result"].(map[string]any)["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
}
