package ssehttp

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/contexthost/mcprt/catalog"
	"github.com/contexthost/mcprt/concurrency"
	"github.com/contexthost/mcprt/internal/engine"
	"github.com/contexthost/mcprt/mcp"
	"github.com/contexthost/mcprt/security"
	"github.com/contexthost/mcprt/subscriptions"
)

func newTestHandler(t *testing.T, opts ...Option) *Handler {
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
	}))

	eng, err := engine.New(engine.Config{
		Catalog:       cat,
		Subscriptions: subscriptions.NewManager(adapter, nil),
		Adapter:       adapter,
		ServerInfo:    mcp.ImplementationInfo{Name: "sse-test", Version: "0"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewHandler(eng, adapter, opts...)
}

type sseEvent struct {
	name string
	data string
}

// readEvent parses one SSE event, skipping comment frames.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading sse stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

type sseSession struct {
	t        *testing.T
	server   *httptest.Server
	reader   *bufio.Reader
	postURL  string
	clientID string
}

func attach(t *testing.T, h *Handler) *sseSession {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/sse")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("got content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	endpoint := readEvent(t, reader)
	if endpoint.name != "endpoint" {
		t.Fatalf("first event is %q, want endpoint", endpoint.name)
	}
	u, err := url.Parse(endpoint.data)
	if err != nil {
		t.Fatalf("endpoint data %q: %v", endpoint.data, err)
	}

	return &sseSession{
		t:        t,
		server:   server,
		reader:   reader,
		postURL:  server.URL + endpoint.data,
		clientID: u.Query().Get("client_id"),
	}
}

func (s *sseSession) post(body string) *http.Response {
	s.t.Helper()
	resp, err := http.Post(s.postURL, "application/json", strings.NewReader(body))
	if err != nil {
		s.t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func (s *sseSession) roundTrip(body string) map[string]any {
	s.t.Helper()
	if resp := s.post(body); resp.StatusCode != http.StatusAccepted {
		s.t.Fatalf("got status %d, want 202", resp.StatusCode)
	}
	ev := readEvent(s.t, s.reader)
	if ev.name != "message" {
		s.t.Fatalf("got event %q, want message", ev.name)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(ev.data), &out); err != nil {
		s.t.Fatalf("invalid message %q: %v", ev.data, err)
	}
	return out
}

func TestSessionOverDualEndpoints(t *testing.T) {
	s := attach(t, newTestHandler(t))
	if s.clientID == "" {
		t.Fatal("endpoint event lacks client_id")
	}

	init := s.roundTrip(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"t","version":"1"}}}`)
	if init["result"].(map[string]any)["protocolVersion"] != "2025-06-18" {
		t.Fatalf("got %v", init)
	}

	if resp := s.post(`{"jsonrpc":"2.0","method":"notifications/initialized"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("got status %d", resp.StatusCode)
	}

	call := s.roundTrip(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"greet","arguments":{"name":"SSE"}}}`)
	text := call["result"].(map[string]any)["content"].([]any)[0].(map[string]any)["text"]
	if text != "Hello, SSE!" {
		t.Errorf("got %v", text)
	}
}

// A body that is not a valid JSON-RPC message is answered directly on the
// POST with status 400, not acknowledged onto the stream.
func TestInvalidEnvelopePostAnswered400(t *testing.T) {
	s := attach(t, newTestHandler(t))

	resp, err := http.Post(s.postURL, "application/json", strings.NewReader(`{"jsonrpc":`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"].(map[string]any)["code"].(float64) != -32600 {
		t.Errorf("got %v", body["error"])
	}
}

func TestMessagesRequiresKnownClient(t *testing.T) {
	h := newTestHandler(t)
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	resp, err := http.Post(server.URL+"/messages", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing client_id: got %d, want 400", resp.StatusCode)
	}

	resp, err = http.Post(server.URL+"/messages?client_id=unknown", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown client: got %d, want 404", resp.StatusCode)
	}
}

func TestRouteAndVerbErrors(t *testing.T) {
	server := httptest.NewServer(newTestHandler(t))
	t.Cleanup(server.Close)

	resp, err := http.Post(server.URL+"/sse", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /sse: got %d, want 405", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope: got %d, want 404", resp.StatusCode)
	}
}

func TestOriginRejected(t *testing.T) {
	gate, err := security.NewGate(security.Config{AllowedOrigins: []string{"localhost"}})
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(newTestHandler(t, WithSecurityGate(gate)))
	t.Cleanup(server.Close)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/sse", nil)
	req.Header.Set("Origin", "http://evil.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("got %d, want 403", resp.StatusCode)
	}
}

func TestUnsupportedProtocolVersion(t *testing.T) {
	gate, err := security.NewGate(security.Config{})
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(newTestHandler(t, WithSecurityGate(gate)))
	t.Cleanup(server.Close)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/sse", nil)
	req.Header.Set(mcp.ProtocolVersionHeader, "2024-11-05")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Data struct {
				ExpectedVersion string `json:"expected_version"`
			} `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Data.ExpectedVersion != "2025-06-18" {
		t.Errorf("got expected_version %q", body.Error.Data.ExpectedVersion)
	}
}

func TestKeepaliveCommentsFlow(t *testing.T) {
	s := attach(t, newTestHandler(t, WithKeepalive(30*time.Millisecond)))

	// A keepalive comment must arrive without any traffic; readEvent skips
	// comments, so read raw lines here.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if strings.HasPrefix(line, ": keepalive") {
			return
		}
	}
	t.Fatal("no keepalive observed")
}
