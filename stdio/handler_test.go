package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/contexthost/mcprt/catalog"
	"github.com/contexthost/mcprt/concurrency"
	"github.com/contexthost/mcprt/internal/engine"
	"github.com/contexthost/mcprt/mcp"
	"github.com/contexthost/mcprt/subscriptions"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	adapter, err := concurrency.New(concurrency.ModeThreaded)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { adapter.Close() })

	cat := catalog.New()
	cat.MustAddTool(catalog.NewTool("echo", func(ctx context.Context, n catalog.Notifier, args struct {
		Text string `json:"text"`
	}) (*mcp.CallToolResult, error) {
		return catalog.TextResult(args.Text), nil
	}))

	eng, err := engine.New(engine.Config{
		Catalog:       cat,
		Subscriptions: subscriptions.NewManager(adapter, nil),
		Adapter:       adapter,
		ServerInfo:    mcp.ImplementationInfo{Name: "stdio-test", Version: "0"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

// runSession feeds input lines to a served handler and returns a scanner over
// its output.
func runSession(t *testing.T, input string) *bufio.Scanner {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := NewHandler(newTestEngine(t), WithIO(inR, outW))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()
	go func() {
		io.WriteString(inW, input)
		inW.Close()
	}()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("handler did not stop")
		}
	})

	return bufio.NewScanner(outR)
}

func readResponse(t *testing.T, scanner *bufio.Scanner) map[string]any {
	t.Helper()
	if !scanner.Scan() {
		t.Fatalf("expected a response line: %v", scanner.Err())
	}
	var resp map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response %q: %v", scanner.Text(), err)
	}
	return resp
}

func TestServeHandlesSession(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"t","version":"1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"ping"}`,
	}, "\n") + "\n"

	scanner := runSession(t, input)

	init := readResponse(t, scanner)
	result := init["result"].(map[string]any)
	if result["protocolVersion"] != "2025-06-18" {
		t.Errorf("got %v", result["protocolVersion"])
	}

	call := readResponse(t, scanner)
	content := call["result"].(map[string]any)["content"].([]any)
	if content[0].(map[string]any)["text"] != "hi" {
		t.Errorf("got %v", content)
	}

	ping := readResponse(t, scanner)
	if ping["id"].(float64) != 3 {
		t.Errorf("got id %v", ping["id"])
	}
}

func TestServeSkipsBlankLinesAndAnswersErrors(t *testing.T) {
	input := "\n" + `{"jsonrpc":"2.0","id":1,"method":"bogus"}` + "\n"
	scanner := runSession(t, input)

	resp := readResponse(t, scanner)
	errObj := resp["error"].(map[string]any)
	if errObj["code"].(float64) != -32601 {
		t.Errorf("got %v", errObj)
	}
	if errObj["message"] != "Method not found: bogus" {
		t.Errorf("got %v", errObj["message"])
	}
}

// A malformed line is answered with the -32600 response and the session keeps
// serving subsequent lines.
func TestServeAnswersMalformedLineAndContinues(t *testing.T) {
	input := `{broken` + "\n" + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
	scanner := runSession(t, input)

	invalid := readResponse(t, scanner)
	errObj := invalid["error"].(map[string]any)
	if errObj["code"].(float64) != -32600 {
		t.Errorf("got %v", errObj)
	}
	if invalid["id"] != nil {
		t.Errorf("got id %v, want null", invalid["id"])
	}

	ping := readResponse(t, scanner)
	if ping["id"].(float64) != 1 {
		t.Errorf("got id %v", ping["id"])
	}
}

func TestServeReturnsOnEOF(t *testing.T) {
	h := NewHandler(newTestEngine(t), WithIO(strings.NewReader(""), io.Discard))
	if err := h.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}
