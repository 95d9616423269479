// Package ssehttp implements the legacy dual-endpoint HTTP transport: a
// long-lived GET SSE stream per client for server-to-client traffic and a
// separate POST endpoint for inbound JSON-RPC messages, correlated by a
// generated client id.
//
// Superseded by the unified streaming transport; kept for clients that
// predate it.
package ssehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/contexthost/mcprt/auth"
	"github.com/contexthost/mcprt/concurrency"
	"github.com/contexthost/mcprt/filter"
	"github.com/contexthost/mcprt/internal/engine"
	"github.com/contexthost/mcprt/internal/httpguard"
	"github.com/contexthost/mcprt/security"
)

const (
	ssePath      = "/sse"
	messagesPath = "/messages"

	maxBodyBytes = 4 * 1024 * 1024
)

// Option customizes a Handler.
type Option func(*Handler)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithSecurityGate installs origin/IP/protocol-version checks.
func WithSecurityGate(g *security.Gate) Option {
	return func(h *Handler) { h.guard.Gate = g }
}

// WithResourceServer installs OAuth bearer-token enforcement.
func WithResourceServer(rs *auth.ResourceServer) Option {
	return func(h *Handler) { h.guard.Auth = rs }
}

// WithPrefix mounts the endpoints under a path prefix, e.g. "/mcp".
func WithPrefix(prefix string) Option {
	return func(h *Handler) { h.prefix = strings.TrimRight(prefix, "/") }
}

// WithKeepalive sets the interval for SSE keepalive comments. Defaults to 30
// seconds.
func WithKeepalive(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.keepalive = d
		}
	}
}

// Handler is the dual-endpoint transport. It implements http.Handler.
type Handler struct {
	eng       *engine.Engine
	adapter   concurrency.Adapter
	guard     httpguard.Guard
	log       *slog.Logger
	prefix    string
	keepalive time.Duration
	clients   concurrency.Map
}

// NewHandler binds the transport to the engine.
func NewHandler(eng *engine.Engine, adapter concurrency.Adapter, opts ...Option) *Handler {
	h := &Handler{
		eng:       eng,
		adapter:   adapter,
		log:       slog.New(slog.DiscardHandler),
		keepalive: 30 * time.Second,
		clients:   adapter.NewMap(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.guard.Log = h.log
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.guard.Auth.Enabled() && r.URL.Path == auth.ProtectedResourceMetadataPath {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.guard.Auth.MetadataHandler()(w, r)
		return
	}

	path, found := strings.CutPrefix(r.URL.Path, h.prefix)
	if !found {
		http.NotFound(w, r)
		return
	}

	switch path {
	case ssePath:
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleSSE(w, r)
	case messagesPath:
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleMessage(w, r)
	default:
		http.NotFound(w, r)
	}
}

// client is one attached SSE stream. Frames are pre-rendered SSE chunks.
type client struct {
	conn   *engine.Conn
	frames chan []byte
	done   chan struct{}
}

func (c *client) Ready() bool { return c.conn.Ready() }

func (c *client) Send(_ context.Context, data []byte) error {
	return c.enqueue(renderEvent("message", data))
}

func (c *client) enqueue(frame []byte) error {
	select {
	case c.frames <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("client stream closed")
	default:
		return fmt.Errorf("client stream backed up")
	}
}

func renderEvent(event string, data []byte) []byte {
	return []byte("event: " + event + "\ndata: " + string(data) + "\n\n")
}

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.guard.Admit(w, r, ""); !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	clientID := uuid.NewString()
	cl := &client{
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	cl.conn = h.eng.NewConn(clientID, cl)
	h.clients.Store(clientID, cl)
	defer func() {
		close(cl.done)
		cl.conn.Close()
		h.clients.Delete(clientID)
	}()

	ctx := r.Context()
	kctx, stopKeepalive := context.WithCancel(ctx)
	defer stopKeepalive()
	h.adapter.Go(func() {
		for {
			if err := h.adapter.Sleep(kctx, h.keepalive); err != nil {
				return
			}
			_ = cl.enqueue([]byte(": keepalive\n\n"))
		}
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	endpoint := h.prefix + messagesPath + "?client_id=" + clientID
	if _, err := w.Write(renderEvent("endpoint", []byte(endpoint))); err != nil {
		return
	}
	flusher.Flush()

	h.log.DebugContext(ctx, "sse client attached", slog.String("client_id", clientID))

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-cl.frames:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	info, ok := h.guard.Admit(w, r, httpguard.MethodOf(body))
	if !ok {
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id query parameter is required", http.StatusBadRequest)
		return
	}
	v, found := h.clients.Load(clientID)
	if !found {
		http.Error(w, "unknown client", http.StatusNotFound)
		return
	}
	cl := v.(*client)

	ctx := r.Context()
	rc := filter.RequestContext{Query: r.URL.Query()}
	if h.guard.Auth.Enabled() {
		ctx = auth.ContextWithTokenInfo(ctx, info)
		rc.Token = info
	}

	resp, err := cl.conn.HandleMessage(ctx, rc, body)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidMessage) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write(resp)
			return
		}
		h.log.ErrorContext(ctx, "failed to handle message",
			slog.String("client_id", clientID), slog.String("err", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if resp != nil {
		if err := cl.Send(ctx, resp); err != nil {
			h.log.WarnContext(ctx, "failed to push response to sse stream",
				slog.String("client_id", clientID), slog.String("err", err.Error()))
		}
	}

	// Responses travel over the SSE stream; the POST only acknowledges.
	w.WriteHeader(http.StatusAccepted)
}
