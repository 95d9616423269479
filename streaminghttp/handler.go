package streaminghttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/contexthost/mcprt/auth"
	"github.com/contexthost/mcprt/broker"
	"github.com/contexthost/mcprt/concurrency"
	"github.com/contexthost/mcprt/filter"
	"github.com/contexthost/mcprt/internal/engine"
	"github.com/contexthost/mcprt/internal/httpguard"
	"github.com/contexthost/mcprt/internal/logctx"
	"github.com/contexthost/mcprt/security"
	"github.com/contexthost/mcprt/sessions"
)

const (
	// SessionIDHeader identifies the session on every request after
	// initialization.
	SessionIDHeader = "Mcp-Session-Id"

	lastEventIDHeader = "Last-Event-ID"

	maxBodyBytes = 4 * 1024 * 1024
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
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

// WithEndpoint sets the single served path. Defaults to "/mcp".
func WithEndpoint(path string) Option {
	return func(h *Handler) {
		if path != "" {
			h.endpoint = path
		}
	}
}

// WithKeepalive sets the SSE keepalive interval. Defaults to 30 seconds.
func WithKeepalive(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.keepalive = d
		}
	}
}

// Handler is the unified transport. It implements http.Handler.
type Handler struct {
	eng       *engine.Engine
	adapter   concurrency.Adapter
	registry  *sessions.Registry
	broker    broker.Broker
	guard     httpguard.Guard
	log       *slog.Logger
	endpoint  string
	keepalive time.Duration
	conns     concurrency.Map
}

// NewHandler binds the transport to the engine, session registry and broker.
func NewHandler(eng *engine.Engine, adapter concurrency.Adapter, registry *sessions.Registry, b broker.Broker, opts ...Option) *Handler {
	h := &Handler{
		eng:       eng,
		adapter:   adapter,
		registry:  registry,
		broker:    b,
		log:       slog.New(slog.DiscardHandler),
		endpoint:  "/mcp",
		keepalive: 30 * time.Second,
		conns:     adapter.NewMap(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.guard.Log = h.log

	// Sessions that vanish without a DELETE still release their dispatcher
	// connection and broker stream when the registry's sweeper expires them.
	registry.OnExpire(func(id string) {
		h.dropConn(id)
		if err := h.broker.Cleanup(context.Background(), id); err != nil {
			h.log.Warn("failed to clean up expired session stream",
				slog.String("session_id", id), slog.String("err", err.Error()))
		}
	})
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

	if r.URL.Path != h.endpoint {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// sessionSink publishes server-initiated messages onto the session's broker
// stream so any attached GET stream (on any instance) delivers them.
type sessionSink struct {
	handler   *Handler
	sessionID string
	conn      *engine.Conn
}

func (s *sessionSink) Ready() bool { return s.conn.Ready() }

func (s *sessionSink) Send(ctx context.Context, data []byte) error {
	_, err := s.handler.broker.Publish(ctx, s.sessionID, data)
	return err
}

// connFor returns the session's dispatcher connection, creating it on first
// use.
func (h *Handler) connFor(sessionID string) *engine.Conn {
	if v, ok := h.conns.Load(sessionID); ok {
		return v.(*engine.Conn)
	}
	sink := &sessionSink{handler: h, sessionID: sessionID}
	conn := h.eng.NewConn(sessionID, sink)
	sink.conn = conn
	h.conns.Store(sessionID, conn)
	return conn
}

func (h *Handler) dropConn(sessionID string) {
	if v, ok := h.conns.Load(sessionID); ok {
		v.(*engine.Conn).Close()
		h.conns.Delete(sessionID)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	info, ok := h.guard.Admit(w, r, httpguard.MethodOf(body))
	if !ok {
		return
	}

	sess, err := h.registry.GetOrCreate(ctx, r.Header.Get(SessionIDHeader), sessions.ClientInfo{
		Subject: info.Subject,
	})
	if err != nil {
		h.log.ErrorContext(ctx, "failed to resolve session", slog.String("err", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := h.registry.Touch(ctx, sess.ID); err != nil {
		h.log.WarnContext(ctx, "failed to touch session",
			slog.String("session_id", sess.ID), slog.String("err", err.Error()))
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		Subject:         sess.Client.Subject,
		ProtocolVersion: sess.Client.ProtocolVersion,
	})

	rc := filter.RequestContext{Query: r.URL.Query()}
	if h.guard.Auth.Enabled() {
		ctx = auth.ContextWithTokenInfo(ctx, info)
		rc.Token = info
	}

	conn := h.connFor(sess.ID)
	resp, err := conn.HandleMessage(ctx, rc, body)
	status := http.StatusOK
	if err != nil {
		if !errors.Is(err, engine.ErrInvalidMessage) {
			h.log.ErrorContext(ctx, "failed to handle message",
				slog.String("session_id", sess.ID), slog.String("err", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		status = http.StatusBadRequest
	}

	w.Header().Set(SessionIDHeader, sess.ID)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(resp); err != nil {
		h.log.WarnContext(ctx, "failed to write response",
			slog.String("session_id", sess.ID), slog.String("err", err.Error()))
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		http.Error(w, "accept must include text/event-stream", http.StatusUnsupportedMediaType)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if _, ok := h.guard.Admit(w, r, ""); !ok {
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header is required", http.StatusBadRequest)
		return
	}
	sess, err := h.registry.Load(ctx, sessionID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	stream, err := h.broker.Subscribe(ctx, sess.ID, r.Header.Get(lastEventIDHeader))
	if err != nil {
		h.log.ErrorContext(ctx, "failed to attach stream",
			slog.String("session_id", sess.ID), slog.String("err", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	h.registry.Connect(sess.ID)
	defer h.registry.Disconnect(sess.ID)

	w.Header().Set(SessionIDHeader, sess.ID)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		next, err := h.nextEnvelope(ctx, stream)
		if err != nil {
			return
		}
		if next == nil {
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}
		if _, err := io.WriteString(w, "id: "+next.ID+"\nevent: message\ndata: "+string(next.Data)+"\n\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

// nextEnvelope waits for the next message, returning (nil, nil) when the
// keepalive interval elapses first.
func (h *Handler) nextEnvelope(ctx context.Context, stream broker.Stream) (*broker.Envelope, error) {
	waitCtx, cancel := context.WithTimeout(ctx, h.keepalive)
	defer cancel()
	env, err := stream.Next(waitCtx)
	if err != nil {
		if waitCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}
	return &env, nil
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := h.guard.Admit(w, r, ""); !ok {
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header is required", http.StatusBadRequest)
		return
	}

	h.dropConn(sessionID)
	if err := h.broker.Cleanup(ctx, sessionID); err != nil {
		h.log.WarnContext(ctx, "failed to cleanup stream",
			slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}
	if err := h.registry.End(ctx, sessionID); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
