// Package engine hosts the protocol dispatcher shared by all transport
// bindings. A transport hands each inbound JSON-RPC message to a Conn; the
// engine routes it through the per-connection state machine and the method
// table and returns the serialized response, if any.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/looplab/fsm"

	"github.com/contexthost/mcprt/catalog"
	"github.com/contexthost/mcprt/concurrency"
	"github.com/contexthost/mcprt/filter"
	"github.com/contexthost/mcprt/internal/jsonrpc"
	"github.com/contexthost/mcprt/internal/logctx"
	"github.com/contexthost/mcprt/mcp"
	"github.com/contexthost/mcprt/subscriptions"
)

// Connection lifecycle states.
const (
	StateUninitialized = "uninitialized"
	StateInitializing  = "initializing"
	StateReady         = "ready"
)

const (
	eventInitialize  = "initialize"
	eventInitialized = "initialized"
)

// Filters groups the per-kind filter engines. Kinds are independent of each
// other.
type Filters struct {
	Tools     *filter.Engine[mcp.Tool]
	Resources *filter.Engine[mcp.Resource]
	Prompts   *filter.Engine[mcp.Prompt]
}

// NewFilters returns empty engines for all three kinds.
func NewFilters() Filters {
	return Filters{
		Tools:     filter.NewEngine[mcp.Tool](),
		Resources: filter.NewEngine[mcp.Resource](),
		Prompts:   filter.NewEngine[mcp.Prompt](),
	}
}

// Config configures an Engine.
type Config struct {
	// Catalog supplies tools, resources and prompts. Required.
	Catalog *catalog.Catalog
	// Subscriptions fans out resource update notifications. Required.
	Subscriptions *subscriptions.Manager
	// Adapter supplies the concurrency primitives. Required.
	Adapter concurrency.Adapter
	// Filters narrows listings per request. Zero-value engines are created
	// when unset.
	Filters Filters
	// ServerInfo identifies this server in initialize results.
	ServerInfo mcp.ImplementationInfo
	// Instructions is optional usage guidance surfaced to clients.
	Instructions string
	// Logger receives dispatch diagnostics. Defaults to discard.
	Logger *slog.Logger
}

// Engine is the shared dispatcher. It implements catalog.Notifier so
// registered providers can signal changes without a server handle.
type Engine struct {
	log          *slog.Logger
	cat          *catalog.Catalog
	subs         *subscriptions.Manager
	filters      Filters
	serverInfo   mcp.ImplementationInfo
	instructions string
	conns        concurrency.Map
}

// New validates cfg and builds the engine. The catalog's notifier is pointed
// at the engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("engine: Catalog is required")
	}
	if cfg.Subscriptions == nil {
		return nil, fmt.Errorf("engine: Subscriptions is required")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("engine: Adapter is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	filters := cfg.Filters
	if filters.Tools == nil {
		filters.Tools = filter.NewEngine[mcp.Tool]()
	}
	if filters.Resources == nil {
		filters.Resources = filter.NewEngine[mcp.Resource]()
	}
	if filters.Prompts == nil {
		filters.Prompts = filter.NewEngine[mcp.Prompt]()
	}
	serverInfo := cfg.ServerInfo
	if serverInfo.Name == "" {
		serverInfo.Name = "mcprt"
	}

	e := &Engine{
		log:          log,
		cat:          cfg.Catalog,
		subs:         cfg.Subscriptions,
		filters:      filters,
		serverInfo:   serverInfo,
		instructions: cfg.Instructions,
		conns:        cfg.Adapter.NewMap(),
	}
	cfg.Catalog.SetNotifier(e)
	return e, nil
}

// ResourceUpdated implements catalog.Notifier by fanning the update out to
// the URI's subscribers.
func (e *Engine) ResourceUpdated(ctx context.Context, res mcp.Resource) {
	e.subs.Notify(ctx, res.URI, subscriptions.ResourceMeta{
		Name:     res.Name,
		MimeType: res.MimeType,
	})
}

// ListChanged implements catalog.Notifier. Cached filter snapshots are
// dropped and every ready connection receives the matching list_changed
// notification.
func (e *Engine) ListChanged(ctx context.Context, kind catalog.ChangeKind) {
	var method mcp.Method
	switch kind {
	case catalog.ChangeTools:
		e.filters.Tools.Invalidate()
		method = mcp.ToolsListChangedNotificationMethod
	case catalog.ChangeResources:
		e.filters.Resources.Invalidate()
		method = mcp.ResourcesListChangedNotificationMethod
	case catalog.ChangePrompts:
		e.filters.Prompts.Invalidate()
		method = mcp.PromptsListChangedNotificationMethod
	default:
		return
	}

	note, err := jsonrpc.NewNotification(string(method), nil)
	if err != nil {
		return
	}
	data, err := json.Marshal(note)
	if err != nil {
		return
	}

	e.conns.Range(func(_ string, v any) bool {
		conn := v.(*Conn)
		if !conn.Ready() {
			return true
		}
		if err := conn.sink.Send(ctx, data); err != nil {
			e.log.WarnContext(ctx, "failed to deliver list_changed",
				slog.String("conn", conn.id), slog.String("err", err.Error()))
		}
		return true
	})
}

// Conn is the engine's view of one client connection.
type Conn struct {
	id     string
	engine *Engine
	sm     *fsm.FSM
	sink   subscriptions.Sink
	client mcp.ImplementationInfo
}

// NewConn registers a connection. id must be unique among live connections;
// sink receives server-initiated notifications.
func (e *Engine) NewConn(id string, sink subscriptions.Sink) *Conn {
	c := &Conn{
		id:     id,
		engine: e,
		sink:   sink,
		sm: fsm.NewFSM(
			StateUninitialized,
			fsm.Events{
				{Name: eventInitialize, Src: []string{StateUninitialized}, Dst: StateInitializing},
				{Name: eventInitialized, Src: []string{StateInitializing}, Dst: StateReady},
			},
			fsm.Callbacks{},
		),
	}
	e.conns.Store(id, c)
	return c
}

// Close unregisters the connection and drops its subscriptions.
func (c *Conn) Close() {
	c.engine.subs.DropSubscriber(c.id)
	c.engine.conns.Delete(c.id)
}

// ID returns the connection's subscriber identity.
func (c *Conn) ID() string { return c.id }

// Ready reports whether the initialization handshake has completed.
func (c *Conn) Ready() bool { return c.sm.Current() == StateReady }

// State returns the connection's current lifecycle state.
func (c *Conn) State() string { return c.sm.Current() }

// ClientInfo returns what the client declared during initialization.
func (c *Conn) ClientInfo() mcp.ImplementationInfo { return c.client }

// ErrInvalidMessage reports that the inbound bytes were not a parseable
// JSON-RPC request. The response returned alongside it still carries the
// -32600 body; HTTP bindings use the error to choose the status code.
var ErrInvalidMessage = errors.New("invalid json-rpc message")

// HandleMessage processes one inbound JSON-RPC message and returns the
// serialized response. Notifications yield a nil response. Malformed input
// returns the -32600 response together with ErrInvalidMessage; any other
// error is an encoding fault.
func (c *Conn) HandleMessage(ctx context.Context, rc filter.RequestContext, data []byte) ([]byte, error) {
	req, err := jsonrpc.Parse(data)
	if err != nil {
		var envErr *jsonrpc.ErrInvalidEnvelope
		var id *jsonrpc.RequestID
		if errors.As(err, &envErr) {
			id = envErr.ID
		}
		out, mErr := json.Marshal(jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request", nil))
		if mErr != nil {
			return nil, fmt.Errorf("failed to encode response: %w", mErr)
		}
		return out, ErrInvalidMessage
	}

	resp := c.dispatch(ctx, rc, req)
	if resp == nil {
		return nil, nil
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return out, nil
}

// dispatch routes one parsed request. Handler panics are recovered into
// error responses so a misbehaving collaborator cannot take the connection
// down.
func (c *Conn) dispatch(ctx context.Context, rc filter.RequestContext, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
	})
	defer func() {
		if r := recover(); r != nil {
			c.engine.log.ErrorContext(ctx, "recovered panic in handler",
				slog.String("method", req.Method), slog.Any("panic", r))
			if req.IsNotification() {
				resp = nil
				return
			}
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, fmt.Sprint(r), nil)
		}
	}()

	handler, known := c.methodTable()[mcp.Method(req.Method)]
	if !known {
		if req.IsNotification() {
			// Unknown notifications cannot be answered; drop them.
			c.engine.log.DebugContext(ctx, "ignoring unknown notification", slog.String("method", req.Method))
			return nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	result, rpcErr := handler(ctx, rc, req)
	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	out, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal error", nil)
	}
	return out
}

type handlerFunc func(ctx context.Context, rc filter.RequestContext, req *jsonrpc.Request) (any, *jsonrpc.Error)

// methodTable is the closed set of routable methods. Anything outside it is
// a method-not-found.
func (c *Conn) methodTable() map[mcp.Method]handlerFunc {
	return map[mcp.Method]handlerFunc{
		mcp.PingMethod:                    c.handlePing,
		mcp.InitializeMethod:              c.handleInitialize,
		mcp.InitializedNotificationMethod: c.handleInitialized,
		mcp.ToolsListMethod:               c.handleToolsList,
		mcp.ToolsCallMethod:               c.handleToolsCall,
		mcp.ResourcesListMethod:           c.handleResourcesList,
		mcp.ResourcesTemplatesListMethod:  c.handleResourceTemplatesList,
		mcp.ResourcesReadMethod:           c.handleResourcesRead,
		mcp.ResourcesSubscribeMethod:      c.handleResourcesSubscribe,
		mcp.ResourcesUnsubscribeMethod:    c.handleResourcesUnsubscribe,
		mcp.PromptsListMethod:             c.handlePromptsList,
		mcp.PromptsGetMethod:              c.handlePromptsGet,
	}
}

func (c *Conn) handlePing(context.Context, filter.RequestContext, *jsonrpc.Request) (any, *jsonrpc.Error) {
	return struct{}{}, nil
}

func (c *Conn) handleInitialize(ctx context.Context, _ filter.RequestContext, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Invalid params"}
		}
	}

	if err := c.sm.Event(ctx, eventInitialize); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidRequest, Message: "Connection already initialized"}
	}
	c.client = params.ClientInfo

	return &mcp.InitializeResult{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{ListChanged: true},
			Resources: &struct {
				ListChanged bool `json:"listChanged"`
				Subscribe   bool `json:"subscribe"`
			}{ListChanged: true, Subscribe: true},
			Prompts: &struct {
				ListChanged bool `json:"listChanged"`
			}{ListChanged: true},
		},
		ServerInfo:   c.engine.serverInfo,
		Instructions: c.engine.instructions,
	}, nil
}

func (c *Conn) handleInitialized(ctx context.Context, _ filter.RequestContext, _ *jsonrpc.Request) (any, *jsonrpc.Error) {
	if err := c.sm.Event(ctx, eventInitialized); err != nil {
		c.engine.log.DebugContext(ctx, "ignoring out-of-order initialized notification",
			slog.String("state", c.sm.Current()))
	}
	return nil, nil
}

func (c *Conn) handleToolsList(ctx context.Context, rc filter.RequestContext, _ *jsonrpc.Request) (any, *jsonrpc.Error) {
	tools := c.engine.filters.Tools.Snapshot(ctx, rc, c.engine.cat.Tools())
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return &mcp.ListToolsResult{Tools: tools}, nil
}

func (c *Conn) handleToolsCall(ctx context.Context, _ filter.RequestContext, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Invalid params"}
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})
	result, err := c.engine.cat.CallTool(ctx, &params)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.ErrorCodeInvalidParams,
				Message: fmt.Sprintf("Unknown tool: %s", params.Name),
			}
		}
		// Collaborator faults surface in-band so model clients can see them.
		c.engine.log.ErrorContext(ctx, "tool handler failed",
			slog.String("tool", params.Name), slog.String("err", err.Error()))
		return catalog.ErrorResult("%v", err), nil
	}
	return result, nil
}

func (c *Conn) handleResourcesList(ctx context.Context, rc filter.RequestContext, _ *jsonrpc.Request) (any, *jsonrpc.Error) {
	resources := c.engine.filters.Resources.Snapshot(ctx, rc, c.engine.cat.Resources())
	if resources == nil {
		resources = []mcp.Resource{}
	}
	return &mcp.ListResourcesResult{Resources: resources}, nil
}

func (c *Conn) handleResourceTemplatesList(context.Context, filter.RequestContext, *jsonrpc.Request) (any, *jsonrpc.Error) {
	templates := c.engine.cat.ResourceTemplates()
	if templates == nil {
		templates = []mcp.ResourceTemplate{}
	}
	return &mcp.ListResourceTemplatesResult{ResourceTemplates: templates}, nil
}

func (c *Conn) handleResourcesRead(ctx context.Context, _ filter.RequestContext, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Invalid params"}
	}

	contents, err := c.engine.cat.ReadResource(ctx, params.URI)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.ErrorCodeInvalidParams,
				Message: fmt.Sprintf("Unknown resource: %s", params.URI),
			}
		}
		c.engine.log.ErrorContext(ctx, "resource read failed",
			slog.String("uri", params.URI), slog.String("err", err.Error()))
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: "Internal error"}
	}
	return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{contents}}, nil
}

func (c *Conn) handleResourcesSubscribe(ctx context.Context, _ filter.RequestContext, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.SubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Invalid params"}
	}
	// Subscriptions only take effect on ready connections.
	if c.Ready() {
		c.engine.subs.Subscribe(params.URI, c.id, c.sink)
	}
	return struct{}{}, nil
}

func (c *Conn) handleResourcesUnsubscribe(ctx context.Context, _ filter.RequestContext, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.UnsubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Invalid params"}
	}
	c.engine.subs.Unsubscribe(params.URI, c.id)
	return struct{}{}, nil
}

func (c *Conn) handlePromptsList(ctx context.Context, rc filter.RequestContext, _ *jsonrpc.Request) (any, *jsonrpc.Error) {
	prompts := c.engine.filters.Prompts.Snapshot(ctx, rc, c.engine.cat.Prompts())
	if prompts == nil {
		prompts = []mcp.Prompt{}
	}
	return &mcp.ListPromptsResult{Prompts: prompts}, nil
}

func (c *Conn) handlePromptsGet(ctx context.Context, _ filter.RequestContext, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	var params mcp.GetPromptRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Invalid params"}
	}

	result, err := c.engine.cat.GetPrompt(ctx, &params)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.ErrorCodeInvalidParams,
				Message: fmt.Sprintf("Unknown prompt: %s", params.Name),
			}
		}
		c.engine.log.ErrorContext(ctx, "prompt render failed",
			slog.String("prompt", params.Name), slog.String("err", err.Error()))
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: "Internal error"}
	}
	return result, nil
}

var _ catalog.Notifier = (*Engine)(nil)
