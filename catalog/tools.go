package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/contexthost/mcprt/mcp"
)

// ErrNotFound is returned when a name or URI does not resolve to a
// registered entry.
var ErrNotFound = errors.New("not found")

// ToolFunc handles one tool invocation. Application failures must be
// reported on the result with IsError set; a returned error is a server
// fault.
type ToolFunc func(ctx context.Context, n Notifier, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)

// StaticTool pairs a tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolFunc
}

// ToolOption configures NewTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description     string
	allowUnknownArg bool
}

// WithToolDescription sets the description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowUnknownArguments accepts arguments not declared in the input
// struct instead of rejecting them.
func WithToolAllowUnknownArguments() ToolOption {
	return func(c *toolConfig) { c.allowUnknownArg = true }
}

// NewTool builds a StaticTool whose input schema is reflected from the typed
// argument struct A. Malformed arguments produce an in-band error result
// rather than a transport error.
func NewTool[A any](name string, fn func(ctx context.Context, n Notifier, args A) (*mcp.CallToolResult, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowUnknownArg),
	}

	handler := func(ctx context.Context, n Notifier, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args A
		if len(req.Arguments) > 0 {
			if cfg.allowUnknownArg {
				if err := json.Unmarshal(req.Arguments, &args); err != nil {
					return ErrorResult("invalid arguments: %v", err), nil
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(req.Arguments))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&args); err != nil {
					return ErrorResult("invalid arguments: %v", err), nil
				}
			}
		}
		return fn(ctx, n, args)
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// reflectInputSchema derives a JSON-Schema document from A. Non-struct types
// degrade to an unconstrained object schema.
func reflectInputSchema[A any](allowUnknown bool) map[string]any {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowUnknown,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return map[string]any{"type": "object"}
	}

	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	return out
}

// TextResult builds a successful single-text-block result.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(text)}}
}

// ErrorResult builds an in-band tool failure with IsError set. The text is
// prefixed with "Error: " so clients surface it consistently.
func ErrorResult(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.TextContent("Error: " + fmt.Sprintf(format, a...))},
		IsError: true,
	}
}
