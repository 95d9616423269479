// Package catalog owns the server's registered tools, resources and prompts.
// Registration enforces name/URI uniqueness; listings return copies, never
// internal slices. Providers signal content changes through the narrow Notifier
// capability rather than holding a server handle.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/contexthost/mcprt/mcp"
)

// ChangeKind identifies which listing changed.
type ChangeKind string

const (
	ChangeTools     ChangeKind = "tools"
	ChangeResources ChangeKind = "resources"
	ChangePrompts   ChangeKind = "prompts"
)

// Notifier is the capability handed to tools and resource providers for
// signaling changes. Implementations fan the signals out to connected
// clients.
type Notifier interface {
	// ResourceUpdated reports that the resource's content changed.
	ResourceUpdated(ctx context.Context, res mcp.Resource)

	// ListChanged reports that a listing gained or lost entries.
	ListChanged(ctx context.Context, kind ChangeKind)
}

type discardNotifier struct{}

func (discardNotifier) ResourceUpdated(context.Context, mcp.Resource) {}
func (discardNotifier) ListChanged(context.Context, ChangeKind)       {}

// DiscardNotifier ignores all signals. It is the default until a transport
// attaches a live notifier.
var DiscardNotifier Notifier = discardNotifier{}

// Catalog is a mutable, threadsafe registry. The zero value is not usable;
// use New.
type Catalog struct {
	mu        sync.RWMutex
	tools     []mcp.Tool
	toolImpls map[string]ToolFunc
	resources []StaticResource
	templates []TemplateResource
	prompts   []StaticPrompt
	notifier  Notifier
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		toolImpls: make(map[string]ToolFunc),
		notifier:  DiscardNotifier,
	}
}

// SetNotifier attaches the notifier used for change signals. Passing nil
// restores the discard notifier.
func (c *Catalog) SetNotifier(n Notifier) {
	if n == nil {
		n = DiscardNotifier
	}
	c.mu.Lock()
	c.notifier = n
	c.mu.Unlock()
}

// Notifier returns the currently attached notifier.
func (c *Catalog) Notifier() Notifier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.notifier
}

// AddTool registers a tool. Names must be unique.
func (c *Catalog) AddTool(tool StaticTool) error {
	if tool.Descriptor.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q has no handler", tool.Descriptor.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.toolImpls[tool.Descriptor.Name]; exists {
		return fmt.Errorf("tool %q is already registered", tool.Descriptor.Name)
	}
	c.tools = append(c.tools, tool.Descriptor)
	c.toolImpls[tool.Descriptor.Name] = tool.Handler
	return nil
}

// MustAddTool registers a tool and panics on conflict. Intended for static
// server construction.
func (c *Catalog) MustAddTool(tool StaticTool) {
	if err := c.AddTool(tool); err != nil {
		panic(err)
	}
}

// RemoveTool removes a tool by name and reports whether it was present.
func (c *Catalog) RemoveTool(ctx context.Context, name string) bool {
	c.mu.Lock()
	_, present := c.toolImpls[name]
	if present {
		delete(c.toolImpls, name)
		for i, t := range c.tools {
			if t.Name == name {
				c.tools = append(c.tools[:i], c.tools[i+1:]...)
				break
			}
		}
	}
	n := c.notifier
	c.mu.Unlock()
	if present {
		n.ListChanged(ctx, ChangeTools)
	}
	return present
}

// Tools returns a copy of the registered tool descriptors.
func (c *Catalog) Tools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// CallTool dispatches to the named tool's handler. An unknown name is an
// error for the dispatcher to shape; handler failures come back in-band on
// the result.
func (c *Catalog) CallTool(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("%w: missing tool name", ErrNotFound)
	}
	c.mu.RLock()
	fn := c.toolImpls[req.Name]
	notifier := c.notifier
	c.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("%w: tool %q", ErrNotFound, req.Name)
	}
	return fn(ctx, notifier, req)
}

// AddResource registers a concrete resource. URIs must be unique.
func (c *Catalog) AddResource(res StaticResource) error {
	if res.Descriptor.URI == "" {
		return fmt.Errorf("resource URI must not be empty")
	}
	if res.Reader == nil {
		return fmt.Errorf("resource %q has no reader", res.Descriptor.URI)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.resources {
		if existing.Descriptor.URI == res.Descriptor.URI {
			return fmt.Errorf("resource %q is already registered", res.Descriptor.URI)
		}
	}
	c.resources = append(c.resources, res)
	return nil
}

// MustAddResource registers a resource and panics on conflict.
func (c *Catalog) MustAddResource(res StaticResource) {
	if err := c.AddResource(res); err != nil {
		panic(err)
	}
}

// RemoveResource removes a concrete resource by URI.
func (c *Catalog) RemoveResource(ctx context.Context, uri string) bool {
	c.mu.Lock()
	removed := false
	for i, res := range c.resources {
		if res.Descriptor.URI == uri {
			c.resources = append(c.resources[:i], c.resources[i+1:]...)
			removed = true
			break
		}
	}
	n := c.notifier
	c.mu.Unlock()
	if removed {
		n.ListChanged(ctx, ChangeResources)
	}
	return removed
}

// AddResourceTemplate registers a templated resource family.
func (c *Catalog) AddResourceTemplate(tmpl TemplateResource) error {
	if tmpl.compiled == nil {
		return fmt.Errorf("template resource %q was not built with NewTemplateResource", tmpl.Descriptor.URITemplate)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.templates {
		if existing.Descriptor.URITemplate == tmpl.Descriptor.URITemplate {
			return fmt.Errorf("resource template %q is already registered", tmpl.Descriptor.URITemplate)
		}
	}
	c.templates = append(c.templates, tmpl)
	return nil
}

// Resources returns a copy of the concrete resource descriptors.
func (c *Catalog) Resources() []mcp.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Resource, len(c.resources))
	for i, res := range c.resources {
		out[i] = res.Descriptor
	}
	return out
}

// ResourceTemplates returns a copy of the template descriptors.
func (c *Catalog) ResourceTemplates() []mcp.ResourceTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.ResourceTemplate, len(c.templates))
	for i, tmpl := range c.templates {
		out[i] = tmpl.Descriptor
	}
	return out
}

// ReadResource resolves uri against concrete resources first, then templates
// in registration order.
func (c *Catalog) ReadResource(ctx context.Context, uri string) (mcp.ResourceContents, error) {
	c.mu.RLock()
	var reader ResourceReader
	for _, res := range c.resources {
		if res.Descriptor.URI == uri {
			reader = res.Reader
			break
		}
	}
	var tmpl *TemplateResource
	var vars map[string]string
	if reader == nil {
		for i := range c.templates {
			if matched, ok := c.templates[i].match(uri); ok {
				tmpl = &c.templates[i]
				vars = matched
				break
			}
		}
	}
	c.mu.RUnlock()

	switch {
	case reader != nil:
		return reader(ctx)
	case tmpl != nil:
		return tmpl.Reader(ctx, uri, vars)
	default:
		return mcp.ResourceContents{}, fmt.Errorf("%w: resource %q", ErrNotFound, uri)
	}
}

// HasResource reports whether uri resolves to a concrete or templated
// resource.
func (c *Catalog) HasResource(uri string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, res := range c.resources {
		if res.Descriptor.URI == uri {
			return true
		}
	}
	for i := range c.templates {
		if _, ok := c.templates[i].match(uri); ok {
			return true
		}
	}
	return false
}

// AddPrompt registers a prompt. Names must be unique.
func (c *Catalog) AddPrompt(p StaticPrompt) error {
	if p.Descriptor.Name == "" {
		return fmt.Errorf("prompt name must not be empty")
	}
	if p.Render == nil {
		return fmt.Errorf("prompt %q has no renderer", p.Descriptor.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.prompts {
		if existing.Descriptor.Name == p.Descriptor.Name {
			return fmt.Errorf("prompt %q is already registered", p.Descriptor.Name)
		}
	}
	c.prompts = append(c.prompts, p)
	return nil
}

// Prompts returns a copy of the prompt descriptors.
func (c *Catalog) Prompts() []mcp.Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Prompt, len(c.prompts))
	for i, p := range c.prompts {
		out[i] = p.Descriptor
	}
	return out
}

// GetPrompt renders the named prompt.
func (c *Catalog) GetPrompt(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	c.mu.RLock()
	var render PromptFunc
	var desc string
	for _, p := range c.prompts {
		if p.Descriptor.Name == req.Name {
			render = p.Render
			desc = p.Descriptor.Description
			break
		}
	}
	c.mu.RUnlock()
	if render == nil {
		return nil, fmt.Errorf("%w: prompt %q", ErrNotFound, req.Name)
	}
	msgs, err := render(ctx, req.Arguments)
	if err != nil {
		return nil, err
	}
	return &mcp.GetPromptResult{Description: desc, Messages: msgs}, nil
}
