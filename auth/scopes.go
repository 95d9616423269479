package auth

import (
	"strings"

	"github.com/contexthost/mcprt/mcp"
)

// Default scope names used when a ScopePolicy leaves a category empty.
const (
	DefaultToolsScope     = "mcp:tools"
	DefaultResourcesScope = "mcp:resources"
	DefaultAdminScope     = "mcp:admin"
)

// ScopePolicy maps JSON-RPC method categories to the OAuth scopes that gate
// them. Handshake and liveness methods are never gated.
type ScopePolicy struct {
	ToolsScope     string
	ResourcesScope string
	AdminScope     string
}

// DefaultScopePolicy returns the mcp:* scope names.
func DefaultScopePolicy() ScopePolicy {
	return ScopePolicy{
		ToolsScope:     DefaultToolsScope,
		ResourcesScope: DefaultResourcesScope,
		AdminScope:     DefaultAdminScope,
	}
}

func (p ScopePolicy) normalized() ScopePolicy {
	if p.ToolsScope == "" {
		p.ToolsScope = DefaultToolsScope
	}
	if p.ResourcesScope == "" {
		p.ResourcesScope = DefaultResourcesScope
	}
	if p.AdminScope == "" {
		p.AdminScope = DefaultAdminScope
	}
	return p
}

// RequiredScope returns the scope gating the given JSON-RPC method, or ""
// when the method requires none. tools/* and resources/* map to their
// category scopes; everything else that performs privileged work maps to the
// admin scope. ping, initialize, and client notifications are ungated.
func (p ScopePolicy) RequiredScope(method string) string {
	switch method {
	case string(mcp.PingMethod), string(mcp.InitializeMethod):
		return ""
	}
	if strings.HasPrefix(method, "notifications/") {
		return ""
	}
	if strings.HasPrefix(method, "tools/") {
		return p.ToolsScope
	}
	if strings.HasPrefix(method, "resources/") {
		return p.ResourcesScope
	}
	return p.AdminScope
}
