package catalog

import (
	"context"
	"encoding/json"

	"github.com/contexthost/mcprt/mcp"
)

// PromptFunc renders a prompt into messages. args carries the raw argument
// values keyed by argument name.
type PromptFunc func(ctx context.Context, args map[string]json.RawMessage) ([]mcp.PromptMessage, error)

// StaticPrompt pairs a prompt descriptor with its renderer.
type StaticPrompt struct {
	Descriptor mcp.Prompt
	Render     PromptFunc
}

// StringArg decodes the named argument as a JSON string, tolerating clients
// that send it unquoted.
func StringArg(args map[string]json.RawMessage, name string) string {
	raw, ok := args[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw)
	}
	return s
}
