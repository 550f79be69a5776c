package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgerlanc/warden/internal/constants"
)

// CallFunc performs a call against an MCP server.
type CallFunc func(ctx context.Context, tool string, args map[string]any) (Content, error)

// MCPTool exposes one tool of an MCP server. Its registry name is
// server__tool.
type MCPTool struct {
	Server      string
	Tool        string
	Desc        string
	InputSchema map[string]any
	// Trusted servers skip confirmation.
	Trusted bool
	Call    CallFunc
}

// MCPName joins server and tool with the MCP separator.
func MCPName(server, tool string) string {
	return server + constants.MCPToolSeparator + tool
}

// SplitMCPName is the inverse of MCPName.
func SplitMCPName(name string) (server, tool string, ok bool) {
	return strings.Cut(name, constants.MCPToolSeparator)
}

func (t *MCPTool) Name() string        { return MCPName(t.Server, t.Tool) }
func (t *MCPTool) ServerName() string  { return t.Server }
func (t *MCPTool) Kind() Kind          { return KindOther }
func (t *MCPTool) Description() string { return t.Desc }

func (t *MCPTool) Schema() map[string]any {
	if t.InputSchema == nil {
		return objectSchema(nil, map[string]any{})
	}
	return t.InputSchema
}

func (t *MCPTool) Build(raw map[string]any) (Invocation, error) {
	if t.Call == nil {
		return nil, fmt.Errorf("mcp tool %s has no transport", t.Name())
	}
	if raw == nil {
		raw = map[string]any{}
	}
	for _, k := range requiredKeys(t.Schema()) {
		if _, present := raw[k]; !present {
			return nil, fmt.Errorf("params must have required property '%s'", k)
		}
	}
	return &mcpInvocation{raw: raw, t: t}, nil
}

// requiredKeys reads "required" from a schema built in Go or decoded from
// JSON.
func requiredKeys(schema map[string]any) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, k := range v {
			if s, ok := k.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

type mcpInvocation struct {
	raw map[string]any
	t   *MCPTool
}

func (i *mcpInvocation) Params() map[string]any { return i.raw }
func (i *mcpInvocation) Describe() string       { return i.t.Name() }

func (i *mcpInvocation) ShouldConfirmExecute(context.Context) (*ConfirmationDetails, error) {
	if i.t.Trusted {
		return nil, nil
	}
	return &ConfirmationDetails{
		Type:            ConfirmMCP,
		Title:           "Confirm MCP Tool Execution",
		ServerName:      i.t.Server,
		ToolName:        i.t.Tool,
		ToolDisplayName: i.t.Name(),
	}, nil
}

func (i *mcpInvocation) Execute(ctx context.Context, _ ExecuteOptions) (Result, error) {
	c, err := i.t.Call(ctx, i.t.Tool, i.raw)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		return ErrorResult(ErrorExecutionFailed, fmt.Sprintf("MCP tool %s failed: %v", i.t.Name(), err)), nil
	}
	return Result{LLMContent: c, Display: ContentText(c)}, nil
}

// Builtins returns the file and shell tools rooted at root.
func Builtins(root string) []Tool {
	return []Tool{
		NewReadFileTool(root),
		NewWriteFileTool(root),
		NewReplaceTool(root),
		NewListDirectoryTool(root),
		NewGlobTool(root),
		NewSearchTool(root),
		NewShellTool(root),
	}
}
