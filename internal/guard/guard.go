// Package guard answers PreToolUse hook requests from other agents using
// the warden policy engine.
package guard

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/dgerlanc/warden/internal/constants"
	"github.com/dgerlanc/warden/internal/logger"
	"github.com/dgerlanc/warden/internal/policy"
	"github.com/dgerlanc/warden/internal/telemetry"
	"github.com/dgerlanc/warden/internal/tools"
)

// Hook event names
const (
	EventPreToolUse = "PreToolUse"
	EventBeforeTool = "BeforeTool"
)

// Permission decisions
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionAsk   = "ask"
)

// mcpPrefix marks MCP tools in Claude Code hook input: mcp__server__tool.
const mcpPrefix = "mcp" + constants.MCPToolSeparator

// aliases maps Claude Code tool names to the builtin tool they correspond to.
var aliases = map[string]string{
	"Bash":      constants.ShellToolName,
	"Read":      "read_file",
	"Write":     "write_file",
	"Edit":      "replace",
	"MultiEdit": "replace",
	"Glob":      "glob",
	"Grep":      "search_file_content",
	"LS":        "list_directory",
}

// Input is the JSON a PreToolUse (or BeforeTool) hook receives on stdin.
type Input struct {
	SessionID      string         `json:"session_id"`
	TranscriptPath string         `json:"transcript_path"`
	Cwd            string         `json:"cwd"`
	PermissionMode string         `json:"permission_mode"`
	HookEventName  string         `json:"hook_event_name"`
	ToolName       string         `json:"tool_name"`
	ToolInput      map[string]any `json:"tool_input"`
	ToolUseID      string         `json:"tool_use_id"`
}

// Output is the JSON written back to the calling agent.
type Output struct {
	HookSpecificOutput SpecificOutput `json:"hookSpecificOutput"`
}

// SpecificOutput carries the permission decision.
type SpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason"`
}

// Result is the outcome of one Process call.
type Result struct {
	Tool     string
	Server   string
	Command  string
	Decision string
	Reason   string
	Output   string
}

// Options configures Process.
type Options struct {
	Engine    *policy.Engine
	Telemetry telemetry.Sink
}

// Resolve maps a hook tool name to the warden tool name and MCP server.
func Resolve(name string) (tool, server string) {
	if t, ok := aliases[name]; ok {
		return t, ""
	}
	if rest, ok := strings.CutPrefix(name, mcpPrefix); ok {
		if srv, _, ok := tools.SplitMCPName(rest); ok {
			return rest, srv
		}
	}
	return name, ""
}

// Process reads one hook input from r and decides it with the engine.
// Input that cannot be read or decoded is answered with "ask".
func Process(r io.Reader, opts Options) Result {
	start := time.Now()

	raw, err := io.ReadAll(r)
	if err != nil {
		logger.Debug("failed to read input", "error", err)
		return Result{Decision: DecisionAsk, Reason: "failed to read input", Output: Format(EventPreToolUse, DecisionAsk, "failed to read input")}
	}
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		logger.Debug("failed to decode input", "error", err)
		return Result{Decision: DecisionAsk, Reason: "invalid input", Output: Format(EventPreToolUse, DecisionAsk, "invalid input")}
	}

	event := in.HookEventName
	if event == "" {
		event = EventPreToolUse
	}
	tool, server := Resolve(in.ToolName)
	res := Result{Tool: tool, Server: server}

	var segments []string
	if tool == constants.ShellToolName {
		res.Command, _ = in.ToolInput["command"].(string)
		segments, err = policy.SplitCommandChain(res.Command)
		if err != nil {
			logger.Debug("unparseable command", "command", res.Command)
		}
	}

	verdict := opts.Engine.Evaluate(policy.ToolCall{Name: tool, Args: in.ToolInput}, server)
	res.Decision = permission(verdict.Decision)
	res.Reason = verdict.Reason
	res.Output = Format(event, res.Decision, res.Reason)
	logger.Debug("guard decision", "tool", tool, "decision", res.Decision, "reason", res.Reason)

	if opts.Telemetry != nil {
		_ = opts.Telemetry.Log(telemetry.Event{
			Name:      telemetry.EventGuard,
			SessionID: in.SessionID,
			Guard: &telemetry.GuardDecision{
				ToolUseID:  in.ToolUseID,
				Tool:       tool,
				Command:    res.Command,
				Segments:   segments,
				Decision:   res.Decision,
				Reason:     res.Reason,
				Cwd:        in.Cwd,
				DurationMs: telemetry.Milliseconds(time.Since(start)),
			},
		})
	}
	return res
}

func permission(d policy.Decision) string {
	switch d {
	case policy.Allow:
		return DecisionAllow
	case policy.Deny:
		return DecisionDeny
	}
	return DecisionAsk
}

// Format returns the JSON answer for a decision.
func Format(event, decision, reason string) string {
	output := Output{
		HookSpecificOutput: SpecificOutput{
			HookEventName:            event,
			PermissionDecision:       decision,
			PermissionDecisionReason: reason,
		},
	}
	data, err := json.Marshal(output)
	if err != nil {
		logger.Debug("failed to marshal guard output", "error", err)
		return `{"hookSpecificOutput":{"hookEventName":"PreToolUse","permissionDecision":"ask","permissionDecisionReason":"internal error"}}`
	}
	return string(data)
}
