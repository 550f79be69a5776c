package guard

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/policy"
	"github.com/dgerlanc/warden/internal/telemetry"
)

func testEngine(t *testing.T) *policy.Engine {
	t.Helper()
	settings := &config.Settings{
		Tools: config.ToolsSettings{
			Allowed: []string{"run_shell_command(git status)", "run_shell_command(go test)"},
			Exclude: []string{"run_shell_command(rm)"},
		},
		MCP: config.MCPSettings{Allowed: []string{"docs"}},
	}
	cfg, errs := policy.Load(policy.LoadOptions{Settings: settings})
	if len(errs) > 0 {
		t.Fatalf("Load errors: %v", errs)
	}
	return policy.NewEngine(cfg)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		wantTool   string
		wantServer string
	}{
		{"Bash", "run_shell_command", ""},
		{"Read", "read_file", ""},
		{"Edit", "replace", ""},
		{"mcp__docs__search", "docs__search", "docs"},
		{"mcp__broken", "mcp__broken", ""},
		{"run_shell_command", "run_shell_command", ""},
		{"custom", "custom", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool, server := Resolve(tt.name)
			if tool != tt.wantTool || server != tt.wantServer {
				t.Errorf("Resolve(%q) = (%q, %q), want (%q, %q)", tt.name, tool, server, tt.wantTool, tt.wantServer)
			}
		})
	}
}

func TestProcess(t *testing.T) {
	engine := testEngine(t)

	tests := []struct {
		name     string
		input    string
		decision string
		reason   string
	}{
		{
			name:     "allowed command",
			input:    `{"tool_name":"Bash","tool_input":{"command":"git status"}}`,
			decision: DecisionAllow,
		},
		{
			name:     "allowed chain",
			input:    `{"tool_name":"Bash","tool_input":{"command":"git status && go test ./..."}}`,
			decision: DecisionAllow,
		},
		{
			name:     "chain with unknown part asks",
			input:    `{"tool_name":"Bash","tool_input":{"command":"git status && curl example.com"}}`,
			decision: DecisionAsk,
			reason:   `sub-command "curl example.com"`,
		},
		{
			name:     "excluded command",
			input:    `{"tool_name":"Bash","tool_input":{"command":"rm -rf build"}}`,
			decision: DecisionDeny,
		},
		{
			name:     "command substitution asks",
			input:    `{"tool_name":"Bash","tool_input":{"command":"git status $(whoami)"}}`,
			decision: DecisionAsk,
			reason:   "command substitution",
		},
		{
			name:     "read-only tool",
			input:    `{"tool_name":"Read","tool_input":{"file_path":"main.go"}}`,
			decision: DecisionAllow,
		},
		{
			name:     "edit asks",
			input:    `{"tool_name":"Write","tool_input":{"file_path":"main.go","content":""}}`,
			decision: DecisionAsk,
		},
		{
			name:     "allowed mcp server",
			input:    `{"tool_name":"mcp__docs__search","tool_input":{"q":"x"}}`,
			decision: DecisionAllow,
		},
		{
			name:     "unknown tool",
			input:    `{"tool_name":"Teleport","tool_input":{}}`,
			decision: DecisionAsk,
			reason:   "no rule matched",
		},
		{
			name:     "invalid json",
			input:    `{not json`,
			decision: DecisionAsk,
			reason:   "invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Process(strings.NewReader(tt.input), Options{Engine: engine})
			if res.Decision != tt.decision {
				t.Errorf("Decision = %q, want %q (reason %q)", res.Decision, tt.decision, res.Reason)
			}
			if tt.reason != "" && !strings.Contains(res.Reason, tt.reason) {
				t.Errorf("Reason = %q, want it to contain %q", res.Reason, tt.reason)
			}

			var out Output
			if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
				t.Fatalf("Output is not valid JSON: %v", err)
			}
			if out.HookSpecificOutput.PermissionDecision != tt.decision {
				t.Errorf("output decision = %q, want %q", out.HookSpecificOutput.PermissionDecision, tt.decision)
			}
			if out.HookSpecificOutput.HookEventName != EventPreToolUse {
				t.Errorf("hookEventName = %q, want %q", out.HookSpecificOutput.HookEventName, EventPreToolUse)
			}
		})
	}
}

func TestProcessEchoesEventName(t *testing.T) {
	res := Process(strings.NewReader(`{"hook_event_name":"BeforeTool","tool_name":"glob","tool_input":{"pattern":"*"}}`), Options{Engine: testEngine(t)})
	if !strings.Contains(res.Output, `"hookEventName":"BeforeTool"`) {
		t.Errorf("Output = %s, want BeforeTool event name", res.Output)
	}
}

func TestProcessRecordsTelemetry(t *testing.T) {
	rec := &telemetry.Recorder{}
	input := `{"session_id":"s1","tool_use_id":"tu1","cwd":"/w","tool_name":"Bash","tool_input":{"command":"git status | head"}}`
	Process(strings.NewReader(input), Options{Engine: testEngine(t), Telemetry: rec})

	events := rec.Named(telemetry.EventGuard)
	if len(events) != 1 {
		t.Fatalf("got %d guard events, want 1", len(events))
	}
	ev := events[0]
	if ev.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", ev.SessionID)
	}
	g := ev.Guard
	if g.ToolUseID != "tu1" || g.Cwd != "/w" || g.Tool != "run_shell_command" {
		t.Errorf("unexpected guard event %+v", g)
	}
	if len(g.Segments) != 2 || g.Segments[0] != "git status" || g.Segments[1] != "head" {
		t.Errorf("Segments = %v, want [git status head]", g.Segments)
	}
	if g.DurationMs < 0 {
		t.Errorf("DurationMs = %v, want >= 0", g.DurationMs)
	}
}

func TestFormat(t *testing.T) {
	got := Format(EventPreToolUse, DecisionDeny, `has "quotes"`)
	want := `{"hookSpecificOutput":{"hookEventName":"PreToolUse","permissionDecision":"deny","permissionDecisionReason":"has \"quotes\""}}`
	if got != want {
		t.Errorf("Format() = %s, want %s", got, want)
	}
}
