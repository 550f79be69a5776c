package main

import (
	"strings"
	"testing"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/guard"
	"github.com/dgerlanc/warden/internal/policy"
)

// newTestEngine returns an engine with the built-in policy plus a few
// settings rules.
func newTestEngine(tb testing.TB) *policy.Engine {
	tb.Helper()
	settings := &config.Settings{
		Tools: config.ToolsSettings{
			Allowed: []string{"run_shell_command(git status)", "run_shell_command(go test)"},
			Exclude: []string{"run_shell_command(rm)"},
		},
	}
	cfg, errs := policy.Load(policy.LoadOptions{Settings: settings})
	if len(errs) > 0 {
		tb.Fatalf("Load errors: %v", errs)
	}
	return policy.NewEngine(cfg)
}

// FuzzGuardProcess tests the full hook decision path for crashes
func FuzzGuardProcess(f *testing.F) {
	f.Add(`{"tool_name":"Bash","tool_input":{"command":"git status"}}`)
	f.Add(`{"tool_name":"Bash","tool_input":{"command":"git status && rm -rf /"}}`)
	f.Add(`{"tool_name":"Bash","tool_input":{"command":"$(whoami)"}}`)
	f.Add(`{"tool_name":"Bash","tool_input":{"command":""}}`)
	f.Add(`{"tool_name":"Bash","tool_input":{"command":42}}`)
	f.Add(`{"tool_name":"Read","tool_input":{}}`)
	f.Add(`{"tool_name":"mcp__docs__search","tool_input":{"q":"x"}}`)
	f.Add(`{"tool_name":"mcp__","tool_input":null}`)
	f.Add(`{}`)
	f.Add(`not json`)

	engine := newTestEngine(f)
	f.Fuzz(func(t *testing.T, input string) {
		res := guard.Process(strings.NewReader(input), guard.Options{Engine: engine})
		switch res.Decision {
		case guard.DecisionAllow, guard.DecisionDeny, guard.DecisionAsk:
		default:
			t.Fatalf("unexpected decision %q for %q", res.Decision, input)
		}
		if res.Output == "" {
			t.Fatalf("no output for %q", input)
		}
	})
}

// FuzzEngineShell tests shell command evaluation for crashes
func FuzzEngineShell(f *testing.F) {
	f.Add("git status")
	f.Add("git status && rm -rf /")
	f.Add("echo 'rm -rf /'")
	f.Add("ls | grep foo | wc -l")
	f.Add("for i in 1 2 3; do echo $i; done")
	f.Add("FOO=bar go test ./...")
	f.Add("echo `whoami`")

	engine := newTestEngine(f)
	f.Fuzz(func(t *testing.T, command string) {
		call := policy.ToolCall{Name: "run_shell_command", Args: map[string]any{"command": command}}
		switch d := engine.Check(call, ""); d {
		case policy.Allow, policy.Deny, policy.AskUser:
		default:
			t.Fatalf("unexpected decision %q for %q", d, command)
		}
	})
}
