// warden - policy, hooks and loop detection for agent tool calls
//
// warden decides whether an agent may run a tool call. Rules come from
// layered TOML policy files, settings and the approval mode; lifecycle hooks
// can block or annotate calls; repeated calls and chanting output are
// stopped by the loop detector.
//
// As a PreToolUse hook in ~/.claude/settings.json:
//
//	"hooks": {
//	  "PreToolUse": [{
//	    "matcher": "*",
//	    "hooks": [{"type": "command", "command": "warden guard"}]
//	  }]
//	}
//
// Test:
//
//	echo '{"tool_name": "Bash", "tool_input": {"command": "git status"}}' | warden guard
package main

import (
	"os"

	"github.com/dgerlanc/warden/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
