package main

import (
	"strings"
	"testing"

	"github.com/dgerlanc/warden/internal/guard"
	"github.com/dgerlanc/warden/internal/policy"
)

// BenchmarkSplitCommandChain benchmarks command chain splitting
func BenchmarkSplitCommandChain(b *testing.B) {
	benchmarks := []struct {
		name string
		cmd  string
	}{
		{"simple", "git status"},
		{"chained", "git add . && git commit -m 'test' && git push"},
		{"piped", "cat file.txt | grep foo | wc -l"},
		{"complex", "VAR=value timeout 30 pytest -v tests/ && echo done"},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_, _ = policy.SplitCommandChain(bm.cmd)
			}
		})
	}
}

// BenchmarkGuardProcess benchmarks the full hook decision path
func BenchmarkGuardProcess(b *testing.B) {
	engine := newTestEngine(b)

	benchmarks := []struct {
		name  string
		input string
	}{
		{"simple_allowed", `{"tool_name":"Bash","tool_input":{"command":"git status"}}`},
		{"simple_denied", `{"tool_name":"Bash","tool_input":{"command":"rm -rf /"}}`},
		{"chained_allowed", `{"tool_name":"Bash","tool_input":{"command":"git status && go test ./..."}}`},
		{"substitution", `{"tool_name":"Bash","tool_input":{"command":"echo $(whoami)"}}`},
		{"non_bash", `{"tool_name":"Read","tool_input":{"file_path":"/tmp/test"}}`},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = guard.Process(strings.NewReader(bm.input), guard.Options{Engine: engine})
			}
		})
	}
}
