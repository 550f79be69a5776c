package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunPoliciesList(t *testing.T) {
	setupTestConfig(t, "tools:\n  exclude: [\"web_fetch\"]\n")

	output, err := runCommand(runPoliciesList, "")
	if err != nil {
		t.Fatalf("runPoliciesList() error = %v", err)
	}
	for _, want := range []string{"PRIORITY", "web_fetch", "settings tools.exclude", "read_file", "rules"} {
		if !strings.Contains(output, want) {
			t.Errorf("output should contain %q, got:\n%s", want, output)
		}
	}
	// highest priority first
	if strings.Index(output, "settings tools.exclude") > strings.Index(output, "default.toml") {
		t.Errorf("settings rule should be listed before default rules:\n%s", output)
	}
}

func TestRunPoliciesListShowsFileErrors(t *testing.T) {
	setupTestConfig(t, "")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.toml"), []byte("[[rule]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	policyDirs = []string{dir}

	output, err := runCommand(runPoliciesList, "")
	if err != nil {
		t.Fatalf("runPoliciesList() error = %v", err)
	}
	if !strings.Contains(output, "Policy file errors: 1") || !strings.Contains(output, "broken.toml") {
		t.Errorf("output should report broken.toml, got:\n%s", output)
	}
}

func TestRunPoliciesCheck(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		server string
		want   string
	}{
		{"read-only tool", []string{"read_file"}, "", "decision: allow"},
		{"shell prefix", []string{"run_shell_command", `{"command":"git status"}`}, "", "decision: allow"},
		{"shell other", []string{"run_shell_command", `{"command":"make"}`}, "", "decision: ask_user"},
		{"mcp server", []string{"docs__search"}, "docs", "decision: deny"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupTestConfig(t, "tools:\n  allowed: [\"run_shell_command(git status)\"]\nmcp:\n  excluded: [\"docs\"]\n")
			checkServer = tt.server

			output, err := runCommand(runPoliciesCheck, "", tt.args...)
			if err != nil {
				t.Fatalf("runPoliciesCheck() error = %v", err)
			}
			if !strings.Contains(output, tt.want) {
				t.Errorf("output should contain %q, got:\n%s", tt.want, output)
			}
		})
	}
}

func TestRunPoliciesCheckInvalidArgs(t *testing.T) {
	setupTestConfig(t, "")
	if _, err := runCommand(runPoliciesCheck, "", "glob", "{nope"); err == nil {
		t.Error("runPoliciesCheck() should reject invalid JSON args")
	}
}
