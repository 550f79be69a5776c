package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunValidateWithValidConfig(t *testing.T) {
	setupTestConfig(t, "approvalMode: autoEdit\ntools:\n  allowed: [\"glob\"]\n")

	output, err := runCommand(runValidate, "")
	if err != nil {
		t.Fatalf("runValidate() error = %v", err)
	}

	expectedStrings := []string{
		"Settings files:",
		"settings.yaml",
		"Approval mode: autoEdit",
		"Hooks enabled: true",
		"settings tools.allowed",
		"Configuration valid!",
	}
	for _, expected := range expectedStrings {
		if !strings.Contains(output, expected) {
			t.Errorf("output should contain %q, got:\n%s", expected, output)
		}
	}
}

func TestRunValidateModeFlagOverridesSettings(t *testing.T) {
	setupTestConfig(t, "approvalMode: autoEdit\n")
	approvalMode = "yolo"

	output, err := runCommand(runValidate, "")
	if err != nil {
		t.Fatalf("runValidate() error = %v", err)
	}
	if !strings.Contains(output, "Approval mode: yolo") {
		t.Errorf("output should show the flag's mode, got:\n%s", output)
	}
}

func TestRunValidateWithInvalidSettings(t *testing.T) {
	resetGlobalState()
	t.Cleanup(resetGlobalState)
	configDir := t.TempDir()
	t.Setenv("WARDEN_CONFIG", configDir)
	if err := os.WriteFile(filepath.Join(configDir, "settings.yaml"), []byte("tools: [unclosed\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(t.TempDir())

	if _, err := runCommand(runValidate, ""); err == nil {
		t.Error("runValidate() should fail for invalid settings")
	}
}

func TestRunValidateWithPolicyErrors(t *testing.T) {
	setupTestConfig(t, "")
	dir := t.TempDir()
	bad := `
[[rule]]
toolName = "glob"
decision = "sometimes"

[[rule]]
toolName = "read_file"
commandPrefix = "cat"
decision = "allow"
`
	if err := os.WriteFile(filepath.Join(dir, "team.toml"), []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}
	policyDirs = []string{dir}

	output, err := runCommand(runValidate, "")
	if err == nil {
		t.Fatal("runValidate() should fail when policy files have errors")
	}
	if !strings.Contains(err.Error(), "2 policy errors") {
		t.Errorf("error = %v, want 2 policy errors", err)
	}
	if !strings.Contains(output, "team.toml") {
		t.Errorf("output should name team.toml, got:\n%s", output)
	}
	if strings.Contains(output, "Configuration valid!") {
		t.Error("output should not claim the configuration is valid")
	}
}
