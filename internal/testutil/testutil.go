// Package testutil provides shared test utilities for warden tests.
package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/constants"
)

// SetupTestConfig points the config directory at a temporary directory,
// writes settingsContent as the user settings file when non-empty and
// loads it. It returns the project directory to use as cwd.
func SetupTestConfig(t *testing.T, settingsContent string) string {
	t.Helper()

	configDir := t.TempDir()
	projectDir := t.TempDir()
	t.Setenv(constants.EnvConfigDir, configDir)

	if settingsContent != "" {
		path := filepath.Join(configDir, constants.SettingsFileName)
		if err := os.WriteFile(path, []byte(settingsContent), constants.FileMode); err != nil {
			t.Fatal(err)
		}
	}

	config.Reset()
	if err := config.Init(projectDir); err != nil {
		t.Fatalf("config.Init: %v", err)
	}
	t.Cleanup(config.Reset)
	return projectDir
}

// WriteScript writes an executable shell script into dir and returns its
// path. Tests that use it are skipped on Windows.
func WriteScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	SkipOnWindows(t)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// SkipOnWindows skips tests that spawn POSIX shells.
func SkipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

// MinimalSettings is a small settings file for tests.
const MinimalSettings = `
approvalMode: default
tools:
  allowed: ["custom-tool"]
  exclude: ["glob"]
mcp:
  allowed: ["srv"]
`
