// Package constants defines shared constants used across the warden codebase.
package constants

import "os"

// File permissions
const (
	DirMode  os.FileMode = 0755
	FileMode os.FileMode = 0644
)

// Environment variables
const (
	EnvConfigDir = "WARDEN_CONFIG"
	EnvLogFile   = "WARDEN_LOG_FILE"

	// Hook processes receive the project directory under all three names.
	EnvProjectDir       = "WARDEN_PROJECT_DIR"
	EnvGeminiProjectDir = "GEMINI_PROJECT_DIR"
	EnvClaudeProjectDir = "CLAUDE_PROJECT_DIR"
)

// Application paths
const (
	AppName           = "warden"
	XDGConfigSubdir   = ".config"
	ProjectDirName    = ".warden"
	SettingsFileName  = "settings.yaml"
	PolicyDirName     = "policies"
	DefaultPolicyFile = "default.toml"
	ExamplePolicyFile = "rules.toml"
	SystemPolicyDir   = "/etc/warden/policies"
	TelemetryFileName = "telemetry.jsonl"
)

// Tool names the policy layer treats specially.
const (
	ShellToolName = "run_shell_command"
	// MCPToolSeparator joins an MCP server name and tool name: server__tool.
	MCPToolSeparator = "__"
)
