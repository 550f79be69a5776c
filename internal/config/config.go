// Package config handles settings loading for warden.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/dgerlanc/warden/internal/constants"
	"github.com/dgerlanc/warden/internal/logger"
	"gopkg.in/yaml.v3"
)

//go:embed settings.yaml
var defaultSettings []byte

// ApprovalMode is the global posture that seeds baseline policy rules.
type ApprovalMode string

const (
	ApprovalDefault  ApprovalMode = "default"
	ApprovalAutoEdit ApprovalMode = "autoEdit"
	ApprovalYolo     ApprovalMode = "yolo"
)

// ParseApprovalMode validates a mode name. The empty string maps to default.
func ParseApprovalMode(s string) (ApprovalMode, error) {
	switch ApprovalMode(s) {
	case "", ApprovalDefault:
		return ApprovalDefault, nil
	case ApprovalAutoEdit, ApprovalYolo:
		return ApprovalMode(s), nil
	}
	return "", fmt.Errorf("invalid approval mode %q (want default, autoEdit or yolo)", s)
}

// Settings is the merged user and project configuration.
type Settings struct {
	ApprovalMode   ApprovalMode         `yaml:"approvalMode"`
	NonInteractive bool                 `yaml:"nonInteractive"`
	Debug          bool                 `yaml:"debug"`
	SessionID      string               `yaml:"sessionId"`
	Tools          ToolsSettings        `yaml:"tools"`
	MCP            MCPSettings          `yaml:"mcp"`
	MCPServers     map[string]MCPServer `yaml:"mcpServers"`
	Hooks          HooksSettings        `yaml:"hooks"`
	Policy         PolicySettings       `yaml:"policy"`
	Telemetry      TelemetrySettings    `yaml:"telemetry"`
	Model          ModelSettings        `yaml:"model"`
	Log            LogSettings          `yaml:"log"`
}

// ToolsSettings lists tool-level allow and exclude entries.
type ToolsSettings struct {
	Allowed     []string `yaml:"allowed"`
	Exclude     []string `yaml:"exclude"`
	EnableHooks *bool    `yaml:"enableHooks"`
}

// MCPSettings lists MCP server names whose tools are allowed or excluded.
type MCPSettings struct {
	Allowed  []string `yaml:"allowed"`
	Excluded []string `yaml:"excluded"`
}

// MCPServer holds per-server settings relevant to policy.
type MCPServer struct {
	Trust bool `yaml:"trust"`
}

// PolicySettings adds extra policy directories (user tier).
type PolicySettings struct {
	Dirs []string `yaml:"dirs"`
}

// TelemetrySettings controls the structured event sink.
type TelemetrySettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ModelSettings configures the model used for LLM-assisted checks.
type ModelSettings struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"baseUrl"`
	APIKeyEnv string `yaml:"apiKeyEnv"`
}

// LogSettings configures the debug log file.
type LogSettings struct {
	File string `yaml:"file"`
}

// HooksEnabled reports whether hooks should fire. Unset means enabled.
func (s *Settings) HooksEnabled() bool {
	return s.Tools.EnableHooks == nil || *s.Tools.EnableHooks
}

// TrustedServers returns the names of MCP servers marked as trusted, sorted.
func (s *Settings) TrustedServers() []string {
	var names []string
	for name, srv := range s.MCPServers {
		if srv.Trust {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

var (
	// globalSettings is the loaded configuration
	globalSettings *Settings
	// configInitialized tracks whether config has been loaded
	configInitialized bool
	// initError records the last error encountered by Init
	initError error
	// loadedPaths records which settings files were read
	loadedPaths []string
	// hookLayers keeps hook settings per file for source attribution
	hookLayers []HookLayer
)

// HookLayer is the hook configuration read from one settings file.
type HookLayer struct {
	// Source is "user" or "project".
	Source string
	Hooks  HooksSettings
}

// GetConfigDir returns the config directory path.
// Uses WARDEN_CONFIG env var if set, otherwise ~/.config/warden
func GetConfigDir() (string, error) {
	if dir := os.Getenv(constants.EnvConfigDir); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, constants.XDGConfigSubdir, constants.AppName), nil
}

// ProjectDir returns the project configuration directory for cwd.
func ProjectDir(cwd string) string {
	return filepath.Join(cwd, constants.ProjectDirName)
}

// UserPolicyDir returns the user policy directory.
func UserPolicyDir() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, constants.PolicyDirName), nil
}

// ProjectPolicyDir returns the project policy directory for cwd.
func ProjectPolicyDir(cwd string) string {
	return filepath.Join(ProjectDir(cwd), constants.PolicyDirName)
}

// EnsureConfigFiles creates the config directory and writes the default
// settings file if it doesn't exist.
func EnsureConfigFiles(configDir string) error {
	if err := os.MkdirAll(filepath.Join(configDir, constants.PolicyDirName), constants.DirMode); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settingsPath := filepath.Join(configDir, constants.SettingsFileName)
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, defaultSettings, constants.FileMode); err != nil {
			return fmt.Errorf("failed to write %s: %w", constants.SettingsFileName, err)
		}
	}

	return nil
}

// LoadSettings parses settings from YAML (or JSON) data.
func LoadSettings(data []byte) (*Settings, error) {
	s := &Settings{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	mode, err := ParseApprovalMode(string(s.ApprovalMode))
	if err != nil {
		return nil, err
	}
	s.ApprovalMode = mode
	return s, nil
}

// Merge overlays project settings onto user settings. Scalars set in
// over win; lists are concatenated without duplicates.
func Merge(base, over *Settings) *Settings {
	if base == nil {
		base = &Settings{ApprovalMode: ApprovalDefault}
	}
	if over == nil {
		return base
	}
	out := *base
	if over.ApprovalMode != "" && over.ApprovalMode != ApprovalDefault {
		out.ApprovalMode = over.ApprovalMode
	}
	out.NonInteractive = base.NonInteractive || over.NonInteractive
	out.Debug = base.Debug || over.Debug
	if over.SessionID != "" {
		out.SessionID = over.SessionID
	}
	out.Tools.Allowed = mergeList(base.Tools.Allowed, over.Tools.Allowed)
	out.Tools.Exclude = mergeList(base.Tools.Exclude, over.Tools.Exclude)
	if over.Tools.EnableHooks != nil {
		out.Tools.EnableHooks = over.Tools.EnableHooks
	}
	out.MCP.Allowed = mergeList(base.MCP.Allowed, over.MCP.Allowed)
	out.MCP.Excluded = mergeList(base.MCP.Excluded, over.MCP.Excluded)
	if len(over.MCPServers) > 0 {
		out.MCPServers = make(map[string]MCPServer, len(base.MCPServers)+len(over.MCPServers))
		for k, v := range base.MCPServers {
			out.MCPServers[k] = v
		}
		for k, v := range over.MCPServers {
			out.MCPServers[k] = v
		}
	}
	out.Hooks = mergeHooks(base.Hooks, over.Hooks)
	out.Policy.Dirs = mergeList(base.Policy.Dirs, over.Policy.Dirs)
	if over.Telemetry.Enabled {
		out.Telemetry = over.Telemetry
	}
	if over.Model.Name != "" {
		out.Model = over.Model
	}
	if over.Log.File != "" {
		out.Log = over.Log
	}
	return &out
}

func mergeList(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// mergeHooks appends project definitions after user definitions so user
// hooks run first within each event.
func mergeHooks(a, b HooksSettings) HooksSettings {
	out := HooksSettings{
		Events:   make(map[HookEventName][]HookDefinition),
		Disabled: mergeList(a.Disabled, b.Disabled),
	}
	for event, defs := range a.Events {
		out.Events[event] = append(out.Events[event], defs...)
	}
	for event, defs := range b.Events {
		out.Events[event] = append(out.Events[event], defs...)
	}
	return out
}

// loadEmbeddedDefaults loads the embedded default settings.
func loadEmbeddedDefaults() *Settings {
	s, _ := LoadSettings(defaultSettings)
	return s
}

// readSettingsFile loads one settings file. A missing file is not an error.
func readSettingsFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	s, err := LoadSettings(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	loadedPaths = append(loadedPaths, path)
	return s, nil
}

// Init loads user and project settings, creating defaults if necessary.
// If loading fails, it falls back to embedded defaults.
func Init(cwd string) error {
	if configInitialized {
		return initError
	}
	configInitialized = true
	loadedPaths = nil
	hookLayers = nil

	configDir, err := GetConfigDir()
	if err != nil {
		logger.Debug("failed to get config dir, using embedded defaults", "error", err)
		globalSettings = loadEmbeddedDefaults()
		initError = err
		return err
	}

	if err := EnsureConfigFiles(configDir); err != nil {
		logger.Debug("failed to ensure config files, using embedded defaults", "error", err)
		globalSettings = loadEmbeddedDefaults()
		initError = err
		return err
	}

	user, err := readSettingsFile(filepath.Join(configDir, constants.SettingsFileName))
	if err != nil {
		logger.Debug("failed to load user settings, using embedded defaults", "error", err)
		user = loadEmbeddedDefaults()
		initError = err
	}

	project, err := readSettingsFile(filepath.Join(ProjectDir(cwd), constants.SettingsFileName))
	if err != nil {
		logger.Debug("failed to load project settings, ignoring", "error", err)
		initError = err
	}

	if user != nil {
		hookLayers = append(hookLayers, HookLayer{Source: "user", Hooks: user.Hooks})
	}
	if project != nil {
		hookLayers = append(hookLayers, HookLayer{Source: "project", Hooks: project.Hooks})
	}
	globalSettings = Merge(user, project)
	logger.Debug("settings loaded",
		"paths", loadedPaths,
		"approvalMode", globalSettings.ApprovalMode,
		"hookEvents", len(globalSettings.Hooks.Events))
	return initError
}

// Get returns the current settings.
// If Init has not been called, it initializes from the working directory.
func Get() *Settings {
	if !configInitialized {
		cwd, _ := os.Getwd()
		Init(cwd)
	}
	return globalSettings
}

// InitError returns the error recorded by the last Init, if any.
func InitError() error {
	return initError
}

// LoadedPaths returns the settings files read by the last Init.
func LoadedPaths() []string {
	return slices.Clone(loadedPaths)
}

// HookLayers returns the hook settings of each file read by the last Init,
// user first.
func HookLayers() []HookLayer {
	return slices.Clone(hookLayers)
}

// Reset resets the configuration state. Used for testing.
func Reset() {
	configInitialized = false
	globalSettings = nil
	initError = nil
	loadedPaths = nil
	hookLayers = nil
}

// GetDefaultSettings returns the embedded default settings file.
func GetDefaultSettings() []byte {
	return defaultSettings
}
