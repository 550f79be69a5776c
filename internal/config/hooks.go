package config

import (
	"gopkg.in/yaml.v3"

	"github.com/dgerlanc/warden/internal/logger"
)

// HookEventName represents the lifecycle event when a hook should run.
type HookEventName string

const (
	// BeforeTool runs before a tool executes and can block it.
	BeforeTool HookEventName = "BeforeTool"
	// AfterTool runs after a tool completes and can append context or stop the agent.
	AfterTool HookEventName = "AfterTool"
	// BeforeAgent runs when a prompt is submitted, before the agent starts working.
	BeforeAgent HookEventName = "BeforeAgent"
	// AfterAgent runs when the agent has produced its final response.
	AfterAgent HookEventName = "AfterAgent"
	// BeforeModel runs before each model request and may rewrite or replace it.
	BeforeModel HookEventName = "BeforeModel"
	// AfterModel runs after each model response and may rewrite it.
	AfterModel HookEventName = "AfterModel"
	// BeforeToolSelection runs before the model picks tools and may restrict them.
	BeforeToolSelection HookEventName = "BeforeToolSelection"
	// Notification runs when the agent needs the user's attention.
	Notification HookEventName = "Notification"
	// SessionStart runs when a session starts, resumes or is cleared.
	SessionStart HookEventName = "SessionStart"
	// SessionEnd runs when a session ends.
	SessionEnd HookEventName = "SessionEnd"
	// PreCompress runs before the conversation history is compressed.
	PreCompress HookEventName = "PreCompress"
)

// HookEventNames lists every event in a stable order.
var HookEventNames = []HookEventName{
	BeforeTool, AfterTool, BeforeAgent, AfterAgent, BeforeModel, AfterModel,
	BeforeToolSelection, Notification, SessionStart, SessionEnd, PreCompress,
}

// Valid reports whether e is a known event name.
func (e HookEventName) Valid() bool {
	for _, name := range HookEventNames {
		if e == name {
			return true
		}
	}
	return false
}

// HookType is the kind of hook; only "command" is supported.
type HookType string

const HookTypeCommand HookType = "command"

// HookConfig represents a single hook command configuration.
type HookConfig struct {
	// Type is the hook type, currently only "command" is supported.
	Type HookType `yaml:"type" json:"type"`
	// Command is the shell command to execute. $WARDEN_PROJECT_DIR,
	// $GEMINI_PROJECT_DIR and $CLAUDE_PROJECT_DIR are expanded before spawning.
	Command string `yaml:"command" json:"command"`
	// Timeout is the maximum time in milliseconds to wait for the hook.
	// Zero means the runner default.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// HookDefinition groups hooks behind an optional matcher.
type HookDefinition struct {
	// Matcher is matched against the event subject (tool name for tool
	// events, source for SessionStart, trigger for PreCompress).
	Matcher string `yaml:"matcher,omitempty" json:"matcher,omitempty"`
	// Sequential runs the hooks one at a time, threading modifications.
	Sequential bool `yaml:"sequential,omitempty" json:"sequential,omitempty"`
	// Hooks is the list of hooks to execute when the matcher matches.
	Hooks []HookConfig `yaml:"hooks" json:"hooks"`
}

// HooksSettings holds hook definitions keyed by event plus the list of
// disabled hook commands.
type HooksSettings struct {
	Events   map[HookEventName][]HookDefinition
	Disabled []string
}

// UnmarshalYAML decodes the mixed "hooks" mapping where every key is an
// event name except "disabled". Entries that do not decode are logged and
// skipped so the rest of the settings file still applies.
func (h *HooksSettings) UnmarshalYAML(value *yaml.Node) error {
	h.Events = make(map[HookEventName][]HookDefinition)
	if value.Kind != yaml.MappingNode {
		logger.Warn("ignoring hooks: expected a mapping", "line", value.Line, "tag", value.Tag)
		return nil
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i].Value
		node := value.Content[i+1]
		if key == "disabled" {
			if err := node.Decode(&h.Disabled); err != nil {
				logger.Warn("ignoring hooks.disabled", "line", node.Line, "error", err)
				h.Disabled = nil
			}
			continue
		}
		if node.Kind != yaml.SequenceNode {
			logger.Warn("ignoring hook event: expected a list", "event", key, "line", node.Line)
			continue
		}
		defs := make([]HookDefinition, 0, len(node.Content))
		for _, entry := range node.Content {
			var def HookDefinition
			if err := entry.Decode(&def); err != nil {
				logger.Warn("ignoring invalid hook definition", "event", key, "line", entry.Line, "error", err)
				continue
			}
			defs = append(defs, def)
		}
		h.Events[HookEventName(key)] = defs
	}
	return nil
}
