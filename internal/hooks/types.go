// Package hooks runs user-configured commands at agent lifecycle events and
// interprets what they print.
//
// A hook receives the event input as JSON on stdin and answers with a JSON
// HookOutput on stdout, or with plain text and an exit code. The HookSystem
// indexes configured hooks, plans which ones apply to an event, runs them
// and folds their outputs into one result.
package hooks

import (
	"time"

	"github.com/dgerlanc/warden/internal/config"
)

// Decision is the verdict a hook returns.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionDeny    Decision = "deny"
	DecisionBlock   Decision = "block"
	DecisionAsk     Decision = "ask"
	DecisionApprove Decision = "approve"
)

// Blocking reports whether d stops the action.
func (d Decision) Blocking() bool {
	return d == DecisionBlock || d == DecisionDeny
}

// NotificationType tells Notification hooks why they fired.
type NotificationType string

const NotificationToolPermission NotificationType = "ToolPermission"

// SessionStartSource is the reason a session started.
type SessionStartSource string

const (
	SessionStartStartup  SessionStartSource = "startup"
	SessionStartResume   SessionStartSource = "resume"
	SessionStartClear    SessionStartSource = "clear"
	SessionStartCompress SessionStartSource = "compress"
)

// SessionEndReason is the reason a session ended.
type SessionEndReason string

const (
	SessionEndExit   SessionEndReason = "exit"
	SessionEndClear  SessionEndReason = "clear"
	SessionEndLogout SessionEndReason = "logout"
	SessionEndPrompt SessionEndReason = "prompt_input_exit"
	SessionEndOther  SessionEndReason = "other"
)

// PreCompressTrigger says who asked for history compression.
type PreCompressTrigger string

const (
	PreCompressManual PreCompressTrigger = "manual"
	PreCompressAuto   PreCompressTrigger = "auto"
)

// Input field names shared with hook processes.
const (
	FieldSessionID        = "session_id"
	FieldTranscriptPath   = "transcript_path"
	FieldCwd              = "cwd"
	FieldHookEventName    = "hook_event_name"
	FieldTimestamp        = "timestamp"
	FieldToolName         = "tool_name"
	FieldToolInput        = "tool_input"
	FieldToolResponse     = "tool_response"
	FieldPrompt           = "prompt"
	FieldPromptResponse   = "prompt_response"
	FieldStopHookActive   = "stop_hook_active"
	FieldNotificationType = "notification_type"
	FieldMessage          = "message"
	FieldDetails          = "details"
	FieldSource           = "source"
	FieldReason           = "reason"
	FieldTrigger          = "trigger"
	FieldLLMRequest       = "llm_request"
	FieldLLMResponse      = "llm_response"
)

// HookOutput is the JSON object a hook prints on stdout.
type HookOutput struct {
	Continue           *bool          `json:"continue,omitempty"`
	StopReason         string         `json:"stopReason,omitempty"`
	SuppressOutput     bool           `json:"suppressOutput,omitempty"`
	SystemMessage      string         `json:"systemMessage,omitempty"`
	Decision           Decision       `json:"decision,omitempty"`
	Reason             string         `json:"reason,omitempty"`
	HookSpecificOutput map[string]any `json:"hookSpecificOutput,omitempty"`
}

// ExecutionResult is the outcome of running one hook process.
type ExecutionResult struct {
	Hook     config.HookConfig
	Event    config.HookEventName
	Success  bool
	Output   *HookOutput
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Err      error
}

// AggregatedResult folds every hook run for one event.
type AggregatedResult struct {
	Success       bool
	FinalOutput   *Output
	AllOutputs    []*Output
	Results       []ExecutionResult
	Errors        []error
	TotalDuration time.Duration
}
