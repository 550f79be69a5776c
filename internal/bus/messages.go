package bus

import (
	"encoding/json"

	"github.com/dgerlanc/warden/internal/policy"
)

// MessageType identifies a kind of bus message.
type MessageType string

const (
	TypeToolConfirmationRequest  MessageType = "tool-confirmation-request"
	TypeToolConfirmationResponse MessageType = "tool-confirmation-response"
	TypeToolPolicyRejection      MessageType = "tool-policy-rejection"
	TypeUpdatePolicy             MessageType = "update-policy"
	TypeHookExecutionRequest     MessageType = "hook-execution-request"
	TypeHookExecutionResponse    MessageType = "hook-execution-response"
)

// Message is anything that can travel on the bus.
type Message interface {
	Type() MessageType
}

// Correlated messages belong to a request/response pair.
type Correlated interface {
	Message
	Correlation() string
}

// Outcome is the user's answer to a confirmation prompt.
type Outcome string

const (
	ProceedOnce         Outcome = "proceed_once"
	ProceedAlways       Outcome = "proceed_always"
	ProceedAlwaysServer Outcome = "proceed_always_server"
	ModifyWithEditor    Outcome = "modify_with_editor"
	Cancel              Outcome = "cancel"
)

// Approved reports whether the outcome lets the tool run.
func (o Outcome) Approved() bool {
	switch o {
	case ProceedOnce, ProceedAlways, ProceedAlwaysServer, ModifyWithEditor:
		return true
	}
	return false
}

// ToolConfirmationRequest asks whether a tool call may run.
type ToolConfirmationRequest struct {
	CorrelationID string
	ToolCall      policy.ToolCall
	ServerName    string
	// Title and Prompt describe the call to a human.
	Title  string
	Prompt string
}

func (m ToolConfirmationRequest) Type() MessageType    { return TypeToolConfirmationRequest }
func (m ToolConfirmationRequest) Correlation() string { return m.CorrelationID }

// ToolConfirmationResponse answers a ToolConfirmationRequest.
type ToolConfirmationResponse struct {
	CorrelationID string
	Confirmed     bool
	Outcome       Outcome
	// RequiresUserConfirmation is set when policy says ask but nothing on
	// the bus can ask. The requester must fall back to its own prompt.
	RequiresUserConfirmation bool
}

func (m ToolConfirmationResponse) Type() MessageType    { return TypeToolConfirmationResponse }
func (m ToolConfirmationResponse) Correlation() string { return m.CorrelationID }

// ToolPolicyRejection is broadcast when policy denies a confirmation request.
type ToolPolicyRejection struct {
	ToolCall policy.ToolCall
}

func (m ToolPolicyRejection) Type() MessageType { return TypeToolPolicyRejection }

// UpdatePolicy asks for a tool to be allowed from now on.
type UpdatePolicy struct {
	ToolName string
	// CommandPrefix narrows a shell allow to commands with this prefix.
	CommandPrefix string
}

func (m UpdatePolicy) Type() MessageType { return TypeUpdatePolicy }

// HookExecutionRequest asks the hook system to fire an event.
type HookExecutionRequest struct {
	CorrelationID string
	EventName     string
	Input         map[string]any
}

func (m HookExecutionRequest) Type() MessageType    { return TypeHookExecutionRequest }
func (m HookExecutionRequest) Correlation() string { return m.CorrelationID }

// HookExecutionResponse carries the aggregated hook result.
type HookExecutionResponse struct {
	CorrelationID string
	Success       bool
	Output        json.RawMessage
	Error         string
}

func (m HookExecutionResponse) Type() MessageType    { return TypeHookExecutionResponse }
func (m HookExecutionResponse) Correlation() string { return m.CorrelationID }
