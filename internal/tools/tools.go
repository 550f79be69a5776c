// Package tools defines what the scheduler needs from a tool: a name, a
// way to validate parameters into an invocation, and an invocation that
// may ask for confirmation and then runs.
package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dgerlanc/warden/internal/llm"
)

// Kind groups tools by their side effects.
type Kind string

const (
	KindRead    Kind = "read"
	KindEdit    Kind = "edit"
	KindSearch  Kind = "search"
	KindExecute Kind = "execute"
	KindOther   Kind = "other"
)

// ErrorType classifies a failed tool call.
type ErrorType string

const (
	ErrorToolNotRegistered  ErrorType = "tool_not_registered"
	ErrorInvalidParams      ErrorType = "invalid_tool_params"
	ErrorExecutionFailed    ErrorType = "execution_failed"
	ErrorUnhandledException ErrorType = "unhandled_exception"
	ErrorPolicyViolation    ErrorType = "policy_violation"
	ErrorStopExecution      ErrorType = "stop_execution"
	ErrorFileNotFound       ErrorType = "file_not_found"
	ErrorPathNotInWorkspace ErrorType = "path_not_in_workspace"
	ErrorShellExecute       ErrorType = "shell_execute_error"
)

// Error describes why a tool call failed.
type Error struct {
	Message string    `json:"message"`
	Type    ErrorType `json:"type"`
}

func (e *Error) Error() string { return e.Message }

// Content is what a tool hands back to the model. It is one of
// TextContent, PartsContent or PartContent.
type Content interface {
	isContent()
}

// TextContent is a plain string result.
type TextContent string

// PartsContent is a list of parts.
type PartsContent []llm.Part

// PartContent is a single part.
type PartContent llm.Part

func (TextContent) isContent()  {}
func (PartsContent) isContent() {}
func (PartContent) isContent()  {}

// AppendContext adds extra text to c, keeping its shape where possible:
// text is concatenated, a list gains a part and a single part becomes a
// list.
func AppendContext(c Content, extra string) Content {
	if extra == "" {
		return c
	}
	switch v := c.(type) {
	case nil:
		return TextContent(extra)
	case TextContent:
		if v == "" {
			return TextContent(extra)
		}
		return TextContent(string(v) + "\n\n" + extra)
	case PartsContent:
		out := make(PartsContent, 0, len(v)+1)
		out = append(out, v...)
		return append(out, llm.Part{Text: "\n\n" + extra})
	case PartContent:
		return PartsContent{llm.Part(v), {Text: "\n\n" + extra}}
	}
	return c
}

// ContentText flattens c to text.
func ContentText(c Content) string {
	switch v := c.(type) {
	case TextContent:
		return string(v)
	case PartsContent:
		var b strings.Builder
		for _, p := range v {
			b.WriteString(p.Text)
		}
		return b.String()
	case PartContent:
		return v.Text
	}
	return ""
}

// ContentParts converts c to parts for a function response.
func ContentParts(c Content) []llm.Part {
	switch v := c.(type) {
	case TextContent:
		return []llm.Part{{Text: string(v)}}
	case PartsContent:
		return []llm.Part(v)
	case PartContent:
		return []llm.Part{llm.Part(v)}
	}
	return nil
}

// Result is the outcome of an invocation.
type Result struct {
	LLMContent Content
	// Display is a short summary for the user.
	Display string
	Error   *Error
}

// ErrorResult builds a failed result whose content carries the message.
func ErrorResult(typ ErrorType, msg string) Result {
	return Result{LLMContent: TextContent(msg), Display: msg, Error: &Error{Message: msg, Type: typ}}
}

// LiveOutputFunc receives streamed output while a tool runs.
type LiveOutputFunc func(chunk string)

// ShellConfig tunes shell execution.
type ShellConfig struct {
	// Shell overrides the interpreter, "sh" by default.
	Shell string
	Env   []string
}

// ExecuteOptions are passed through to Invocation.Execute. Any field may
// be nil.
type ExecuteOptions struct {
	LiveOutput LiveOutputFunc
	Shell      *ShellConfig
	// SetPID is only supplied to shell invocations.
	SetPID func(pid int)
}

// ConfirmationType says what kind of confirmation a call needs.
type ConfirmationType string

const (
	ConfirmEdit ConfirmationType = "edit"
	ConfirmExec ConfirmationType = "exec"
	ConfirmMCP  ConfirmationType = "mcp"
	ConfirmInfo ConfirmationType = "info"
)

// ConfirmationDetails describes a pending call to the user.
type ConfirmationDetails struct {
	Type  ConfirmationType `json:"type"`
	Title string           `json:"title"`

	FileName string `json:"fileName,omitempty"`
	FilePath string `json:"filePath,omitempty"`
	FileDiff string `json:"fileDiff,omitempty"`

	Command     string `json:"command,omitempty"`
	RootCommand string `json:"rootCommand,omitempty"`

	ServerName      string `json:"serverName,omitempty"`
	ToolName        string `json:"toolName,omitempty"`
	ToolDisplayName string `json:"toolDisplayName,omitempty"`

	Prompt string   `json:"prompt,omitempty"`
	URLs   []string `json:"urls,omitempty"`

	// OnConfirm runs after the user answers, before execution.
	OnConfirm func(ctx context.Context, outcome string) `json:"-"`
}

// Invocation is a validated, ready-to-run tool call.
type Invocation interface {
	Params() map[string]any
	// Describe is a one-line summary of what the call will do.
	Describe() string
	// ShouldConfirmExecute returns details when the call needs the user's
	// approval, or nil when it can run as is.
	ShouldConfirmExecute(ctx context.Context) (*ConfirmationDetails, error)
	Execute(ctx context.Context, opts ExecuteOptions) (Result, error)
}

// Tool builds invocations from model-supplied parameters.
type Tool interface {
	Name() string
	Description() string
	Kind() Kind
	// Schema is the JSON schema of the parameters.
	Schema() map[string]any
	Build(params map[string]any) (Invocation, error)
}

// ServerTool is implemented by tools provided by an MCP server.
type ServerTool interface {
	Tool
	ServerName() string
}

// ServerName returns the MCP server of t, or "".
func ServerName(t Tool) string {
	if st, ok := t.(ServerTool); ok {
		return st.ServerName()
	}
	return ""
}

// params decodes raw parameters into dst through JSON, so tools can use
// typed structs.
func params(raw map[string]any, dst any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
