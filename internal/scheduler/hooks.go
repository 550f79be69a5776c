// Package scheduler runs model-requested tool calls: it checks policy,
// asks for confirmation when needed, fires tool hooks around execution
// and assembles the responses for the model.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgerlanc/warden/internal/bus"
	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/constants"
	"github.com/dgerlanc/warden/internal/hooks"
	"github.com/dgerlanc/warden/internal/logger"
	"github.com/dgerlanc/warden/internal/tools"
)

// requestHook fires event over the bus and decodes the aggregated output.
// Any failure is logged and reported as no output.
func requestHook(ctx context.Context, b *bus.Bus, event config.HookEventName, input map[string]any) *hooks.Output {
	if b == nil {
		return nil
	}
	req := bus.HookExecutionRequest{
		CorrelationID: bus.NewCorrelationID(),
		EventName:     string(event),
		Input:         input,
	}
	resp, err := bus.Request[bus.HookExecutionResponse](ctx, b, req, bus.TypeHookExecutionResponse)
	if err != nil {
		logger.Debug("hook request failed", "event", string(event), "error", err)
		return nil
	}
	out, err := hooks.DecodeResponse(event, resp)
	if err != nil {
		logger.Debug("hook response unusable", "event", string(event), "error", err)
		return nil
	}
	return out
}

// ExecuteToolWithHooks runs inv between the BeforeTool and AfterTool hooks.
// A blocking BeforeTool hook prevents execution, and a hook asking to stop
// turns the result into a STOP_EXECUTION error. AfterTool additional
// context is appended to the tool's content. The returned error is the
// tool's own execution error.
func ExecuteToolWithHooks(ctx context.Context, inv tools.Invocation, toolName string, b *bus.Bus, hooksEnabled bool, opts tools.ExecuteOptions) (tools.Result, error) {
	input := inv.Params()
	if input == nil {
		input = map[string]any{}
	}

	if hooksEnabled {
		before := requestHook(ctx, b, config.BeforeTool, map[string]any{
			hooks.FieldToolName:  toolName,
			hooks.FieldToolInput: input,
		})
		if before.ShouldStopExecution() {
			return stopResult(before), nil
		}
		if before.IsBlockingDecision() {
			msg := "Tool execution blocked: " + before.EffectiveReason()
			return tools.ErrorResult(tools.ErrorExecutionFailed, msg), nil
		}
	}

	if toolName != constants.ShellToolName {
		opts.SetPID = nil
	}
	res, err := inv.Execute(ctx, opts)
	if err != nil {
		return res, err
	}

	if hooksEnabled {
		after := requestHook(ctx, b, config.AfterTool, map[string]any{
			hooks.FieldToolName:     toolName,
			hooks.FieldToolInput:    input,
			hooks.FieldToolResponse: toolResponse(res),
		})
		if after.ShouldStopExecution() {
			return stopResult(after), nil
		}
		if extra := after.AdditionalContext(); extra != "" {
			res.LLMContent = tools.AppendContext(res.LLMContent, extra)
		}
	}
	return res, nil
}

func stopResult(o *hooks.Output) tools.Result {
	return tools.ErrorResult(tools.ErrorStopExecution, "Agent execution stopped by hook: "+o.EffectiveReason())
}

// toolResponse is the tool_response field handed to AfterTool hooks.
func toolResponse(res tools.Result) map[string]any {
	m := map[string]any{
		"llmContent":    tools.ContentText(res.LLMContent),
		"returnDisplay": res.Display,
	}
	if res.Error != nil {
		m["error"] = map[string]any{"message": res.Error.Message, "type": string(res.Error.Type)}
	}
	return m
}

// notificationMessage describes a pending confirmation for Notification hooks.
func notificationMessage(toolName string, d *tools.ConfirmationDetails) string {
	switch d.Type {
	case tools.ConfirmEdit:
		return fmt.Sprintf("Tool %s requires editing", toolName)
	case tools.ConfirmExec:
		return fmt.Sprintf("Tool %s requires execution", toolName)
	case tools.ConfirmMCP:
		return fmt.Sprintf("Tool %s requires MCP", toolName)
	case tools.ConfirmInfo:
		return fmt.Sprintf("Tool %s requires information", toolName)
	}
	return "Tool requires confirmation"
}

// FireToolNotificationHook tells Notification hooks that toolName is
// waiting for the user. It never fails the caller.
func FireToolNotificationHook(ctx context.Context, b *bus.Bus, toolName string, d *tools.ConfirmationDetails) {
	if d == nil {
		return
	}
	details, err := detailsMap(d)
	if err != nil {
		logger.Debug("cannot serialize confirmation details", "tool", toolName, "error", err)
		details = map[string]any{}
	}
	requestHook(ctx, b, config.Notification, map[string]any{
		hooks.FieldNotificationType: string(hooks.NotificationToolPermission),
		hooks.FieldMessage:          notificationMessage(toolName, d),
		hooks.FieldDetails:          details,
	})
}

// detailsMap drops the callback and empty fields through a JSON round trip.
func detailsMap(d *tools.ConfirmationDetails) (map[string]any, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode confirmation details: %w", err)
	}
	return m, nil
}
