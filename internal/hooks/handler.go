package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgerlanc/warden/internal/bus"
	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/events"
	"github.com/dgerlanc/warden/internal/logger"
	"github.com/dgerlanc/warden/internal/telemetry"
)

// HandlerOptions carries the session facts every hook input includes and
// the sinks the handler reports to. Nil sinks are ignored.
type HandlerOptions struct {
	SessionID      string
	TranscriptPath string
	Cwd            string
	Emitter        *events.Emitter
	Telemetry      telemetry.Sink
}

// EventHandler fires hook events. Its Fire methods never fail: problems
// are logged and reported in the AggregatedResult.
type EventHandler struct {
	planner *Planner
	runner  *Runner
	opts    HandlerOptions
	now     func() time.Time
}

// NewEventHandler returns a handler that plans with planner and runs hooks
// with runner.
func NewEventHandler(planner *Planner, runner *Runner, opts HandlerOptions) *EventHandler {
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop{}
	}
	return &EventHandler{planner: planner, runner: runner, opts: opts, now: time.Now}
}

func (h *EventHandler) baseInput(event config.HookEventName) map[string]any {
	return map[string]any{
		FieldSessionID:      h.opts.SessionID,
		FieldTranscriptPath: h.opts.TranscriptPath,
		FieldCwd:            h.opts.Cwd,
		FieldHookEventName:  string(event),
		FieldTimestamp:      h.now().UTC().Format(time.RFC3339),
	}
}

// subject picks the value a definition's matcher is compared against.
func subject(event config.HookEventName, fields map[string]any) string {
	var key string
	switch event {
	case config.BeforeTool, config.AfterTool:
		key = FieldToolName
	case config.SessionStart:
		key = FieldSource
	case config.PreCompress:
		key = FieldTrigger
	default:
		return ""
	}
	s, _ := fields[key].(string)
	return s
}

// Fire runs the hooks for event with fields added to the common input.
func (h *EventHandler) Fire(ctx context.Context, event config.HookEventName, fields map[string]any) (agg AggregatedResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("hook event panicked", "event", string(event), "panic", r)
			agg = Failed(fmt.Errorf("hook event %s: %v", event, r), time.Since(start))
		}
	}()

	if !event.Valid() {
		return Failed(fmt.Errorf("unknown hook event %q", event), 0)
	}
	plan := h.planner.Plan(event, subject(event, fields))
	if plan == nil {
		return AggregatedResult{Success: true}
	}

	input := h.baseInput(event)
	for k, v := range fields {
		input[k] = v
	}
	data, err := json.Marshal(input)
	if err != nil {
		logger.Debug("failed to encode hook input", "event", string(event), "error", err)
		return Failed(fmt.Errorf("encode hook input: %w", err), time.Since(start))
	}

	var results []ExecutionResult
	if plan.Sequential {
		results = h.runner.ExecuteSequential(ctx, plan.Hooks, event, data)
	} else {
		results = h.runner.ExecuteParallel(ctx, plan.Hooks, event, data)
	}
	agg = Aggregate(event, results)
	h.record(event, results)
	h.process(event, agg)
	return agg
}

func (h *EventHandler) record(event config.HookEventName, results []ExecutionResult) {
	for _, r := range results {
		call := &telemetry.HookCall{
			EventName:  string(event),
			Command:    r.Hook.Command,
			Success:    r.Success,
			ExitCode:   r.ExitCode,
			DurationMs: telemetry.Milliseconds(r.Duration),
		}
		if r.Err != nil {
			call.Error = r.Err.Error()
			logger.Debug("hook failed", "event", string(event), "command", r.Hook.Command, "error", r.Err)
		}
		ev := telemetry.Event{Name: telemetry.EventHookCall, SessionID: h.opts.SessionID, HookCall: call}
		if err := h.opts.Telemetry.Log(ev); err != nil {
			logger.Debug("failed to record hook call", "error", err)
		}
	}
}

// process handles the fields every event shares.
func (h *EventHandler) process(event config.HookEventName, agg AggregatedResult) {
	out := agg.FinalOutput
	if out == nil {
		return
	}
	if out.SystemMessage != "" && !out.SuppressOutput && h.opts.Emitter != nil {
		h.opts.Emitter.Feedback(events.SeverityInfo, "hooks", out.SystemMessage)
	}
	if out.ShouldStopExecution() {
		logger.Info("hook requested stop", "event", string(event), "reason", out.EffectiveReason())
	}
}

// FireBeforeTool runs BeforeTool hooks for a pending tool call.
func (h *EventHandler) FireBeforeTool(ctx context.Context, toolName string, toolInput map[string]any) AggregatedResult {
	return h.Fire(ctx, config.BeforeTool, map[string]any{
		FieldToolName:  toolName,
		FieldToolInput: nonNil(toolInput),
	})
}

// FireAfterTool runs AfterTool hooks with the tool's input and response.
func (h *EventHandler) FireAfterTool(ctx context.Context, toolName string, toolInput, toolResponse map[string]any) AggregatedResult {
	return h.Fire(ctx, config.AfterTool, map[string]any{
		FieldToolName:     toolName,
		FieldToolInput:    nonNil(toolInput),
		FieldToolResponse: nonNil(toolResponse),
	})
}

// FireBeforeAgent runs BeforeAgent hooks for a submitted prompt.
func (h *EventHandler) FireBeforeAgent(ctx context.Context, prompt string) AggregatedResult {
	return h.Fire(ctx, config.BeforeAgent, map[string]any{FieldPrompt: prompt})
}

// FireAfterAgent runs AfterAgent hooks once the agent has answered.
func (h *EventHandler) FireAfterAgent(ctx context.Context, prompt, response string, stopHookActive bool) AggregatedResult {
	return h.Fire(ctx, config.AfterAgent, map[string]any{
		FieldPrompt:         prompt,
		FieldPromptResponse: response,
		FieldStopHookActive: stopHookActive,
	})
}

// FireBeforeModel runs BeforeModel hooks for a model request.
func (h *EventHandler) FireBeforeModel(ctx context.Context, req LLMRequest) AggregatedResult {
	return h.Fire(ctx, config.BeforeModel, map[string]any{FieldLLMRequest: req})
}

// FireAfterModel runs AfterModel hooks for a model response.
func (h *EventHandler) FireAfterModel(ctx context.Context, req LLMRequest, resp LLMResponse) AggregatedResult {
	return h.Fire(ctx, config.AfterModel, map[string]any{
		FieldLLMRequest:  req,
		FieldLLMResponse: resp,
	})
}

// FireBeforeToolSelection runs BeforeToolSelection hooks.
func (h *EventHandler) FireBeforeToolSelection(ctx context.Context, req LLMRequest) AggregatedResult {
	return h.Fire(ctx, config.BeforeToolSelection, map[string]any{FieldLLMRequest: req})
}

// FireNotification runs Notification hooks.
func (h *EventHandler) FireNotification(ctx context.Context, typ NotificationType, message string, details map[string]any) AggregatedResult {
	return h.Fire(ctx, config.Notification, map[string]any{
		FieldNotificationType: string(typ),
		FieldMessage:          message,
		FieldDetails:          nonNil(details),
	})
}

// FireSessionStart runs SessionStart hooks.
func (h *EventHandler) FireSessionStart(ctx context.Context, source SessionStartSource) AggregatedResult {
	return h.Fire(ctx, config.SessionStart, map[string]any{FieldSource: string(source)})
}

// FireSessionEnd runs SessionEnd hooks.
func (h *EventHandler) FireSessionEnd(ctx context.Context, reason SessionEndReason) AggregatedResult {
	return h.Fire(ctx, config.SessionEnd, map[string]any{FieldReason: string(reason)})
}

// FirePreCompress runs PreCompress hooks.
func (h *EventHandler) FirePreCompress(ctx context.Context, trigger PreCompressTrigger) AggregatedResult {
	return h.Fire(ctx, config.PreCompress, map[string]any{FieldTrigger: string(trigger)})
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// SubscribeBus answers HookExecutionRequest messages on b. The hooks run
// on the publisher's goroutine under its context, so a caller that gives
// up on the request also stops the hooks.
func (h *EventHandler) SubscribeBus(b *bus.Bus) func() {
	return b.Subscribe(bus.TypeHookExecutionRequest, func(ctx context.Context, msg bus.Message) {
		req, ok := msg.(bus.HookExecutionRequest)
		if !ok {
			return
		}
		resp := h.answer(ctx, req)
		if err := b.Publish(ctx, resp); err != nil {
			logger.Debug("failed to publish hook response", "event", req.EventName, "error", err)
		}
	})
}

func (h *EventHandler) answer(ctx context.Context, req bus.HookExecutionRequest) bus.HookExecutionResponse {
	resp := bus.HookExecutionResponse{CorrelationID: req.CorrelationID}
	agg := h.Fire(ctx, config.HookEventName(req.EventName), req.Input)
	resp.Success = agg.Success
	if len(agg.Errors) > 0 {
		resp.Error = joinErrors(agg.Errors)
	}
	if agg.FinalOutput != nil {
		data, err := json.Marshal(agg.FinalOutput.HookOutput)
		if err != nil {
			resp.Success = false
			resp.Error = fmt.Sprintf("encode hook output: %v", err)
			return resp
		}
		resp.Output = data
	}
	return resp
}

func joinErrors(errs []error) string {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// DecodeResponse turns a HookExecutionResponse back into an Output for
// event. It returns nil when the response carries no output.
func DecodeResponse(event config.HookEventName, resp bus.HookExecutionResponse) (*Output, error) {
	if len(resp.Output) == 0 {
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return nil, nil
	}
	var o HookOutput
	if err := json.Unmarshal(resp.Output, &o); err != nil {
		return nil, fmt.Errorf("decode hook output: %w", err)
	}
	return NewOutput(event, &o), nil
}
