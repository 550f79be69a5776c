package session

import (
	"context"
	"fmt"

	"github.com/dgerlanc/warden/internal/hooks"
	"github.com/dgerlanc/warden/internal/llm"
	"github.com/dgerlanc/warden/internal/scheduler"
)

// finishStop is the finish reason reported to AfterModel hooks.
const finishStop = "STOP"

// ModelCall is a model request after BeforeModel and BeforeToolSelection
// hooks have seen it.
type ModelCall struct {
	// Request is the request as hooks left it.
	Request hooks.LLMRequest
	// Contents is the conversation the model would be sent.
	Contents []llm.Content
	// Synthetic is set when a BeforeModel hook answered in place of the
	// model. Tool selection hooks are skipped in that case.
	Synthetic *hooks.LLMResponse
}

// BeginModelCall prepares the next model request from the history. A
// BeforeModel hook may rewrite the request, answer it itself or block it.
func (s *Session) BeginModelCall(ctx context.Context) (ModelCall, error) {
	history := s.History()
	req := hooks.ToHookRequest(s.Settings.Model.Name, history, nil)
	req.ToolConfig = &hooks.ToolConfig{Mode: hooks.ModeAuto, AllowedFunctionNames: s.Tools.Names()}

	call := ModelCall{Request: req, Contents: history}
	if !s.Settings.HooksEnabled() {
		s.setModelRequest(req)
		return call, nil
	}
	h := s.Hooks.EventHandler()

	before := h.FireBeforeModel(ctx, req).FinalOutput
	if before.ShouldStopExecution() || before.IsBlockingDecision() {
		return call, fmt.Errorf("%w: %s", ErrBlocked, before.EffectiveReason())
	}
	req = before.ApplyLLMRequestModifications(req)
	if resp, ok := before.SyntheticResponse(); ok {
		call.Request = req
		call.Contents = hooks.FromHookRequest(req, history)
		call.Synthetic = &resp
		s.setModelRequest(req)
		return call, nil
	}

	tc := hooks.ToolConfig{Mode: hooks.ModeAuto}
	if req.ToolConfig != nil {
		tc = *req.ToolConfig
	}
	tc = h.FireBeforeToolSelection(ctx, req).FinalOutput.ApplyToolConfigModifications(tc)
	if tc.Mode == hooks.ModeNone {
		tc.AllowedFunctionNames = nil
	}
	req.ToolConfig = &tc

	call.Request = req
	call.Contents = hooks.FromHookRequest(req, history)
	s.setModelRequest(req)
	return call, nil
}

// FinishModelCall records the model's reply. AfterModel hooks may rewrite
// it or stop the run; the final text is checked for content loops.
func (s *Session) FinishModelCall(ctx context.Context, text string) (string, error) {
	content := llm.Content{Role: llm.RoleModel, Parts: []llm.Part{{Text: text}}}
	if s.Settings.HooksEnabled() {
		s.mu.Lock()
		req := s.modelRequest
		s.mu.Unlock()

		out := s.Hooks.EventHandler().FireAfterModel(ctx, req, hooks.ToHookResponse(content, finishStop)).FinalOutput
		if out.ShouldStopExecution() {
			return "", fmt.Errorf("%w: %s", scheduler.ErrStopRequested, out.EffectiveReason())
		}
		if resp, ok := out.ModifiedResponse(); ok {
			content = hooks.FromHookResponse(resp)
		}
	}
	final := content.Text()
	return final, s.AddContent(final)
}

// Compress fires PreCompress hooks and starts loop tracking afresh, since
// the history the detector watched is being replaced.
func (s *Session) Compress(ctx context.Context, trigger hooks.PreCompressTrigger) {
	if s.Settings.HooksEnabled() {
		s.Hooks.EventHandler().FirePreCompress(ctx, trigger)
	}
	s.mu.Lock()
	promptID := s.promptID
	s.mu.Unlock()
	s.Loop.Reset(promptID)
}

func (s *Session) setModelRequest(req hooks.LLMRequest) {
	s.mu.Lock()
	s.modelRequest = req
	s.mu.Unlock()
}
