package hooks

import (
	"encoding/json"

	"github.com/tidwall/sjson"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/logger"
)

// Output is a HookOutput tagged with the event it answers. The queries
// below interpret the output according to that event.
type Output struct {
	Event config.HookEventName `json:"-"`
	HookOutput
}

// NewOutput tags o with event. A nil o yields an empty output.
func NewOutput(event config.HookEventName, o *HookOutput) *Output {
	out := &Output{Event: event}
	if o != nil {
		out.HookOutput = *o
	}
	return out
}

func (o *Output) specific(key string) (any, bool) {
	if o == nil || o.HookSpecificOutput == nil {
		return nil, false
	}
	v, ok := o.HookSpecificOutput[key]
	return v, ok
}

func (o *Output) specificString(key string) string {
	v, _ := o.specific(key)
	s, _ := v.(string)
	return s
}

// permissionDecision is the Claude-style BeforeTool compatibility field.
func (o *Output) permissionDecision() Decision {
	if o == nil || o.Event != config.BeforeTool {
		return ""
	}
	return Decision(o.specificString("permissionDecision"))
}

// IsBlockingDecision reports whether the hook blocked the action.
func (o *Output) IsBlockingDecision() bool {
	if o == nil {
		return false
	}
	return o.Decision.Blocking() || o.permissionDecision().Blocking()
}

// ShouldStopExecution reports whether the whole agent run must halt.
func (o *Output) ShouldStopExecution() bool {
	return o != nil && o.Continue != nil && !*o.Continue
}

// EffectiveReason picks the most specific explanation available.
func (o *Output) EffectiveReason() string {
	if o != nil {
		if o.StopReason != "" {
			return o.StopReason
		}
		if o.Reason != "" {
			return o.Reason
		}
		if o.Event == config.BeforeTool {
			if r := o.specificString("permissionDecisionReason"); r != "" {
				return r
			}
		}
	}
	return "No reason provided"
}

// AdditionalContext returns text the hook wants appended for the model.
func (o *Output) AdditionalContext() string {
	return o.specificString("additionalContext")
}

// decodeSpecific re-decodes a hookSpecificOutput entry into dst.
func (o *Output) decodeSpecific(key string, dst any) bool {
	v, ok := o.specific(key)
	if !ok || v == nil {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		logger.Debug("ignoring malformed hook output field", "field", key, "error", err)
		return false
	}
	return true
}

// ApplyLLMRequestModifications overlays a BeforeModel hook's llm_request
// patch onto req. Only the keys the hook supplied change.
func (o *Output) ApplyLLMRequestModifications(req LLMRequest) LLMRequest {
	if o == nil || o.Event != config.BeforeModel {
		return req
	}
	patch, ok := o.specific(FieldLLMRequest)
	fields, isMap := patch.(map[string]any)
	if !ok || !isMap {
		return req
	}
	base, err := json.Marshal(req)
	if err != nil {
		return req
	}
	for k, v := range fields {
		if base, err = sjson.SetBytes(base, escapePath(k), v); err != nil {
			logger.Debug("ignoring llm_request patch key", "key", k, "error", err)
			return req
		}
	}
	var out LLMRequest
	if err := json.Unmarshal(base, &out); err != nil {
		logger.Debug("ignoring llm_request patch", "error", err)
		return req
	}
	return out
}

// ApplyToolConfigModifications applies a BeforeToolSelection hook's
// toolConfig to cfg.
func (o *Output) ApplyToolConfigModifications(cfg ToolConfig) ToolConfig {
	if o == nil || o.Event != config.BeforeToolSelection {
		return cfg
	}
	var patch ToolConfig
	if !o.decodeSpecific("toolConfig", &patch) {
		return cfg
	}
	if patch.Mode != "" {
		cfg.Mode = patch.Mode
	}
	if patch.AllowedFunctionNames != nil {
		cfg.AllowedFunctionNames = patch.AllowedFunctionNames
	}
	return cfg
}

// SyntheticResponse returns the response a BeforeModel hook supplied in
// place of calling the model.
func (o *Output) SyntheticResponse() (LLMResponse, bool) {
	if o == nil || o.Event != config.BeforeModel {
		return LLMResponse{}, false
	}
	var r LLMResponse
	ok := o.decodeSpecific(FieldLLMResponse, &r)
	return r, ok
}

// ModifiedResponse returns the rewritten response from an AfterModel hook.
func (o *Output) ModifiedResponse() (LLMResponse, bool) {
	if o == nil || o.Event != config.AfterModel {
		return LLMResponse{}, false
	}
	var r LLMResponse
	ok := o.decodeSpecific(FieldLLMResponse, &r)
	return r, ok
}

// escapePath quotes sjson path metacharacters in a single key.
func escapePath(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}
