package hooks

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dgerlanc/warden/internal/config"
)

// Aggregate folds the results of one event firing. Outputs are merged
// according to the event: tool, agent and session events OR-merge so any
// blocking hook wins, model events let later hooks replace earlier fields,
// and tool selection unions the allowed functions.
func Aggregate(event config.HookEventName, results []ExecutionResult) AggregatedResult {
	agg := AggregatedResult{Success: true, Results: results}
	for _, r := range results {
		agg.TotalDuration += r.Duration
		if r.Err != nil {
			agg.Errors = append(agg.Errors, r.Err)
		}
		if r.Output != nil {
			agg.AllOutputs = append(agg.AllOutputs, NewOutput(event, r.Output))
		}
	}
	agg.Success = len(agg.Errors) == 0
	if len(agg.AllOutputs) == 0 {
		return agg
	}

	switch event {
	case config.BeforeModel, config.AfterModel, config.Notification, config.PreCompress:
		agg.FinalOutput = mergeReplace(event, agg.AllOutputs)
	case config.BeforeToolSelection:
		agg.FinalOutput = mergeToolSelection(agg.AllOutputs)
	default:
		agg.FinalOutput = mergeOr(event, agg.AllOutputs)
	}
	return agg
}

// Failed returns a result carrying a single error, for firings that could
// not run any hook.
func Failed(err error, d time.Duration) AggregatedResult {
	return AggregatedResult{Errors: []error{err}, TotalDuration: d}
}

func mergeOr(event config.HookEventName, outputs []*Output) *Output {
	merged := &Output{Event: event}
	var reasons, messages, contexts []string
	blocked := false
	for _, o := range outputs {
		if o.IsBlockingDecision() && !blocked {
			blocked = true
			merged.Decision = o.Decision
			if !merged.Decision.Blocking() {
				merged.Decision = DecisionDeny
			}
		} else if !blocked && o.Decision != "" {
			merged.Decision = o.Decision
		}
		if o.Reason != "" {
			reasons = append(reasons, o.Reason)
		}
		if o.SystemMessage != "" {
			messages = append(messages, o.SystemMessage)
		}
		if ctx := o.AdditionalContext(); ctx != "" {
			contexts = append(contexts, ctx)
		}
		if o.ShouldStopExecution() {
			stop := false
			merged.Continue = &stop
			if merged.StopReason == "" {
				merged.StopReason = o.StopReason
			}
		}
		merged.SuppressOutput = merged.SuppressOutput || o.SuppressOutput
		mergeSpecific(merged, o)
	}
	merged.Reason = strings.Join(reasons, "\n")
	merged.SystemMessage = strings.Join(messages, "\n")
	if len(contexts) > 0 {
		setSpecific(merged, "additionalContext", strings.Join(contexts, "\n"))
	} else if merged.HookSpecificOutput != nil {
		delete(merged.HookSpecificOutput, "additionalContext")
	}
	if blocked && merged.Event == config.BeforeTool {
		// Keep the legacy field consistent with the merged verdict.
		if d := merged.specificString("permissionDecision"); d != "" && !Decision(d).Blocking() {
			setSpecific(merged, "permissionDecision", string(DecisionDeny))
		}
	}
	return merged
}

func mergeReplace(event config.HookEventName, outputs []*Output) *Output {
	merged := &Output{Event: event}
	for _, o := range outputs {
		if o.Continue != nil {
			c := *o.Continue
			merged.Continue = &c
		}
		if o.StopReason != "" {
			merged.StopReason = o.StopReason
		}
		if o.SystemMessage != "" {
			merged.SystemMessage = o.SystemMessage
		}
		if o.Decision != "" {
			merged.Decision = o.Decision
		}
		if o.Reason != "" {
			merged.Reason = o.Reason
		}
		merged.SuppressOutput = merged.SuppressOutput || o.SuppressOutput
		mergeSpecific(merged, o)
	}
	return merged
}

var modeRank = map[string]int{ModeNone: 3, ModeAny: 2, ModeAuto: 1}

func mergeToolSelection(outputs []*Output) *Output {
	merged := mergeReplace(config.BeforeToolSelection, outputs)
	var mode string
	var names []string
	seen := make(map[string]bool)
	found := false
	for _, o := range outputs {
		var tc ToolConfig
		if !o.decodeSpecific("toolConfig", &tc) {
			continue
		}
		found = true
		if modeRank[tc.Mode] > modeRank[mode] {
			mode = tc.Mode
		}
		for _, n := range tc.AllowedFunctionNames {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	if !found {
		return merged
	}
	slices.Sort(names)
	tc := map[string]any{}
	if mode != "" {
		tc["mode"] = mode
	}
	if mode != ModeNone && len(names) > 0 {
		tc["allowedFunctionNames"] = names
	}
	setSpecific(merged, "toolConfig", tc)
	return merged
}

func mergeSpecific(dst, src *Output) {
	if len(src.HookSpecificOutput) == 0 {
		return
	}
	if dst.HookSpecificOutput == nil {
		dst.HookSpecificOutput = make(map[string]any, len(src.HookSpecificOutput))
	}
	maps.Copy(dst.HookSpecificOutput, src.HookSpecificOutput)
}

func setSpecific(o *Output, key string, v any) {
	if o.HookSpecificOutput == nil {
		o.HookSpecificOutput = make(map[string]any)
	}
	o.HookSpecificOutput[key] = v
}
