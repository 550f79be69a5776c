package hooks

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgerlanc/warden/internal/config"
)

func result(out *HookOutput) ExecutionResult {
	return ExecutionResult{Success: true, Output: out, Duration: 10 * time.Millisecond}
}

func boolPtr(b bool) *bool { return &b }

func TestAggregateEmpty(t *testing.T) {
	agg := Aggregate(config.BeforeTool, nil)
	require.True(t, agg.Success)
	require.Nil(t, agg.FinalOutput)
	require.Empty(t, agg.AllOutputs)
}

func TestAggregateOrMergeFirstBlockWins(t *testing.T) {
	agg := Aggregate(config.BeforeTool, []ExecutionResult{
		result(&HookOutput{Decision: DecisionAllow, SystemMessage: "one"}),
		result(&HookOutput{Decision: DecisionBlock, Reason: "no writes"}),
		result(&HookOutput{Decision: DecisionDeny, Reason: "also no", SystemMessage: "three"}),
		result(&HookOutput{Decision: DecisionAllow}),
	})

	require.True(t, agg.Success)
	require.Len(t, agg.AllOutputs, 4)
	require.Equal(t, 40*time.Millisecond, agg.TotalDuration)
	out := agg.FinalOutput
	require.True(t, out.IsBlockingDecision())
	require.Equal(t, DecisionBlock, out.Decision)
	require.Equal(t, "no writes\nalso no", out.Reason)
	require.Equal(t, "one\nthree", out.SystemMessage)
}

func TestAggregateOrMergeContinueAndContext(t *testing.T) {
	agg := Aggregate(config.AfterTool, []ExecutionResult{
		result(&HookOutput{HookSpecificOutput: map[string]any{"additionalContext": "a"}}),
		result(&HookOutput{Continue: boolPtr(false), StopReason: "enough", HookSpecificOutput: map[string]any{"additionalContext": "b"}}),
		result(&HookOutput{Continue: boolPtr(true)}),
	})

	out := agg.FinalOutput
	require.True(t, out.ShouldStopExecution())
	require.Equal(t, "enough", out.EffectiveReason())
	require.Equal(t, "a\nb", out.AdditionalContext())
	require.False(t, out.IsBlockingDecision())
}

func TestAggregateLegacyPermissionDecision(t *testing.T) {
	agg := Aggregate(config.BeforeTool, []ExecutionResult{
		result(&HookOutput{HookSpecificOutput: map[string]any{
			"permissionDecision":       "deny",
			"permissionDecisionReason": "legacy says no",
		}}),
	})
	require.True(t, agg.FinalOutput.IsBlockingDecision())
	require.Equal(t, DecisionDeny, agg.FinalOutput.Decision)
	require.Equal(t, "legacy says no", agg.FinalOutput.EffectiveReason())
}

func TestAggregateErrorsMarkFailure(t *testing.T) {
	agg := Aggregate(config.BeforeTool, []ExecutionResult{
		{Err: errors.New("hook timed out after 10ms")},
		result(&HookOutput{Decision: DecisionAllow}),
	})
	require.False(t, agg.Success)
	require.Len(t, agg.Errors, 1)
	require.NotNil(t, agg.FinalOutput)
}

func TestAggregateReplaceForModelEvents(t *testing.T) {
	agg := Aggregate(config.BeforeModel, []ExecutionResult{
		result(&HookOutput{SystemMessage: "first", HookSpecificOutput: map[string]any{
			"llm_request": map[string]any{"model": "a"},
		}}),
		result(&HookOutput{SystemMessage: "second", HookSpecificOutput: map[string]any{
			"llm_request": map[string]any{"model": "b"},
		}}),
	})

	out := agg.FinalOutput
	require.Equal(t, "second", out.SystemMessage)
	req := out.ApplyLLMRequestModifications(LLMRequest{Model: "orig"})
	require.Equal(t, "b", req.Model)
}

func TestAggregateToolSelectionUnion(t *testing.T) {
	tests := []struct {
		name      string
		configs   []map[string]any
		wantMode  string
		wantNames []string
	}{
		{
			name: "union of names with strictest mode",
			configs: []map[string]any{
				{"mode": "AUTO", "allowedFunctionNames": []any{"read_file", "glob"}},
				{"mode": "ANY", "allowedFunctionNames": []any{"glob", "write_file"}},
			},
			wantMode:  ModeAny,
			wantNames: []string{"glob", "read_file", "write_file"},
		},
		{
			name: "none wins and drops names",
			configs: []map[string]any{
				{"mode": "ANY", "allowedFunctionNames": []any{"glob"}},
				{"mode": "NONE"},
			},
			wantMode: ModeNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var results []ExecutionResult
			for _, c := range tt.configs {
				results = append(results, result(&HookOutput{HookSpecificOutput: map[string]any{"toolConfig": c}}))
			}
			agg := Aggregate(config.BeforeToolSelection, results)
			cfg := agg.FinalOutput.ApplyToolConfigModifications(ToolConfig{Mode: ModeAuto})
			require.Equal(t, tt.wantMode, cfg.Mode)
			require.Equal(t, tt.wantNames, cfg.AllowedFunctionNames)
		})
	}
}
