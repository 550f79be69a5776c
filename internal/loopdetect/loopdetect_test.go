package loopdetect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dgerlanc/warden/internal/events"
	"github.com/dgerlanc/warden/internal/llm"
	"github.com/dgerlanc/warden/internal/telemetry"
)

const sentence = "The quick brown fox jumps over the lazy dog again."

func newService(opts Options) (*Service, *telemetry.Recorder) {
	rec := &telemetry.Recorder{}
	opts.Telemetry = rec
	s := New(opts)
	s.Reset("prompt-1")
	return s, rec
}

func toolCall(name string, args map[string]any) StreamEvent {
	return StreamEvent{Kind: EventToolCall, ToolCall: &llm.FunctionCall{Name: name, Args: args}}
}

func content(text string) StreamEvent {
	return StreamEvent{Kind: EventContent, Content: text}
}

func TestToolCallLoopOnThreshold(t *testing.T) {
	s, rec := newService(Options{})
	call := toolCall("read_file", map[string]any{"path": "a.go"})

	for i := 1; i < ToolCallLoopThreshold; i++ {
		require.False(t, s.AddAndCheck(call), "call %d", i)
	}
	require.True(t, s.AddAndCheck(call))
	require.True(t, s.AddAndCheck(call))
	require.True(t, s.AddAndCheck(content("anything")))

	loops := rec.Named(telemetry.EventLoopDetected)
	require.Len(t, loops, 1)
	require.Equal(t, string(ToolCallLoop), loops[0].Loop.LoopType)
	require.Equal(t, "prompt-1", loops[0].Loop.PromptID)

	typ, ok := s.Detected()
	require.True(t, ok)
	require.Equal(t, ToolCallLoop, typ)
}

func TestToolCallArgumentOrderDoesNotMatter(t *testing.T) {
	s, _ := newService(Options{})
	for i := 0; i < ToolCallLoopThreshold-1; i++ {
		require.False(t, s.AddAndCheck(toolCall("glob", map[string]any{"pattern": "*.go", "path": "."})))
	}
	require.True(t, s.AddAndCheck(toolCall("glob", map[string]any{"path": ".", "pattern": "*.go"})))
}

func TestDifferentToolCallResetsCount(t *testing.T) {
	s, _ := newService(Options{})
	a := toolCall("read_file", map[string]any{"path": "a.go"})
	b := toolCall("read_file", map[string]any{"path": "b.go"})

	for i := 0; i < ToolCallLoopThreshold-1; i++ {
		require.False(t, s.AddAndCheck(a))
	}
	require.False(t, s.AddAndCheck(b))
	for i := 0; i < ToolCallLoopThreshold-1; i++ {
		require.False(t, s.AddAndCheck(a))
	}
	require.True(t, s.AddAndCheck(a))
}

func TestContentDoesNotResetToolCount(t *testing.T) {
	s, _ := newService(Options{})
	call := toolCall("list_directory", nil)
	for i := 0; i < ToolCallLoopThreshold-1; i++ {
		require.False(t, s.AddAndCheck(call))
		require.False(t, s.AddAndCheck(content("still looking")))
	}
	require.True(t, s.AddAndCheck(call))
}

func TestContentLoopOnTenthRepeat(t *testing.T) {
	s, rec := newService(Options{})
	for i := 1; i < ContentLoopThreshold; i++ {
		require.False(t, s.AddAndCheck(content(sentence)), "repeat %d", i)
	}
	require.True(t, s.AddAndCheck(content(sentence)))

	loops := rec.Named(telemetry.EventLoopDetected)
	require.Len(t, loops, 1)
	require.Equal(t, string(ContentLoop), loops[0].Loop.LoopType)
}

func TestToolCallResetsContentTracking(t *testing.T) {
	s, _ := newService(Options{})
	for i := 0; i < ContentLoopThreshold-1; i++ {
		require.False(t, s.AddAndCheck(content(sentence)))
	}
	require.False(t, s.AddAndCheck(toolCall("glob", nil)))
	for i := 0; i < ContentLoopThreshold-1; i++ {
		require.False(t, s.AddAndCheck(content(sentence)))
	}
}

func TestFencedContentNeverTriggers(t *testing.T) {
	s, rec := newService(Options{})
	require.False(t, s.AddAndCheck(content("```go\n")))
	for i := 0; i < 3*ContentLoopThreshold; i++ {
		require.False(t, s.AddAndCheck(content(sentence)))
	}
	require.False(t, s.AddAndCheck(content("```\n")))
	require.Empty(t, rec.Events())

	// The same text outside the fence is a loop.
	for i := 1; i < ContentLoopThreshold; i++ {
		require.False(t, s.AddAndCheck(content(sentence)))
	}
	require.True(t, s.AddAndCheck(content(sentence)))
}

func TestMarkdownStructureResetsTracking(t *testing.T) {
	for _, marker := range []string{"# Heading\n", "- item\n", "1. step\n", "> quote\n", "| a | b |\n", "---"} {
		t.Run(strings.TrimSpace(marker), func(t *testing.T) {
			s, _ := newService(Options{})
			for i := 0; i < ContentLoopThreshold-1; i++ {
				require.False(t, s.AddAndCheck(content(sentence)))
			}
			require.False(t, s.AddAndCheck(content(marker)))
			for i := 0; i < ContentLoopThreshold-1; i++ {
				require.False(t, s.AddAndCheck(content(sentence)))
			}
		})
	}
}

func TestIsDivider(t *testing.T) {
	require.True(t, isDivider("---"))
	require.True(t, isDivider("  ===\n"))
	require.True(t, isDivider("──────"))
	require.False(t, isDivider("-- note"))
	require.False(t, isDivider(""))
	require.False(t, isDivider("A.B"))
}

func TestHistoryStaysBounded(t *testing.T) {
	s, _ := newService(Options{})
	for i := 0; i < 200; i++ {
		require.False(t, s.AddAndCheck(content(fmt.Sprintf("entry %03d reports value %05d ok. ", i, i*7919))))
	}
	require.LessOrEqual(t, len(s.history), MaxHistoryLength)
	for _, idx := range s.contentStats {
		for _, i := range idx {
			require.GreaterOrEqual(t, i, 0)
			require.Less(t, i, len(s.history))
		}
	}
}

func TestDisableAndReset(t *testing.T) {
	s, _ := newService(Options{})
	call := toolCall("glob", nil)
	for i := 0; i < ToolCallLoopThreshold; i++ {
		s.AddAndCheck(call)
	}
	_, ok := s.Detected()
	require.True(t, ok)

	s.Reset("prompt-2")
	_, ok = s.Detected()
	require.False(t, ok)
	require.False(t, s.AddAndCheck(call))

	s.DisableForSession()
	for i := 0; i < 2*ToolCallLoopThreshold; i++ {
		require.False(t, s.AddAndCheck(call))
	}
}

func TestDetectionEmitsEvent(t *testing.T) {
	em := events.NewEmitter(4)
	s, _ := newService(Options{Emitter: em})
	for i := 0; i < ToolCallLoopThreshold; i++ {
		s.AddAndCheck(toolCall("glob", nil))
	}
	var got []events.Event
	em.On(func(ev events.Event) { got = append(got, ev) })
	require.Len(t, got, 1)
	require.Equal(t, events.KindLoopDetected, got[0].Kind)
	require.Equal(t, Message(ToolCallLoop), got[0].Message)
}

func TestNextCheckInterval(t *testing.T) {
	tests := []struct {
		confidence float64
		want       int
	}{
		{0, MaxLLMCheckInterval},
		{1, MinLLMCheckInterval},
		{0.5, 10},
		{0.25, 13},
		{-3, MaxLLMCheckInterval},
		{7, MinLLMCheckInterval},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, NextCheckInterval(tt.confidence), "confidence %v", tt.confidence)
	}
}

type fakeGenerator struct {
	calls      []llm.JSONRequest
	confidence []any
	err        error
}

func (f *fakeGenerator) GenerateJSON(_ context.Context, req llm.JSONRequest) (map[string]any, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	c := f.confidence[0]
	if len(f.confidence) > 1 {
		f.confidence = f.confidence[1:]
	}
	return map[string]any{"reasoning": "test", "confidence": c}, nil
}

func TestLLMCheckSchedule(t *testing.T) {
	gen := &fakeGenerator{confidence: []any{0.5, 0.95}}
	s, rec := newService(Options{Generator: gen, Model: "m"})
	history := []llm.Content{{Role: llm.RoleUser, Parts: []llm.Part{{Text: "hi"}}}}

	for turn := 1; turn < LLMCheckAfterTurns; turn++ {
		require.False(t, s.TurnStarted(context.Background(), history))
	}
	require.Empty(t, gen.calls)

	// Turn 30 checks; confidence 0.5 spaces the next check 10 turns out.
	require.False(t, s.TurnStarted(context.Background(), history))
	require.Len(t, gen.calls, 1)
	require.Equal(t, "m", gen.calls[0].Model)
	require.Len(t, gen.calls[0].Contents, 2)

	for turn := 31; turn < 40; turn++ {
		require.False(t, s.TurnStarted(context.Background(), history))
	}
	require.Len(t, gen.calls, 1)

	require.True(t, s.TurnStarted(context.Background(), history))
	require.Len(t, gen.calls, 2)

	loops := rec.Named(telemetry.EventLoopDetected)
	require.Len(t, loops, 1)
	require.Equal(t, string(LLMDetectedLoop), loops[0].Loop.LoopType)
	require.InDelta(t, 0.95, loops[0].Loop.Confidence, 1e-9)
}

func TestLLMCheckErrorsAreNotLoops(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("rate limited")}
	s, rec := newService(Options{Generator: gen, Debug: true})
	for turn := 1; turn <= LLMCheckAfterTurns+DefaultLLMCheckInterval; turn++ {
		require.False(t, s.TurnStarted(context.Background(), nil))
	}
	require.Len(t, gen.calls, 2)
	require.Empty(t, rec.Events())
}

func TestLLMCheckIgnoresMissingConfidence(t *testing.T) {
	gen := &fakeGenerator{confidence: []any{"high"}}
	s, _ := newService(Options{Generator: gen})
	for turn := 1; turn <= LLMCheckAfterTurns; turn++ {
		require.False(t, s.TurnStarted(context.Background(), nil))
	}
	require.Len(t, gen.calls, 1)
}

func TestRecentHistory(t *testing.T) {
	text := func(s string) llm.Content { return llm.Content{Role: llm.RoleUser, Parts: []llm.Part{{Text: s}}} }
	call := llm.Content{Role: llm.RoleModel, Parts: []llm.Part{{FunctionCall: &llm.FunctionCall{Name: "glob"}}}}
	resp := llm.Content{Role: llm.RoleUser, Parts: []llm.Part{{FunctionResponse: &llm.FunctionResponse{Name: "glob"}}}}

	history := []llm.Content{text("first"), call, resp}
	for i := 0; i < LLMHistoryTurns-1; i++ {
		history = append(history, text(fmt.Sprint(i)))
	}

	// The window opens on a response whose call fell outside it.
	recent := RecentHistory(history)
	require.Len(t, recent, LLMHistoryTurns-1)
	require.Equal(t, "0", recent[0].Text())

	recent = RecentHistory([]llm.Content{resp, text("a"), call})
	require.Len(t, recent, 1)
	require.Equal(t, "a", recent[0].Text())

	require.Empty(t, RecentHistory(nil))
}
