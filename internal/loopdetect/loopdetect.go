// Package loopdetect notices when the agent is going around in circles:
// calling the same tool with the same arguments, streaming the same text
// over and over, or (judged by the model itself every few turns) making
// no progress.
package loopdetect

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/dgerlanc/warden/internal/events"
	"github.com/dgerlanc/warden/internal/llm"
	"github.com/dgerlanc/warden/internal/logger"
	"github.com/dgerlanc/warden/internal/patterns"
	"github.com/dgerlanc/warden/internal/telemetry"
)

const (
	ToolCallLoopThreshold = 5
	ContentLoopThreshold  = 10
	ContentChunkSize      = 50
	MaxHistoryLength      = 1000

	LLMCheckAfterTurns      = 30
	DefaultLLMCheckInterval = 3
	MinLLMCheckInterval     = 5
	MaxLLMCheckInterval     = 15
	LLMConfidenceThreshold  = 0.8
	LLMHistoryTurns         = 20
)

// LoopType names the detector that fired.
type LoopType string

const (
	ToolCallLoop    LoopType = "consecutive_identical_tool_calls"
	ContentLoop     LoopType = "chanting_identical_sentences"
	LLMDetectedLoop LoopType = "llm_detected_loop"
)

// EventKind distinguishes the stream events fed to AddAndCheck.
type EventKind int

const (
	EventContent EventKind = iota
	EventToolCall
)

// StreamEvent is one piece of model output.
type StreamEvent struct {
	Kind     EventKind
	Content  string
	ToolCall *llm.FunctionCall
}

// Options configures a Service. Nil sinks are ignored; without a
// Generator the model-assisted check never runs.
type Options struct {
	SessionID string
	Model     string
	Generator llm.JSONGenerator
	Telemetry telemetry.Sink
	Emitter   *events.Emitter
	Debug     bool
}

// Service tracks one conversation. A detection is sticky until Reset.
type Service struct {
	opts Options

	mu       sync.Mutex
	promptID string
	disabled bool
	detected bool
	loopType LoopType

	lastToolKey   uint64
	hasToolKey    bool
	toolCallCount int

	history      string
	contentStats map[uint64][]int
	lastIndex    int
	inCodeBlock  bool

	turns         int
	lastCheckTurn int
	checkInterval int
	checking      bool
}

// New returns a service ready for the first prompt.
func New(opts Options) *Service {
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop{}
	}
	s := &Service{opts: opts}
	s.resetLocked("")
	return s
}

// DisableForSession turns detection off until the service is discarded.
func (s *Service) DisableForSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = true
	logger.Debug("loop detection disabled for session", "prompt_id", s.promptID)
}

// Detected reports the current detection and which detector fired.
func (s *Service) Detected() (LoopType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopType, s.detected
}

// Reset clears all state for a new prompt.
func (s *Service) Reset(promptID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(promptID)
}

func (s *Service) resetLocked(promptID string) {
	s.promptID = promptID
	s.detected = false
	s.loopType = ""
	s.resetToolCallLocked()
	s.resetContentLocked()
	s.inCodeBlock = false
	s.turns = 0
	s.lastCheckTurn = 0
	s.checkInterval = DefaultLLMCheckInterval
}

func (s *Service) resetToolCallLocked() {
	s.lastToolKey = 0
	s.hasToolKey = false
	s.toolCallCount = 0
}

func (s *Service) resetContentLocked() {
	s.history = ""
	s.contentStats = make(map[uint64][]int)
	s.lastIndex = 0
}

// AddAndCheck feeds one stream event and reports whether a loop has been
// detected. Once a loop is found every later call returns true until
// Reset.
func (s *Service) AddAndCheck(ev StreamEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return false
	}
	if s.detected {
		return true
	}

	var found bool
	var typ LoopType
	switch ev.Kind {
	case EventToolCall:
		s.resetContentLocked()
		found, typ = s.checkToolCallLocked(ev.ToolCall), ToolCallLoop
	case EventContent:
		found, typ = s.checkContentLocked(ev.Content), ContentLoop
	}
	if found {
		s.reportLocked(typ, 0)
	}
	return found
}

func toolKey(call *llm.FunctionCall) uint64 {
	args, err := patterns.CanonicalJSON(call.Args)
	if err != nil {
		args = ""
	}
	return xxh3.HashString(call.Name + ":" + args)
}

func (s *Service) checkToolCallLocked(call *llm.FunctionCall) bool {
	if call == nil {
		return false
	}
	key := toolKey(call)
	if s.hasToolKey && key == s.lastToolKey {
		s.toolCallCount++
	} else {
		s.lastToolKey = key
		s.hasToolKey = true
		s.toolCallCount = 1
	}
	return s.toolCallCount >= ToolCallLoopThreshold
}

var (
	tablePattern      = regexp.MustCompile(`(^|\n)\s*(\|.*\||[|+-]{3,})`)
	listItemPattern   = regexp.MustCompile(`(^|\n)\s*([*+-]|\d+\.)\s`)
	headingPattern    = regexp.MustCompile(`(^|\n)#+\s`)
	blockquotePattern = regexp.MustCompile(`(^|\n)>\s`)
)

// isDivider reports whether content is a horizontal rule such as "---" or
// a run of box-drawing characters.
func isDivider(content string) bool {
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}
	for _, r := range content {
		if !strings.ContainsRune("-+_=*", r) && (r < '─' || r > '╿') {
			return false
		}
	}
	return true
}

func (s *Service) checkContentLocked(content string) bool {
	fences := strings.Count(content, "```")
	divider := isDivider(content)
	structural := fences > 0 || divider ||
		tablePattern.MatchString(content) ||
		listItemPattern.MatchString(content) ||
		headingPattern.MatchString(content) ||
		blockquotePattern.MatchString(content)
	if structural {
		s.resetContentLocked()
	}

	wasInCodeBlock := s.inCodeBlock
	if fences%2 == 1 {
		s.inCodeBlock = !s.inCodeBlock
	}
	if wasInCodeBlock || s.inCodeBlock || divider {
		return false
	}

	s.history += content
	s.truncateLocked()
	return s.analyzeChunksLocked()
}

// truncateLocked keeps the history within MaxHistoryLength, shifting the
// recorded chunk positions to match.
func (s *Service) truncateLocked() {
	if len(s.history) <= MaxHistoryLength {
		return
	}
	cut := len(s.history) - MaxHistoryLength
	s.history = s.history[cut:]
	s.lastIndex = max(0, s.lastIndex-cut)
	for h, idx := range s.contentStats {
		kept := idx[:0]
		for _, i := range idx {
			if i >= cut {
				kept = append(kept, i-cut)
			}
		}
		if len(kept) == 0 {
			delete(s.contentStats, h)
		} else {
			s.contentStats[h] = kept
		}
	}
}

func (s *Service) analyzeChunksLocked() bool {
	for s.lastIndex+ContentChunkSize <= len(s.history) {
		chunk := s.history[s.lastIndex : s.lastIndex+ContentChunkSize]
		if s.chunkRepeatsLocked(chunk, xxh3.HashString(chunk)) {
			return true
		}
		s.lastIndex++
	}
	return false
}

func (s *Service) chunkRepeatsLocked(chunk string, h uint64) bool {
	idx, ok := s.contentStats[h]
	if !ok {
		s.contentStats[h] = []int{s.lastIndex}
		return false
	}
	// Guard against hash collisions.
	first := idx[0]
	if first+ContentChunkSize > len(s.history) || s.history[first:first+ContentChunkSize] != chunk {
		return false
	}
	idx = append(idx, s.lastIndex)
	s.contentStats[h] = idx
	if len(idx) < ContentLoopThreshold {
		return false
	}
	recent := idx[len(idx)-ContentLoopThreshold:]
	avg := float64(recent[len(recent)-1]-recent[0]) / float64(ContentLoopThreshold-1)
	return avg <= ContentChunkSize*1.5
}

func (s *Service) reportLocked(typ LoopType, confidence float64) {
	s.detected = true
	s.loopType = typ
	logger.Warn("loop detected", "type", string(typ), "prompt_id", s.promptID)
	ev := telemetry.Event{
		Name:      telemetry.EventLoopDetected,
		SessionID: s.opts.SessionID,
		Loop:      &telemetry.LoopDetected{LoopType: string(typ), PromptID: s.promptID, Confidence: confidence},
	}
	if err := s.opts.Telemetry.Log(ev); err != nil {
		logger.Debug("failed to record loop detection", "error", err)
	}
	if s.opts.Emitter != nil {
		s.opts.Emitter.Emit(events.Event{
			Kind:     events.KindLoopDetected,
			Severity: events.SeverityWarning,
			Source:   "loopdetect",
			Message:  Message(typ),
			Data:     map[string]any{"loop_type": string(typ), "prompt_id": s.promptID},
		})
	}
}

// Message is the user-facing text for a detection.
func Message(typ LoopType) string {
	switch typ {
	case ToolCallLoop:
		return "A potential loop was detected: the same tool call was repeated. The request has been halted."
	case ContentLoop:
		return "A potential loop was detected: the model is repeating the same content. The request has been halted."
	case LLMDetectedLoop:
		return "A potential loop was detected: the conversation is not making progress. The request has been halted."
	}
	return "A potential loop was detected. The request has been halted."
}

const systemPrompt = `You are a sophisticated AI diagnostic agent specializing in identifying when a conversational AI is stuck in an unproductive state. Your task is to analyze the provided conversation history and determine if the assistant has ceased to make meaningful progress.

An unproductive state is characterized by one or more of the following patterns over the last 5 or more assistant turns:

Repetitive Actions: The assistant repeats the same tool calls or conversational responses a decent number of times. This includes simple loops (e.g., tool_A, tool_A, tool_A) and alternating patterns (e.g., tool_A, tool_B, tool_A, tool_B, ...).

Cognitive Loop: The assistant seems unable to determine the next logical step. It might express confusion, repeatedly ask the same questions, or generate responses that don't logically follow from the previous turns, indicating it's stuck and not advancing the task.

Crucially, differentiate between a true unproductive state and legitimate, incremental progress. For example, a series of edit tool calls that make small, distinct changes to the same file is likely progress, not a loop. Reading many different files in sequence is exploration, not a loop.`

const taskPrompt = `Please analyze the conversation history to determine the possibility that the conversation is stuck in a repetitive, non-productive state. Provide your response in the requested JSON format.`

var responseSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"reasoning": map[string]any{
			"type":        "string",
			"description": "Your reasoning on if the conversation is looping without forward progress.",
		},
		"confidence": map[string]any{
			"type":        "number",
			"description": "A number between 0.0 and 1.0 representing your confidence that the conversation is in an unproductive state.",
		},
	},
	"required": []string{"reasoning", "confidence"},
}

// TurnStarted counts a new model turn and, once enough turns have passed,
// asks the model whether the conversation is stuck. history is the full
// conversation so far. Model errors count as no loop.
func (s *Service) TurnStarted(ctx context.Context, history []llm.Content) bool {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return false
	}
	if s.detected {
		s.mu.Unlock()
		return true
	}
	s.turns++
	due := s.turns >= LLMCheckAfterTurns && s.turns-s.lastCheckTurn >= s.checkInterval && !s.checking
	if !due || s.opts.Generator == nil {
		s.mu.Unlock()
		return false
	}
	s.lastCheckTurn = s.turns
	s.checking = true
	promptID := s.promptID
	s.mu.Unlock()

	confidence, ok := s.askModel(ctx, history)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checking = false
	if !ok || s.promptID != promptID {
		return false
	}
	if confidence >= LLMConfidenceThreshold {
		s.reportLocked(LLMDetectedLoop, confidence)
		return true
	}
	s.checkInterval = NextCheckInterval(confidence)
	return false
}

// NextCheckInterval spaces model checks by how worried the last one was.
func NextCheckInterval(confidence float64) int {
	confidence = math.Min(1, math.Max(0, confidence))
	return int(math.Round(MinLLMCheckInterval + (MaxLLMCheckInterval-MinLLMCheckInterval)*(1-confidence)))
}

// RecentHistory returns the last LLMHistoryTurns entries of history,
// dropping leading function responses whose calls were cut off and a
// trailing function call that has no response yet.
func RecentHistory(history []llm.Content) []llm.Content {
	start := max(0, len(history)-LLMHistoryTurns)
	recent := history[start:]
	for len(recent) > 0 && recent[0].HasFunctionResponse() {
		recent = recent[1:]
	}
	for len(recent) > 0 && recent[len(recent)-1].HasFunctionCall() {
		recent = recent[:len(recent)-1]
	}
	return recent
}

func (s *Service) askModel(ctx context.Context, history []llm.Content) (float64, bool) {
	recent := RecentHistory(history)
	contents := make([]llm.Content, 0, len(recent)+1)
	contents = append(contents, recent...)
	contents = append(contents, llm.Content{Role: llm.RoleUser, Parts: []llm.Part{{Text: taskPrompt}}})

	result, err := s.opts.Generator.GenerateJSON(ctx, llm.JSONRequest{
		Model:             s.opts.Model,
		SystemInstruction: systemPrompt,
		Contents:          contents,
		Schema:            responseSchema,
	})
	if err != nil {
		if s.opts.Debug {
			logger.Debug("loop check failed", "error", err)
		}
		return 0, false
	}
	confidence, ok := number(result["confidence"])
	if !ok {
		return 0, false
	}
	if reasoning, _ := result["reasoning"].(string); reasoning != "" {
		logger.Debug("loop check", "confidence", confidence, "reasoning", reasoning)
	}
	return confidence, true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
