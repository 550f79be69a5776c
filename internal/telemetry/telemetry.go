// Package telemetry records structured events about tool calls, hook
// executions and loop detection as JSON lines.
package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/dgerlanc/warden/internal/constants"
	"github.com/dgerlanc/warden/internal/logger"
)

// Event names.
const (
	EventToolCall     = "tool_call"
	EventHookCall     = "hook_call"
	EventLoopDetected = "loop_detected"
	EventGuard        = "guard_decision"
)

// TimestampFormat is the format used for event timestamps.
const TimestampFormat = "2006-01-02T15:04:05.0Z07:00"

// Event is one telemetry record (v1 format). Exactly one of the detail
// fields is set, matching Name.
type Event struct {
	Version   int    `json:"version"`
	Name      string `json:"event_name"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`

	ToolCall *ToolCall      `json:"tool_call,omitempty"`
	HookCall *HookCall      `json:"hook_call,omitempty"`
	Loop     *LoopDetected  `json:"loop,omitempty"`
	Guard    *GuardDecision `json:"guard,omitempty"`
}

// ToolCall describes a completed tool call.
type ToolCall struct {
	CallID     string  `json:"call_id"`
	PromptID   string  `json:"prompt_id,omitempty"`
	Tool       string  `json:"tool"`
	Decision   string  `json:"decision,omitempty"`
	Outcome    string  `json:"outcome,omitempty"`
	Status     string  `json:"status"`
	Success    bool    `json:"success"`
	ErrorType  string  `json:"error_type,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

// HookCall describes one hook process execution.
type HookCall struct {
	EventName  string  `json:"hook_event_name"`
	Command    string  `json:"command"`
	Success    bool    `json:"success"`
	ExitCode   int     `json:"exit_code"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

// LoopDetected describes a detected repetition loop.
type LoopDetected struct {
	LoopType   string  `json:"loop_type"`
	PromptID   string  `json:"prompt_id"`
	Confidence float64 `json:"confidence,omitempty"`
}

// GuardDecision describes one answer given to an external PreToolUse hook
// caller.
type GuardDecision struct {
	ToolUseID  string   `json:"tool_use_id,omitempty"`
	Tool       string   `json:"tool"`
	Command    string   `json:"command,omitempty"`
	Segments   []string `json:"segments,omitempty"`
	Decision   string   `json:"decision"`
	Reason     string   `json:"reason,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
	DurationMs float64  `json:"duration_ms"`
}

// Sink receives events.
type Sink interface {
	Log(Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Log(Event) error { return nil }

// stamp fills in the envelope fields.
func stamp(ev *Event) {
	ev.Version = 1
	ev.Timestamp = time.Now().UTC().Format(TimestampFormat)
}

// DefaultPath returns the default telemetry path
// (~/.local/share/warden/telemetry.jsonl).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", constants.AppName, constants.TelemetryFileName), nil
}

// FileSink appends events to a JSON lines file.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenFile opens path for appending, creating parent directories. An empty
// path selects DefaultPath.
func OpenFile(path string) (*FileSink, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), constants.DirMode); err != nil {
		return nil, fmt.Errorf("create telemetry directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, constants.FileMode)
	if err != nil {
		return nil, fmt.Errorf("open telemetry file: %w", err)
	}
	logger.Debug("telemetry initialized", "path", path)
	return &FileSink{path: path, f: f}, nil
}

// Path returns the file being written.
func (s *FileSink) Path() string { return s.path }

// Log writes ev as one line. Logging after Close is a no-op.
func (s *FileSink) Log(ev Event) error {
	stamp(&ev)
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Debug("failed to marshal telemetry event", "error", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	if _, err := s.f.Write(append(data, '\n')); err != nil {
		logger.Debug("failed to write telemetry event", "error", err)
		return err
	}
	return nil
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ArchivePath is where Archive appends compressed frames.
func (s *FileSink) ArchivePath() string { return s.path + ".zst" }

// Archive closes the sink, appends the file's contents to ArchivePath as
// a zstd frame and truncates the file.
func (s *FileSink) Archive() error {
	if err := s.Close(); err != nil {
		return err
	}
	src, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}

	dst, err := os.OpenFile(s.ArchivePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, constants.FileMode)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		return fmt.Errorf("compress telemetry: %w", err)
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	logger.Debug("telemetry archived", "path", s.ArchivePath(), "bytes", info.Size())
	return os.Truncate(s.path, 0)
}

// ReadArchive decompresses every frame in an archive written by Archive.
func ReadArchive(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Log(ev Event) error {
	stamp(&ev)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Named returns the recorded events called name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Tee sends every event to all sinks and returns the first error.
type Tee []Sink

func (t Tee) Log(ev Event) error {
	var first error
	for _, s := range t {
		if err := s.Log(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Milliseconds converts a duration for the DurationMs fields.
func Milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
