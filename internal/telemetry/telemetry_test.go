package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("DefaultPath() error = %v", err)
	}
	home, _ := os.UserHomeDir()
	want := filepath.Join(home, ".local", "share", "warden", "telemetry.jsonl")
	if path != want {
		t.Errorf("DefaultPath() = %q, want %q", path, want)
	}
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "telemetry.jsonl")
	sink, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}

	if err := sink.Log(Event{Name: EventToolCall, SessionID: "s1", ToolCall: &ToolCall{CallID: "c1", Tool: "read_file", Status: "success", Success: true}}); err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if err := sink.Log(Event{Name: EventHookCall, SessionID: "s1", HookCall: &HookCall{EventName: "BeforeTool", Command: "echo", ExitCode: 2}}); err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sink.Log(Event{Name: EventToolCall}); err != nil {
		t.Errorf("Log() after Close error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Version != 1 || ev.Name != EventToolCall || ev.Timestamp == "" {
		t.Errorf("envelope = %+v", ev)
	}
	if ev.ToolCall == nil || ev.ToolCall.Tool != "read_file" || ev.HookCall != nil {
		t.Errorf("tool call detail = %+v", ev.ToolCall)
	}
	if !strings.Contains(lines[1], `"hook_event_name":"BeforeTool"`) {
		t.Errorf("hook line = %s", lines[1])
	}
}

func TestArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")

	for i := 0; i < 2; i++ {
		sink, err := OpenFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := sink.Log(Event{Name: EventLoopDetected, Loop: &LoopDetected{LoopType: "consecutive_identical_tool_calls", PromptID: "p"}}); err != nil {
			t.Fatal(err)
		}
		if err := sink.Archive(); err != nil {
			t.Fatalf("Archive() error = %v", err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("jsonl size after archive = %d, want 0", info.Size())
	}

	data, err := ReadArchive(path + ".zst")
	if err != nil {
		t.Fatalf("ReadArchive() error = %v", err)
	}
	if got := strings.Count(string(data), "consecutive_identical_tool_calls"); got != 2 {
		t.Errorf("archived events = %d, want 2", got)
	}
}

func TestArchiveEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	sink, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Archive(); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if _, err := os.Stat(sink.ArchivePath()); !os.IsNotExist(err) {
		t.Errorf("archive should not exist for an empty log")
	}
}

func TestRecorderAndTee(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	tee := Tee{a, Nop{}, b}
	_ = tee.Log(Event{Name: EventToolCall})
	_ = tee.Log(Event{Name: EventHookCall})

	if len(a.Events()) != 2 || len(b.Events()) != 2 {
		t.Fatalf("events = %d/%d, want 2/2", len(a.Events()), len(b.Events()))
	}
	if got := a.Named(EventHookCall); len(got) != 1 || got[0].Version != 1 {
		t.Errorf("Named(hook_call) = %+v", got)
	}
}
