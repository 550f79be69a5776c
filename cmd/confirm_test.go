package cmd

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/dgerlanc/warden/internal/bus"
	"github.com/dgerlanc/warden/internal/scheduler"
	"github.com/dgerlanc/warden/internal/tools"
)

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		line string
		typ  tools.ConfirmationType
		want bus.Outcome
	}{
		{"y\n", tools.ConfirmExec, bus.ProceedOnce},
		{" YES ", tools.ConfirmEdit, bus.ProceedOnce},
		{"a", tools.ConfirmExec, bus.ProceedAlways},
		{"s", tools.ConfirmMCP, bus.ProceedAlwaysServer},
		{"s", tools.ConfirmExec, bus.Cancel},
		{"n", tools.ConfirmExec, bus.Cancel},
		{"", tools.ConfirmExec, bus.Cancel},
		{"maybe", tools.ConfirmExec, bus.Cancel},
	}

	for _, tt := range tests {
		if got := parseAnswer(tt.line, tt.typ); got != tt.want {
			t.Errorf("parseAnswer(%q, %s) = %s, want %s", tt.line, tt.typ, got, tt.want)
		}
	}
}

func TestTerminalConfirmer(t *testing.T) {
	var out bytes.Buffer
	c := newTerminalConfirmer(strings.NewReader("a\n"), &out)
	d := &tools.ConfirmationDetails{Type: tools.ConfirmExec, Title: "Confirm Shell Command", Command: "git push"}

	got, err := c.Confirm(context.Background(), scheduler.Request{Name: "run_shell_command"}, d)
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if got != bus.ProceedAlways {
		t.Errorf("Confirm() = %s, want proceed_always", got)
	}
	for _, want := range []string{"Confirm Shell Command", "$ git push", "[a] always"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("prompt should contain %q, got:\n%s", want, out.String())
		}
	}
}

func TestTerminalConfirmerEOF(t *testing.T) {
	c := newTerminalConfirmer(strings.NewReader(""), io.Discard)
	got, err := c.Confirm(context.Background(), scheduler.Request{}, &tools.ConfirmationDetails{Type: tools.ConfirmEdit})
	if err != nil || got != bus.Cancel {
		t.Errorf("Confirm() = %s, %v; want cancel", got, err)
	}
}

func TestTerminalConfirmerCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	c := newTerminalConfirmer(r, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := c.Confirm(ctx, scheduler.Request{}, &tools.ConfirmationDetails{Type: tools.ConfirmExec})
	if got != bus.Cancel || err == nil {
		t.Errorf("Confirm() = %s, %v; want cancel with context error", got, err)
	}
}

func TestConfirmBodyEditDiff(t *testing.T) {
	d := &tools.ConfirmationDetails{
		Type:     tools.ConfirmEdit,
		FilePath: "/w/main.go",
		FileDiff: "--- a\n+++ b\n-old\n+new\n",
	}
	body := confirmBody(scheduler.Request{Name: "replace"}, d)
	for _, want := range []string{"Confirm replace", "/w/main.go", "-old", "+new"} {
		if !strings.Contains(body, want) {
			t.Errorf("body should contain %q, got:\n%s", want, body)
		}
	}
}
