package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgerlanc/warden/internal/constants"
	"github.com/dgerlanc/warden/internal/policy"
)

// killGrace is how long a cancelled command has to exit after SIGTERM.
const killGrace = 2 * time.Second

// ShellTool runs a command through the shell.
type ShellTool struct{ ws Workspace }

// NewShellTool returns run_shell_command rooted at root.
func NewShellTool(root string) *ShellTool { return &ShellTool{ws: Workspace{Root: root}} }

func (t *ShellTool) Name() string { return constants.ShellToolName }
func (t *ShellTool) Kind() Kind   { return KindExecute }
func (t *ShellTool) Description() string {
	return "Runs a shell command in the workspace and returns its combined output and exit code."
}

func (t *ShellTool) Schema() map[string]any {
	return objectSchema([]string{"command"}, map[string]any{
		"command":     prop("string", "Command to run with sh -c."),
		"description": prop("string", "What the command does, shown to the user."),
		"directory":   prop("string", "Directory to run in, relative to the workspace root."),
	})
}

type shellParams struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Directory   string `json:"directory"`
}

func (t *ShellTool) Build(raw map[string]any) (Invocation, error) {
	var p shellParams
	if err := params(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if strings.TrimSpace(p.Command) == "" {
		return nil, errors.New("command cannot be empty")
	}
	if p.Directory == "" {
		p.Directory = "."
	}
	if _, err := t.ws.Resolve(p.Directory); err != nil {
		return nil, err
	}
	return &shellInvocation{raw: raw, ws: t.ws, p: p}, nil
}

type shellInvocation struct {
	raw map[string]any
	ws  Workspace
	p   shellParams
}

func (i *shellInvocation) Params() map[string]any { return i.raw }

func (i *shellInvocation) Describe() string {
	if i.p.Description != "" {
		return i.p.Command + " (" + i.p.Description + ")"
	}
	return i.p.Command
}

// RootCommands returns the distinct first words of the commands in a
// chain, in order.
func RootCommands(command string) []string {
	parts, err := policy.SplitCommandChain(command)
	if err != nil {
		parts = []string{command}
	}
	var roots []string
	for _, p := range parts {
		if f := strings.Fields(p); len(f) > 0 && !slices.Contains(roots, f[0]) {
			roots = append(roots, f[0])
		}
	}
	return roots
}

func (i *shellInvocation) ShouldConfirmExecute(context.Context) (*ConfirmationDetails, error) {
	return &ConfirmationDetails{
		Type:        ConfirmExec,
		Title:       "Confirm Shell Command",
		Command:     i.p.Command,
		RootCommand: strings.Join(RootCommands(i.p.Command), ","),
	}, nil
}

// lockedBuffer collects output written from several goroutines.
type lockedBuffer struct {
	mu   sync.Mutex
	buf  strings.Builder
	live LiveOutputFunc
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if b.live != nil {
		b.live(string(p))
	}
	return len(p), nil
}

func (i *shellInvocation) Execute(ctx context.Context, opts ExecuteOptions) (Result, error) {
	dir, bad := i.ws.resolveResult(i.p.Directory)
	if bad != nil {
		return *bad, nil
	}
	shell := "sh"
	env := os.Environ()
	if opts.Shell != nil {
		if opts.Shell.Shell != "" {
			shell = opts.Shell.Shell
		}
		env = append(env, opts.Shell.Env...)
	}

	cmd := shellCommand(ctx, shell, i.p.Command)
	cmd.Dir = dir
	cmd.Env = env
	cmd.WaitDelay = killGrace
	out := &lockedBuffer{live: opts.LiveOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return ErrorResult(ErrorShellExecute, fmt.Sprintf("Failed to start command: %v", err)), nil
	}
	if opts.SetPID != nil {
		opts.SetPID(cmd.Process.Pid)
	}
	err := cmd.Wait()

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		text := formatShellOutput(i.p.Command, dir, out.buf.String(), -1) + "\nCommand was cancelled by user before it could complete."
		return Result{LLMContent: TextContent(text), Display: "Command cancelled"}, nil
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	case err != nil && !errors.Is(err, exec.ErrWaitDelay):
		return Result{}, fmt.Errorf("run %q: %w", i.p.Command, err)
	}

	text := formatShellOutput(i.p.Command, dir, out.buf.String(), exitCode)
	res := Result{LLMContent: TextContent(text), Display: strings.TrimSpace(out.buf.String())}
	if res.Display == "" {
		res.Display = "(empty)"
	}
	if exitCode != 0 {
		res.Display = fmt.Sprintf("%s\nexit code %d", res.Display, exitCode)
	}
	return res, nil
}

func formatShellOutput(command, dir, output string, exitCode int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Command: %s\nDirectory: %s\nOutput: ", command, dir)
	if strings.TrimSpace(output) == "" {
		b.WriteString("(empty)")
	} else {
		b.WriteString(strings.TrimRight(output, "\n"))
	}
	if exitCode >= 0 {
		fmt.Fprintf(&b, "\nExit Code: %d", exitCode)
	}
	return b.String()
}

var _ io.Writer = (*lockedBuffer)(nil)
