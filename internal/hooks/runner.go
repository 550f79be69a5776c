package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"
	"mvdan.cc/sh/v3/syntax"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/constants"
	"github.com/dgerlanc/warden/internal/logger"
)

// DefaultTimeout applies when a hook does not set its own.
const DefaultTimeout = 60 * time.Second

// killGrace is how long a hook has to exit after SIGTERM before it is
// killed outright.
const killGrace = 5 * time.Second

// Exit codes with a defined meaning when stdout is not JSON.
const (
	ExitAllow   = 0
	ExitWarning = 1
	ExitBlock   = 2
)

var projectDirVars = []string{constants.EnvProjectDir, constants.EnvGeminiProjectDir, constants.EnvClaudeProjectDir}

// Runner spawns hook processes.
type Runner struct {
	projectDir string
}

// NewRunner returns a runner that starts hooks in projectDir.
func NewRunner(projectDir string) *Runner {
	return &Runner{projectDir: projectDir}
}

// ExpandCommand substitutes the project directory variables in command,
// shell-quoted, so paths with spaces survive. Other variables are left for
// the shell.
func (r *Runner) ExpandCommand(command string) string {
	quoted, err := syntax.Quote(r.projectDir, syntax.LangBash)
	if err != nil {
		quoted = r.projectDir
	}
	for _, name := range projectDirVars {
		command = strings.ReplaceAll(command, "${"+name+"}", quoted)
		command = replaceVar(command, "$"+name, quoted)
	}
	return command
}

// replaceVar replaces $NAME only where it is not followed by another
// identifier character, so $FOO does not clobber $FOOBAR.
func replaceVar(s, token, value string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, token)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := i + len(token)
		if end < len(s) && isIdentChar(s[end]) {
			b.WriteString(s[:end])
			s = s[end:]
			continue
		}
		b.WriteString(s[:i])
		b.WriteString(value)
		s = s[end:]
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func (r *Runner) env() []string {
	env := os.Environ()
	for _, name := range projectDirVars {
		env = append(env, name+"="+r.projectDir)
	}
	return env
}

// ExecuteHook runs one hook with input on stdin. It never returns an error
// directly: failures are reported in the result. Cancelling ctx stops the
// hook the same way a timeout does.
func (r *Runner) ExecuteHook(ctx context.Context, hook config.HookConfig, event config.HookEventName, input []byte) ExecutionResult {
	start := time.Now()
	res := ExecutionResult{Hook: hook, Event: event, ExitCode: -1}

	if hook.Type != "" && hook.Type != config.HookTypeCommand {
		res.Err = fmt.Errorf("unsupported hook type %q", hook.Type)
		return res
	}
	if strings.TrimSpace(hook.Command) == "" {
		res.Err = errors.New("hook command is empty")
		return res
	}

	timeout := DefaultTimeout
	if hook.Timeout > 0 {
		timeout = time.Duration(hook.Timeout) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := shellCommand(runCtx, r.ExpandCommand(hook.Command))
	cmd.Dir = r.projectDir
	cmd.Env = r.env()
	cmd.WaitDelay = killGrace
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("executing hook", "event", string(event), "command", hook.Command, "timeout", timeout)
	err := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Err = fmt.Errorf("hook timed out after %dms", timeout.Milliseconds())
		logger.Warn("hook timed out", "event", string(event), "command", hook.Command)
		return res
	case ctx.Err() != nil:
		res.Err = fmt.Errorf("hook cancelled: %w", ctx.Err())
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.Err = fmt.Errorf("start hook: %w", err)
		logger.Warn("hook failed to start", "event", string(event), "command", hook.Command, "error", err)
		return res
	}

	res.Success = res.ExitCode == ExitAllow
	if out, ok := ParseOutput(res.Stdout); ok {
		res.Output = out
	} else {
		res.Output, res.Err = fallbackOutput(res.ExitCode, res.Stdout, res.Stderr)
	}
	logger.Debug("hook finished", "event", string(event), "command", hook.Command,
		"exit_code", res.ExitCode, "duration", res.Duration)
	return res
}

// ParseOutput decodes a hook's stdout as a HookOutput object. A JSON
// string holding an encoded object is unwrapped once.
func ParseOutput(stdout string) (*HookOutput, bool) {
	s := strings.TrimSpace(stdout)
	if s == "" || !gjson.Valid(s) {
		return nil, false
	}
	if parsed := gjson.Parse(s); parsed.Type == gjson.String {
		logger.Debug("unwrapping JSON-encoded hook output")
		s = strings.TrimSpace(parsed.String())
		if !gjson.Valid(s) {
			return nil, false
		}
	}
	if !gjson.Parse(s).IsObject() {
		return nil, false
	}
	var out HookOutput
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		logger.Debug("hook output is not a valid HookOutput", "error", err)
		return nil, false
	}
	return &out, true
}

// fallbackOutput derives an output from the exit code when stdout is not
// JSON.
func fallbackOutput(exitCode int, stdout, stderr string) (*HookOutput, error) {
	stdout, stderr = strings.TrimSpace(stdout), strings.TrimSpace(stderr)
	switch exitCode {
	case ExitAllow:
		return &HookOutput{Decision: DecisionAllow, SystemMessage: stdout}, nil
	case ExitWarning:
		msg := ""
		if stderr != "" {
			msg = "Warning: " + stderr
		}
		return &HookOutput{Decision: DecisionAllow, SystemMessage: msg}, nil
	case ExitBlock:
		return &HookOutput{Decision: DecisionDeny, Reason: stderr}, nil
	}
	msg := stderr
	if msg == "" {
		msg = stdout
	}
	return nil, fmt.Errorf("hook exited with code %d: %s", exitCode, msg)
}

// ExecuteParallel runs hooks concurrently with the same input. Results
// keep the order of hooks.
func (r *Runner) ExecuteParallel(ctx context.Context, hooks []config.HookConfig, event config.HookEventName, input []byte) []ExecutionResult {
	results := make([]ExecutionResult, len(hooks))
	var g errgroup.Group
	for i, h := range hooks {
		g.Go(func() error {
			results[i] = r.ExecuteHook(ctx, h, event, input)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ExecuteSequential runs hooks one after another. A successful hook's
// output is folded into the input of the next one for events that allow
// it.
func (r *Runner) ExecuteSequential(ctx context.Context, hooks []config.HookConfig, event config.HookEventName, input []byte) []ExecutionResult {
	results := make([]ExecutionResult, 0, len(hooks))
	for _, h := range hooks {
		res := r.ExecuteHook(ctx, h, event, input)
		results = append(results, res)
		if res.Success && res.Output != nil {
			input = applyToInput(event, input, res.Output)
		}
	}
	return results
}

// applyToInput threads one hook's modifications into the next hook's input.
func applyToInput(event config.HookEventName, input []byte, out *HookOutput) []byte {
	o := NewOutput(event, out)
	switch event {
	case config.BeforeAgent:
		extra := o.AdditionalContext()
		if extra == "" {
			return input
		}
		prompt := gjson.GetBytes(input, FieldPrompt).String()
		if next, err := sjson.SetBytes(input, FieldPrompt, prompt+"\n\n"+extra); err == nil {
			return next
		}
	case config.BeforeModel:
		patch, ok := o.specific(FieldLLMRequest)
		fields, isMap := patch.(map[string]any)
		if !ok || !isMap {
			return input
		}
		next := input
		for k, v := range fields {
			var err error
			if next, err = sjson.SetBytes(next, FieldLLMRequest+"."+escapePath(k), v); err != nil {
				logger.Debug("dropping llm_request patch", "key", k, "error", err)
				return input
			}
		}
		return next
	}
	return input
}
