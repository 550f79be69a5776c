// Package session wires the policy engine, message bus, hook system, loop
// detector and tool scheduler together for the lifetime of one session.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/dgerlanc/warden/internal/bus"
	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/events"
	"github.com/dgerlanc/warden/internal/hooks"
	"github.com/dgerlanc/warden/internal/llm"
	"github.com/dgerlanc/warden/internal/logger"
	"github.com/dgerlanc/warden/internal/loopdetect"
	"github.com/dgerlanc/warden/internal/policy"
	"github.com/dgerlanc/warden/internal/scheduler"
	"github.com/dgerlanc/warden/internal/telemetry"
	"github.com/dgerlanc/warden/internal/tools"
)

var (
	// ErrLoopDetected is returned when the loop detector halts a turn.
	ErrLoopDetected = errors.New("loop detected")
	// ErrBlocked is returned when a BeforeAgent hook blocks the prompt.
	ErrBlocked = errors.New("prompt blocked by hook")
)

// Options configures New. Only Cwd is required; Settings defaults to
// config.Get().
type Options struct {
	Cwd        string
	Settings   *config.Settings
	HookLayers []config.HookLayer

	// Mode overrides the settings approval mode when set.
	Mode config.ApprovalMode
	// NonInteractive is combined with the settings flag.
	NonInteractive bool
	// AllowedTools and ExcludeTools add to the settings lists.
	AllowedTools []string
	ExcludeTools []string
	// PolicyDirs add user-tier policy directories.
	PolicyDirs []string
	// SkipDefaultDirs loads only PolicyDirs, for tests.
	SkipDefaultDirs bool

	// Tools defaults to the builtin tools rooted at Cwd.
	Tools     []tools.Tool
	Confirm   scheduler.ConfirmFunc
	Generator llm.JSONGenerator
	Telemetry telemetry.Sink
	Emitter   *events.Emitter

	OnUpdate func(scheduler.Update)
	OnOutput func(callID, chunk string)
}

// Session is one conversation with the agent.
type Session struct {
	ID       string
	Settings *config.Settings
	Mode     config.ApprovalMode

	Engine       *policy.Engine
	PolicyErrors []policy.FileError
	Bus          *bus.Bus
	Hooks        *hooks.System
	Loop         *loopdetect.Service
	Tools        *tools.Registry
	Scheduler    *scheduler.Scheduler
	Emitter      *events.Emitter

	opts      Options
	sink      telemetry.Sink
	file      *telemetry.FileSink
	unsub     []func()
	closeOnce sync.Once

	mu       sync.Mutex
	history  []llm.Content
	prompt   string
	promptID string
	prompts  int

	modelRequest hooks.LLMRequest
}

// New builds a session. Policy file problems are kept in PolicyErrors and
// never fail construction.
func New(opts Options) (*Session, error) {
	settings := opts.Settings
	if settings == nil {
		settings = config.Get()
	}
	s := &Session{opts: opts, Settings: effectiveSettings(settings, opts)}

	mode, err := resolveMode(opts.Mode, s.Settings.ApprovalMode)
	if err != nil {
		return nil, err
	}
	s.Mode = mode
	s.ID = s.Settings.SessionID
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	s.Emitter = opts.Emitter
	if s.Emitter == nil {
		s.Emitter = events.NewEmitter(0)
	}
	if err := s.openTelemetry(); err != nil {
		return nil, err
	}

	cfg, errs := s.loadPolicy()
	s.Engine = policy.NewEngine(cfg)
	s.PolicyErrors = errs

	s.Bus = bus.New(s.Engine)
	s.unsub = append(s.unsub, bus.SubscribePolicyUpdates(s.Bus, s.Engine))

	layers := hooks.LayersFromConfig(s.Settings, opts.HookLayers)
	s.Hooks = hooks.NewSystem(hooks.SystemOptions{
		ProjectDir: opts.Cwd,
		Layers:     layers,
		Handler: hooks.HandlerOptions{
			SessionID: s.ID,
			Emitter:   s.Emitter,
			Telemetry: s.sink,
		},
	})
	s.Hooks.Initialize()
	s.unsub = append(s.unsub, s.Hooks.EventHandler().SubscribeBus(s.Bus))

	gen := opts.Generator
	if gen == nil && s.Settings.Model.Name != "" {
		client, err := llm.NewOpenAIClient(llm.OpenAIOptions{
			Model:     s.Settings.Model.Name,
			BaseURL:   s.Settings.Model.BaseURL,
			APIKeyEnv: s.Settings.Model.APIKeyEnv,
		})
		if err != nil {
			logger.Debug("LLM loop check disabled", "error", err)
		} else {
			gen = client
		}
	}
	s.Loop = loopdetect.New(loopdetect.Options{
		SessionID: s.ID,
		Model:     s.Settings.Model.Name,
		Generator: gen,
		Telemetry: s.sink,
		Emitter:   s.Emitter,
		Debug:     s.Settings.Debug,
	})

	ts := opts.Tools
	if ts == nil {
		ts = tools.Builtins(opts.Cwd)
	}
	s.Tools = tools.NewRegistry(ts...)
	s.Scheduler = scheduler.New(scheduler.Options{
		Registry:     s.Tools,
		Engine:       s.Engine,
		Bus:          s.Bus,
		HooksEnabled: s.Settings.HooksEnabled(),
		Confirm:      opts.Confirm,
		OnUpdate:     opts.OnUpdate,
		OnOutput:     opts.OnOutput,
		SessionID:    s.ID,
		Telemetry:    s.sink,
		Emitter:      s.Emitter,
	})
	logger.Debug("session created", "id", s.ID, "mode", string(s.Mode), "rules", len(s.Engine.Rules()), "policyErrors", len(errs))
	return s, nil
}

// LoadPolicy returns the policy configuration New would build for opts,
// without starting a session.
func LoadPolicy(opts Options) (policy.EngineConfig, []policy.FileError, error) {
	settings := opts.Settings
	if settings == nil {
		settings = config.Get()
	}
	s := &Session{opts: opts, Settings: effectiveSettings(settings, opts)}
	mode, err := resolveMode(opts.Mode, s.Settings.ApprovalMode)
	if err != nil {
		return policy.EngineConfig{}, nil, err
	}
	s.Mode = mode
	cfg, errs := s.loadPolicy()
	return cfg, errs, nil
}

func resolveMode(flag, setting config.ApprovalMode) (config.ApprovalMode, error) {
	if flag == "" {
		flag = setting
	}
	return config.ParseApprovalMode(string(flag))
}

// effectiveSettings applies the command-line overrides to a copy of s.
func effectiveSettings(s *config.Settings, opts Options) *config.Settings {
	c := *s
	c.Tools.Allowed = append(slices.Clone(s.Tools.Allowed), opts.AllowedTools...)
	c.Tools.Exclude = append(slices.Clone(s.Tools.Exclude), opts.ExcludeTools...)
	c.NonInteractive = s.NonInteractive || opts.NonInteractive
	return &c
}

func (s *Session) openTelemetry() error {
	switch {
	case s.opts.Telemetry != nil:
		s.sink = s.opts.Telemetry
	case s.Settings.Telemetry.Enabled:
		f, err := telemetry.OpenFile(s.Settings.Telemetry.Path)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		s.file = f
		s.sink = f
	default:
		s.sink = telemetry.Nop{}
	}
	return nil
}

func (s *Session) loadPolicy() (policy.EngineConfig, []policy.FileError) {
	opts := policy.LoadOptions{
		Settings:       s.Settings,
		Mode:           s.Mode,
		NonInteractive: s.Settings.NonInteractive,
	}
	if !s.opts.SkipDefaultDirs {
		opts.UserDirs, opts.AdminDirs = policy.DefaultDirs(s.opts.Cwd, s.Settings)
	}
	opts.UserDirs = append(opts.UserDirs, s.opts.PolicyDirs...)
	return policy.Load(opts)
}

// SetApprovalMode rebuilds the rule table for mode. In-flight checks keep
// the table they started with.
func (s *Session) SetApprovalMode(mode config.ApprovalMode) error {
	mode, err := config.ParseApprovalMode(string(mode))
	if err != nil {
		return err
	}
	s.Mode = mode
	cfg, errs := s.loadPolicy()
	s.Engine.Replace(cfg)
	s.PolicyErrors = errs
	return nil
}

// Start fires the SessionStart hooks.
func (s *Session) Start(ctx context.Context, source hooks.SessionStartSource) {
	if s.Settings.HooksEnabled() {
		s.Hooks.EventHandler().FireSessionStart(ctx, source)
	}
}

// Prompt starts handling a user prompt. Loop tracking is reset and
// BeforeAgent hooks may block the prompt or add context to it. The
// returned prompt includes any hook context.
func (s *Session) Prompt(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts++
	s.promptID = fmt.Sprintf("%s########%d", s.ID, s.prompts)
	promptID := s.promptID
	s.mu.Unlock()
	s.Loop.Reset(promptID)

	if s.Settings.HooksEnabled() {
		agg := s.Hooks.EventHandler().FireBeforeAgent(ctx, prompt)
		if out := agg.FinalOutput; out != nil {
			if out.ShouldStopExecution() || out.IsBlockingDecision() {
				return "", fmt.Errorf("%w: %s", ErrBlocked, out.EffectiveReason())
			}
			if extra := out.AdditionalContext(); extra != "" {
				prompt += "\n\n" + extra
			}
		}
	}

	s.mu.Lock()
	s.prompt = prompt
	s.history = append(s.history, llm.Content{Role: llm.RoleUser, Parts: []llm.Part{{Text: prompt}}})
	s.mu.Unlock()
	return prompt, nil
}

// NextTurn marks the start of a model turn within the current prompt and
// runs the periodic LLM loop check.
func (s *Session) NextTurn(ctx context.Context) error {
	if s.Loop.TurnStarted(ctx, s.History()) {
		return ErrLoopDetected
	}
	return nil
}

// AddContent records streamed model text and reports a content loop.
func (s *Session) AddContent(text string) error {
	s.mu.Lock()
	s.history = append(s.history, llm.Content{Role: llm.RoleModel, Parts: []llm.Part{{Text: text}}})
	s.mu.Unlock()
	if s.Loop.AddAndCheck(loopdetect.StreamEvent{Kind: loopdetect.EventContent, Content: text}) {
		return ErrLoopDetected
	}
	return nil
}

// RunToolCalls checks the calls for loops, then schedules them. The
// responses are appended to the history. A hook stop is returned as an
// error wrapping scheduler.ErrStopRequested.
func (s *Session) RunToolCalls(ctx context.Context, calls []llm.FunctionCall) ([]scheduler.Response, error) {
	s.mu.Lock()
	promptID := s.promptID
	s.mu.Unlock()

	reqs := make([]scheduler.Request, 0, len(calls))
	parts := make([]llm.Part, 0, len(calls))
	for _, c := range calls {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if s.Loop.AddAndCheck(loopdetect.StreamEvent{Kind: loopdetect.EventToolCall, ToolCall: &c}) {
			return nil, ErrLoopDetected
		}
		reqs = append(reqs, scheduler.Request{CallID: c.ID, Name: c.Name, Args: c.Args, PromptID: promptID})
		parts = append(parts, llm.Part{FunctionCall: &c})
	}

	s.mu.Lock()
	s.history = append(s.history, llm.Content{Role: llm.RoleModel, Parts: parts})
	s.mu.Unlock()

	resps, err := s.Scheduler.Schedule(ctx, reqs)

	var out []llm.Part
	for _, r := range resps {
		out = append(out, r.Parts...)
	}
	s.mu.Lock()
	s.history = append(s.history, llm.Content{Role: llm.RoleUser, Parts: out})
	s.mu.Unlock()
	return resps, err
}

// FinishPrompt fires AfterAgent hooks with the model's final response.
func (s *Session) FinishPrompt(ctx context.Context, response string) {
	if !s.Settings.HooksEnabled() {
		return
	}
	s.mu.Lock()
	prompt := s.prompt
	s.mu.Unlock()
	s.Hooks.EventHandler().FireAfterAgent(ctx, prompt, response, false)
}

// History returns a copy of the conversation so far.
func (s *Session) History() []llm.Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Close fires SessionEnd hooks, detaches bus subscribers and archives the
// telemetry file. It is safe to call more than once.
func (s *Session) Close(ctx context.Context, reason hooks.SessionEndReason) error {
	var err error
	s.closeOnce.Do(func() {
		if s.Settings.HooksEnabled() {
			s.Hooks.EventHandler().FireSessionEnd(ctx, reason)
		}
		for _, u := range s.unsub {
			u()
		}
		if s.file != nil {
			err = s.file.Archive()
		}
	})
	return err
}
