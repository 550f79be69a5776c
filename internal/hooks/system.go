package hooks

import (
	"sync"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/logger"
)

// Layer is the hook configuration from one source.
type Layer struct {
	Source Source
	Hooks  config.HooksSettings
}

// LayersFromConfig converts the per-file hook layers of the loaded
// settings. When none were recorded, s.Hooks is used as the user layer.
func LayersFromConfig(s *config.Settings, layers []config.HookLayer) []Layer {
	if len(layers) == 0 {
		if s == nil {
			return nil
		}
		return []Layer{{Source: SourceUser, Hooks: s.Hooks}}
	}
	out := make([]Layer, 0, len(layers))
	for _, l := range layers {
		out = append(out, Layer{Source: Source(l.Source), Hooks: l.Hooks})
	}
	return out
}

// SystemOptions configures a System.
type SystemOptions struct {
	ProjectDir string
	Layers     []Layer
	Handler    HandlerOptions
}

// System owns the hook registry and the event handler for one session.
type System struct {
	opts     SystemOptions
	registry *Registry
	runner   *Runner
	handler  *EventHandler

	once sync.Once
}

// NewSystem returns an uninitialized hook system.
func NewSystem(opts SystemOptions) *System {
	if opts.Handler.Cwd == "" {
		opts.Handler.Cwd = opts.ProjectDir
	}
	registry := NewRegistry()
	runner := NewRunner(opts.ProjectDir)
	return &System{
		opts:     opts,
		registry: registry,
		runner:   runner,
		handler:  NewEventHandler(NewPlanner(registry), runner, opts.Handler),
	}
}

// Initialize indexes the configured hooks. Invalid definitions are skipped
// with a warning. Calling it again has no effect.
func (s *System) Initialize() {
	s.once.Do(func() {
		// Project hooks are listed first so they run before user hooks.
		for _, src := range []Source{SourceProject, SourceUser, SourceSystem} {
			for _, l := range s.opts.Layers {
				if l.Source == src {
					s.registry.Add(l.Source, l.Hooks)
				}
			}
		}
		logger.Debug("hook system initialized", "hooks", len(s.registry.All()))
	})
}

// EventHandler returns the handler used to fire events.
func (s *System) EventHandler() *EventHandler {
	return s.handler
}

// Registry returns the hook registry.
func (s *System) Registry() *Registry {
	return s.registry
}

// SetHookEnabled enables or disables every hook running command.
func (s *System) SetHookEnabled(command string, enabled bool) bool {
	ok := s.registry.SetHookEnabled(command, enabled)
	if !ok {
		logger.Warn("no hook with command", "command", command)
	}
	return ok
}
