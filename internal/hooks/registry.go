package hooks

import (
	"slices"
	"sync"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/logger"
)

// Source says where a hook definition came from.
type Source string

const (
	SourceProject Source = "project"
	SourceUser    Source = "user"
	SourceSystem  Source = "system"
)

// Entry is one configured hook.
type Entry struct {
	Event      config.HookEventName
	Matcher    string
	Sequential bool
	Hook       config.HookConfig
	Source     Source
	Enabled    bool
}

// Registry indexes hook definitions by event. Reads see an immutable
// snapshot; SetHookEnabled swaps in a new one.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add validates and indexes hs. Invalid definitions are dropped with a
// warning. Hooks whose command is listed in hs.Disabled are kept but
// disabled.
func (r *Registry) Add(source Source, hs config.HooksSettings) {
	var added []Entry
	for _, event := range config.HookEventNames {
		for _, def := range hs.Events[event] {
			for _, h := range def.Hooks {
				if !validHook(event, h) {
					continue
				}
				added = append(added, Entry{
					Event:      event,
					Matcher:    def.Matcher,
					Sequential: def.Sequential,
					Hook:       h,
					Source:     source,
					Enabled:    !slices.Contains(hs.Disabled, h.Command),
				})
			}
		}
	}
	for event := range hs.Events {
		if !event.Valid() {
			logger.Warn("ignoring hooks for unknown event", "event", string(event), "source", string(source))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]Entry, 0, len(r.entries)+len(added))
	next = append(next, r.entries...)
	r.entries = append(next, added...)
	logger.Debug("hook registry loaded", "source", string(source), "hooks", len(added))
}

func validHook(event config.HookEventName, h config.HookConfig) bool {
	if h.Type != "" && h.Type != config.HookTypeCommand {
		logger.Warn("ignoring hook with unsupported type", "event", string(event), "type", string(h.Type))
		return false
	}
	if h.Command == "" {
		logger.Warn("ignoring hook without command", "event", string(event))
		return false
	}
	if h.Timeout < 0 {
		logger.Warn("ignoring hook with negative timeout", "event", string(event), "command", h.Command)
		return false
	}
	return true
}

// Entries returns the enabled hooks for event in registration order.
func (r *Registry) Entries(event config.HookEventName) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Event == event && e.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// All returns every hook, enabled or not.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.entries)
}

// SetHookEnabled toggles every hook running command. It reports whether
// any hook matched.
func (r *Registry) SetHookEnabled(command string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := slices.Clone(r.entries)
	found := false
	for i := range next {
		if next[i].Hook.Command == command {
			next[i].Enabled = enabled
			found = true
		}
	}
	r.entries = next
	return found
}
