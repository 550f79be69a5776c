package hooks

import (
	"regexp"

	"github.com/dgerlanc/warden/internal/config"
)

// Plan is the set of hooks to run for one event firing.
type Plan struct {
	Event      config.HookEventName
	Hooks      []config.HookConfig
	Sequential bool
}

// Planner selects registry entries for an event.
type Planner struct {
	registry *Registry
}

// NewPlanner returns a planner over registry.
func NewPlanner(registry *Registry) *Planner {
	return &Planner{registry: registry}
}

// Plan returns the hooks matching subject for event, or nil when none
// apply. subject is the tool name for tool events, the source for
// SessionStart and the trigger for PreCompress. Identical commands run
// once. The plan is sequential when any matching definition asks for it.
func (p *Planner) Plan(event config.HookEventName, subject string) *Plan {
	plan := &Plan{Event: event}
	seen := make(map[string]bool)
	for _, e := range p.registry.Entries(event) {
		if !matches(event, e.Matcher, subject) {
			continue
		}
		plan.Sequential = plan.Sequential || e.Sequential
		key := e.Hook.Command
		if seen[key] {
			continue
		}
		seen[key] = true
		plan.Hooks = append(plan.Hooks, e.Hook)
	}
	if len(plan.Hooks) == 0 {
		return nil
	}
	return plan
}

func matches(event config.HookEventName, matcher, subject string) bool {
	if matcher == "" || matcher == "*" {
		return true
	}
	switch event {
	case config.BeforeTool, config.AfterTool:
		re, err := regexp.Compile(matcher)
		if err != nil {
			return matcher == subject
		}
		return re.MatchString(subject)
	case config.SessionStart, config.PreCompress:
		return matcher == subject
	}
	// Other events have no subject to match against.
	return true
}
