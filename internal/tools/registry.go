package tools

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"
)

// ErrToolNotFound is returned for unknown tool names.
var ErrToolNotFound = errors.New("tool not found")

// maxSuggestions bounds the "did you mean" list.
const maxSuggestions = 3

// Registry holds the tools available to a session.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns a registry holding ts.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool called name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Suggest returns registered names close to name, best first.
func (r *Registry) Suggest(name string) []string {
	names := r.Names()
	var out []string
	for _, m := range fuzzy.Find(name, names) {
		out = append(out, m.Str)
		if len(out) == maxSuggestions {
			return out
		}
	}
	// Fall back to names sharing a prefix, for typos fuzzy matching misses.
	for _, n := range names {
		if len(out) == maxSuggestions {
			break
		}
		if !slices.Contains(out, n) && commonPrefix(n, name) >= 4 {
			out = append(out, n)
		}
	}
	return out
}

func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// NotFoundMessage is the text returned to the model for an unknown tool.
func (r *Registry) NotFoundMessage(name string) string {
	msg := fmt.Sprintf("Tool %q not found in registry.", name)
	if s := r.Suggest(name); len(s) > 0 {
		quoted := make([]string, len(s))
		for i, n := range s {
			quoted[i] = fmt.Sprintf("%q", n)
		}
		msg += " Did you mean one of: " + strings.Join(quoted, ", ") + "?"
	}
	return msg
}
