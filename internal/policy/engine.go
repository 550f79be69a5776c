package policy

import (
	"slices"
	"strings"
	"sync/atomic"

	"github.com/dgerlanc/warden/internal/constants"
	"github.com/dgerlanc/warden/internal/logger"
	"github.com/dgerlanc/warden/internal/patterns"
)

// Result is a decision together with the rule that produced it.
// Rule is nil when the default decision applied.
type Result struct {
	Decision Decision
	Rule     *Rule
	// Reason is a short human explanation, for logs and CLI output.
	Reason string
}

type snapshot struct {
	rules           []Rule
	defaultDecision Decision
	nonInteractive  bool
}

// Engine evaluates tool calls against a sorted rule table. The table is
// swapped atomically, so Check never blocks on AddRule or Replace.
type Engine struct {
	state atomic.Pointer[snapshot]
}

// NewEngine builds an engine from cfg.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{}
	e.Replace(cfg)
	return e
}

func newSnapshot(cfg EngineConfig) *snapshot {
	rules := slices.Clone(cfg.Rules)
	sortRules(rules)
	def := cfg.DefaultDecision
	if def == "" {
		def = AskUser
	}
	return &snapshot{rules: rules, defaultDecision: def, nonInteractive: cfg.NonInteractive}
}

// sortRules orders rules by descending priority. Equal priorities keep
// their insertion order.
func sortRules(rules []Rule) {
	slices.SortStableFunc(rules, func(a, b Rule) int {
		return b.Priority.Compare(a.Priority)
	})
}

// Replace swaps in a whole new rule table.
func (e *Engine) Replace(cfg EngineConfig) {
	e.state.Store(newSnapshot(cfg))
}

// AddRule inserts a rule at runtime, e.g. after "proceed always".
func (e *Engine) AddRule(r Rule) {
	for {
		old := e.state.Load()
		rules := make([]Rule, 0, len(old.rules)+1)
		rules = append(rules, old.rules...)
		rules = append(rules, r)
		sortRules(rules)
		next := &snapshot{rules: rules, defaultDecision: old.defaultDecision, nonInteractive: old.nonInteractive}
		if e.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// Rules returns a copy of the current rule table in evaluation order.
func (e *Engine) Rules() []Rule {
	return slices.Clone(e.state.Load().rules)
}

// DefaultDecision is the verdict used when nothing matches.
func (e *Engine) DefaultDecision() Decision {
	return e.state.Load().defaultDecision
}

// NonInteractive reports whether AskUser verdicts are coerced to Deny.
func (e *Engine) NonInteractive() bool {
	return e.state.Load().nonInteractive
}

// Check returns the decision for call. serverName is the MCP server the
// tool is registered under, or empty for built-in tools.
func (e *Engine) Check(call ToolCall, serverName string) Decision {
	return e.Evaluate(call, serverName).Decision
}

// Evaluate is Check with the matched rule attached.
func (e *Engine) Evaluate(call ToolCall, serverName string) Result {
	snap := e.state.Load()
	argsJSON, hasArgs := canonicalArgs(call.Args)

	res := snap.firstMatch(call, argsJSON, hasArgs, serverName)

	if call.Name == constants.ShellToolName && res.Decision == Allow && (res.Rule == nil || !res.Rule.matchesAll()) {
		res = snap.checkShell(call, serverName, res)
	}

	if snap.nonInteractive && res.Decision == AskUser {
		res.Decision = Deny
		res.Reason += " (non-interactive)"
	}

	logger.Debug("policy decision",
		"tool", call.Name,
		"server", serverName,
		"decision", string(res.Decision),
		"reason", res.Reason)
	return res
}

func canonicalArgs(args map[string]any) (string, bool) {
	if args == nil {
		return "", false
	}
	s, err := patterns.CanonicalJSON(args)
	if err != nil {
		return "", false
	}
	return s, true
}

func (s *snapshot) firstMatch(call ToolCall, argsJSON string, hasArgs bool, serverName string) Result {
	for i := range s.rules {
		r := &s.rules[i]
		if !r.matches(call.Name, argsJSON, hasArgs, serverName) {
			continue
		}
		rc := *r
		return Result{Decision: r.Decision, Rule: &rc, Reason: "matched " + describe(r)}
	}
	return Result{Decision: s.defaultDecision, Reason: "no rule matched"}
}

func (r *Rule) matches(toolName, argsJSON string, hasArgs bool, serverName string) bool {
	if !r.matchesAll() {
		if prefix, ok := r.serverWildcard(); ok {
			// A tool registered under another server must not borrow this
			// server's wildcard by naming itself "prefix__x".
			if serverName != "" && serverName != prefix {
				return false
			}
			if !strings.HasPrefix(toolName, prefix+constants.MCPToolSeparator) {
				return false
			}
		} else if r.ToolName != toolName {
			return false
		}
	}
	if r.ArgsPattern != nil {
		if !hasArgs || !r.ArgsPattern.MatchString(argsJSON) {
			return false
		}
	}
	return true
}

// checkShell re-examines an allowed shell command. Each part of a compound
// command is checked on its own and the strictest verdict wins. Command
// substitution can hide arbitrary commands, so it always needs a human.
func (s *snapshot) checkShell(call ToolCall, serverName string, res Result) Result {
	command, _ := call.Args["command"].(string)
	if command == "" {
		return res
	}
	if ContainsCommandSubstitution(command) {
		return Result{Decision: AskUser, Rule: res.Rule, Reason: "command substitution requires confirmation"}
	}
	parts, err := SplitCommandChain(command)
	if err != nil {
		return Result{Decision: AskUser, Rule: res.Rule, Reason: "unparseable shell command"}
	}
	if len(parts) <= 1 {
		return res
	}

	worst := res
	for _, part := range parts {
		args := make(map[string]any, len(call.Args))
		for k, v := range call.Args {
			args[k] = v
		}
		args["command"] = part
		argsJSON, hasArgs := canonicalArgs(args)
		sub := s.firstMatch(ToolCall{Name: call.Name, Args: args}, argsJSON, hasArgs, serverName)
		if sub.Decision.restrictiveness() > worst.Decision.restrictiveness() {
			worst = sub
			worst.Reason = "sub-command " + quote(part) + ": " + sub.Reason
		}
		if worst.Decision == Deny {
			break
		}
	}
	return worst
}

func describe(r *Rule) string {
	name := r.ToolName
	if r.matchesAll() {
		name = "*"
	}
	s := name + " @" + r.Priority.String()
	if r.Source != "" {
		s += " (" + r.Source + ")"
	}
	return s
}

func quote(s string) string {
	return "\"" + s + "\""
}
