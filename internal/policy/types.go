// Package policy decides whether a tool call may run.
//
// An Engine holds an immutable, priority-sorted snapshot of rules. Each
// call is matched against the rules in order and the first match decides
// the outcome. Rules come from three layers: the embedded defaults, TOML
// policy files from user, project and admin directories, and the
// settings file.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dgerlanc/warden/internal/constants"
)

// Decision is the verdict for a tool call.
type Decision string

const (
	Allow   Decision = "allow"
	Deny    Decision = "deny"
	AskUser Decision = "ask_user"
)

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case Allow, Deny, AskUser:
		return d, nil
	}
	return "", fmt.Errorf("invalid decision %q (want allow, deny or ask_user)", s)
}

// restrictiveness orders decisions so compound commands can keep the
// strictest verdict of their parts.
func (d Decision) restrictiveness() int {
	switch d {
	case Deny:
		return 2
	case AskUser:
		return 1
	}
	return 0
}

// Tier is the coarse layer a rule comes from. Higher tiers always win.
type Tier int

const (
	TierDefault Tier = 1
	TierUser    Tier = 2
	TierAdmin   Tier = 3
)

// MaxSubPriority is the highest sub-priority a rule may declare.
const MaxSubPriority = 999

// Priority orders rules by tier first and sub-priority second.
type Priority struct {
	Tier Tier
	Sub  int
}

// Compare returns -1, 0 or 1 as p sorts below, equal to or above o.
func (p Priority) Compare(o Priority) int {
	switch {
	case p.Tier != o.Tier:
		if p.Tier < o.Tier {
			return -1
		}
		return 1
	case p.Sub != o.Sub:
		if p.Sub < o.Sub {
			return -1
		}
		return 1
	}
	return 0
}

// Float flattens the priority to tier + sub/1000 for display and
// interchange with tools that expect a single number.
func (p Priority) Float() float64 {
	return float64(p.Tier) + float64(p.Sub)/1000
}

func (p Priority) String() string {
	return fmt.Sprintf("%.3f", p.Float())
}

// Rule is one entry of the policy table.
type Rule struct {
	// ToolName is an exact tool name, a "server__*" wildcard, or empty
	// (or "*") to match every tool.
	ToolName string
	// ArgsPattern, when set, must match the canonical JSON of the args.
	ArgsPattern *regexp.Regexp
	Decision    Decision
	Priority    Priority
	// Source describes where the rule came from, for listings.
	Source string
}

// serverWildcard returns the server prefix of a "server__*" tool name.
func (r *Rule) serverWildcard() (string, bool) {
	return strings.CutSuffix(r.ToolName, constants.MCPToolSeparator+"*")
}

// matchesAll reports whether the rule applies to every tool.
func (r *Rule) matchesAll() bool {
	return r.ToolName == "" || r.ToolName == "*"
}

// ToolCall is the part of a model function call the engine looks at.
type ToolCall struct {
	Name string
	Args map[string]any
}

// EngineConfig is everything needed to build an Engine snapshot.
type EngineConfig struct {
	Rules []Rule
	// DefaultDecision applies when no rule matches. Empty means AskUser.
	DefaultDecision Decision
	// NonInteractive turns every AskUser verdict into Deny.
	NonInteractive bool
}
