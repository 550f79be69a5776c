package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/constants"
	"github.com/dgerlanc/warden/internal/logger"
	"github.com/dgerlanc/warden/internal/patterns"
)

//go:embed default.toml
var defaultPolicy []byte

//go:embed example.toml
var examplePolicy []byte

// DefaultPolicy returns the embedded default policy file.
func DefaultPolicy() []byte {
	return defaultPolicy
}

// ExamplePolicy returns a starter policy file whose rules are all
// commented out.
func ExamplePolicy() []byte {
	return examplePolicy
}

// Sub-priorities for rules derived from settings. All of them live in the
// user tier.
const (
	SubToolExclude   = 950
	SubMCPExclude    = 900
	SubTrustedServer = 850
	SubAlwaysAllow   = 400
	SubMCPAllow      = 200
	SubToolAllow     = 100
)

// SettingsRules converts the allow/exclude lists in s into user-tier rules.
// Invalid entries are skipped and reported in the joined error.
func SettingsRules(s *config.Settings) ([]Rule, error) {
	var rules []Rule
	var errs []error
	add := func(entries []string, d Decision, sub int, source string) {
		for _, entry := range entries {
			r, err := ToolEntryRule(entry, d, Priority{Tier: TierUser, Sub: sub}, source)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			rules = append(rules, r)
		}
	}
	server := func(names []string, d Decision, sub int, source string) {
		for _, name := range names {
			rules = append(rules, Rule{
				ToolName: name + constants.MCPToolSeparator + "*",
				Decision: d,
				Priority: Priority{Tier: TierUser, Sub: sub},
				Source:   source,
			})
		}
	}

	add(s.Tools.Exclude, Deny, SubToolExclude, "settings tools.exclude")
	server(s.MCP.Excluded, Deny, SubMCPExclude, "settings mcp.excluded")
	server(s.TrustedServers(), Allow, SubTrustedServer, "settings mcpServers.trust")
	server(s.MCP.Allowed, Allow, SubMCPAllow, "settings mcp.allowed")
	add(s.Tools.Allowed, Allow, SubToolAllow, "settings tools.allowed")
	return rules, errors.Join(errs...)
}

// ToolEntryRule parses a settings entry such as "read_file" or
// "run_shell_command(git status)" into a rule. The parenthesized form is
// only meaningful for the shell tool and becomes a command prefix match.
func ToolEntryRule(entry string, d Decision, p Priority, source string) (Rule, error) {
	entry = strings.TrimSpace(entry)
	r := Rule{ToolName: entry, Decision: d, Priority: p, Source: source}
	open := strings.IndexByte(entry, '(')
	if open < 0 || !strings.HasSuffix(entry, ")") {
		return r, nil
	}
	name := strings.TrimSpace(entry[:open])
	prefix := strings.TrimSpace(entry[open+1 : len(entry)-1])
	if name != constants.ShellToolName {
		return Rule{}, fmt.Errorf("invalid tool entry %q: arguments are only supported for %s", entry, constants.ShellToolName)
	}
	r.ToolName = name
	if prefix != "" {
		re, err := patterns.Compile(patterns.BuildCommandPrefixPattern(prefix))
		if err != nil {
			return Rule{}, fmt.Errorf("invalid tool entry %q: %w", entry, err)
		}
		r.ArgsPattern = re
	}
	return r, nil
}

// LoadOptions selects the inputs to Load.
type LoadOptions struct {
	Settings       *config.Settings
	Mode           config.ApprovalMode
	NonInteractive bool
	// UserDirs and AdminDirs hold *.toml policy files.
	UserDirs  []string
	AdminDirs []string
}

// DefaultDirs returns the standard policy directories for a working
// directory: the user config dir, the project dir and any settings
// policy.dirs at user tier, and the system dir at admin tier.
func DefaultDirs(cwd string, s *config.Settings) (user, admin []string) {
	if dir, err := config.UserPolicyDir(); err == nil {
		user = append(user, dir)
	}
	if cwd != "" {
		user = append(user, config.ProjectPolicyDir(cwd))
	}
	if s != nil {
		user = append(user, s.Policy.Dirs...)
	}
	admin = append(admin, constants.SystemPolicyDir)
	return user, admin
}

// Load builds an EngineConfig from the embedded defaults, policy files and
// settings. File problems are returned alongside a usable config.
func Load(opts LoadOptions) (EngineConfig, []FileError) {
	mode := opts.Mode
	if mode == "" {
		mode = config.ApprovalDefault
	}

	rules, errs := Parse(defaultPolicy, constants.DefaultPolicyFile, TierDefault, mode)

	var dirs []Dir
	for _, d := range opts.UserDirs {
		dirs = append(dirs, Dir{Path: d, Tier: TierUser})
	}
	for _, d := range opts.AdminDirs {
		dirs = append(dirs, Dir{Path: d, Tier: TierAdmin})
	}
	fileRules, fileErrs := LoadDirs(dirs, mode)
	rules = append(rules, fileRules...)
	errs = append(errs, fileErrs...)

	if opts.Settings != nil {
		sr, err := SettingsRules(opts.Settings)
		if err != nil {
			errs = append(errs, FileError{Path: constants.SettingsFileName, Tier: TierUser, RuleIndex: -1, Type: ErrRuleValidation, Message: err.Error()})
		}
		rules = append(rules, sr...)
	}

	for _, e := range errs {
		logger.Warn("policy file error", "error", e.Error())
	}
	return EngineConfig{Rules: rules, DefaultDecision: AskUser, NonInteractive: opts.NonInteractive}, errs
}
