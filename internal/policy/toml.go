package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/constants"
	"github.com/dgerlanc/warden/internal/logger"
	"github.com/dgerlanc/warden/internal/patterns"
)

// FileErrorType classifies a policy file problem.
type FileErrorType string

const (
	ErrTOMLParse        FileErrorType = "toml_parse"
	ErrSchemaValidation FileErrorType = "schema_validation"
	ErrRuleValidation   FileErrorType = "rule_validation"
	ErrRegexCompilation FileErrorType = "regex_compilation"
	ErrFileRead         FileErrorType = "file_read"
)

// FileError describes one problem found while loading a policy file.
// Loading continues past it; only the offending file or rule is skipped.
type FileError struct {
	Path string
	Tier Tier
	// RuleIndex is the zero-based [[rule]] index, or -1 for file-level errors.
	RuleIndex  int
	Type       FileErrorType
	Message    string
	Suggestion string
}

func (e FileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", filepath.Base(e.Path), e.Type)
	if e.RuleIndex >= 0 {
		fmt.Fprintf(&b, " (rule #%d)", e.RuleIndex+1)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Suggestion != "" {
		b.WriteString(" (")
		b.WriteString(e.Suggestion)
		b.WriteString(")")
	}
	return b.String()
}

// stringList accepts either a single string or an array of strings.
type stringList []string

func (s *stringList) UnmarshalTOML(v any) error {
	switch t := v.(type) {
	case string:
		*s = stringList{t}
	case []any:
		out := make(stringList, 0, len(t))
		for _, item := range t {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string in list, got %T", item)
			}
			out = append(out, str)
		}
		*s = out
	default:
		return fmt.Errorf("expected string or list of strings, got %T", v)
	}
	return nil
}

type tomlRule struct {
	ToolName      stringList `toml:"toolName"`
	MCPName       string     `toml:"mcpName"`
	CommandPrefix stringList `toml:"commandPrefix"`
	CommandRegex  string     `toml:"commandRegex"`
	ArgsPattern   string     `toml:"argsPattern"`
	Decision      string     `toml:"decision"`
	Priority      *int       `toml:"priority"`
	Modes         []string   `toml:"modes"`
}

type tomlPolicy struct {
	Rule []tomlRule `toml:"rule"`
}

// Dir is a directory of *.toml policy files at a given tier.
type Dir struct {
	Path string
	Tier Tier
}

// LoadDirs reads every *.toml file in dirs, in directory then file-name
// order. Missing directories are skipped silently.
func LoadDirs(dirs []Dir, mode config.ApprovalMode) ([]Rule, []FileError) {
	var rules []Rule
	var errs []FileError
	for _, d := range dirs {
		entries, err := os.ReadDir(d.Path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, FileError{Path: d.Path, Tier: d.Tier, RuleIndex: -1, Type: ErrFileRead, Message: err.Error()})
			}
			continue
		}
		for _, ent := range entries {
			if ent.IsDir() || filepath.Ext(ent.Name()) != ".toml" {
				continue
			}
			path := filepath.Join(d.Path, ent.Name())
			r, e := LoadFile(path, d.Tier, mode)
			rules = append(rules, r...)
			errs = append(errs, e...)
		}
	}
	return rules, errs
}

// LoadFile reads and parses a single policy file.
func LoadFile(path string, tier Tier, mode config.ApprovalMode) ([]Rule, []FileError) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []FileError{{Path: path, Tier: tier, RuleIndex: -1, Type: ErrFileRead, Message: err.Error()}}
	}
	rules, errs := Parse(data, path, tier, mode)
	logger.Debug("loaded policy file", "path", path, "tier", int(tier), "rules", len(rules), "errors", len(errs))
	return rules, errs
}

// Parse converts TOML policy text into rules. Rules whose modes list does
// not include mode are dropped. name is used for error messages and rule
// sources.
func Parse(data []byte, name string, tier Tier, mode config.ApprovalMode) ([]Rule, []FileError) {
	if mode == "" {
		mode = config.ApprovalDefault
	}
	var doc tomlPolicy
	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		var perr toml.ParseError
		if errors.As(err, &perr) {
			return nil, []FileError{{
				Path: name, Tier: tier, RuleIndex: -1, Type: ErrTOMLParse,
				Message: perr.Message, Suggestion: fmt.Sprintf("line %d", perr.Position.Line),
			}}
		}
		return nil, []FileError{{Path: name, Tier: tier, RuleIndex: -1, Type: ErrSchemaValidation, Message: err.Error()}}
	}

	var errs []FileError
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		errs = append(errs, FileError{
			Path: name, Tier: tier, RuleIndex: -1, Type: ErrSchemaValidation,
			Message:    "unknown keys: " + strings.Join(keys, ", "),
			Suggestion: "valid keys are toolName, mcpName, commandPrefix, commandRegex, argsPattern, decision, priority, modes",
		})
	}

	var rules []Rule
	for i, tr := range doc.Rule {
		built, ferr := tr.build(name, i, tier, mode)
		if ferr != nil {
			ferr.Path, ferr.Tier, ferr.RuleIndex = name, tier, i
			errs = append(errs, *ferr)
			continue
		}
		rules = append(rules, built...)
	}
	return rules, errs
}

func ruleErr(t FileErrorType, format string, args ...any) *FileError {
	return &FileError{Type: t, Message: fmt.Sprintf(format, args...)}
}

func (tr tomlRule) build(name string, index int, tier Tier, mode config.ApprovalMode) ([]Rule, *FileError) {
	decision, err := ParseDecision(tr.Decision)
	if err != nil {
		return nil, ruleErr(ErrRuleValidation, "%v", err)
	}
	sub := 0
	if tr.Priority != nil {
		sub = *tr.Priority
	}
	if sub < 0 || sub > MaxSubPriority {
		return nil, ruleErr(ErrRuleValidation, "priority %d out of range", sub).withSuggestion("use a value between 0 and 999")
	}
	for _, m := range tr.Modes {
		if _, err := config.ParseApprovalMode(m); err != nil || m == "" {
			return nil, ruleErr(ErrRuleValidation, "invalid mode %q", m)
		}
	}
	if len(tr.Modes) > 0 && !slices.Contains(tr.Modes, string(mode)) {
		return nil, nil
	}

	shellOnly := len(tr.CommandPrefix) > 0 || tr.CommandRegex != ""
	if len(tr.CommandPrefix) > 0 && tr.CommandRegex != "" {
		return nil, ruleErr(ErrRuleValidation, "commandPrefix and commandRegex are mutually exclusive")
	}
	if shellOnly && tr.ArgsPattern != "" {
		return nil, ruleErr(ErrRuleValidation, "argsPattern cannot be combined with commandPrefix or commandRegex")
	}
	if shellOnly {
		if len(tr.ToolName) == 0 {
			return nil, ruleErr(ErrRuleValidation, "commandPrefix and commandRegex require toolName = %q", constants.ShellToolName)
		}
		for _, t := range tr.ToolName {
			if t != constants.ShellToolName {
				return nil, ruleErr(ErrRuleValidation, "commandPrefix and commandRegex only apply to %q, not %q", constants.ShellToolName, t)
			}
		}
	}

	var argPatterns []string
	switch {
	case len(tr.CommandPrefix) > 0:
		for _, p := range tr.CommandPrefix {
			argPatterns = append(argPatterns, patterns.BuildCommandPrefixPattern(p))
		}
	case tr.CommandRegex != "":
		argPatterns = []string{patterns.BuildCommandRegexPattern(tr.CommandRegex)}
	case tr.ArgsPattern != "":
		argPatterns = []string{tr.ArgsPattern}
	default:
		argPatterns = []string{""}
	}

	compiled := make([]*Rule, 0, len(argPatterns))
	for _, src := range argPatterns {
		r := &Rule{}
		if src != "" {
			re, err := patterns.Compile(src)
			if err != nil {
				return nil, ruleErr(ErrRegexCompilation, "%v", err)
			}
			r.ArgsPattern = re
		}
		compiled = append(compiled, r)
	}

	toolNames := []string(tr.ToolName)
	if len(toolNames) == 0 {
		toolNames = []string{""}
	}
	if tr.MCPName != "" {
		for i, t := range toolNames {
			if t == "" || t == "*" {
				toolNames[i] = tr.MCPName + constants.MCPToolSeparator + "*"
			} else {
				toolNames[i] = tr.MCPName + constants.MCPToolSeparator + t
			}
		}
	}

	source := fmt.Sprintf("%s rule #%d", filepath.Base(name), index+1)
	out := make([]Rule, 0, len(toolNames)*len(compiled))
	for _, t := range toolNames {
		for _, c := range compiled {
			out = append(out, Rule{
				ToolName:    t,
				ArgsPattern: c.ArgsPattern,
				Decision:    decision,
				Priority:    Priority{Tier: tier, Sub: sub},
				Source:      source,
			})
		}
	}
	return out, nil
}

func (e *FileError) withSuggestion(s string) *FileError {
	e.Suggestion = s
	return e
}
