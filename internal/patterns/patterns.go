// Package patterns builds regular expressions that match tool-call
// arguments in their canonical JSON serialization.
package patterns

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// commandField is how the shell tool's command argument starts in the
// canonical serialization.
const commandField = `"command":"`

// CanonicalJSON serializes args the way policy patterns expect to see
// them: object keys sorted, no HTML escaping, no trailing newline.
func CanonicalJSON(args any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// JSONStringBody returns s as it appears between the quotes of a JSON
// string literal.
func JSONStringBody(s string) string {
	out, err := CanonicalJSON(s)
	if err != nil {
		return s
	}
	return out[1 : len(out)-1]
}

// BuildCommandPrefixPattern creates a regex matching a shell command that
// starts with prefix.
// "git status" becomes `"command":"git status(?:[\s"\\])`
// so "git status -s" matches but "git statuses" does not. A prefix that
// already ends in whitespace needs no boundary.
func BuildCommandPrefixPattern(prefix string) string {
	body := regexp.QuoteMeta(JSONStringBody(prefix))
	if prefix == "" || unicode.IsSpace(rune(prefix[len(prefix)-1])) {
		return commandField + body
	}
	return commandField + body + `(?:[\s"\\])`
}

// BuildCommandRegexPattern anchors a user-supplied regex at the start of
// the shell command value.
func BuildCommandRegexPattern(re string) string {
	return commandField + re
}

// Compile compiles a pattern string.
// Returns an error if the pattern is invalid.
func Compile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}

// MustCompile is like Compile but panics if the pattern is invalid.
func MustCompile(pattern string) *regexp.Regexp {
	return regexp.MustCompile(pattern)
}
