package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// maxSearchMatches bounds search_file_content output.
const maxSearchMatches = 200

// skipDirs are never descended into by search tools.
var skipDirs = []string{".git", "node_modules"}

// GlobTool finds files matching a doublestar pattern.
type GlobTool struct{ ws Workspace }

// NewGlobTool returns glob rooted at root.
func NewGlobTool(root string) *GlobTool { return &GlobTool{ws: Workspace{Root: root}} }

func (t *GlobTool) Name() string { return "glob" }
func (t *GlobTool) Kind() Kind   { return KindSearch }
func (t *GlobTool) Description() string {
	return "Finds files whose path matches a glob pattern such as src/**/*.go."
}

func (t *GlobTool) Schema() map[string]any {
	return objectSchema([]string{"pattern"}, map[string]any{
		"pattern": prop("string", "Glob pattern, relative to path."),
		"path":    prop("string", "Directory to search, the workspace root by default."),
	})
}

type globParams struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
}

func (t *GlobTool) Build(raw map[string]any) (Invocation, error) {
	var p globParams
	if err := params(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.Pattern == "" {
		return nil, errors.New("params must have required property 'pattern'")
	}
	if !doublestar.ValidatePattern(p.Pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", p.Pattern)
	}
	if p.Path == "" {
		p.Path = "."
	}
	return &globInvocation{base: base{raw}, ws: t.ws, p: p}, nil
}

type globInvocation struct {
	base
	ws Workspace
	p  globParams
}

func (i *globInvocation) Describe() string { return "Glob " + i.p.Pattern }

func (i *globInvocation) Execute(ctx context.Context, _ ExecuteOptions) (Result, error) {
	dir, bad := i.ws.resolveResult(i.p.Path)
	if bad != nil {
		return *bad, nil
	}
	var matches []string
	err := doublestar.GlobWalk(os.DirFS(dir), i.p.Pattern, func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() {
			matches = append(matches, filepath.Join(dir, filepath.FromSlash(path)))
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("glob %s: %w", i.p.Pattern, err)
	}
	slices.Sort(matches)
	if len(matches) == 0 {
		msg := fmt.Sprintf("No files found matching pattern %q within %s", i.p.Pattern, dir)
		return Result{LLMContent: TextContent(msg), Display: "No files found"}, nil
	}
	text := fmt.Sprintf("Found %d file(s) matching %q within %s:\n%s",
		len(matches), i.p.Pattern, dir, strings.Join(matches, "\n"))
	return Result{LLMContent: TextContent(text), Display: fmt.Sprintf("Found %d matching file(s)", len(matches))}, nil
}

// SearchTool greps files for a regular expression.
type SearchTool struct{ ws Workspace }

// NewSearchTool returns search_file_content rooted at root.
func NewSearchTool(root string) *SearchTool { return &SearchTool{ws: Workspace{Root: root}} }

func (t *SearchTool) Name() string { return "search_file_content" }
func (t *SearchTool) Kind() Kind   { return KindSearch }
func (t *SearchTool) Description() string {
	return "Searches file contents for a regular expression, optionally limited to files matching include."
}

func (t *SearchTool) Schema() map[string]any {
	return objectSchema([]string{"pattern"}, map[string]any{
		"pattern": prop("string", "Regular expression to search for."),
		"path":    prop("string", "Directory to search, the workspace root by default."),
		"include": prop("string", "Glob filter for file paths, e.g. **/*.go."),
	})
}

type searchParams struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
	Include string `json:"include"`
}

func (t *SearchTool) Build(raw map[string]any) (Invocation, error) {
	var p searchParams
	if err := params(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil || p.Pattern == "" {
		return nil, fmt.Errorf("invalid regular expression %q", p.Pattern)
	}
	if p.Include != "" && !doublestar.ValidatePattern(p.Include) {
		return nil, fmt.Errorf("invalid include pattern %q", p.Include)
	}
	if p.Path == "" {
		p.Path = "."
	}
	return &searchInvocation{base: base{raw}, ws: t.ws, p: p, re: re}, nil
}

type searchInvocation struct {
	base
	ws Workspace
	p  searchParams
	re *regexp.Regexp
}

func (i *searchInvocation) Describe() string { return "Search for " + i.p.Pattern }

func (i *searchInvocation) Execute(ctx context.Context, _ ExecuteOptions) (Result, error) {
	dir, bad := i.ws.resolveResult(i.p.Path)
	if bad != nil {
		return *bad, nil
	}
	var lines []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if slices.Contains(skipDirs, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		if i.p.Include != "" {
			if ok, _ := doublestar.Match(i.p.Include, filepath.ToSlash(rel)); !ok {
				return nil
			}
		}
		found, err := grepFile(path, rel, i.re, maxSearchMatches-len(lines))
		if err != nil {
			return nil
		}
		lines = append(lines, found...)
		if len(lines) >= maxSearchMatches {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("search %s: %w", dir, err)
	}
	if len(lines) == 0 {
		msg := fmt.Sprintf("No matches found for pattern %q in %s", i.p.Pattern, dir)
		return Result{LLMContent: TextContent(msg), Display: "No matches found"}, nil
	}
	text := fmt.Sprintf("Found %d match(es) for pattern %q in %s:\n%s",
		len(lines), i.p.Pattern, dir, strings.Join(lines, "\n"))
	return Result{LLMContent: TextContent(text), Display: fmt.Sprintf("Found %d match(es)", len(lines))}, nil
}

func grepFile(path, rel string, re *regexp.Regexp, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan() && len(out) < limit; n++ {
		if re.MatchString(sc.Text()) {
			out = append(out, fmt.Sprintf("%s:%d:%s", filepath.ToSlash(rel), n, sc.Text()))
		}
	}
	return out, sc.Err()
}
