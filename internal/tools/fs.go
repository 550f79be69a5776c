package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aymanbagabas/go-udiff"

	"github.com/dgerlanc/warden/internal/constants"
)

// Workspace confines file tools to a root directory.
type Workspace struct {
	Root string
}

// Resolve returns the absolute path of p, which may be relative to the
// root. Paths outside the root are rejected.
func (w Workspace) Resolve(p string) (string, error) {
	if p == "" {
		return "", errors.New("path must not be empty")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.Root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(w.Root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the workspace %s", p, w.Root)
	}
	return p, nil
}

func (w Workspace) resolveResult(p string) (string, *Result) {
	abs, err := w.Resolve(p)
	if err != nil {
		r := ErrorResult(ErrorPathNotInWorkspace, err.Error())
		return "", &r
	}
	return abs, nil
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

// ReadFileTool reads a text file.
type ReadFileTool struct{ ws Workspace }

// NewReadFileTool returns read_file rooted at root.
func NewReadFileTool(root string) *ReadFileTool { return &ReadFileTool{ws: Workspace{Root: root}} }

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Kind() Kind   { return KindRead }
func (t *ReadFileTool) Description() string {
	return "Reads a file. Optional offset and limit select a range of lines."
}

func (t *ReadFileTool) Schema() map[string]any {
	return objectSchema([]string{"absolute_path"}, map[string]any{
		"absolute_path": prop("string", "Path of the file to read."),
		"offset":        prop("integer", "0-based line to start from."),
		"limit":         prop("integer", "Maximum number of lines to return."),
	})
}

type readFileParams struct {
	Path   string `json:"absolute_path"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

func (t *ReadFileTool) Build(raw map[string]any) (Invocation, error) {
	var p readFileParams
	if err := params(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.Path == "" {
		return nil, errors.New("params must have required property 'absolute_path'")
	}
	if p.Offset < 0 || p.Limit < 0 {
		return nil, errors.New("offset and limit must be non-negative")
	}
	return &readFileInvocation{base: base{raw}, ws: t.ws, p: p}, nil
}

// base carries the raw parameters and a no-confirmation default.
type base struct{ raw map[string]any }

func (b base) Params() map[string]any { return b.raw }

func (b base) ShouldConfirmExecute(context.Context) (*ConfirmationDetails, error) { return nil, nil }

type readFileInvocation struct {
	base
	ws Workspace
	p  readFileParams
}

func (i *readFileInvocation) Describe() string { return "Read " + i.p.Path }

func (i *readFileInvocation) Execute(ctx context.Context, _ ExecuteOptions) (Result, error) {
	path, bad := i.ws.resolveResult(i.p.Path)
	if bad != nil {
		return *bad, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrorResult(ErrorFileNotFound, "File not found: "+path), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	text := string(data)
	if i.p.Offset > 0 || i.p.Limit > 0 {
		lines := strings.SplitAfter(text, "\n")
		start := min(i.p.Offset, len(lines))
		end := len(lines)
		if i.p.Limit > 0 {
			end = min(start+i.p.Limit, len(lines))
		}
		text = strings.Join(lines[start:end], "")
	}
	return Result{LLMContent: TextContent(text), Display: fmt.Sprintf("Read %d bytes", len(text))}, nil
}

// WriteFileTool writes a whole file.
type WriteFileTool struct{ ws Workspace }

// NewWriteFileTool returns write_file rooted at root.
func NewWriteFileTool(root string) *WriteFileTool { return &WriteFileTool{ws: Workspace{Root: root}} }

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Kind() Kind          { return KindEdit }
func (t *WriteFileTool) Description() string { return "Writes content to a file, replacing it." }

func (t *WriteFileTool) Schema() map[string]any {
	return objectSchema([]string{"file_path", "content"}, map[string]any{
		"file_path": prop("string", "Path of the file to write."),
		"content":   prop("string", "New file content."),
	})
}

type writeFileParams struct {
	Path    string  `json:"file_path"`
	Content *string `json:"content"`
}

func (t *WriteFileTool) Build(raw map[string]any) (Invocation, error) {
	var p writeFileParams
	if err := params(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.Path == "" {
		return nil, errors.New("params must have required property 'file_path'")
	}
	if p.Content == nil {
		return nil, errors.New("params must have required property 'content'")
	}
	return &writeFileInvocation{raw: raw, ws: t.ws, path: p.Path, content: *p.Content}, nil
}

type writeFileInvocation struct {
	raw     map[string]any
	ws      Workspace
	path    string
	content string
}

func (i *writeFileInvocation) Params() map[string]any { return i.raw }
func (i *writeFileInvocation) Describe() string       { return "Write " + i.path }

func (i *writeFileInvocation) ShouldConfirmExecute(context.Context) (*ConfirmationDetails, error) {
	path, err := i.ws.Resolve(i.path)
	if err != nil {
		return nil, nil // Execute reports it.
	}
	old, err := readIfExists(path)
	if err != nil {
		return nil, err
	}
	return editConfirmation(path, old, i.content), nil
}

func (i *writeFileInvocation) Execute(ctx context.Context, _ ExecuteOptions) (Result, error) {
	path, bad := i.ws.resolveResult(i.path)
	if bad != nil {
		return *bad, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), constants.DirMode); err != nil {
		return Result{}, fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(i.content), constants.FileMode); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", path, err)
	}
	msg := fmt.Sprintf("Successfully wrote %d bytes to %s", len(i.content), path)
	return Result{LLMContent: TextContent(msg), Display: msg}, nil
}

func readIfExists(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func editConfirmation(path, old, updated string) *ConfirmationDetails {
	name := filepath.Base(path)
	return &ConfirmationDetails{
		Type:     ConfirmEdit,
		Title:    "Confirm Edit: " + name,
		FileName: name,
		FilePath: path,
		FileDiff: udiff.Unified("a/"+name, "b/"+name, old, updated),
	}
}

// ReplaceTool replaces exact text in a file.
type ReplaceTool struct{ ws Workspace }

// NewReplaceTool returns replace rooted at root.
func NewReplaceTool(root string) *ReplaceTool { return &ReplaceTool{ws: Workspace{Root: root}} }

func (t *ReplaceTool) Name() string { return "replace" }
func (t *ReplaceTool) Kind() Kind   { return KindEdit }
func (t *ReplaceTool) Description() string {
	return "Replaces exact occurrences of old_string with new_string in a file."
}

func (t *ReplaceTool) Schema() map[string]any {
	return objectSchema([]string{"file_path", "old_string", "new_string"}, map[string]any{
		"file_path":             prop("string", "Path of the file to edit."),
		"old_string":            prop("string", "Exact text to replace."),
		"new_string":            prop("string", "Replacement text."),
		"expected_replacements": prop("integer", "Number of occurrences expected, 1 by default."),
	})
}

type replaceParams struct {
	Path     string `json:"file_path"`
	Old      string `json:"old_string"`
	New      string `json:"new_string"`
	Expected int    `json:"expected_replacements"`
}

func (t *ReplaceTool) Build(raw map[string]any) (Invocation, error) {
	var p replaceParams
	if err := params(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.Path == "" {
		return nil, errors.New("params must have required property 'file_path'")
	}
	if p.Old == "" {
		return nil, errors.New("old_string must not be empty")
	}
	if p.Expected == 0 {
		p.Expected = 1
	}
	if p.Expected < 0 {
		return nil, errors.New("expected_replacements must be positive")
	}
	return &replaceInvocation{base: base{raw}, ws: t.ws, p: p}, nil
}

type replaceInvocation struct {
	base
	ws Workspace
	p  replaceParams
}

func (i *replaceInvocation) Describe() string { return "Edit " + i.p.Path }

func (i *replaceInvocation) apply() (path, old, updated string, res *Result) {
	path, res = i.ws.resolveResult(i.p.Path)
	if res != nil {
		return "", "", "", res
	}
	data, err := os.ReadFile(path)
	if err != nil {
		r := ErrorResult(ErrorFileNotFound, "File not found: "+path)
		return "", "", "", &r
	}
	old = string(data)
	if n := strings.Count(old, i.p.Old); n != i.p.Expected {
		r := ErrorResult(ErrorExecutionFailed,
			fmt.Sprintf("Failed to edit, expected %d occurrence(s) but found %d in %s", i.p.Expected, n, path))
		return "", "", "", &r
	}
	return path, old, strings.ReplaceAll(old, i.p.Old, i.p.New), nil
}

func (i *replaceInvocation) ShouldConfirmExecute(context.Context) (*ConfirmationDetails, error) {
	path, old, updated, res := i.apply()
	if res != nil {
		return nil, nil
	}
	return editConfirmation(path, old, updated), nil
}

func (i *replaceInvocation) Execute(ctx context.Context, _ ExecuteOptions) (Result, error) {
	path, _, updated, res := i.apply()
	if res != nil {
		return *res, nil
	}
	if err := os.WriteFile(path, []byte(updated), constants.FileMode); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", path, err)
	}
	msg := fmt.Sprintf("Successfully modified file: %s (%d replacements).", path, i.p.Expected)
	return Result{LLMContent: TextContent(msg), Display: msg}, nil
}

// ListDirectoryTool lists a directory.
type ListDirectoryTool struct{ ws Workspace }

// NewListDirectoryTool returns list_directory rooted at root.
func NewListDirectoryTool(root string) *ListDirectoryTool {
	return &ListDirectoryTool{ws: Workspace{Root: root}}
}

func (t *ListDirectoryTool) Name() string        { return "list_directory" }
func (t *ListDirectoryTool) Kind() Kind          { return KindRead }
func (t *ListDirectoryTool) Description() string { return "Lists the entries of a directory." }

func (t *ListDirectoryTool) Schema() map[string]any {
	return objectSchema([]string{"path"}, map[string]any{"path": prop("string", "Directory to list.")})
}

func (t *ListDirectoryTool) Build(raw map[string]any) (Invocation, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := params(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.Path == "" {
		p.Path = "."
	}
	return &listInvocation{base: base{raw}, ws: t.ws, path: p.Path}, nil
}

type listInvocation struct {
	base
	ws   Workspace
	path string
}

func (i *listInvocation) Describe() string { return "List " + i.path }

func (i *listInvocation) Execute(ctx context.Context, _ ExecuteOptions) (Result, error) {
	dir, bad := i.ws.resolveResult(i.path)
	if bad != nil {
		return *bad, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrorResult(ErrorFileNotFound, "Directory not found: "+dir), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("list %s: %w", dir, err)
	}
	// Directories first, then files, each alphabetical.
	slices.SortFunc(entries, func(a, b os.DirEntry) int {
		if a.IsDir() != b.IsDir() {
			if a.IsDir() {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name(), b.Name())
	})
	var b strings.Builder
	fmt.Fprintf(&b, "Directory listing for %s:\n", dir)
	for _, e := range entries {
		if e.IsDir() {
			b.WriteString("[DIR] ")
		}
		b.WriteString(e.Name())
		b.WriteByte('\n')
	}
	return Result{LLMContent: TextContent(b.String()), Display: fmt.Sprintf("Listed %d item(s)", len(entries))}, nil
}
