package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// workspaceGuard resolves paths and enforces the workspace restriction:
// when restricted, the resolved absolute path must equal the workspace
// root or live beneath it.
type workspaceGuard struct {
	workspace string
	restrict  bool
}

// resolve makes path absolute (relative paths anchor at the workspace)
// and applies the restriction. The returned string is an error result when
// ok is false.
func (g workspaceGuard) resolve(path string) (resolved string, errResult string, ok bool) {
	if path == "" {
		return "", "Error: path is required", false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(g.workspace, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Sprintf("Error: invalid path: %v", err), false
	}
	abs = filepath.Clean(abs)
	if g.restrict {
		root := filepath.Clean(g.workspace)
		if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return "", fmt.Sprintf("Error: path %s is outside the workspace", path), false
		}
	}
	return abs, "", true
}

// ReadFileTool returns file contents.
type ReadFileTool struct {
	guard workspaceGuard
}

// NewReadFileTool creates the read_file tool.
func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{guard: workspaceGuard{workspace: workspace, restrict: restrict}}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file at the given path."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, turn Turn, args map[string]any) (string, error) {
	path, errResult, ok := t.guard.resolve(stringArg(args, "path"))
	if !ok {
		return errResult, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Sprintf("Error: File not found: %s", path), nil
	}
	if info.IsDir() {
		return fmt.Sprintf("Error: Not a file: %s", path), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("Error: Failed to read %s: %v", path, err), nil
	}
	return string(content), nil
}

// WriteFileTool writes a file, creating parent directories.
type WriteFileTool struct {
	guard workspaceGuard
}

// NewWriteFileTool creates the write_file tool.
func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{guard: workspaceGuard{workspace: workspace, restrict: restrict}}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file. Creates parent directories as needed and overwrites existing content."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, turn Turn, args map[string]any) (string, error) {
	path, errResult, ok := t.guard.resolve(stringArg(args, "path"))
	if !ok {
		return errResult, nil
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Sprintf("Error: Failed to create directories: %v", err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("Error: Failed to write %s: %v", path, err), nil
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// AppendFileTool appends to a file, creating it when absent.
type AppendFileTool struct {
	guard workspaceGuard
}

// NewAppendFileTool creates the append_file tool.
func NewAppendFileTool(workspace string, restrict bool) *AppendFileTool {
	return &AppendFileTool{guard: workspaceGuard{workspace: workspace, restrict: restrict}}
}

func (t *AppendFileTool) Name() string { return "append_file" }

func (t *AppendFileTool) Description() string {
	return "Append content to the end of a file, creating it if it does not exist."
}

func (t *AppendFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to append",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *AppendFileTool) Execute(ctx context.Context, turn Turn, args map[string]any) (string, error) {
	path, errResult, ok := t.guard.resolve(stringArg(args, "path"))
	if !ok {
		return errResult, nil
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Sprintf("Error: Failed to create directories: %v", err), nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Sprintf("Error: Failed to open %s: %v", path, err), nil
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Sprintf("Error: Failed to append to %s: %v", path, err), nil
	}
	return fmt.Sprintf("Appended %d bytes to %s", len(content), path), nil
}

// EditFileTool replaces text that occurs exactly once.
type EditFileTool struct {
	guard workspaceGuard
}

// NewEditFileTool creates the edit_file tool.
func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{guard: workspaceGuard{workspace: workspace, restrict: restrict}}
}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace old_text with new_text in a file. old_text must occur exactly once; include enough surrounding context to make it unique."
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to edit",
			},
			"old_text": map[string]any{
				"type":        "string",
				"description": "Exact text to find",
			},
			"new_text": map[string]any{
				"type":        "string",
				"description": "Replacement text",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, turn Turn, args map[string]any) (string, error) {
	path, errResult, ok := t.guard.resolve(stringArg(args, "path"))
	if !ok {
		return errResult, nil
	}
	oldText := stringArg(args, "old_text")
	newText := stringArg(args, "new_text")
	if oldText == "" {
		return "Error: old_text must not be empty", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("Error: File not found: %s", path), nil
	}
	content := string(data)

	switch count := strings.Count(content, oldText); count {
	case 0:
		return fmt.Sprintf("Error: old_text not found in %s", path), nil
	case 1:
		updated := strings.Replace(content, oldText, newText, 1)
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			return fmt.Sprintf("Error: Failed to write %s: %v", path, err), nil
		}
		return fmt.Sprintf("Edited %s", path), nil
	default:
		return fmt.Sprintf("Warning: old_text appears %d times in %s; no changes made. Provide more surrounding context to make the match unique.", count, path), nil
	}
}

// ListDirTool lists a directory with type prefixes.
type ListDirTool struct {
	guard workspaceGuard
}

// NewListDirTool creates the list_dir tool.
func NewListDirTool(workspace string, restrict bool) *ListDirTool {
	return &ListDirTool{guard: workspaceGuard{workspace: workspace, restrict: restrict}}
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the entries of a directory."
}

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, turn Turn, args map[string]any) (string, error) {
	path, errResult, ok := t.guard.resolve(stringArg(args, "path"))
	if !ok {
		return errResult, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Sprintf("Error: Failed to list %s: %v", path, err), nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		prefix := "[file]"
		if e.IsDir() {
			prefix = "[dir] "
		}
		lines = append(lines, prefix+" "+e.Name())
	}
	if len(lines) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(lines, "\n"), nil
}
