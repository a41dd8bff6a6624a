// Package project implements the in-memory virtual project: a mapping of
// POSIX-style relative paths to file contents, the range-scoped edit engine,
// and the file/folder operations exposed to the agent.
//
// Every operation returns the output payload that ends up in the tool's
// completed event. Failures are reported inside the payload under "error" so
// the agent can observe them and retry; they are never fatal to a run.
package project

import (
	"fmt"
	"sort"
	"strings"
)

// Project maps project-relative paths to file contents. Paths never carry a
// leading "./"; folders are implied by file paths and not tracked.
type Project map[string]string

// Clone returns a shallow copy. Contents are strings, so the copy is
// effectively deep.
func (p Project) Clone() Project {
	out := make(Project, len(p))
	for path, content := range p {
		out[path] = content
	}
	return out
}

// SortedPaths returns every path in lexical order. Prompt rendering depends on
// this being deterministic.
func (p Project) SortedPaths() []string {
	paths := make([]string, 0, len(p))
	for path := range p {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// EditArgs is the argument set of the edit_code tool. Line numbers are
// 1-based and inclusive.
type EditArgs struct {
	FilePath      string `json:"file_path"`
	Find          string `json:"find"`
	FindStartLine int    `json:"find_start_line"`
	FindEndLine   int    `json:"find_end_line"`
	Replace       string `json:"replace"`
}

// Edit replaces the first occurrence of args.Find inside the joined text of
// lines [FindStartLine, FindEndLine] of the target file. Content outside the
// range is preserved byte for byte.
func (p Project) Edit(args EditArgs) map[string]any {
	content, ok := p[args.FilePath]
	if !ok {
		return map[string]any{"error": fmt.Sprintf("File not found: %s", args.FilePath)}
	}

	lines := strings.Split(content, "\n")
	startIdx := args.FindStartLine - 1
	endIdx := args.FindEndLine - 1
	if startIdx < 0 || endIdx >= len(lines) || startIdx > endIdx {
		return map[string]any{
			"error":       "Line numbers out of range or invalid",
			"total_lines": len(lines),
		}
	}

	existing := strings.Join(lines[startIdx:endIdx+1], "\n")
	if !strings.Contains(existing, args.Find) {
		return map[string]any{
			"error":         "Find text not found at specified lines",
			"existing_text": existing,
		}
	}

	newText := strings.Replace(existing, args.Find, args.Replace, 1)
	newLines := make([]string, 0, len(lines))
	newLines = append(newLines, lines[:startIdx]...)
	newLines = append(newLines, strings.Split(newText, "\n")...)
	newLines = append(newLines, lines[endIdx+1:]...)
	newCode := strings.Join(newLines, "\n")

	p[args.FilePath] = newCode

	return map[string]any{
		"find":             args.Find,
		"find_start_line":  args.FindStartLine,
		"find_end_line":    args.FindEndLine,
		"replace":          args.Replace,
		"old_text":         existing,
		"new_text":         newText,
		"new_code":         newCode,
		"file_path":        args.FilePath,
		"new_file_content": newCode,
	}
}

// CreateFile inserts a new file. Existing paths are never overwritten; use
// RenameFile to move the old file out of the way first.
func (p Project) CreateFile(path, content string) map[string]any {
	if _, exists := p[path]; exists {
		return map[string]any{
			"error":     fmt.Sprintf("File already exists: %s", path),
			"file_path": path,
		}
	}
	p[path] = content
	return map[string]any{
		"file_path":        path,
		"new_file_content": content,
		"created":          true,
	}
}

// DeleteFile removes a file from the project.
func (p Project) DeleteFile(path string) map[string]any {
	if _, exists := p[path]; !exists {
		return map[string]any{
			"error":     fmt.Sprintf("File not found: %s", path),
			"file_path": path,
		}
	}
	delete(p, path)
	return map[string]any{"file_path": path, "deleted": true}
}

// RenameFile moves a file. An existing destination is overwritten silently and
// flagged in the result.
func (p Project) RenameFile(oldPath, newPath string) map[string]any {
	content, exists := p[oldPath]
	if !exists {
		return map[string]any{
			"error":    fmt.Sprintf("File not found: %s", oldPath),
			"old_path": oldPath,
			"new_path": newPath,
		}
	}
	_, overwritten := p[newPath]
	p[newPath] = content
	delete(p, oldPath)
	out := map[string]any{
		"old_path": oldPath,
		"new_path": newPath,
		"renamed":  true,
	}
	if overwritten {
		out["overwritten"] = true
	}
	return out
}

// CreateFolder declares a folder for the UI. Folders are not tracked in the
// map, so this only checks for a path conflict with an existing file.
func (p Project) CreateFolder(folderPath string) map[string]any {
	if _, conflict := p[folderPath]; conflict {
		return map[string]any{
			"error":       fmt.Sprintf("Conflicts with existing file: %s", folderPath),
			"folder_path": folderPath,
		}
	}
	return map[string]any{"folder_path": folderPath, "created": true}
}

// DeleteFolder removes every file at or under the normalized folder path and
// reports how many were removed.
func (p Project) DeleteFolder(folderPath string) map[string]any {
	normalized := strings.TrimSuffix(folderPath, "/")
	removed := 0
	for path := range p {
		if path == normalized || strings.HasPrefix(path, normalized+"/") {
			delete(p, path)
			removed++
		}
	}
	return map[string]any{
		"folder_path":   folderPath,
		"deleted":       true,
		"removed_files": removed,
	}
}

// RenameFolder rewrites the prefix of every file under oldPath. Contents are
// preserved; imports and references are the caller's problem (follow up with
// Edit).
func (p Project) RenameFolder(oldPath, newPath string) map[string]any {
	oldNorm := strings.TrimSuffix(oldPath, "/")
	newNorm := strings.TrimSuffix(newPath, "/")
	moved := 0
	next := make(Project, len(p))
	for path, content := range p {
		if path == oldNorm || strings.HasPrefix(path, oldNorm+"/") {
			suffix := path[len(oldNorm):]
			next[strings.TrimPrefix(newNorm+suffix, "/")] = content
			moved++
		} else {
			next[path] = content
		}
	}
	for path := range p {
		delete(p, path)
	}
	for path, content := range next {
		p[path] = content
	}
	return map[string]any{
		"old_path":    oldPath,
		"new_path":    newPath,
		"renamed":     true,
		"moved_files": moved,
	}
}

// NumberLines prefixes every line with its 1-based line number in brackets.
// The markers are presentation-only: they let the model cite ranges back but
// are never part of the content tools operate on.
func NumberLines(code string) string {
	lines := strings.Split(code, "\n")
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%d]%s", i+1, line)
	}
	return b.String()
}
