package tools

import (
	"context"
	"strings"

	"github.com/codeloft-io/loft/internal/project"
	"github.com/codeloft-io/loft/internal/runctx"
)

func fsTools(deps Deps) []*Tool {
	return []*Tool{
		{
			Name: "edit_code",
			Description: "Make a precise, in-place change within a file. " +
				"Operates only on lines [find_start_line, find_end_line] (1-based, inclusive); " +
				"'find' must appear within that range and only that matched text is replaced. " +
				"Choose the smallest line range that brackets the intended change; " +
				"for multiple non-adjacent edits call this tool multiple times.",
			Schema: objSchema(map[string]any{
				"file_path":       strProp("Project-relative file path."),
				"find":            strProp("Exact text to replace within the specified range."),
				"find_start_line": intProp("Start line (1-based, inclusive)."),
				"find_end_line":   intProp("End line (1-based, inclusive)."),
				"replace":         strProp("Replacement text (no line numbers)."),
			}, "file_path", "find", "find_start_line", "find_end_line", "replace"),
			handler: editCodeHandler(deps),
		},
		{
			Name: "create_file",
			Description: "Create a new file with the provided content (for new features or rebuilds). " +
				"Does not overwrite an existing file; returns an error instead. " +
				"Use rename_* to archive or move old files first.",
			Schema: objSchema(map[string]any{
				"file_path": strProp("Project-relative path for the new file."),
				"content":   strProp("Full content of the file."),
			}, "file_path", "content"),
			handler: createFileHandler(deps),
		},
		{
			Name: "delete_file",
			Description: "Delete an existing file (use sparingly; archive first when possible). " +
				"Prefer edits or renames; for rebuilds consider moving old code into a 'legacy/' path instead.",
			Schema: objSchema(map[string]any{
				"file_path": strProp("Path of the file to remove."),
			}, "file_path"),
			handler: deleteFileHandler(deps),
		},
		{
			Name: "rename_file",
			Description: "Rename or move a file. May overwrite if the destination exists. " +
				"Does not automatically update imports/references; follow up with edit_code.",
			Schema: objSchema(map[string]any{
				"old_path": strProp("Current file path."),
				"new_path": strProp("Destination path."),
			}, "old_path", "new_path"),
			handler: renameFileHandler(deps),
		},
		{
			Name: "create_folder",
			Description: "Declare a folder in the virtual project (no files created). " +
				"Fails if a file with the same path exists.",
			Schema: objSchema(map[string]any{
				"folder_path": strProp("Folder path to declare."),
			}, "folder_path"),
			handler: createFolderHandler(),
		},
		{
			Name: "delete_folder",
			Description: "Delete a folder and all files beneath it (for large cleanups only). " +
				"Prefer rename_folder to archive first when possible.",
			Schema: objSchema(map[string]any{
				"folder_path": strProp("Folder path to remove."),
			}, "folder_path"),
			handler: deleteFolderHandler(),
		},
		{
			Name: "rename_folder",
			Description: "Rename or move a folder and all contained files by rewriting their path prefix. " +
				"Does not update imports or references; follow up with edit_code as needed.",
			Schema: objSchema(map[string]any{
				"old_path": strProp("Existing folder path."),
				"new_path": strProp("New folder path."),
			}, "old_path", "new_path"),
			handler: renameFolderHandler(deps),
		},
	}
}

func editCodeHandler(deps Deps) Handler {
	return func(ctx context.Context, rc *runctx.Context, args map[string]any) string {
		edit := project.EditArgs{
			FilePath:      argString(args, "file_path"),
			Find:          argString(args, "find"),
			FindStartLine: argInt(args, "find_start_line", 0),
			FindEndLine:   argInt(args, "find_end_line", 0),
			Replace:       argString(args, "replace"),
		}
		toolID := rc.BeginTool("edit_code", map[string]any{
			"file_path":       edit.FilePath,
			"find":            edit.Find,
			"find_start_line": edit.FindStartLine,
			"find_end_line":   edit.FindEndLine,
			"replace":         edit.Replace,
		})
		output := rc.WithProject(func(p project.Project) map[string]any {
			return p.Edit(edit)
		})
		if _, failed := output["error"]; !failed && deps.Sandboxes != nil {
			deps.Sandboxes.AutoSync(ctx, rc, []string{edit.FilePath})
		}
		rc.CompleteTool(toolID, "edit_code", nil, output)
		return mustJSON(output)
	}
}

func createFileHandler(deps Deps) Handler {
	return func(ctx context.Context, rc *runctx.Context, args map[string]any) string {
		path := argString(args, "file_path")
		content := argString(args, "content")
		toolID := rc.BeginTool("create_file", map[string]any{"file_path": path, "content": content})
		output := rc.WithProject(func(p project.Project) map[string]any {
			return p.CreateFile(path, content)
		})
		if _, failed := output["error"]; !failed && deps.Sandboxes != nil {
			deps.Sandboxes.AutoSync(ctx, rc, []string{path})
		}
		rc.CompleteTool(toolID, "create_file", nil, output)
		return mustJSON(output)
	}
}

func deleteFileHandler(deps Deps) Handler {
	return func(_ context.Context, rc *runctx.Context, args map[string]any) string {
		path := argString(args, "file_path")
		toolID := rc.BeginTool("delete_file", map[string]any{"file_path": path})
		output := rc.WithProject(func(p project.Project) map[string]any {
			return p.DeleteFile(path)
		})
		rc.CompleteTool(toolID, "delete_file", nil, output)
		return mustJSON(output)
	}
}

func renameFileHandler(deps Deps) Handler {
	return func(ctx context.Context, rc *runctx.Context, args map[string]any) string {
		oldPath := argString(args, "old_path")
		newPath := argString(args, "new_path")
		toolID := rc.BeginTool("rename_file", map[string]any{"old_path": oldPath, "new_path": newPath})
		output := rc.WithProject(func(p project.Project) map[string]any {
			return p.RenameFile(oldPath, newPath)
		})
		if _, failed := output["error"]; !failed && deps.Sandboxes != nil {
			deps.Sandboxes.AutoSync(ctx, rc, []string{newPath})
		}
		rc.CompleteTool(toolID, "rename_file", nil, output)
		return mustJSON(output)
	}
}

func createFolderHandler() Handler {
	return func(_ context.Context, rc *runctx.Context, args map[string]any) string {
		path := argString(args, "folder_path")
		toolID := rc.BeginTool("create_folder", map[string]any{"folder_path": path})
		output := rc.WithProject(func(p project.Project) map[string]any {
			return p.CreateFolder(path)
		})
		rc.CompleteTool(toolID, "create_folder", nil, output)
		return mustJSON(output)
	}
}

func deleteFolderHandler() Handler {
	return func(_ context.Context, rc *runctx.Context, args map[string]any) string {
		path := argString(args, "folder_path")
		toolID := rc.BeginTool("delete_folder", map[string]any{"folder_path": path})
		output := rc.WithProject(func(p project.Project) map[string]any {
			return p.DeleteFolder(path)
		})
		rc.CompleteTool(toolID, "delete_folder", nil, output)
		return mustJSON(output)
	}
}

func renameFolderHandler(deps Deps) Handler {
	return func(ctx context.Context, rc *runctx.Context, args map[string]any) string {
		oldPath := argString(args, "old_path")
		newPath := argString(args, "new_path")
		toolID := rc.BeginTool("rename_folder", map[string]any{"old_path": oldPath, "new_path": newPath})
		var created []string
		output := rc.WithProject(func(p project.Project) map[string]any {
			out := p.RenameFolder(oldPath, newPath)
			newNorm := strings.TrimSuffix(newPath, "/")
			for path := range p {
				if path == newNorm || strings.HasPrefix(path, newNorm+"/") {
					created = append(created, path)
				}
			}
			return out
		})
		if deps.Sandboxes != nil && len(created) > 0 {
			deps.Sandboxes.AutoSync(ctx, rc, created)
		}
		rc.CompleteTool(toolID, "rename_folder", nil, output)
		return mustJSON(output)
	}
}
