package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/codeloft-io/loft/internal/project"
)

// Limits bound the rendered prompt so large projects stay under model
// context windows.
type Limits struct {
	MaxProjectChars int
	MaxPerFileChars int
	MaxPathList     int
	MaxHistoryChars int
}

// LimitsFromEnv reads the prompt clamps, falling back to the defaults.
func LimitsFromEnv() Limits {
	return Limits{
		MaxProjectChars: envInt("AGENT_MAX_PROJECT_CHARS", 60000),
		MaxPerFileChars: envInt("AGENT_MAX_PER_FILE_CHARS", 10000),
		MaxPathList:     envInt("AGENT_MAX_PATH_LIST", 500),
		MaxHistoryChars: envInt("AGENT_MAX_HISTORY_CHARS", 20000),
	}
}

func envInt(key string, def int) int {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}

const inputGuidance = "Guidance: For code changes, always call edit_code(file_path, find, " +
	"find_start_line, find_end_line, replace) with an exact line range and the precise text to " +
	"replace. Do not include line numbers in replacement text. For multiple non-adjacent changes, " +
	"call edit_code multiple times. Preserve existing formatting and make minimal, targeted edits.\n" +
	"If the user requests a new feature, large refactor, or rebuild, you may also use create_file, " +
	"rename_file/rename_folder, and delete_file/delete_folder. Prefer archiving via rename into a " +
	"'legacy/' path over deletion unless the user explicitly wants removal. After moves, update " +
	"imports/usages with edit_code, and consider request_code_execution to validate."

// BuildProjectInput renders the whole virtual project plus the query and
// conversation history into one prompt string: the sorted path list first,
// then each file's contents with line numbers, each section bounded by the
// configured clamps.
func BuildProjectInput(query string, proj project.Project, history []map[string]any) string {
	limits := LimitsFromEnv()

	sortedPaths := proj.SortedPaths()
	listed := sortedPaths
	if len(listed) > limits.MaxPathList {
		listed = listed[:limits.MaxPathList]
	}
	pathLines := append([]string(nil), listed...)
	if omitted := len(sortedPaths) - len(listed); omitted > 0 {
		pathLines = append(pathLines, fmt.Sprintf("... (%d more omitted)", omitted))
	}

	var rendered []string
	remaining := limits.MaxProjectChars
	for _, path := range sortedPaths {
		if remaining <= 0 {
			break
		}
		content := proj[path]
		clamped := content
		if len(clamped) > limits.MaxPerFileChars {
			clamped = clamped[:limits.MaxPerFileChars]
		}
		section := "FILE: " + path + "\n" + project.NumberLines(clamped)
		if len(section) > remaining {
			head := remaining - len("FILE: "+path+"\n")
			if head < 0 {
				head = 0
			}
			if head > len(content) {
				head = len(content)
			}
			section = "FILE: " + path + "\n" + project.NumberLines(content[:head])
		}
		rendered = append(rendered, section)
		remaining -= len(section)
	}

	prior := historyBlock(history)
	if len(prior) > limits.MaxHistoryChars {
		prior = prior[len(prior)-limits.MaxHistoryChars:]
	}

	return "Project files (paths):\n" +
		strings.Join(pathLines, "\n") +
		"\n---\nProject contents (with line numbers):\n" +
		strings.Join(rendered, "\n\n") +
		"\n---\nQuery: " + query + prior +
		"\n---\n" + inputGuidance
}

// historyBlock renders prior conversation turns for context. Entries without
// content are skipped.
func historyBlock(history []map[string]any) string {
	var lines []string
	for _, m := range history {
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if content == "" {
			continue
		}
		lines = append(lines, "- "+role+": "+content)
	}
	if len(lines) == 0 {
		return ""
	}
	return "\n---\nPrevious conversation (for context):\n" + strings.Join(lines, "\n") + "\n"
}
