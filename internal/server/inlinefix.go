package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/codeloft-io/loft/internal/project"
)

type inlineFixRequest struct {
	UserID       string            `json:"user_id"`
	Project      map[string]string `json:"project"`
	FilePath     string            `json:"file_path"`
	StartLine    int               `json:"start_line"`
	EndLine      int               `json:"end_line"`
	Instruction  string            `json:"instruction"`
	SelectedCode string            `json:"selected_code"`
	Model        string            `json:"model,omitempty"`
}

type inlineFixResponse struct {
	OK             bool           `json:"ok"`
	FilePath       string         `json:"file_path,omitempty"`
	NewFileContent string         `json:"new_file_content,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// inlineFixTool is the single tool the fixer model must call.
var inlineFixTool = []openai.Tool{{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        "edit_code",
		Description: "Replace exact text within [find_start_line, find_end_line] of the current file.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"find": map[string]any{
					"type":        "string",
					"description": "Exact existing text to replace within the range",
				},
				"find_start_line": map[string]any{"type": "integer", "minimum": 1},
				"find_end_line":   map[string]any{"type": "integer", "minimum": 1},
				"replace": map[string]any{
					"type":        "string",
					"description": "Replacement text (no line numbers)",
				},
			},
			"required": []string{"find", "find_start_line", "find_end_line", "replace"},
		},
	},
}}

// handleInlineFix applies a single model-directed edit to one file. Edit
// failures come back as ok=false payloads, not HTTP errors, so the editor can
// surface them inline.
func (s *Server) handleInlineFix(w http.ResponseWriter, r *http.Request) {
	var req inlineFixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StartLine < 1 || req.EndLine < 1 {
		writeError(w, http.StatusBadRequest, "start_line and end_line must be >= 1")
		return
	}
	if _, ok := req.Project[req.FilePath]; !ok {
		writeJSON(w, http.StatusOK, inlineFixResponse{OK: false, Error: "File not found: " + req.FilePath})
		return
	}
	if s.llm == nil {
		writeJSON(w, http.StatusOK, inlineFixResponse{OK: false, Error: "model gateway not configured"})
		return
	}

	msg, _, err := s.llm.Complete(r.Context(), openai.ChatCompletionRequest{
		Model:      req.Model,
		Messages:   inlineFixMessages(req),
		Tools:      inlineFixTool,
		ToolChoice: "required",
	})
	if err != nil {
		log.Printf("inline_fix %s failed: %v", req.FilePath, err)
		writeJSON(w, http.StatusOK, inlineFixResponse{OK: false, Error: err.Error()})
		return
	}
	if len(msg.ToolCalls) == 0 {
		writeJSON(w, http.StatusOK, inlineFixResponse{
			OK:      false,
			Error:   "Model did not provide an edit_code tool call.",
			Details: map[string]any{"raw": msg.Content},
		})
		return
	}

	args := map[string]any{}
	if err := json.Unmarshal([]byte(msg.ToolCalls[0].Function.Arguments), &args); err != nil {
		args = map[string]any{}
	}
	editArgs := project.EditArgs{
		FilePath:      req.FilePath,
		Find:          req.SelectedCode,
		FindStartLine: req.StartLine,
		FindEndLine:   req.EndLine,
	}
	if v, ok := args["find"].(string); ok {
		editArgs.Find = v
	}
	if v, ok := args["find_start_line"].(float64); ok {
		editArgs.FindStartLine = int(v)
	}
	if v, ok := args["find_end_line"].(float64); ok {
		editArgs.FindEndLine = int(v)
	}
	if v, ok := args["replace"].(string); ok {
		editArgs.Replace = v
	}

	result := project.Project(req.Project).Edit(editArgs)
	newContent, ok := result["new_code"].(string)
	if !ok {
		errMsg, _ := result["error"].(string)
		if errMsg == "" {
			errMsg = "Invalid edit request"
		}
		writeJSON(w, http.StatusOK, inlineFixResponse{OK: false, Error: errMsg, Details: result})
		return
	}

	details := make(map[string]any, len(result))
	for k, v := range result {
		if k == "new_code" || k == "new_file_content" {
			continue
		}
		details[k] = v
	}
	writeJSON(w, http.StatusOK, inlineFixResponse{
		OK:             true,
		FilePath:       req.FilePath,
		NewFileContent: newContent,
		Details:        details,
	})
}

func inlineFixMessages(req inlineFixRequest) []openai.ChatCompletionMessage {
	system := fmt.Sprintf(
		"You are an inline code editor. Apply a precise edit to the file within the given line range.\n"+
			"File: %s\n"+
			"Allowed edit range: lines %d-%d\n"+
			"Rules: only operate within the range; keep surrounding code unchanged; preserve formatting and indentation.\n"+
			"Call the edit_code tool with: find (exact current text in the range), find_start_line, find_end_line, replace (new text).\n"+
			"Use the smallest necessary range.\n",
		req.FilePath, req.StartLine, req.EndLine)

	user := fmt.Sprintf("Instruction: %s\n\nFile contents with line numbers:\n%s",
		req.Instruction, project.NumberLines(req.Project[req.FilePath]))
	if req.SelectedCode != "" {
		user += fmt.Sprintf("\nSelected text (for reference):\n%s\n", req.SelectedCode)
	}
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: user},
	}
}
