// Package agent drives the tool-calling loop for one IDE task: it renders the
// virtual project into a prompt, exchanges turns with the model gateway, and
// dispatches the model's tool calls against the run context. The flow layer
// on top streams the run's progress as SSE events.
package agent

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/codeloft-io/loft/internal/llm"
	"github.com/codeloft-io/loft/internal/runctx"
	"github.com/codeloft-io/loft/internal/tools"
)

// maxTurns caps the number of model round-trips in a single run.
const maxTurns = 50

const instructions = `You are an IDE coding agent. You operate on a multi-file project held in
memory and help the user by reading, editing, and running their code.

Workflow:
1. Read the project listing and file contents you were given. Do not guess at
   code you cannot see.
2. Make code changes with the filesystem tools. edit_code is the default;
   use create_file for new files and rename/delete tools for restructuring.
3. To run code, create a sandbox (sandbox_create) and execute commands in it
   (sandbox_run). For servers, pass detached=true with ready_patterns and a
   port, then surface the URL with sandbox_show_preview.
4. When the user should run something on their side, call
   request_code_execution and wait for the result.

Rules:
- Keep edits minimal and preserve the project's existing style.
- Never invent file contents; if a file was truncated, say so.
- After moving or renaming files, fix imports and references.
- When you are done, reply with a concise summary of what changed and why.`

// Runner executes the turn loop for a single run context.
type Runner struct {
	LLM   *llm.Client
	Tools *tools.Registry
	// MaxTurns overrides the default cap when positive. Tests use small values.
	MaxTurns int
}

// Run exchanges turns with the model until it produces a final answer, the
// run defers for client-side execution, or the turn cap is hit. The returned
// string is empty when the run deferred.
func (r *Runner) Run(ctx context.Context, rc *runctx.Context, input, model string) (string, error) {
	turns := r.MaxTurns
	if turns <= 0 {
		turns = maxTurns
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: instructions},
		{Role: openai.ChatMessageRoleUser, Content: input},
	}
	catalog := r.Tools.OpenAITools()

	for turn := 0; turn < turns; turn++ {
		msg, _, err := r.LLM.Complete(ctx, openai.ChatCompletionRequest{
			Model:    model,
			Messages: messages,
			Tools:    catalog,
		})
		if err != nil {
			return "", err
		}
		if len(msg.ToolCalls) == 0 {
			return msg.Content, nil
		}

		messages = append(messages, msg)
		for _, tc := range msg.ToolCalls {
			result := r.Tools.Dispatch(ctx, rc, tc.Function.Name, tc.Function.Arguments)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: tc.ID,
				Content:    result,
			})
		}
		if rc.Deferred() {
			return "", nil
		}
	}
	return "", fmt.Errorf("run exceeded %d turns", turns)
}
