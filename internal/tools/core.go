package tools

import (
	"context"

	"github.com/codeloft-io/loft/internal/runctx"
)

// ExecutionRequested is returned to the model when a run defers to
// client-side execution.
const ExecutionRequested = "EXECUTION_REQUESTED"

func coreTools(deps Deps) []*Tool {
	return []*Tool{
		{
			Name: "think",
			Description: "Record a concise plan for the current task. " +
				"Use this before non-trivial changes to outline intent (1-3 sentences). " +
				"Keep it brief and high-signal; do not include secrets, urls, or sensitive data.",
			Schema: objSchema(map[string]any{
				"thoughts": strProp("Short plan or reasoning to log."),
			}, "thoughts"),
			handler: handleThink,
		},
		{
			Name: "request_code_execution",
			Description: "Ask the UI to execute code and return output. " +
				"Use when runtime feedback is needed (tests, dev server, script). " +
				"If execution is not yet available, the run will defer and resume later with the result.",
			Schema: objSchema(map[string]any{
				"response_on_reject": strProp("Fallback message if the user declines execution."),
			}, "response_on_reject"),
			handler: handleRequestCodeExecution,
		},
	}
}

func handleThink(_ context.Context, rc *runctx.Context, args map[string]any) string {
	thoughts := argString(args, "thoughts")
	toolID := rc.BeginTool("think", map[string]any{"thoughts": thoughts})
	rc.CompleteTool(toolID, "think", nil, thoughts)
	return thoughts
}

func handleRequestCodeExecution(_ context.Context, rc *runctx.Context, args map[string]any) string {
	responseOnReject := argString(args, "response_on_reject")
	toolID := rc.BeginTool("request_code_execution", map[string]any{
		"response_on_reject": responseOnReject,
	})

	if result, ok := rc.ExecResult(); ok {
		rc.CompleteTool(toolID, "request_code_execution", nil, map[string]any{"result": result})
		return result
	}

	// Defer: the event emitter injects a resume token into this completed
	// payload on its way out.
	rc.RequestDefer()
	rc.CompleteTool(toolID, "request_code_execution", nil, map[string]any{
		"response_on_reject": responseOnReject,
	})
	return ExecutionRequested
}
