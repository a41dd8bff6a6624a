// Package event defines the progress event envelope streamed to clients and
// its SSE framing. Every frame on the wire is one JSON-encoded Event.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types understood by the IDE client.
const (
	TypeRunLog        = "run_log"
	TypeRunFailed     = "run_failed"
	TypeAgentOutput   = "agent_output"
	TypeToolStarted   = "progress_update_tool_action_started"
	TypeToolCompleted = "progress_update_tool_action_completed"
	TypeToolLog       = "progress_update_tool_action_log"

	TypePlayStarted  = "play_started"
	TypePlaySandbox  = "play_sandbox"
	TypePlayLog      = "play_log"
	TypePlayPreview  = "play_preview"
	TypePlayComplete = "play_complete"
	TypePlayFailed   = "play_failed"
)

// Event is the wire envelope. Data and Error are null when absent.
type Event struct {
	EventType string `json:"event_type"`
	TaskID    string `json:"task_id"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
	Error     any    `json:"error"`
}

// Timestamp renders a time in the fixed wire format: second-resolution UTC
// with a literal "+00:00" offset.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05+00:00")
}

// New builds an event stamped with the current time.
func New(taskID, eventType string, data, errVal any) Event {
	return Event{
		EventType: eventType,
		TaskID:    taskID,
		Timestamp: Timestamp(time.Now()),
		Data:      data,
		Error:     errVal,
	}
}

// Frame renders the event as an SSE data frame.
func (e Event) Frame() string {
	b, err := json.Marshal(e)
	if err != nil {
		// Unmarshalable payloads become a diagnostic so the stream never stalls.
		fallback := Event{
			EventType: TypeRunLog,
			TaskID:    e.TaskID,
			Timestamp: e.Timestamp,
			Data:      fmt.Sprintf("event encode error: %v", err),
		}
		b, _ = json.Marshal(fallback)
	}
	return "data: " + string(b) + "\n\n"
}

// ToolCall identifies one tool invocation as the client renders it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments any
}

func (tc ToolCall) wire() map[string]any {
	return map[string]any{
		"id": tc.ID,
		"function": map[string]any{
			"name":      tc.Name,
			"arguments": tc.Arguments,
		},
	}
}

// RunLog is a free-form progress line.
func RunLog(taskID, message string) Event {
	return New(taskID, TypeRunLog, message, nil)
}

// AgentOutput carries the agent's final answer and closes a successful run.
func AgentOutput(taskID, output string) Event {
	return New(taskID, TypeAgentOutput, output, nil)
}

// RunFailed reports a terminal failure.
func RunFailed(taskID, errMsg string) Event {
	return New(taskID, TypeRunFailed, nil, errMsg)
}

// ToolStarted announces a tool invocation before it runs.
func ToolStarted(taskID string, tc ToolCall) Event {
	return New(taskID, TypeToolStarted, map[string]any{
		"args": []any{tc.wire()},
	}, nil)
}

// ToolCompleted carries the tool's output payload. Callers inject the resume
// token into output before building the event when the tool defers execution.
func ToolCompleted(taskID string, tc ToolCall, output any) Event {
	return New(taskID, TypeToolCompleted, map[string]any{
		"result": map[string]any{
			"tool_call":   tc.wire(),
			"output_data": output,
		},
	}, nil)
}

// ToolLog is an incremental line emitted while a tool is still running.
func ToolLog(taskID, toolID, name string, data any) Event {
	return New(taskID, TypeToolLog, map[string]any{
		"id":   toolID,
		"name": name,
		"data": data,
	}, nil)
}
