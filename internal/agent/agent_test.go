package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/codeloft-io/loft/internal/llm"
	"github.com/codeloft-io/loft/internal/project"
	"github.com/codeloft-io/loft/internal/runctx"
	"github.com/codeloft-io/loft/internal/sandbox"
	"github.com/codeloft-io/loft/internal/tools"
)

type scriptedChat struct {
	mu        sync.Mutex
	responses []openai.ChatCompletionResponse
	requests  []openai.ChatCompletionRequest
}

func (s *scriptedChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("script exhausted")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedChat) ListModels(context.Context) (openai.ModelsList, error) {
	return openai.ModelsList{}, nil
}

func textResp(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
	}
}

func toolCallResp(name, args string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: name, Arguments: args},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	}
}

func newRunner(t *testing.T, chat *scriptedChat) *Runner {
	t.Helper()
	reg, err := tools.NewRegistry(tools.Deps{
		Sandboxes: sandbox.NewManager(sandbox.NewFakePlatform()),
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return &Runner{LLM: llm.NewWithChat(chat, "test-model"), Tools: reg}
}

func TestRunnerDispatchesToolCallsThenFinishes(t *testing.T) {
	chat := &scriptedChat{responses: []openai.ChatCompletionResponse{
		toolCallResp("create_file", `{"file_path":"hello.py","content":"print('hi')\n"}`),
		textResp("Created hello.py."),
	}}
	runner := newRunner(t, chat)

	proj := project.Project{}
	rc := runctx.New(proj, runctx.BasePayload{}, nil)
	final, err := runner.Run(context.Background(), rc, "input", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != "Created hello.py." {
		t.Fatalf("final = %q", final)
	}
	if rc.ProjectSnapshot()["hello.py"] != "print('hi')\n" {
		t.Fatalf("tool call did not mutate project")
	}

	second := chat.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != openai.ChatMessageRoleTool || last.ToolCallID != "call_1" {
		t.Fatalf("tool result not threaded back: %+v", last)
	}
	if len(second.Tools) == 0 {
		t.Fatalf("tool catalog missing from request")
	}
}

func TestRunnerStopsOnDefer(t *testing.T) {
	chat := &scriptedChat{responses: []openai.ChatCompletionResponse{
		toolCallResp("request_code_execution", `{"response_on_reject":"skipped"}`),
		textResp("should never be requested"),
	}}
	runner := newRunner(t, chat)

	rc := runctx.New(project.Project{}, runctx.BasePayload{}, nil)
	final, err := runner.Run(context.Background(), rc, "input", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != "" {
		t.Fatalf("deferred run returned output %q", final)
	}
	if !rc.Deferred() {
		t.Fatalf("run not marked deferred")
	}
	if len(chat.requests) != 1 {
		t.Fatalf("loop continued after defer: %d requests", len(chat.requests))
	}
}

func TestRunnerTurnCap(t *testing.T) {
	loop := toolCallResp("think", `{"thoughts":"still thinking"}`)
	chat := &scriptedChat{responses: []openai.ChatCompletionResponse{loop, loop, loop}}
	runner := newRunner(t, chat)
	runner.MaxTurns = 2

	rc := runctx.New(project.Project{}, runctx.BasePayload{}, nil)
	_, err := runner.Run(context.Background(), rc, "input", "")
	if err == nil || !strings.Contains(err.Error(), "exceeded 2 turns") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunnerUsesRequestedModel(t *testing.T) {
	chat := &scriptedChat{responses: []openai.ChatCompletionResponse{textResp("ok")}}
	runner := newRunner(t, chat)

	rc := runctx.New(project.Project{}, runctx.BasePayload{}, nil)
	if _, err := runner.Run(context.Background(), rc, "input", "openai/gpt-4.1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if chat.requests[0].Model != "openai/gpt-4.1" {
		t.Fatalf("model = %q", chat.requests[0].Model)
	}
}
