package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/codeloft-io/loft/internal/config"
	"github.com/codeloft-io/loft/internal/event"
	"github.com/codeloft-io/loft/internal/llm"
	"github.com/codeloft-io/loft/internal/sandbox"
	"github.com/codeloft-io/loft/internal/store"
	"github.com/codeloft-io/loft/internal/token"
)

type scriptedChat struct {
	mu        sync.Mutex
	responses []openai.ChatCompletionResponse
	requests  []openai.ChatCompletionRequest
	models    []string
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
	if s.models == nil {
		return openai.ModelsList{}, errors.New("models unavailable")
	}
	list := openai.ModelsList{}
	for _, id := range s.models {
		list.Models = append(list.Models, openai.Model{ID: id})
	}
	return list, nil
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

func testConfig() config.Config {
	return config.Config{
		Addr:           ":0",
		JWTSecret:      "test-secret",
		ResumeTokenTTL: 10 * time.Minute,
		SandboxAppPort: 8000,
	}
}

// newTestServer wires a server around fakes. chat may be nil to leave the
// model gateway unconfigured.
func newTestServer(t *testing.T, chat *scriptedChat, platform sandbox.Platform) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"), time.Minute)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var client *llm.Client
	if chat != nil {
		client = llm.NewWithChat(chat, "test-model")
	}
	if platform == nil {
		platform = sandbox.NewFakePlatform()
	}
	s, err := New(Options{Config: testConfig(), LLM: client, Store: st, Platform: platform})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// decodeFrames parses the SSE body back into events.
func decodeFrames(t *testing.T, body string) []event.Event {
	t.Helper()
	var out []event.Event
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := doJSON(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestCreateRunIssuesTokenAndRecord(t *testing.T) {
	s := newTestServer(t, &scriptedChat{}, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/runs",
		`{"user_id":"u1","message_history":[],"query":"add tests","project":{"main.py":"pass\n"},"model":"openai/gpt-4.1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp createRunResponse
	decodeBody(t, rec, &resp)
	if !strings.HasPrefix(resp.TaskID, "task_") {
		t.Fatalf("task_id = %q", resp.TaskID)
	}

	claims, err := token.NewSigner("test-secret", time.Minute).Verify(resp.StreamToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims["user_id"] != "u1" || claims["query"] != "add tests" || claims["model"] != "openai/gpt-4.1" {
		t.Fatalf("claims = %v", claims)
	}

	getRec := doJSON(t, s, http.MethodGet, "/api/runs/"+resp.TaskID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get run = %d", getRec.Code)
	}
	var stored runRecordResponse
	decodeBody(t, getRec, &stored)
	if stored.Status != store.StatusCreated || stored.UserID != "u1" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestCreateRunValidation(t *testing.T) {
	s := newTestServer(t, &scriptedChat{}, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/runs", `{"user_id":"u1","project":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = doJSON(t, s, http.MethodPost, "/api/runs", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/runs/task_missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRunEventsStreamsAndArchives(t *testing.T) {
	chat := &scriptedChat{responses: []openai.ChatCompletionResponse{
		toolCallResp("create_file", `{"file_path":"a.txt","content":"x"}`),
		textResp("done"),
	}}
	s := newTestServer(t, chat, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/runs",
		`{"user_id":"u1","message_history":[],"query":"make a file","project":{}}`)
	var created createRunResponse
	decodeBody(t, rec, &created)

	streamRec := doJSON(t, s, http.MethodGet,
		"/api/runs/"+created.TaskID+"/events?token="+created.StreamToken, "")
	if streamRec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", streamRec.Code, streamRec.Body.String())
	}
	if ct := streamRec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	frames := decodeFrames(t, streamRec.Body.String())
	if len(frames) == 0 {
		t.Fatalf("no frames in %q", streamRec.Body.String())
	}
	if frames[0].EventType != event.TypeRunLog || frames[0].Data != "Agent run scheduled" {
		t.Fatalf("first frame = %+v", frames[0])
	}
	last := frames[len(frames)-1]
	if last.EventType != event.TypeAgentOutput || last.Data != "done" {
		t.Fatalf("last frame = %+v", last)
	}

	getRec := doJSON(t, s, http.MethodGet, "/api/runs/"+created.TaskID, "")
	var stored runRecordResponse
	decodeBody(t, getRec, &stored)
	if stored.Status != store.StatusCompleted {
		t.Fatalf("status = %q", stored.Status)
	}
	if len(stored.Events) != len(frames) {
		t.Fatalf("archived %d events, streamed %d", len(stored.Events), len(frames))
	}
}

func TestRunEventsDeferredStatus(t *testing.T) {
	chat := &scriptedChat{responses: []openai.ChatCompletionResponse{
		toolCallResp("request_code_execution", `{"response_on_reject":"fine"}`),
	}}
	s := newTestServer(t, chat, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/runs",
		`{"user_id":"u1","message_history":[],"query":"run it","project":{}}`)
	var created createRunResponse
	decodeBody(t, rec, &created)

	streamRec := doJSON(t, s, http.MethodGet,
		"/api/runs/"+created.TaskID+"/events?token="+created.StreamToken, "")
	frames := decodeFrames(t, streamRec.Body.String())
	last := frames[len(frames)-1]
	if last.EventType != event.TypeToolCompleted {
		t.Fatalf("last frame = %+v", last)
	}

	getRec := doJSON(t, s, http.MethodGet, "/api/runs/"+created.TaskID, "")
	var stored runRecordResponse
	decodeBody(t, getRec, &stored)
	if stored.Status != store.StatusDeferred {
		t.Fatalf("status = %q", stored.Status)
	}
}

func TestRunEventsTokenErrors(t *testing.T) {
	s := newTestServer(t, &scriptedChat{}, nil)

	rec := doJSON(t, s, http.MethodGet, "/api/runs/t1/events", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing token status = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/runs/t1/events?token=garbage", "")
	var resp errorResponse
	decodeBody(t, rec, &resp)
	if rec.Code != http.StatusBadRequest || resp.Error != "Invalid token" {
		t.Fatalf("invalid token = %d %q", rec.Code, resp.Error)
	}

	expired, err := token.NewSigner("test-secret", -time.Minute).Sign(map[string]any{"user_id": "u1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	rec = doJSON(t, s, http.MethodGet, "/api/runs/t1/events?token="+expired, "")
	decodeBody(t, rec, &resp)
	if rec.Code != http.StatusBadRequest || resp.Error != "Token expired" {
		t.Fatalf("expired token = %d %q", rec.Code, resp.Error)
	}
}

func TestResumeRunCompletes(t *testing.T) {
	chat := &scriptedChat{responses: []openai.ChatCompletionResponse{
		toolCallResp("request_code_execution", `{"response_on_reject":"n/a"}`),
		textResp("Tests pass."),
	}}
	s := newTestServer(t, chat, nil)

	resume, err := token.NewSigner("test-secret", time.Minute).Sign(map[string]any{
		"user_id": "u1",
		"query":   "verify",
		"project": map[string]any{},
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	rec := doJSON(t, s, http.MethodGet,
		"/api/runs/t1/resume?token="+resume+"&result=3+passed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	frames := decodeFrames(t, rec.Body.String())
	last := frames[len(frames)-1]
	if last.EventType != event.TypeAgentOutput || last.Data != "Tests pass." {
		t.Fatalf("last frame = %+v", last)
	}

	// The execution result is threaded back to the model as the tool reply.
	second := chat.requests[1]
	toolMsg := second.Messages[len(second.Messages)-1]
	if toolMsg.Content != "3 passed" {
		t.Fatalf("tool result = %q", toolMsg.Content)
	}
}

func TestRunEventsWithoutGateway(t *testing.T) {
	s := newTestServer(t, nil, nil)
	tok, err := token.NewSigner("test-secret", time.Minute).Sign(map[string]any{"user_id": "u1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	rec := doJSON(t, s, http.MethodGet, "/api/runs/t1/events?token="+tok, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestModelsStaticWithoutGateway(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/models", "")
	var resp modelsResponse
	decodeBody(t, rec, &resp)
	if len(resp.Models) != len(llm.AllowedModels) {
		t.Fatalf("models = %v", resp.Models)
	}
}

func TestModelsIntersectsGatewayList(t *testing.T) {
	chat := &scriptedChat{models: []string{"openai/gpt-4.1", "someone/unlisted-model"}}
	s := newTestServer(t, chat, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/models", "")
	var resp modelsResponse
	decodeBody(t, rec, &resp)
	if len(resp.Models) != 1 || resp.Models[0] != "openai/gpt-4.1" {
		t.Fatalf("models = %v", resp.Models)
	}
}

func TestInlineFixAppliesEdit(t *testing.T) {
	chat := &scriptedChat{responses: []openai.ChatCompletionResponse{
		toolCallResp("edit_code", `{"find":"x = 1","find_start_line":1,"find_end_line":1,"replace":"x = 2"}`),
	}}
	s := newTestServer(t, chat, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/inline-fix",
		`{"user_id":"u1","project":{"main.py":"x = 1\ny = 2\n"},"file_path":"main.py","start_line":1,"end_line":1,"instruction":"bump x"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp inlineFixResponse
	decodeBody(t, rec, &resp)
	if !resp.OK || resp.FilePath != "main.py" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.NewFileContent != "x = 2\ny = 2\n" {
		t.Fatalf("new content = %q", resp.NewFileContent)
	}
	if _, ok := resp.Details["new_code"]; ok {
		t.Fatalf("details leaked new_code: %v", resp.Details)
	}

	// The model saw the numbered file and the fixed system context.
	first := chat.requests[0]
	if !strings.Contains(first.Messages[0].Content, "Allowed edit range: lines 1-1") {
		t.Fatalf("system message = %q", first.Messages[0].Content)
	}
	if !strings.Contains(first.Messages[1].Content, "[1]x = 1") {
		t.Fatalf("user message = %q", first.Messages[1].Content)
	}
	if first.ToolChoice != "required" {
		t.Fatalf("tool choice = %v", first.ToolChoice)
	}
}

func TestInlineFixFileMissing(t *testing.T) {
	s := newTestServer(t, &scriptedChat{}, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/inline-fix",
		`{"user_id":"u1","project":{},"file_path":"nope.py","start_line":1,"end_line":1,"instruction":"x"}`)
	var resp inlineFixResponse
	decodeBody(t, rec, &resp)
	if resp.OK || resp.Error != "File not found: nope.py" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestInlineFixNoToolCall(t *testing.T) {
	chat := &scriptedChat{responses: []openai.ChatCompletionResponse{textResp("cannot help")}}
	s := newTestServer(t, chat, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/inline-fix",
		`{"user_id":"u1","project":{"a.py":"pass\n"},"file_path":"a.py","start_line":1,"end_line":1,"instruction":"x"}`)
	var resp inlineFixResponse
	decodeBody(t, rec, &resp)
	if resp.OK || resp.Error != "Model did not provide an edit_code tool call." {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Details["raw"] != "cannot help" {
		t.Fatalf("details = %v", resp.Details)
	}
}

func TestInlineFixBadRange(t *testing.T) {
	chat := &scriptedChat{responses: []openai.ChatCompletionResponse{
		toolCallResp("edit_code", `{"find":"zzz","find_start_line":1,"find_end_line":1,"replace":"y"}`),
	}}
	s := newTestServer(t, chat, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/inline-fix",
		`{"user_id":"u1","project":{"a.py":"pass\n"},"file_path":"a.py","start_line":1,"end_line":1,"instruction":"x"}`)
	var resp inlineFixResponse
	decodeBody(t, rec, &resp)
	if resp.OK || resp.Error != "Find text not found at specified lines" {
		t.Fatalf("resp = %+v", resp)
	}
}
