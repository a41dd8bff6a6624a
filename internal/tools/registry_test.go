package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/codeloft-io/loft/internal/project"
	"github.com/codeloft-io/loft/internal/runctx"
	"github.com/codeloft-io/loft/internal/sandbox"
)

func newTestEnv(t *testing.T, files map[string]string) (*Registry, *runctx.Context, *sandbox.FakePlatform) {
	t.Helper()
	platform := sandbox.NewFakePlatform()
	reg, err := NewRegistry(Deps{Sandboxes: sandbox.NewManager(platform)})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	proj := project.Project{}
	for p, c := range files {
		proj[p] = c
	}
	rc := runctx.New(proj, runctx.BasePayload{UserID: "u1", Query: "q", Project: files}, nil)
	return reg, rc, platform
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return out
}

func TestRegistryNames(t *testing.T) {
	reg, _, _ := newTestEnv(t, nil)
	want := []string{
		"think", "request_code_execution",
		"edit_code", "create_file", "delete_file", "rename_file",
		"create_folder", "delete_folder", "rename_folder",
		"sandbox_create", "sandbox_stop", "sandbox_run",
		"sandbox_set_env", "sandbox_show_preview",
	}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("got %d tools %v, want %d", len(got), got, len(want))
	}
	for i, name := range want {
		if got[i] != name {
			t.Fatalf("tool %d = %q, want %q", i, got[i], name)
		}
	}
	if len(reg.OpenAITools()) != len(want) {
		t.Fatalf("OpenAITools length mismatch")
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	reg, rc, _ := newTestEnv(t, nil)
	out := decode(t, reg.Dispatch(context.Background(), rc, "no_such_tool", "{}"))
	if !strings.Contains(out["error"].(string), "Unknown tool") {
		t.Fatalf("unexpected output: %v", out)
	}
	if rc.EventCount() != 0 {
		t.Fatalf("unknown tool should not log events")
	}
}

func TestDispatchInvalidArgsRecordsEventPair(t *testing.T) {
	reg, rc, _ := newTestEnv(t, map[string]string{"a.txt": "x"})
	out := decode(t, reg.Dispatch(context.Background(), rc, "edit_code", `{"file_path":"a.txt"}`))
	if !strings.Contains(out["error"].(string), "Invalid tool arguments") {
		t.Fatalf("unexpected output: %v", out)
	}
	events := rc.EventsSince(0)
	if len(events) != 2 {
		t.Fatalf("got %d events, want started/completed pair", len(events))
	}
	if events[0].Phase != runctx.PhaseStarted || events[1].Phase != runctx.PhaseCompleted {
		t.Fatalf("unexpected phases: %s, %s", events[0].Phase, events[1].Phase)
	}
}

func TestDispatchEmptyArgsTreatedAsObject(t *testing.T) {
	reg, rc, _ := newTestEnv(t, nil)
	out := decode(t, reg.Dispatch(context.Background(), rc, "sandbox_stop", ""))
	if out["stopped"] != false {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestArgAccessorsHandleJSONNumber(t *testing.T) {
	// Schema validation decodes arguments with UseNumber, so integer
	// arguments reach handlers as json.Number, not float64.
	args := map[string]any{
		"count": json.Number("42"),
		"float": float64(7),
		"ports": []any{json.Number("3000"), float64(8080)},
	}
	if got := argInt(args, "count", 0); got != 42 {
		t.Fatalf("argInt(json.Number) = %d", got)
	}
	if got := argInt(args, "float", 0); got != 7 {
		t.Fatalf("argInt(float64) = %d", got)
	}
	if got := argInt(args, "missing", 9); got != 9 {
		t.Fatalf("argInt default = %d", got)
	}
	got := argInts(args, "ports")
	if len(got) != 2 || got[0] != 3000 || got[1] != 8080 {
		t.Fatalf("argInts = %v", got)
	}
}

func TestEditCodeDispatch(t *testing.T) {
	reg, rc, _ := newTestEnv(t, map[string]string{"main.py": "a = 1\nb = 2\n"})
	args := `{"file_path":"main.py","find":"b = 2","find_start_line":2,"find_end_line":2,"replace":"b = 3"}`
	out := decode(t, reg.Dispatch(context.Background(), rc, "edit_code", args))
	if out["new_file_content"] != "a = 1\nb = 3\n" {
		t.Fatalf("unexpected new content: %v", out["new_file_content"])
	}
	snap := rc.ProjectSnapshot()
	if snap["main.py"] != "a = 1\nb = 3\n" {
		t.Fatalf("project not mutated: %q", snap["main.py"])
	}
}

func TestCreateFileConflict(t *testing.T) {
	reg, rc, _ := newTestEnv(t, map[string]string{"a.txt": "x"})
	out := decode(t, reg.Dispatch(context.Background(), rc, "create_file",
		`{"file_path":"a.txt","content":"y"}`))
	if !strings.Contains(out["error"].(string), "File already exists") {
		t.Fatalf("unexpected output: %v", out)
	}
	if rc.ProjectSnapshot()["a.txt"] != "x" {
		t.Fatalf("existing file was overwritten")
	}
}

func TestThinkEchoesThoughts(t *testing.T) {
	reg, rc, _ := newTestEnv(t, nil)
	got := reg.Dispatch(context.Background(), rc, "think", `{"thoughts":"plan first"}`)
	if got != "plan first" {
		t.Fatalf("got %q", got)
	}
}

func TestRequestCodeExecutionDefers(t *testing.T) {
	reg, rc, _ := newTestEnv(t, nil)
	got := reg.Dispatch(context.Background(), rc, "request_code_execution",
		`{"response_on_reject":"ok, skipping"}`)
	if got != ExecutionRequested {
		t.Fatalf("got %q, want %q", got, ExecutionRequested)
	}
	if !rc.Deferred() {
		t.Fatalf("run should be deferred")
	}
	events := rc.EventsSince(0)
	last := events[len(events)-1]
	payload := last.Output.(map[string]any)
	if payload["response_on_reject"] != "ok, skipping" {
		t.Fatalf("completed payload = %v", payload)
	}
}

func TestRequestCodeExecutionWithResult(t *testing.T) {
	platform := sandbox.NewFakePlatform()
	reg, err := NewRegistry(Deps{Sandboxes: sandbox.NewManager(platform)})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	result := "tests passed"
	rc := runctx.New(project.Project{}, runctx.BasePayload{}, &result)

	got := reg.Dispatch(context.Background(), rc, "request_code_execution",
		`{"response_on_reject":"n/a"}`)
	if got != "tests passed" {
		t.Fatalf("got %q", got)
	}
	if rc.Deferred() {
		t.Fatalf("run should not defer when a result is present")
	}
}
