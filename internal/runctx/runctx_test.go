package runctx

import (
	"fmt"
	"sync"
	"testing"

	"github.com/codeloft-io/loft/internal/project"
)

func TestToolIDsAreSequential(t *testing.T) {
	c := New(project.Project{}, BasePayload{}, nil)
	id1 := c.BeginTool("edit_code", nil)
	c.CompleteTool(id1, "edit_code", nil, map[string]any{"ok": true})
	id2 := c.BeginTool("create_file", nil)
	if id1 != "tc_1" || id2 != "tc_3" {
		t.Fatalf("ids = %q, %q", id1, id2)
	}
}

func TestEventsSince(t *testing.T) {
	c := New(project.Project{}, BasePayload{}, nil)
	id := c.BeginTool("sandbox_run", nil)
	c.LogTool(id, "sandbox_run", "line 1\n")
	c.LogTool(id, "sandbox_run", "line 2\n")
	c.CompleteTool(id, "sandbox_run", nil, "done")

	evs := c.EventsSince(0)
	if len(evs) != 4 {
		t.Fatalf("len = %d", len(evs))
	}
	phases := []string{PhaseStarted, PhaseLog, PhaseLog, PhaseCompleted}
	for i, want := range phases {
		if evs[i].Phase != want {
			t.Fatalf("event %d phase = %q", i, evs[i].Phase)
		}
	}
	if got := c.EventsSince(3); len(got) != 1 || got[0].Phase != PhaseCompleted {
		t.Fatalf("tail = %+v", got)
	}
	if got := c.EventsSince(4); got != nil {
		t.Fatalf("past-end = %+v", got)
	}
}

func TestExecResultDistinguishesEmptyFromUnset(t *testing.T) {
	c := New(project.Project{}, BasePayload{}, nil)
	if _, ok := c.ExecResult(); ok {
		t.Fatalf("fresh run reported an exec result")
	}
	empty := ""
	c = New(project.Project{}, BasePayload{}, &empty)
	res, ok := c.ExecResult()
	if !ok || res != "" {
		t.Fatalf("res=%q ok=%v", res, ok)
	}
}

func TestProjectSnapshotIsolated(t *testing.T) {
	c := New(project.Project{"a.py": "1"}, BasePayload{}, nil)
	snap := c.ProjectSnapshot()
	c.WithProject(func(p project.Project) map[string]any {
		return p.CreateFile("b.py", "2")
	})
	if _, ok := snap["b.py"]; ok {
		t.Fatalf("snapshot observed later mutation")
	}
}

func TestSandboxBookkeeping(t *testing.T) {
	c := New(project.Project{}, BasePayload{}, nil)
	c.BindSandbox("default", "sbx_1", "python3.13", []int{8000})
	c.SetActiveSandbox("default")
	if id, ok := c.SandboxID("default"); !ok || id != "sbx_1" {
		t.Fatalf("id=%q ok=%v", id, ok)
	}
	if c.SandboxRuntime("default") != "python3.13" {
		t.Fatalf("runtime = %q", c.SandboxRuntime("default"))
	}
	c.MergeSandboxEnv("default", map[string]string{"A": "1"})
	c.MergeSandboxEnv("default", map[string]string{"B": "2", "A": "3"})
	env := c.SandboxEnv("default")
	if env["A"] != "3" || env["B"] != "2" {
		t.Fatalf("env = %v", env)
	}
}

func TestConcurrentAppends(t *testing.T) {
	c := New(project.Project{}, BasePayload{}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := c.BeginTool("sandbox_run", nil)
			c.LogTool(id, "sandbox_run", fmt.Sprintf("line %d", n))
		}(i)
	}
	wg.Wait()
	if c.EventCount() != 40 {
		t.Fatalf("count = %d", c.EventCount())
	}
}
