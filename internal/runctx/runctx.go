// Package runctx holds the mutable state of a single agent run: the virtual
// project, the ordered tool event log the SSE pump drains, the defer flag, and
// per-sandbox bookkeeping. All access is mutex-guarded because tool handlers,
// sandbox log pumps, and the event pump touch it concurrently.
package runctx

import (
	"fmt"
	"sync"

	"github.com/codeloft-io/loft/internal/project"
)

// Tool event phases.
const (
	PhaseStarted   = "started"
	PhaseCompleted = "completed"
	PhaseLog       = "log"
)

// ToolEvent is one entry of the run's ordered event log.
type ToolEvent struct {
	ToolID    string
	Name      string
	Arguments any
	Phase     string
	Output    any // completed payload
	Data      any // log payload
}

// BasePayload carries the original request fields needed to mint resume
// tokens mid-run.
type BasePayload struct {
	UserID         string            `json:"user_id"`
	MessageHistory []map[string]any  `json:"message_history"`
	Query          string            `json:"query"`
	Project        map[string]string `json:"project"`
	Model          string            `json:"model,omitempty"`
}

// Context is the per-run state container.
type Context struct {
	mu sync.Mutex

	proj       project.Project
	execResult *string
	events     []ToolEvent
	deferred   bool
	base       BasePayload

	activeSandbox string
	sandboxIDs    map[string]string
	runtimes      map[string]string
	ports         map[string][]int
	envs          map[string]map[string]string
	filesSnap     map[string][]string
	fileMeta      map[string]map[string]string
}

// New builds a context around the request's project. execResult is nil on a
// fresh run and set (possibly to "") on resume.
func New(proj project.Project, base BasePayload, execResult *string) *Context {
	return &Context{
		proj:       proj,
		execResult: execResult,
		base:       base,
		sandboxIDs: make(map[string]string),
		runtimes:   make(map[string]string),
		ports:      make(map[string][]int),
		envs:       make(map[string]map[string]string),
		filesSnap:  make(map[string][]string),
		fileMeta:   make(map[string]map[string]string),
	}
}

// Base returns the original request payload.
func (c *Context) Base() BasePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base
}

// WithProject runs fn with exclusive access to the live project map.
func (c *Context) WithProject(fn func(project.Project) map[string]any) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.proj)
}

// ProjectSnapshot returns a copy of the current project, safe to embed in a
// resume token while tools keep mutating the live map.
func (c *Context) ProjectSnapshot() project.Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proj.Clone()
}

// ExecResult reports the execution result supplied on resume. ok is false on
// a fresh run; an empty string is a valid result.
func (c *Context) ExecResult() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.execResult == nil {
		return "", false
	}
	return *c.execResult, true
}

// RequestDefer marks the run as paused awaiting client-side execution.
func (c *Context) RequestDefer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deferred = true
}

// Deferred reports whether the run has been paused.
func (c *Context) Deferred() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deferred
}

// BeginTool appends a started event and returns the allocated tool id. Ids
// are "tc_<n>" with n counting event log entries, so they are unique and
// ordered within a run.
func (c *Context) BeginTool(name string, args any) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	toolID := fmt.Sprintf("tc_%d", len(c.events)+1)
	c.events = append(c.events, ToolEvent{
		ToolID:    toolID,
		Name:      name,
		Arguments: args,
		Phase:     PhaseStarted,
	})
	return toolID
}

// CompleteTool appends the completed event carrying the tool's output payload.
func (c *Context) CompleteTool(toolID, name string, args, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ToolEvent{
		ToolID:    toolID,
		Name:      name,
		Arguments: args,
		Phase:     PhaseCompleted,
		Output:    output,
	})
}

// LogTool appends an incremental log line attributed to a running tool.
func (c *Context) LogTool(toolID, name string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ToolEvent{
		ToolID: toolID,
		Name:   name,
		Phase:  PhaseLog,
		Data:   data,
	})
}

// EventsSince returns a copy of the event log entries at index from onward.
func (c *Context) EventsSince(from int) []ToolEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if from >= len(c.events) {
		return nil
	}
	out := make([]ToolEvent, len(c.events)-from)
	copy(out, c.events[from:])
	return out
}

// EventCount returns the current length of the event log.
func (c *Context) EventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// ActiveSandbox returns the name used when tools omit one. Empty means no
// sandbox has been created yet.
func (c *Context) ActiveSandbox() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSandbox
}

// SetActiveSandbox records the name most recently used by a sandbox tool.
func (c *Context) SetActiveSandbox(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeSandbox = name
}

// SandboxID resolves a session name to its platform sandbox id.
func (c *Context) SandboxID(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.sandboxIDs[name]
	return id, ok
}

// BindSandbox records a session's sandbox id, runtime, and forwarded ports.
func (c *Context) BindSandbox(name, id, runtime string, ports []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sandboxIDs[name] = id
	if runtime != "" {
		c.runtimes[name] = runtime
	}
	if len(ports) > 0 {
		c.ports[name] = append([]int(nil), ports...)
	}
}

// UnbindSandbox forgets a stopped session. The active name is cleared when it
// pointed at this session.
func (c *Context) UnbindSandbox(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sandboxIDs, name)
	if c.activeSandbox == name {
		c.activeSandbox = ""
	}
}

// SandboxRuntime returns the runtime recorded for a session.
func (c *Context) SandboxRuntime(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtimes[name]
}

// SandboxPorts returns the ports recorded for a session.
func (c *Context) SandboxPorts(name string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.ports[name]...)
}

// SandboxEnv returns the accumulated env for a session.
func (c *Context) SandboxEnv(name string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.envs[name]))
	for k, v := range c.envs[name] {
		out[k] = v
	}
	return out
}

// MergeSandboxEnv layers vars over a session's env.
func (c *Context) MergeSandboxEnv(name string, vars map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	env := c.envs[name]
	if env == nil {
		env = make(map[string]string, len(vars))
		c.envs[name] = env
	}
	for k, v := range vars {
		env[k] = v
	}
}

// SandboxSnapshot returns the last recorded filesystem listing and per-path
// metadata for a session.
func (c *Context) SandboxSnapshot(name string) ([]string, map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := append([]string(nil), c.filesSnap[name]...)
	meta := make(map[string]string, len(c.fileMeta[name]))
	for k, v := range c.fileMeta[name] {
		meta[k] = v
	}
	return paths, meta
}

// SetSandboxSnapshot replaces the stored filesystem listing for a session.
func (c *Context) SetSandboxSnapshot(name string, paths []string, meta map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filesSnap[name] = append([]string(nil), paths...)
	cp := make(map[string]string, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	c.fileMeta[name] = cp
}

// SandboxNames lists every bound session name.
func (c *Context) SandboxNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.sandboxIDs))
	for name := range c.sandboxIDs {
		names = append(names, name)
	}
	return names
}
