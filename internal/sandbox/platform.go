// Package sandbox talks to the remote ephemeral-sandbox platform and layers
// the session bookkeeping on top: named sandboxes per run, a process-wide
// handle cache, project sync, filesystem snapshots, and the command
// heuristics used by the agent's execution tool.
package sandbox

import "context"

// CreateOptions parameterize a new sandbox.
type CreateOptions struct {
	TimeoutMS int
	Runtime   string
	Ports     []int
}

// FileWrite is one file to place under the sandbox working directory.
type FileWrite struct {
	Path    string
	Content []byte
}

// CommandSpec describes a process to start inside a sandbox.
type CommandSpec struct {
	Cmd  string
	Args []string
	Env  map[string]string
	Sudo bool
}

// LogLine is one chunk of process output.
type LogLine struct {
	Stream string // "stdout" or "stderr"
	Data   string
}

// Result reports a finished command.
type Result struct {
	ExitCode int
}

// Command is a handle on a started process.
type Command interface {
	// Logs streams output chunks until the process exits or ctx is done.
	// The channel is closed when no more output will arrive.
	Logs(ctx context.Context) <-chan LogLine
	// Wait blocks until the process exits.
	Wait(ctx context.Context) (Result, error)
}

// Sandbox is a live remote sandbox.
type Sandbox interface {
	ID() string
	Status() string
	// Cwd is the absolute working directory project files are synced into.
	Cwd() string
	// Domain returns the public URL for a forwarded port.
	Domain(port int) (string, error)
	WriteFiles(ctx context.Context, files []FileWrite) error
	RunDetached(ctx context.Context, spec CommandSpec) (Command, error)
	Stop(ctx context.Context) error
}

// Platform creates and fetches sandboxes.
type Platform interface {
	Create(ctx context.Context, opts CreateOptions) (Sandbox, error)
	Get(ctx context.Context, sandboxID string) (Sandbox, error)
}

// run starts spec attached, drains its output, and returns the collected
// stdout plus the exit code.
func run(ctx context.Context, sb Sandbox, spec CommandSpec) (string, Result, error) {
	cmd, err := sb.RunDetached(ctx, spec)
	if err != nil {
		return "", Result{}, err
	}
	var out []byte
	for line := range cmd.Logs(ctx) {
		if line.Stream == "stdout" {
			out = append(out, line.Data...)
		}
	}
	res, err := cmd.Wait(ctx)
	return string(out), res, err
}
