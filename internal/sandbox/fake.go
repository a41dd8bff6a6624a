package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// FakePlatform is an in-memory Platform for tests. Command behavior is
// scripted per sandbox via the Script hook.
type FakePlatform struct {
	mu        sync.Mutex
	seq       int
	Sandboxes map[string]*FakeSandbox
	CreateErr error
	// Prepare, when set, customizes each sandbox as it is created, before any
	// command runs in it.
	Prepare func(*FakeSandbox)
}

// NewFakePlatform builds an empty fake platform.
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{Sandboxes: make(map[string]*FakeSandbox)}
}

// Create mints a sandbox with a sequential id.
func (p *FakePlatform) Create(_ context.Context, opts CreateOptions) (Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	p.seq++
	sb := &FakeSandbox{
		id:      fmt.Sprintf("sbx_%d", p.seq),
		cwd:     "/home/sandbox/work",
		status:  "running",
		Runtime: opts.Runtime,
		Ports:   append([]int(nil), opts.Ports...),
		Files:   make(map[string][]byte),
	}
	if p.Prepare != nil {
		p.Prepare(sb)
	}
	p.Sandboxes[sb.id] = sb
	return sb, nil
}

// Get returns a previously created sandbox.
func (p *FakePlatform) Get(_ context.Context, sandboxID string) (Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.Sandboxes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("sandbox %s not found", sandboxID)
	}
	return sb, nil
}

// FakeSandbox records writes and commands and answers them via Script.
type FakeSandbox struct {
	mu      sync.Mutex
	id      string
	cwd     string
	status  string
	Runtime string
	Ports   []int

	Files    map[string][]byte
	Commands []CommandSpec
	Stopped  bool

	// WriteFailures makes that many WriteFiles calls fail before succeeding.
	WriteFailures int
	// Script decides the outcome of each started command. Nil means empty
	// output with exit 0.
	Script func(spec CommandSpec) *FakeCommand
}

func (s *FakeSandbox) ID() string     { return s.id }
func (s *FakeSandbox) Status() string { return s.status }
func (s *FakeSandbox) Cwd() string    { return s.cwd }

func (s *FakeSandbox) Domain(port int) (string, error) {
	return fmt.Sprintf("https://%d-%s.preview.test", port, s.id), nil
}

func (s *FakeSandbox) WriteFiles(_ context.Context, files []FileWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteFailures > 0 {
		s.WriteFailures--
		return fmt.Errorf("transient write failure")
	}
	for _, f := range files {
		s.Files[f.Path] = append([]byte(nil), f.Content...)
	}
	return nil
}

func (s *FakeSandbox) RunDetached(_ context.Context, spec CommandSpec) (Command, error) {
	s.mu.Lock()
	s.Commands = append(s.Commands, spec)
	script := s.Script
	s.mu.Unlock()
	if script != nil {
		if cmd := script(spec); cmd != nil {
			return cmd, nil
		}
	}
	return &FakeCommand{}, nil
}

func (s *FakeSandbox) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stopped = true
	s.status = "stopped"
	return nil
}

// CommandLog returns the shell lines run so far, for assertions.
func (s *FakeSandbox) CommandLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.Commands))
	for _, c := range s.Commands {
		if len(c.Args) > 0 {
			out = append(out, c.Args[len(c.Args)-1])
		} else {
			out = append(out, c.Cmd)
		}
	}
	return out
}

// FakeCommand plays back scripted output.
type FakeCommand struct {
	Lines []LogLine
	Exit  int
	// Block keeps the process "running" after its lines are emitted until
	// the caller's context ends, for readiness and timeout scenarios.
	Block bool
}

func (c *FakeCommand) Logs(ctx context.Context) <-chan LogLine {
	out := make(chan LogLine, len(c.Lines)+1)
	go func() {
		defer close(out)
		// The channel is sized for every line, so delivery never blocks and
		// scripted output is always observable even after cancellation.
		for _, line := range c.Lines {
			out <- line
		}
		if c.Block {
			<-ctx.Done()
		}
	}()
	return out
}

func (c *FakeCommand) Wait(ctx context.Context) (Result, error) {
	if c.Block {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	return Result{ExitCode: c.Exit}, nil
}

// Stdout is a convenience for building scripted listings.
func Stdout(data string) LogLine { return LogLine{Stream: "stdout", Data: data} }
