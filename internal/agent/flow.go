package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/codeloft-io/loft/internal/event"
	"github.com/codeloft-io/loft/internal/project"
	"github.com/codeloft-io/loft/internal/runctx"
	"github.com/codeloft-io/loft/internal/token"
)

// pumpInterval is how often buffered tool events are flushed to the stream
// while the run is still going.
const pumpInterval = 50 * time.Millisecond

// maxExecResultChars bounds the execution log fed back into a resumed run.
const maxExecResultChars = 100_000

// Flow turns agent runs into SSE event streams: it pumps the run context's
// tool events while the turn loop executes and closes the stream with the
// final output or a failure event.
type Flow struct {
	Runner *Runner
	Signer *token.Signer
}

// FilterProject drops ignored paths from the incoming project, keeping the
// root ignore files themselves so the rules survive round-trips through
// resume tokens.
func FilterProject(files map[string]string) project.Project {
	p := make(project.Project, len(files))
	for path, content := range files {
		p[path] = content
	}
	ignored := project.NewIgnore(p)
	out := make(project.Project, len(p))
	for path, content := range p {
		if !ignored(path) || path == ".gitignore" || path == ".agentignore" {
			out[path] = content
		}
	}
	return out
}

// Run executes a fresh agent run and streams its progress. The channel closes
// when the run finishes; a deferred run closes silently after the tool events
// (the client resumes via the token embedded in the last completed event).
func (f *Flow) Run(ctx context.Context, base runctx.BasePayload, taskID string) <-chan event.Event {
	out := make(chan event.Event, 64)
	go func() {
		defer close(out)

		filtered := FilterProject(base.Project)
		base.Project = map[string]string(filtered)
		rc := runctx.New(filtered, base, nil)
		input := BuildProjectInput(base.Query, filtered, base.MessageHistory)

		emit := func(ev event.Event) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		var (
			final  string
			runErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			final, runErr = f.Runner.Run(ctx, rc, input, base.Model)
		}()
		emit(event.RunLog(taskID, "Agent run scheduled"))

		cursor := 0
		flush := func() {
			for _, ev := range rc.EventsSince(cursor) {
				cursor++
				emit(f.convert(taskID, rc, base, ev))
			}
		}

		ticker := time.NewTicker(pumpInterval)
		defer ticker.Stop()
	pump:
		for {
			select {
			case <-done:
				break pump
			case <-ticker.C:
				flush()
			case <-ctx.Done():
				return
			}
		}
		flush()

		if runErr != nil {
			emit(event.RunLog(taskID, fmt.Sprintf("Exception: %v", runErr)))
			emit(event.RunFailed(taskID, runErr.Error()))
			return
		}
		if rc.Deferred() {
			return
		}
		if final != "" {
			emit(event.AgentOutput(taskID, final))
			return
		}
		emit(event.RunLog(taskID, "No final_output produced"))
		emit(event.RunFailed(taskID, "No output produced."))
	}()
	return out
}

// Resume continues a deferred run with the client-side execution result. The
// result is trimmed to its tail so very large logs stay under prompt limits.
func (f *Flow) Resume(ctx context.Context, base runctx.BasePayload, taskID, execResult string) <-chan event.Event {
	out := make(chan event.Event, 64)
	go func() {
		defer close(out)

		filtered := FilterProject(base.Project)
		base.Project = map[string]string(filtered)

		trimmed := execResult
		if len(trimmed) > maxExecResultChars {
			trimmed = trimmed[len(trimmed)-maxExecResultChars:]
		}
		rc := runctx.New(filtered, base, &trimmed)
		input := BuildProjectInput(base.Query, filtered, base.MessageHistory)

		emit := func(ev event.Event) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		final, runErr := f.Runner.Run(ctx, rc, input, base.Model)
		for _, ev := range rc.EventsSince(0) {
			emit(f.convert(taskID, rc, base, ev))
		}
		if runErr != nil {
			emit(event.RunFailed(taskID, runErr.Error()))
			return
		}
		if rc.Deferred() {
			return
		}
		if final != "" {
			emit(event.AgentOutput(taskID, final))
			return
		}
		emit(event.RunFailed(taskID, "No output produced."))
	}()
	return out
}

// convert maps one run-context tool event onto the wire envelope. Completed
// request_code_execution events get a resume token minted over the current
// project state so the client can continue the run.
func (f *Flow) convert(taskID string, rc *runctx.Context, base runctx.BasePayload, ev runctx.ToolEvent) event.Event {
	tc := event.ToolCall{ID: ev.ToolID, Name: ev.Name, Arguments: ev.Arguments}
	switch ev.Phase {
	case runctx.PhaseStarted:
		return event.ToolStarted(taskID, tc)
	case runctx.PhaseCompleted:
		output := ev.Output
		if ev.Name == "request_code_execution" {
			if m, ok := output.(map[string]any); ok {
				withToken := make(map[string]any, len(m)+1)
				for k, v := range m {
					withToken[k] = v
				}
				if signed, err := f.Signer.Sign(f.resumeClaims(rc, base)); err == nil {
					withToken["resume_token"] = signed
				}
				output = withToken
			}
		}
		return event.ToolCompleted(taskID, tc, output)
	default:
		return event.ToolLog(taskID, ev.ToolID, ev.Name, ev.Data)
	}
}

// resumeClaims snapshots everything a resumed run needs: the original request
// plus the project as mutated so far.
func (f *Flow) resumeClaims(rc *runctx.Context, base runctx.BasePayload) map[string]any {
	claims := map[string]any{
		"user_id":         base.UserID,
		"message_history": base.MessageHistory,
		"query":           base.Query,
		"project":         map[string]string(rc.ProjectSnapshot()),
	}
	if base.Model != "" {
		claims["model"] = base.Model
	}
	return claims
}
