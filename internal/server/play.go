package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/codeloft-io/loft/internal/agent"
	"github.com/codeloft-io/loft/internal/event"
	"github.com/codeloft-io/loft/internal/project"
	"github.com/codeloft-io/loft/internal/sandbox"
)

// rubyAppPort is the conventional Sinatra/WEBrick port previews probe for.
const rubyAppPort = 4567

// playSandboxTimeoutMS bounds the lifetime of a play sandbox.
const playSandboxTimeoutMS = 600_000

// syncChunkSize is how many files go into one write_files call.
const syncChunkSize = 64

// playPayload is the signed claim set a play stream token carries.
type playPayload struct {
	UserID    string            `json:"user_id"`
	Project   map[string]string `json:"project"`
	EntryPath string            `json:"entry_path"`
	Runtime   string            `json:"runtime,omitempty"`
	Env       map[string]string `json:"env"`
}

type createPlayRequest struct {
	UserID    string            `json:"user_id"`
	Project   map[string]string `json:"project"`
	EntryPath string            `json:"entry_path"`
	Runtime   string            `json:"runtime,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

type probeResponse struct {
	OK     bool `json:"ok"`
	Status *int `json:"status"`
}

// handleCreatePlay mints a play task id plus a stream token holding the whole
// payload; execution starts when the events stream is opened.
func (s *Server) handleCreatePlay(w http.ResponseWriter, r *http.Request) {
	var req createPlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.EntryPath == "" {
		writeError(w, http.StatusBadRequest, "user_id and entry_path are required")
		return
	}
	if req.Project == nil {
		req.Project = map[string]string{}
	}
	if req.Env == nil {
		req.Env = map[string]string{}
	}

	taskID := makeTaskID()
	streamToken, err := s.signer.SignValue(playPayload{
		UserID:    req.UserID,
		Project:   req.Project,
		EntryPath: req.EntryPath,
		Runtime:   req.Runtime,
		Env:       req.Env,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign stream token")
		return
	}
	writeJSON(w, http.StatusOK, createRunResponse{TaskID: taskID, StreamToken: streamToken})
}

// handlePlayEvents executes the play flow and streams its progress.
func (s *Server) handlePlayEvents(w http.ResponseWriter, r *http.Request) {
	playID := chi.URLParam(r, "play_id")
	var payload playPayload
	if !s.verifyToken(w, r, &payload) {
		return
	}
	s.streamSSE(w, r, s.runPlay(r.Context(), payload, playID), nil)
}

// handleStopPlay stops the sandbox behind a play run.
func (s *Server) handleStopPlay(w http.ResponseWriter, r *http.Request) {
	var payload playPayload
	if !s.verifyToken(w, r, &payload) {
		return
	}
	sandboxID := r.URL.Query().Get("sandbox_id")
	if sandboxID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "missing sandbox_id"})
		return
	}
	sb, err := s.platform.Get(r.Context(), sandboxID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if err := sb.Stop(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stopped": true})
}

// handleProbe checks a preview URL server side: HEAD first, then a GET whose
// body is discarded, since some dev servers reject HEAD.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	status := s.probeStatus(ctx, rawURL)
	writeJSON(w, http.StatusOK, probeResponse{OK: status != nil, Status: status})
}

func (s *Server) probeStatus(ctx context.Context, url string) *int {
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil
		}
		resp, err := s.probe.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		code := resp.StatusCode
		return &code
	}
	return nil
}

// detectRuntimeAndCommand picks the sandbox runtime and launch command for an
// entry file. ok is false for unsupported extensions.
func detectRuntimeAndCommand(entryPath, override string) (runtime, command string, ok bool) {
	entry := strings.ToLower(entryPath)
	pythonCmd := fmt.Sprintf(
		`PYBIN=$(command -v python3 || command -v python) && [ -n "$PYBIN" ] && "$PYBIN" %s`, entryPath)

	if override != "" {
		switch {
		case strings.HasPrefix(override, "python"):
			return override, pythonCmd, true
		case strings.HasPrefix(override, "node"):
			if strings.HasSuffix(entry, ".ts") || strings.HasSuffix(entry, ".tsx") {
				return override, fmt.Sprintf(
					"(npx -y ts-node %s || npx -y tsx %s || node %s)", entryPath, entryPath, entryPath), true
			}
			return override, fmt.Sprintf("(node %s)", entryPath), true
		default:
			return override, fmt.Sprintf("(python3 %s || node %s)", entryPath, entryPath), true
		}
	}

	switch {
	case strings.HasSuffix(entry, ".py"):
		return "python3.13", pythonCmd, true
	case strings.HasSuffix(entry, ".js"), strings.HasSuffix(entry, ".mjs"), strings.HasSuffix(entry, ".cjs"):
		return "node22", fmt.Sprintf("(node %s)", entryPath), true
	case strings.HasSuffix(entry, ".ts"), strings.HasSuffix(entry, ".tsx"):
		return "node22", fmt.Sprintf("(npx -y tsx %s || npx -y ts-node %s)", entryPath, entryPath), true
	case strings.HasSuffix(entry, ".rb"):
		return "ruby3.2", fmt.Sprintf("(ruby %s)", entryPath), true
	}
	return "", "", false
}

// findClosestFile walks from the entry file's directory toward the project
// root looking for one of names, then falls back to a root-level match.
func findClosestFile(files project.Project, startPath string, names ...string) string {
	dir := path.Dir(startPath)
	if dir == "." {
		dir = ""
	}
	for {
		for _, n := range names {
			candidate := n
			if dir != "" {
				candidate = path.Join(dir, n)
			}
			if _, ok := files[candidate]; ok {
				return candidate
			}
		}
		if dir == "" {
			break
		}
		parent := path.Dir(dir)
		if parent == "." || parent == dir {
			parent = ""
		}
		dir = parent
	}
	return ""
}

const pipInstallScript = `PYBIN=$(command -v python3 || command -v python); ` +
	`if [ -z "$PYBIN" ]; then echo 'python not found in sandbox'; exit 1; fi; ` +
	`$PYBIN -m ensurepip --upgrade || true; ` +
	`$PYBIN -m pip install --upgrade pip; ` +
	`$PYBIN -m pip install --no-cache-dir -r %s`

const ensureFastAPIScript = `PYBIN=$(command -v python3 || command -v python); ` +
	`if [ -z "$PYBIN" ]; then echo 'python not found in sandbox'; exit 1; fi; ` +
	`$PYBIN -c "import fastapi, uvicorn" ` +
	`|| ($PYBIN -m pip install --upgrade pip || true; ` +
	`$PYBIN -m pip install --no-cache-dir fastapi uvicorn)`

const bundlerInstallScript = `if ! command -v bundle >/dev/null 2>&1; then ` +
	`gem list -i bundler >/dev/null 2>&1 || gem install --no-document bundler; fi; ` +
	`bundle --version || true; ` +
	`mkdir -p vendor/bundle; ` +
	`bundle config set --local path vendor/bundle; ` +
	`bundle config set --local without 'development:test'; ` +
	`bundle install`

// fastapiRunner loads the entry module by path and serves its app with
// uvicorn, so entry files that only define an app still run.
const fastapiRunner = `import importlib.util, os
entry = os.environ.get('ENTRY_PATH','main.py')
app_var = os.environ.get('APP_VAR','app')
spec = importlib.util.spec_from_file_location('app_module', entry)
mod = importlib.util.module_from_spec(spec)
spec.loader.exec_module(mod)
app = getattr(mod, app_var)
import uvicorn
uvicorn.run(app, host='0.0.0.0', port=int(os.environ.get('PORT','8000')))
`

var fastapiReadyMarkers = []string{"Application startup complete", "Uvicorn running on"}
var rubyReadyMarkers = []string{"Listening on", "tcp://0.0.0.0:", "Sinatra has taken the stage"}

// runPlay executes the play flow and streams its progress events. The channel
// closes when the process exits or the flow fails.
func (s *Server) runPlay(ctx context.Context, payload playPayload, taskID string) <-chan event.Event {
	out := make(chan event.Event, 64)
	go func() {
		defer close(out)
		p := &playRun{
			server:  s,
			payload: payload,
			taskID:  taskID,
			out:     out,
		}
		p.run(ctx)
	}()
	return out
}

// playRun carries the state of one play execution.
type playRun struct {
	server  *Server
	payload playPayload
	taskID  string
	out     chan<- event.Event
}

func (p *playRun) emit(ctx context.Context, eventType string, data, errVal any) {
	select {
	case p.out <- event.New(p.taskID, eventType, data, errVal):
	case <-ctx.Done():
	}
}

func (p *playRun) log(ctx context.Context, line string) {
	p.emit(ctx, event.TypePlayLog, line, nil)
}

func (p *playRun) fail(ctx context.Context, msg string) {
	p.emit(ctx, event.TypePlayFailed, nil, msg)
}

func (p *playRun) run(ctx context.Context) {
	filtered := agent.FilterProject(p.payload.Project)
	entry := p.payload.EntryPath

	runtime, command, ok := detectRuntimeAndCommand(entry, p.payload.Runtime)
	if !ok {
		p.fail(ctx, "Unsupported entry file: "+entry)
		return
	}

	// The entry file may itself be ignored; fall back to the raw project.
	content := filtered[entry]
	if content == "" {
		content = p.payload.Project[entry]
	}
	lower := strings.ToLower(entry)
	isFastAPI := strings.HasSuffix(lower, ".py") &&
		(strings.Contains(content, "FastAPI(") ||
			strings.Contains(content, "from fastapi") ||
			strings.Contains(content, "import fastapi"))
	isRuby := strings.HasSuffix(lower, ".rb")

	port := 0
	if isFastAPI {
		port = p.server.cfg.SandboxAppPort
	} else if isRuby {
		port = rubyAppPort
	}

	label := runtime
	if label == "" {
		label = "auto"
	}
	p.emit(ctx, event.TypePlayStarted, map[string]any{"entry_path": entry, "runtime": label}, nil)

	opts := sandbox.CreateOptions{TimeoutMS: playSandboxTimeoutMS, Runtime: runtime}
	if isFastAPI && port > 0 {
		opts.Ports = []int{port}
	}
	sb, err := p.server.platform.Create(ctx, opts)
	if err != nil {
		p.fail(ctx, err.Error())
		return
	}
	p.emit(ctx, event.TypePlaySandbox, map[string]any{
		"sandbox_id": sb.ID(),
		"status":     sb.Status(),
	}, nil)

	if err := p.syncProject(ctx, sb, filtered); err != nil {
		p.fail(ctx, err.Error())
		return
	}
	if done := p.installDependencies(ctx, sb, filtered, entry, isFastAPI); done {
		return
	}

	var cmd sandbox.Command
	if isFastAPI && port > 0 {
		cmd, err = p.startFastAPI(ctx, sb, entry, port)
	} else {
		runCmd := command
		if isRuby {
			runCmd = fmt.Sprintf("( [ -f Gemfile ] && bundle exec %s || %s )", command, command)
		}
		cmd, err = sb.RunDetached(ctx, sandbox.CommandSpec{
			Cmd:  "bash",
			Args: []string{"-lc", fmt.Sprintf("cd %s && %s", sb.Cwd(), runCmd)},
			Env:  p.payload.Env,
		})
	}
	if err != nil {
		p.fail(ctx, err.Error())
		return
	}

	previewSent := false
	for line := range cmd.Logs(ctx) {
		p.log(ctx, line.Data)
		if previewSent || port == 0 {
			continue
		}
		markers := fastapiReadyMarkers
		if isRuby {
			markers = rubyReadyMarkers
		} else if !isFastAPI {
			continue
		}
		if containsAny(line.Data, markers) {
			if url, derr := sb.Domain(port); derr == nil && url != "" {
				p.emit(ctx, event.TypePlayPreview, map[string]any{"url": url, "port": port}, nil)
				previewSent = true
			}
		}
	}

	res, err := cmd.Wait(ctx)
	if err != nil {
		p.fail(ctx, err.Error())
		return
	}
	if res.ExitCode == 0 {
		p.emit(ctx, event.TypePlayComplete, map[string]any{"exit_code": res.ExitCode}, nil)
	} else {
		p.fail(ctx, fmt.Sprintf("Process exited with code %d", res.ExitCode))
	}
}

// syncProject writes the project in fixed-size chunks, retrying each chunk
// with exponential backoff.
func (p *playRun) syncProject(ctx context.Context, sb sandbox.Sandbox, files project.Project) error {
	paths := files.SortedPaths()
	writes := make([]sandbox.FileWrite, 0, len(paths))
	for _, fp := range paths {
		writes = append(writes, sandbox.FileWrite{Path: fp, Content: []byte(files[fp])})
	}
	for i := 0; i < len(writes); i += syncChunkSize {
		end := i + syncChunkSize
		if end > len(writes) {
			end = len(writes)
		}
		if err := p.writeWithRetry(ctx, sb, writes[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *playRun) writeWithRetry(ctx context.Context, sb sandbox.Sandbox, chunk []sandbox.FileWrite) error {
	for attempt := 0; ; attempt++ {
		err := sb.WriteFiles(ctx, chunk)
		if err == nil {
			return nil
		}
		if attempt >= 3 {
			return err
		}
		p.log(ctx, fmt.Sprintf("Retrying file sync (%d/3) due to error: %v\n", attempt+1, err))
		select {
		case <-time.After(250 * time.Millisecond << attempt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// installDependencies runs the per-language dependency install when a
// manifest is present. It returns true when the flow already terminated with
// a play_failed event.
func (p *playRun) installDependencies(ctx context.Context, sb sandbox.Sandbox, files project.Project, entry string, isFastAPI bool) bool {
	lower := strings.ToLower(entry)
	switch {
	case strings.HasSuffix(lower, ".py"):
		if reqPath := findClosestFile(files, entry, "requirements.txt"); reqPath != "" {
			p.log(ctx, fmt.Sprintf("Installing Python dependencies from %s...\n", reqPath))
			script := fmt.Sprintf(pipInstallScript, reqPath)
			if done := p.runInstall(ctx, sb, script, "Dependency install failed (exit %d)"); done {
				return true
			}
		}
		if isFastAPI {
			p.log(ctx, "Ensuring FastAPI and Uvicorn are installed...\n")
			if done := p.runInstall(ctx, sb, ensureFastAPIScript, "Failed to install FastAPI/Uvicorn (exit %d)"); done {
				return true
			}
		}
	case strings.HasSuffix(lower, ".rb"):
		if gemfile := findClosestFile(files, entry, "Gemfile"); gemfile != "" {
			p.log(ctx, fmt.Sprintf("Installing Ruby dependencies from %s via Bundler...\n", gemfile))
			if done := p.runInstall(ctx, sb, bundlerInstallScript, "Dependency install failed (exit %d)"); done {
				return true
			}
		}
	case strings.HasSuffix(lower, ".js"), strings.HasSuffix(lower, ".mjs"),
		strings.HasSuffix(lower, ".cjs"), strings.HasSuffix(lower, ".ts"),
		strings.HasSuffix(lower, ".tsx"):
		if pkg := findClosestFile(files, entry, "package.json"); pkg != "" {
			pkgDir := path.Dir(pkg)
			if pkgDir == "." {
				pkgDir = ""
			}
			lock := "package-lock.json"
			cdPart := ""
			if pkgDir != "" {
				lock = pkgDir + "/package-lock.json"
				cdPart = "cd " + pkgDir + " && "
			}
			npmInstall := "npm install --loglevel info"
			if _, ok := files[lock]; ok {
				npmInstall = "npm ci --loglevel info"
			}
			npmInstall += " || npm install --loglevel info"
			dirLabel := pkgDir
			if dirLabel == "" {
				dirLabel = "."
			}
			p.log(ctx, fmt.Sprintf("Installing Node dependencies in %s...\n", dirLabel))
			if done := p.runInstall(ctx, sb, cdPart+npmInstall, "Dependency install failed (exit %d)"); done {
				return true
			}
		}
	}
	return false
}

// runInstall streams one install command and fails the flow on a non-zero
// exit. failFmt receives the exit code.
func (p *playRun) runInstall(ctx context.Context, sb sandbox.Sandbox, script, failFmt string) bool {
	cmd, err := sb.RunDetached(ctx, sandbox.CommandSpec{
		Cmd:  "bash",
		Args: []string{"-lc", fmt.Sprintf("cd %s && %s", sb.Cwd(), script)},
	})
	if err != nil {
		p.fail(ctx, "Dependency install error: "+err.Error())
		return true
	}
	for line := range cmd.Logs(ctx) {
		p.log(ctx, line.Data)
	}
	res, err := cmd.Wait(ctx)
	if err != nil {
		p.fail(ctx, "Dependency install error: "+err.Error())
		return true
	}
	if res.ExitCode != 0 {
		p.fail(ctx, fmt.Sprintf(failFmt, res.ExitCode))
		return true
	}
	return false
}

// startFastAPI writes the uvicorn runner into the sandbox and launches it
// against the entry module.
func (p *playRun) startFastAPI(ctx context.Context, sb sandbox.Sandbox, entry string, port int) (sandbox.Command, error) {
	err := sb.WriteFiles(ctx, []sandbox.FileWrite{
		{Path: "run_loft_app.py", Content: []byte(fastapiRunner)},
	})
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(p.payload.Env)+3)
	for k, v := range p.payload.Env {
		env[k] = v
	}
	env["ENTRY_PATH"] = entry
	env["APP_VAR"] = "app"
	env["PORT"] = strconv.Itoa(port)
	return sb.RunDetached(ctx, sandbox.CommandSpec{
		Cmd: "bash",
		Args: []string{"-lc", fmt.Sprintf(
			`cd %s && PYBIN=$(command -v python3 || command -v python) && exec "$PYBIN" run_loft_app.py`,
			sb.Cwd())},
		Env: env,
	})
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
