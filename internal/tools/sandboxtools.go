package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeloft-io/loft/internal/runctx"
	"github.com/codeloft-io/loft/internal/sandbox"
)

// maxLogSummaryChars bounds the log transcript embedded in sandbox_run's
// return string.
const maxLogSummaryChars = 16000

// defaultWaitTimeoutMS is how long sandbox_run waits for readiness when the
// caller does not say.
const defaultWaitTimeoutMS = 30_000

func sandboxTools(deps Deps) []*Tool {
	return []*Tool{
		{
			Name: "sandbox_create",
			Description: "Create a persistent sandbox and remember it for this run. " +
				"Ruby and Go runtimes are bootstrapped on a node base image.",
			Schema: objSchema(map[string]any{
				"runtime":    strProp("Optional runtime, e.g. \"node22\", \"python3.13\", \"ruby3.2\", \"go\"."),
				"ports":      map[string]any{"type": "array", "items": map[string]any{"type": "integer"}, "description": "Ports to expose (for previews)."},
				"timeout_ms": intProp("Sandbox lifetime timeout in milliseconds."),
				"name":       strProp("Optional session name; defaults to the active sandbox."),
			}),
			handler: sandboxCreateHandler(deps),
		},
		{
			Name:        "sandbox_stop",
			Description: "Stop and release the specified sandbox (or active/default if none provided).",
			Schema: objSchema(map[string]any{
				"name": strProp("Optional session name."),
			}),
			handler: sandboxStopHandler(deps),
		},
		{
			Name: "sandbox_run",
			Description: "Run a shell command in the active sandbox, optionally streaming logs and detecting readiness. " +
				"Project files are synced into the sandbox before the command starts. " +
				"For servers, pass detached=true with ready_patterns and port to get a preview URL.",
			Schema: objSchema(map[string]any{
				"command":             strProp("Shell command to run."),
				"cwd":                 strProp("Working directory inside the sandbox; defaults to the sandbox cwd."),
				"env":                 map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Extra environment variables as KEY=VALUE entries."},
				"detached":            boolProp("If true, do not wait for process exit."),
				"ready_patterns":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Return once any pattern appears in the logs."},
				"port":                intProp("Compute a preview URL from this port when ready."),
				"wait_timeout_ms":     intProp("Max time to wait for readiness when detached."),
				"stream_logs":         boolProp("Stream logs into the run timeline (default true)."),
				"name":                strProp("Optional session name."),
				"auto_python_ensure":  boolProp("Auto-ensure Python tooling when the command indicates Python usage (default true)."),
				"auto_ready_patterns": boolProp("Auto-detect common readiness messages for known servers (default true)."),
				"auto_ruby_ensure":    boolProp("Auto-ensure Ruby/Bundler when the command indicates Ruby usage (default true)."),
				"auto_go_ensure":      boolProp("Auto-ensure the Go toolchain when the command indicates Go usage (default true)."),
			}, "command"),
			handler: sandboxRunHandler(deps),
		},
		{
			Name:        "sandbox_set_env",
			Description: "Set default environment variables for subsequent sandbox_run commands for a named sandbox (or active/default).",
			Schema: objSchema(map[string]any{
				"env":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "KEY=VALUE entries."},
				"name": strProp("Optional session name."),
			}, "env"),
			handler: sandboxSetEnvHandler(deps),
		},
		{
			Name: "sandbox_show_preview",
			Description: "Emit a preview URL for the active sandbox so the UI can render it. " +
				"Automatically makes a request to verify the URL is accessible. " +
				"Preview a route that contains a real endpoint: if the backend serves nothing at the root " +
				"but has /api/hello, preview /api/hello.",
			Schema: objSchema(map[string]any{
				"url":   strProp("The full preview URL."),
				"port":  intProp("Optional port used by the service."),
				"label": strProp("Optional descriptive label (e.g. 'frontend', 'backend')."),
				"name":  strProp("Optional session name."),
			}, "url"),
			handler: sandboxShowPreviewHandler(deps),
		},
	}
}

func sandboxCreateHandler(deps Deps) Handler {
	return func(ctx context.Context, rc *runctx.Context, args map[string]any) string {
		runtime := argString(args, "runtime")
		ports := argInts(args, "ports")
		timeoutMS := argInt(args, "timeout_ms", sandbox.DefaultTimeoutMS)
		name := argString(args, "name")

		toolID := rc.BeginTool("sandbox_create", map[string]any{
			"runtime": runtime, "ports": ports, "timeout_ms": timeoutMS, "name": name,
		})

		sbName := deps.Sandboxes.NormalizeName(rc, name)
		effective, synthRuby, synthGo := sandbox.SyntheticRuntime(runtime)

		sb, err := deps.Sandboxes.Create(ctx, sandbox.CreateOptions{
			TimeoutMS: timeoutMS,
			Runtime:   effective,
			Ports:     ports,
		})
		if err != nil {
			output := map[string]any{"error": fmt.Sprintf("sandbox create failed: %v", err)}
			rc.CompleteTool(toolID, "sandbox_create", nil, output)
			return mustJSON(output)
		}

		storedRuntime := runtime
		if storedRuntime == "" {
			storedRuntime = effective
		}
		rc.BindSandbox(sbName, sb.ID(), storedRuntime, ports)
		rc.SetActiveSandbox(sbName)
		deps.Sandboxes.Remember(sb)

		synced := 0
		if n, err := deps.Sandboxes.SyncProject(ctx, rc, sb); err != nil {
			rc.LogTool(toolID, "sandbox_create", fmt.Sprintf("Project sync error: %v\n", err))
		} else {
			synced = n
			deps.Sandboxes.Snapshot(ctx, rc, sb, sbName)
			rc.LogTool(toolID, "sandbox_create", fmt.Sprintf("Synced %d project files to sandbox.\n", synced))
		}

		if synthRuby {
			sandbox.BootstrapRubyRuntime(ctx, rc, sb, sbName, toolID)
		}
		if synthGo {
			sandbox.BootstrapGoRuntime(ctx, rc, sb, sbName, toolID)
		}

		output := map[string]any{
			"sandbox_id":   sb.ID(),
			"status":       sb.Status(),
			"runtime":      storedRuntime,
			"ports":        ports,
			"synced_files": synced,
			"name":         sbName,
		}
		if synthRuby || synthGo {
			output["synthetic_runtime"] = true
			output["effective_runtime"] = effective
		}
		rc.CompleteTool(toolID, "sandbox_create", nil, output)
		return mustJSON(output)
	}
}

func sandboxStopHandler(deps Deps) Handler {
	return func(ctx context.Context, rc *runctx.Context, args map[string]any) string {
		name := argString(args, "name")
		toolID := rc.BeginTool("sandbox_stop", map[string]any{"name": name})

		sbName := deps.Sandboxes.NormalizeName(rc, name)
		var output map[string]any
		sid, ok := rc.SandboxID(sbName)
		if !ok {
			output = map[string]any{"stopped": false, "error": "no sandbox"}
		} else if sb, err := deps.Sandboxes.Get(ctx, sid); err != nil {
			output = map[string]any{"stopped": false, "error": err.Error()}
		} else if err := sb.Stop(ctx); err != nil {
			output = map[string]any{"stopped": false, "error": err.Error()}
		} else {
			deps.Sandboxes.Forget(sid)
			rc.UnbindSandbox(sbName)
			output = map[string]any{"stopped": true}
		}
		rc.CompleteTool(toolID, "sandbox_stop", nil, output)
		return mustJSON(output)
	}
}

func sandboxSetEnvHandler(deps Deps) Handler {
	return func(_ context.Context, rc *runctx.Context, args map[string]any) string {
		entries := argStrings(args, "env")
		name := argString(args, "name")
		sbName := deps.Sandboxes.NormalizeName(rc, name)
		toolID := rc.BeginTool("sandbox_set_env", map[string]any{"env": entries, "name": sbName})

		parsed := sandbox.ParseEnvList(entries)
		// First write wins: existing defaults are not clobbered.
		existing := rc.SandboxEnv(sbName)
		fresh := make(map[string]string, len(parsed))
		keys := make([]string, 0, len(parsed))
		for k, v := range parsed {
			keys = append(keys, k)
			if _, dup := existing[k]; !dup {
				fresh[k] = v
			}
		}
		rc.MergeSandboxEnv(sbName, fresh)

		output := map[string]any{"ok": true, "env_keys": keys, "name": sbName}
		rc.CompleteTool(toolID, "sandbox_set_env", nil, output)
		return mustJSON(output)
	}
}

func sandboxShowPreviewHandler(deps Deps) Handler {
	return func(ctx context.Context, rc *runctx.Context, args map[string]any) string {
		url := argString(args, "url")
		port := argInt(args, "port", 0)
		label := argString(args, "label")
		sbName := deps.Sandboxes.NormalizeName(rc, argString(args, "name"))

		toolID := rc.BeginTool("sandbox_show_preview", map[string]any{
			"url": url, "port": port, "label": label, "name": sbName,
		})

		curlResult := probePreview(ctx, deps.HTTP, url)
		switch curlResult["status"] {
		case "timeout":
			rc.LogTool(toolID, "sandbox_show_preview",
				fmt.Sprintf("[%s] Preview health check: TIMEOUT for %s\n", sbName, url))
		case "connection_error":
			rc.LogTool(toolID, "sandbox_show_preview",
				fmt.Sprintf("[%s] Preview health check: CONNECTION ERROR for %s\n", sbName, url))
		case "error":
			rc.LogTool(toolID, "sandbox_show_preview",
				fmt.Sprintf("[%s] Preview health check: ERROR - %v\n", sbName, curlResult["error"]))
		default:
			rc.LogTool(toolID, "sandbox_show_preview",
				fmt.Sprintf("[%s] Preview health check: HTTP %v for %s\n", sbName, curlResult["status_code"], url))
		}

		output := map[string]any{
			"url":         url,
			"name":        sbName,
			"curl_result": curlResult,
		}
		if port != 0 {
			output["port"] = port
		}
		if label != "" {
			output["label"] = label
		}
		rc.CompleteTool(toolID, "sandbox_show_preview", nil, output)
		return mustJSON(output)
	}
}

// probePreview fetches the URL and summarizes the response for the UI.
func probePreview(ctx context.Context, client *http.Client, url string) map[string]any {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return map[string]any{"status": "error", "error": fmt.Sprintf("Unexpected error: %v", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			return map[string]any{"status": "timeout", "error": "Request timed out after 10 seconds"}
		case strings.Contains(err.Error(), "connection refused"):
			return map[string]any{"status": "connection_error", "error": fmt.Sprintf("Connection failed: %v", err)}
		default:
			return map[string]any{"status": "error", "error": fmt.Sprintf("Unexpected error: %v", err)}
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 5000))
	status := "error"
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		status = "success"
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       status,
		"headers":      headers,
		"content_type": resp.Header.Get("Content-Type"),
	}
	if len(body) > 0 {
		result["content"] = string(body)
	}
	return result
}

func sandboxRunHandler(deps Deps) Handler {
	return func(ctx context.Context, rc *runctx.Context, args map[string]any) string {
		command := argString(args, "command")
		requestedCwd := argString(args, "cwd")
		envList := argStrings(args, "env")
		detached := argBool(args, "detached", false)
		readyPatterns := argStrings(args, "ready_patterns")
		port := argInt(args, "port", 0)
		waitTimeoutMS := argInt(args, "wait_timeout_ms", defaultWaitTimeoutMS)
		streamLogs := argBool(args, "stream_logs", true)
		name := argString(args, "name")
		autoPython := argBool(args, "auto_python_ensure", true)
		autoReady := argBool(args, "auto_ready_patterns", true)
		autoRuby := argBool(args, "auto_ruby_ensure", true)
		autoGo := argBool(args, "auto_go_ensure", true)

		sbName := deps.Sandboxes.NormalizeName(rc, name)
		sb, err := deps.Sandboxes.GetByName(ctx, rc, sbName)
		if err != nil {
			toolID := rc.BeginTool("sandbox_run", map[string]any{"command": command, "name": sbName})
			output := map[string]any{"error": fmt.Sprintf("sandbox unavailable: %v", err)}
			rc.CompleteTool(toolID, "sandbox_run", nil, output)
			return mustJSON(output)
		}

		baseCwd := sb.Cwd()
		safeCwd := sandbox.SelectSafeCwd(requestedCwd, baseCwd)
		usage := sandbox.DetectLanguageUsage(command)
		if usage.Ruby && strings.TrimSpace(requestedCwd) == "" {
			files, _ := rc.SandboxSnapshot(sbName)
			safeCwd = sandbox.SelectRailsAppCwd(files, baseCwd, safeCwd, command)
		}

		toolID := rc.BeginTool("sandbox_run", map[string]any{
			"command":         command,
			"cwd":             safeCwd,
			"requested_cwd":   requestedCwd,
			"env":             envList,
			"detached":        detached,
			"ready_patterns":  readyPatterns,
			"port":            port,
			"wait_timeout_ms": waitTimeoutMS,
			"stream_logs":     streamLogs,
			"name":            sbName,
		})

		// Pre-run sync so the command sees the latest project state.
		if n, err := deps.Sandboxes.SyncProject(ctx, rc, sb); err != nil {
			if streamLogs {
				rc.LogTool(toolID, "sandbox_run", fmt.Sprintf("Pre-run sync failed: %v\n", err))
			}
		} else {
			deps.Sandboxes.Snapshot(ctx, rc, sb, sbName)
			if streamLogs {
				rc.LogTool(toolID, "sandbox_run", fmt.Sprintf("Synced %d project files to sandbox before run.\n", n))
			}
		}

		fullEnv := rc.SandboxEnv(sbName)
		for k, v := range sandbox.ParseEnvList(envList) {
			fullEnv[k] = v
		}

		// Scaffolding and installs run attached even when asked detached, so
		// the filesystem snapshot sees their output.
		if detached && len(readyPatterns) == 0 && port == 0 && sandbox.IsScaffoldOrInstall(command) {
			detached = false
		}

		if autoPython && usage.Python {
			sandbox.EnsurePythonTooling(ctx, rc, sb, safeCwd, fullEnv, streamLogs, toolID)
		}
		if autoRuby && usage.Ruby {
			sandbox.EnsureRubyTooling(ctx, rc, sb, safeCwd, fullEnv, streamLogs, toolID, sbName)
			fullEnv = rc.SandboxEnv(sbName)
			for k, v := range sandbox.ParseEnvList(envList) {
				fullEnv[k] = v
			}
		}
		command = sandbox.MaybeWrapBundler(command, usage.Ruby)
		if autoGo && usage.Go {
			sandbox.EnsureGoTooling(ctx, rc, sb, safeCwd, fullEnv, streamLogs, toolID)
		}

		readyPatterns, port = sandbox.InferReadiness(command, readyPatterns, port, autoReady)
		command = sandbox.AdjustRailsServerCommand(sb, command, port)

		cmd, err := sb.RunDetached(ctx, sandbox.CommandSpec{
			Cmd:  "bash",
			Args: []string{"-lc", fmt.Sprintf("cd %s && %s", safeCwd, command)},
			Env:  fullEnv,
		})
		if err != nil {
			output := map[string]any{"error": fmt.Sprintf("command start failed: %v", err)}
			rc.CompleteTool(toolID, "sandbox_run", nil, output)
			return mustJSON(output)
		}

		shouldWait := len(readyPatterns) > 0 || port != 0
		res := watchCommand(ctx, rc, sb, cmd, watchOptions{
			toolID:        toolID,
			sbName:        sbName,
			streamLogs:    streamLogs,
			readyPatterns: readyPatterns,
			port:          port,
			deadline:      shouldWait,
			waitTimeout:   time.Duration(waitTimeoutMS) * time.Millisecond,
			detached:      detached,
		})

		var output map[string]any
		if detached {
			output = map[string]any{"started": true}
			if res.previewURL != "" {
				output["preview_url"] = res.previewURL
			}
			if res.watched {
				output["ready"] = res.ready
				output["timed_out"] = res.timedOut
				output["exited_early"] = res.exitedEarly
				if res.exitCode != nil {
					output["exit_code"] = *res.exitCode
				}
			}
		} else {
			output = map[string]any{
				"ready":        res.ready,
				"timed_out":    res.timedOut,
				"exited_early": res.exitedEarly,
			}
			if res.previewURL != "" {
				output["preview_url"] = res.previewURL
			}
			if res.exitCode != nil {
				output["exit_code"] = *res.exitCode
			}
		}
		fs := deps.Sandboxes.SnapshotChanges(ctx, rc, sb, sbName)
		output["fs"] = fs

		rc.CompleteTool(toolID, "sandbox_run", nil, output)

		return runSummary(sbName, output, fs, res.collected)
	}
}

type watchOptions struct {
	toolID        string
	sbName        string
	streamLogs    bool
	readyPatterns []string
	port          int
	deadline      bool
	waitTimeout   time.Duration
	detached      bool
}

type watchResult struct {
	watched     bool
	ready       bool
	timedOut    bool
	exitedEarly bool
	exitCode    *int
	previewURL  string
	collected   string
}

// watchCommand races the log pump, the exit waiter, and (for detached
// readiness waits) a deadline timer. The first arm to fire cancels the
// others. Detached commands with no readiness criteria are not watched at
// all; attached commands always run to exit.
func watchCommand(ctx context.Context, rc *runctx.Context, sb sandbox.Sandbox, cmd sandbox.Command, opts watchOptions) watchResult {
	res := watchResult{}
	shouldWait := len(opts.readyPatterns) > 0 || opts.port != 0
	if opts.detached && !shouldWait {
		return res
	}
	res.watched = true

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		stopped   bool
		collected strings.Builder
	)
	stop := func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
		cancel()
	}

	g := new(errgroup.Group)

	// Log pump: collect output, stream it, and match readiness patterns.
	g.Go(func() error {
		for line := range cmd.Logs(runCtx) {
			data := line.Data
			if opts.streamLogs {
				rc.LogTool(opts.toolID, "sandbox_run", data)
			}
			mu.Lock()
			collected.WriteString(data)
			mu.Unlock()
			for _, pat := range opts.readyPatterns {
				if pat != "" && strings.Contains(data, pat) {
					mu.Lock()
					res.ready = true
					if opts.port != 0 && res.previewURL == "" {
						if url, err := sb.Domain(opts.port); err == nil {
							res.previewURL = url
							rc.LogTool(opts.toolID, "sandbox_run",
								fmt.Sprintf("[%s] Preview available at: %s\n", opts.sbName, url))
						}
					}
					mu.Unlock()
					stop()
					return nil
				}
			}
		}
		return nil
	})

	// Exit waiter.
	g.Go(func() error {
		done, err := cmd.Wait(runCtx)
		if err == nil {
			mu.Lock()
			code := done.ExitCode
			res.exitCode = &code
			res.exitedEarly = true
			mu.Unlock()
		}
		stop()
		return nil
	})

	// Deadline timer, only for detached readiness waits. Attached commands
	// run to exit regardless of readiness criteria.
	if opts.detached && opts.deadline && shouldWait {
		g.Go(func() error {
			select {
			case <-time.After(opts.waitTimeout):
				mu.Lock()
				if !stopped {
					res.timedOut = true
				}
				mu.Unlock()
				stop()
			case <-runCtx.Done():
			}
			return nil
		})
	}

	_ = g.Wait()
	res.collected = collected.String()
	return res
}

// runSummary renders the string handed back to the model: status, preview,
// filesystem change counts, and a trimmed log transcript.
func runSummary(sbName string, output map[string]any, fs map[string]any, logs string) string {
	trimmed := false
	if len(logs) > maxLogSummaryChars {
		logs = logs[len(logs)-maxLogSummaryChars:]
		trimmed = true
	}

	status := "started"
	switch {
	case output["ready"] == true:
		status = "ready"
	case output["timed_out"] == true:
		status = "timed_out"
	case output["exited_early"] == true:
		status = "exited"
	}

	count := func(key string) int {
		if v, ok := fs[key].([]string); ok {
			return len(v)
		}
		return 0
	}

	parts := []string{
		fmt.Sprintf("sandbox_run completed (name=%s)", sbName),
		fmt.Sprintf("status=%s", status),
	}
	if url, ok := output["preview_url"].(string); ok && url != "" {
		parts = append(parts, fmt.Sprintf("preview_url=%s", url))
	}
	if code, ok := output["exit_code"].(int); ok {
		parts = append(parts, fmt.Sprintf("exit_code=%d", code))
	}
	parts = append(parts, fmt.Sprintf("fs: files_total=%d created=%d updated=%d deleted=%d",
		count("files"), count("created"), count("updated"), count("deleted")))
	if trimmed {
		parts = append(parts, fmt.Sprintf("logs (trimmed to last %d chars):", maxLogSummaryChars))
	} else {
		parts = append(parts, "logs:")
	}
	parts = append(parts, logs)
	return strings.Join(parts, "\n")
}
