package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codeloft-io/loft/internal/project"
	"github.com/codeloft-io/loft/internal/runctx"
)

// DefaultTimeoutMS is the sandbox lifetime used when callers do not override
// it.
const DefaultTimeoutMS = 600_000

// syncChunkSize bounds how many files go into one write_files call.
const syncChunkSize = 64

// Manager resolves named sandbox sessions for agent runs. Handles are cached
// process-wide by sandbox id so consecutive runs that share a sandbox skip
// the fetch.
type Manager struct {
	platform Platform

	mu    sync.Mutex
	cache map[string]Sandbox
}

// NewManager builds a session manager over a platform client.
func NewManager(p Platform) *Manager {
	return &Manager{platform: p, cache: make(map[string]Sandbox)}
}

// NormalizeName resolves the effective session name: the provided name, else
// the run's active name, else "default". Sets the active name when unset.
func (m *Manager) NormalizeName(rc *runctx.Context, name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		n = rc.ActiveSandbox()
	}
	if n == "" {
		n = "default"
	}
	if rc.ActiveSandbox() == "" {
		rc.SetActiveSandbox(n)
	}
	return n
}

// Create provisions a sandbox directly on the platform.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (Sandbox, error) {
	return m.platform.Create(ctx, opts)
}

// Get fetches a handle for a known sandbox id, preferring the cache.
func (m *Manager) Get(ctx context.Context, sandboxID string) (Sandbox, error) {
	if sb, ok := m.Cached(sandboxID); ok {
		return sb, nil
	}
	return m.platform.Get(ctx, sandboxID)
}

// Cached returns the process-wide handle for a sandbox id, if present.
func (m *Manager) Cached(sandboxID string) (Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.cache[sandboxID]
	return sb, ok
}

// Remember stores a handle in the process-wide cache.
func (m *Manager) Remember(sb Sandbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[sb.ID()] = sb
}

// Forget drops a handle from the cache, typically after a stop.
func (m *Manager) Forget(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, sandboxID)
}

// GetByName returns the session's sandbox, adopting an existing id from the
// run state or creating a fresh sandbox with the session's stored
// runtime/port preferences. New sandboxes get a best-effort project sync and
// filesystem snapshot.
func (m *Manager) GetByName(ctx context.Context, rc *runctx.Context, name string) (Sandbox, error) {
	if sid, ok := rc.SandboxID(name); ok {
		if sb, hit := m.Cached(sid); hit {
			return sb, nil
		}
		sb, err := m.platform.Get(ctx, sid)
		if err != nil {
			return nil, fmt.Errorf("adopt sandbox %s: %w", sid, err)
		}
		m.Remember(sb)
		return sb, nil
	}

	sb, err := m.platform.Create(ctx, CreateOptions{
		TimeoutMS: DefaultTimeoutMS,
		Runtime:   rc.SandboxRuntime(name),
		Ports:     rc.SandboxPorts(name),
	})
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	rc.BindSandbox(name, sb.ID(), rc.SandboxRuntime(name), rc.SandboxPorts(name))
	rc.SetActiveSandbox(name)
	m.Remember(sb)

	// Best-effort: a failed initial sync is recoverable by the pre-run sync.
	if _, err := m.SyncProject(ctx, rc, sb); err == nil {
		m.Snapshot(ctx, rc, sb, name)
	}
	return sb, nil
}

// SyncProject writes every project file into the sandbox in fixed-size
// chunks and returns the number of files written. Each chunk is retried on
// transient write failures.
func (m *Manager) SyncProject(ctx context.Context, rc *runctx.Context, sb Sandbox) (int, error) {
	proj := rc.ProjectSnapshot()
	writes := make([]FileWrite, 0, len(proj))
	for path, content := range proj {
		p := strings.TrimPrefix(path, "./")
		if p == "" {
			continue
		}
		writes = append(writes, FileWrite{Path: p, Content: []byte(content)})
	}
	for i := 0; i < len(writes); i += syncChunkSize {
		end := i + syncChunkSize
		if end > len(writes) {
			end = len(writes)
		}
		if err := writeChunkWithRetry(ctx, sb, writes[i:end]); err != nil {
			return 0, fmt.Errorf("sync files: %w", err)
		}
	}
	return len(writes), nil
}

// writeChunkWithRetry retries a chunk write up to 3 times with exponential
// backoff.
func writeChunkWithRetry(ctx context.Context, sb Sandbox, chunk []FileWrite) error {
	for attempt := 0; ; attempt++ {
		err := sb.WriteFiles(ctx, chunk)
		if err == nil {
			return nil
		}
		if attempt >= 3 {
			return err
		}
		select {
		case <-time.After(250 * time.Millisecond << attempt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AutoSync pushes a set of changed files to every sandbox bound to the run.
// Failures are ignored; the pre-run sync re-establishes consistency.
func (m *Manager) AutoSync(ctx context.Context, rc *runctx.Context, paths []string) {
	proj := rc.ProjectSnapshot()
	writes := make([]FileWrite, 0, len(paths))
	for _, path := range paths {
		if content, ok := proj[path]; ok {
			writes = append(writes, FileWrite{Path: strings.TrimPrefix(path, "./"), Content: []byte(content)})
		}
	}
	if len(writes) == 0 {
		return
	}
	for _, name := range rc.SandboxNames() {
		sid, ok := rc.SandboxID(name)
		if !ok {
			continue
		}
		if sb, hit := m.Cached(sid); hit {
			_ = sb.WriteFiles(ctx, writes)
		}
	}
}

func findCommand(cwd string, pruneVenv bool) string {
	prunes := []string{
		"./.git/*", "./node_modules/*", "./vendor/*", "./.bundle/*",
		"./.cache/*", "./tmp/*", "./log/*", "./logs/*",
	}
	if pruneVenv {
		prunes = append(prunes, "./venv/*")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "cd %s && find . \\( ", cwd)
	for i, p := range prunes {
		if i > 0 {
			b.WriteString(" -o ")
		}
		fmt.Fprintf(&b, "-path '%s'", p)
	}
	b.WriteString(" \\) -prune -o -type f -printf '%P\\t%T@\\t%s\\n' 2>/dev/null | sort")
	return b.String()
}

// listFiles runs the pruned find and parses "path\tmtime\tsize" lines into an
// ordered path list plus per-path "mtime size" metadata.
func (m *Manager) listFiles(ctx context.Context, sb Sandbox, pruneVenv bool) ([]string, map[string]string, error) {
	out, _, err := run(ctx, sb, CommandSpec{
		Cmd:  "bash",
		Args: []string{"-lc", findCommand(sb.Cwd(), pruneVenv)},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list sandbox files: %w", err)
	}
	var files []string
	meta := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		rel := parts[0]
		files = append(files, rel)
		meta[rel] = parts[1] + " " + parts[2]
	}
	return files, meta, nil
}

// Snapshot records the sandbox filesystem listing into the run state,
// filtered by the project's ignore rules. Errors are swallowed: snapshots are
// advisory.
func (m *Manager) Snapshot(ctx context.Context, rc *runctx.Context, sb Sandbox, name string) {
	files, meta, err := m.listFiles(ctx, sb, false)
	if err != nil {
		return
	}
	ignored := project.NewIgnore(rc.ProjectSnapshot())
	kept := files[:0]
	for _, p := range files {
		if !ignored(p) {
			kept = append(kept, p)
		}
	}
	for p := range meta {
		if ignored(p) {
			delete(meta, p)
		}
	}
	rc.SetSandboxSnapshot(name, kept, meta)
}

// Change-sample limits per snapshot diff.
const (
	sampleLimit   = 50
	maxSampleSize = 200_000
)

// SnapshotChanges diffs the current filesystem listing against the previous
// snapshot, refreshes the stored snapshot, and samples small created/updated
// files as base64. The returned map is the "fs" section of sandbox_run's
// output payload.
func (m *Manager) SnapshotChanges(ctx context.Context, rc *runctx.Context, sb Sandbox, name string) map[string]any {
	files, current, err := m.listFiles(ctx, sb, true)
	if err != nil {
		return map[string]any{"files": []string{}, "error": err.Error()}
	}

	_, prev := rc.SandboxSnapshot(name)
	var created, updated, deleted []string
	for p := range current {
		if _, ok := prev[p]; !ok {
			created = append(created, p)
		} else if prev[p] != current[p] {
			updated = append(updated, p)
		}
	}
	for p := range prev {
		if _, ok := current[p]; !ok {
			deleted = append(deleted, p)
		}
	}
	sort.Strings(created)
	sort.Strings(updated)
	sort.Strings(deleted)

	ignored := project.NewIgnore(rc.ProjectSnapshot())
	filter := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, p := range in {
			if !ignored(p) {
				out = append(out, p)
			}
		}
		return out
	}
	files = filter(files)
	created = filter(created)
	updated = filter(updated)
	deleted = filter(deleted)
	for p := range current {
		if ignored(p) {
			delete(current, p)
		}
	}

	rc.SetSandboxSnapshot(name, files, current)

	data := make([]map[string]any, 0)
	samplePaths := append(append([]string{}, created...), updated...)
	if len(samplePaths) > sampleLimit {
		samplePaths = samplePaths[:sampleLimit]
	}
	for _, p := range samplePaths {
		if sample, ok := m.sampleFile(ctx, sb, p); ok {
			data = append(data, map[string]any{
				"path":     p,
				"encoding": "base64",
				"content":  sample,
			})
		}
	}

	return map[string]any{
		"files":   files,
		"created": created,
		"updated": updated,
		"deleted": deleted,
		"data":    data,
	}
}

// sampleFile reads a changed file as base64 if it is small enough.
func (m *Manager) sampleFile(ctx context.Context, sb Sandbox, path string) (string, bool) {
	safe := strings.ReplaceAll(path, `"`, `\"`)
	script := fmt.Sprintf(
		"cd %s && if [ -f '%s' ] && [ $(stat -c %%s '%s' 2>/dev/null || stat -f %%z '%s') -le %d ]; then base64 '%s'; else echo '__SKIP__'; fi",
		sb.Cwd(), safe, safe, safe, maxSampleSize, safe,
	)
	out, _, err := run(ctx, sb, CommandSpec{Cmd: "bash", Args: []string{"-lc", script}})
	if err != nil {
		return "", false
	}
	b64 := strings.TrimSpace(out)
	if b64 == "" || b64 == "__SKIP__" {
		return "", false
	}
	if _, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(b64, "\n", "")); err != nil {
		return "", false
	}
	return b64, true
}
