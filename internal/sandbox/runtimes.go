package sandbox

import (
	"context"
	"strings"

	"github.com/codeloft-io/loft/internal/runctx"
)

// Bootstrap shell for each toolchain. The sandbox base image is Amazon
// Linux, so missing toolchains come from dnf.
const (
	ensurePythonScript = "PYBIN=$(command -v python3 || command -v python || echo /opt/runtimes/python/bin/python3); " +
		"if [ -z \"$PYBIN\" ]; then echo 'python not found in sandbox'; exit 1; fi; " +
		"$PYBIN -m ensurepip --upgrade || true; " +
		"$PYBIN -m pip install --upgrade pip || true;"

	installRubyScript = "if ! command -v ruby >/dev/null 2>&1; then " +
		"dnf install -y ruby3.2 ruby3.2-rubygems ruby3.2-rubygem-json ruby3.2-devel libyaml-devel sqlite sqlite-devel gcc gcc-c++ make git redhat-rpm-config ruby3.2-rubygem-bundler || exit 1; " +
		"fi; " +
		"ruby --version; gem --version; bundle --version || true;"

	installBundlerScript = "if ! command -v bundle >/dev/null 2>&1; then " +
		"gem list -i bundler >/dev/null 2>&1 || gem install --no-document bundler; " +
		"fi; bundle --version || true;"

	installGoScript = "if ! command -v go >/dev/null 2>&1; then " +
		"dnf install -y golang git || exit 1; " +
		"fi; go version || exit 1;"

	rubyToolPATH = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin:/usr/share/gems/bin:/usr/share/ruby3.2-gems/bin:/home/sandbox/.local/share/gem/ruby/bin:/home/sandbox/.gem/ruby/bin"
	goToolPATH   = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin:/home/sandbox/go/bin:"
	goPath       = "/home/sandbox/go"
)

// runLogged starts a shell line in the sandbox, streams its output into the
// run timeline under toolID when stream is set, and waits for exit. Errors
// are not fatal to the caller; bootstrap steps are best-effort.
func runLogged(ctx context.Context, rc *runctx.Context, sb Sandbox, spec CommandSpec, toolID, logName string, stream bool) {
	cmd, err := sb.RunDetached(ctx, spec)
	if err != nil {
		if stream {
			rc.LogTool(toolID, logName, err.Error()+"\n")
		}
		return
	}
	for line := range cmd.Logs(ctx) {
		if stream {
			rc.LogTool(toolID, logName, line.Data)
		}
	}
	_, _ = cmd.Wait(ctx)
}

// EnsurePythonTooling makes pip usable before python-flavored commands run.
func EnsurePythonTooling(ctx context.Context, rc *runctx.Context, sb Sandbox, cwd string, env map[string]string, stream bool, toolID string) {
	runLogged(ctx, rc, sb, CommandSpec{
		Cmd:  "bash",
		Args: []string{"-lc", "cd " + cwd + " && " + ensurePythonScript},
		Env:  env,
	}, toolID, "sandbox_run", stream)
}

// EnsureRubyTooling installs Ruby and Bundler when absent, points Bundler at
// a project-local gem path, and records the Ruby PATH/BUNDLE_PATH defaults in
// the session env.
func EnsureRubyTooling(ctx context.Context, rc *runctx.Context, sb Sandbox, cwd string, env map[string]string, stream bool, toolID, name string) {
	runLogged(ctx, rc, sb, CommandSpec{
		Cmd:  "bash",
		Args: []string{"-lc", "cd " + cwd + " && " + installRubyScript},
		Env:  env,
		Sudo: true,
	}, toolID, "sandbox_run", stream)
	runLogged(ctx, rc, sb, CommandSpec{
		Cmd:  "bash",
		Args: []string{"-lc", "cd " + cwd + " && " + installBundlerScript},
		Env:  env,
		Sudo: true,
	}, toolID, "sandbox_run", stream)
	runLogged(ctx, rc, sb, CommandSpec{
		Cmd:  "bash",
		Args: []string{"-lc", "cd " + cwd + " && mkdir -p vendor/bundle && bundle config set --local path vendor/bundle"},
		Env:  env,
	}, toolID, "sandbox_run", stream)

	rc.MergeSandboxEnv(name, map[string]string{
		"PATH":        rubyToolPATH,
		"BUNDLE_PATH": "vendor/bundle",
	})
}

// EnsureGoTooling installs the Go toolchain when absent.
func EnsureGoTooling(ctx context.Context, rc *runctx.Context, sb Sandbox, cwd string, env map[string]string, stream bool, toolID string) {
	runLogged(ctx, rc, sb, CommandSpec{
		Cmd:  "bash",
		Args: []string{"-lc", "cd " + cwd + " && " + installGoScript},
		Env:  env,
		Sudo: true,
	}, toolID, "sandbox_run", stream)
}

// SyntheticRuntime reports whether a requested runtime needs bootstrapping on
// the node base image, and the image to use.
func SyntheticRuntime(runtime string) (effective string, ruby, golang bool) {
	lower := strings.ToLower(runtime)
	ruby = strings.HasPrefix(lower, "ruby")
	golang = strings.HasPrefix(lower, "go")
	if ruby || golang {
		return "node22", ruby, golang
	}
	return runtime, false, false
}

// BootstrapRubyRuntime turns a node sandbox into a Ruby one: system Ruby,
// Bundler with a local gem path, rack and puma with binstubs.
func BootstrapRubyRuntime(ctx context.Context, rc *runctx.Context, sb Sandbox, name, toolID string) {
	rc.LogTool(toolID, "sandbox_create", "Initializing Ruby runtime...\n")

	runLogged(ctx, rc, sb, CommandSpec{
		Cmd:  "bash",
		Args: []string{"-lc", installRubyScript},
		Sudo: true,
	}, toolID, "sandbox_create", true)
	runLogged(ctx, rc, sb, CommandSpec{
		Cmd:  "bash",
		Args: []string{"-lc", installBundlerScript},
		Sudo: true,
	}, toolID, "sandbox_create", true)
	runLogged(ctx, rc, sb, CommandSpec{
		Cmd:  "bash",
		Args: []string{"-lc", "cd " + sb.Cwd() + " && mkdir -p vendor/bundle && bundle config set --local path vendor/bundle"},
	}, toolID, "sandbox_create", true)
	runLogged(ctx, rc, sb, CommandSpec{
		Cmd: "bash",
		Args: []string{"-lc", "cd " + sb.Cwd() + " && ( [ -f Gemfile ] || bundle init ) && " +
			"bundle add rack puma || true && bundle install && bundle binstubs rack puma"},
	}, toolID, "sandbox_create", true)

	rc.MergeSandboxEnv(name, map[string]string{
		"BUNDLE_PATH": "vendor/bundle",
		"PATH":        rubyToolPATH + ":" + sb.Cwd() + "/bin",
	})

	rc.LogTool(toolID, "sandbox_create",
		"Synthetic Ruby runtime ready. Bundler configured; rackup and puma installed (binstubs in ./bin).\n")
}

// BootstrapGoRuntime installs the Go toolchain into a node sandbox and
// records GOPATH defaults.
func BootstrapGoRuntime(ctx context.Context, rc *runctx.Context, sb Sandbox, name, toolID string) {
	rc.LogTool(toolID, "sandbox_create", "Initializing Go runtime...\n")

	runLogged(ctx, rc, sb, CommandSpec{
		Cmd:  "bash",
		Args: []string{"-lc", installGoScript + " git --version || true;"},
		Sudo: true,
	}, toolID, "sandbox_create", true)

	prevPATH := rc.SandboxEnv(name)["PATH"]
	rc.MergeSandboxEnv(name, map[string]string{
		"GOPATH": goPath,
		"PATH":   goToolPATH + prevPATH,
	})

	rc.LogTool(toolID, "sandbox_create", "Synthetic Go runtime ready. golang and git installed.\n")
}
