package sandbox

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// SelectSafeCwd resolves a requested working directory under the sandbox's
// base cwd. Absolute paths outside the base are ignored; relative paths are
// joined onto it.
func SelectSafeCwd(requested, base string) string {
	if requested == "" {
		return base
	}
	if strings.HasPrefix(requested, "/") {
		if requested == base || strings.HasPrefix(requested, base+"/") {
			return requested
		}
		return base
	}
	return strings.TrimRight(base+"/"+requested, "/")
}

// LanguageUsage reports which language toolchains a shell command appears to
// exercise.
type LanguageUsage struct {
	Python bool
	Ruby   bool
	Go     bool
}

// DetectLanguageUsage classifies a command by substring heuristics.
func DetectLanguageUsage(command string) LanguageUsage {
	cl := strings.ToLower(command)
	var u LanguageUsage
	u.Python = strings.Contains(cl, " pip ") ||
		strings.HasPrefix(cl, "pip ") ||
		strings.Contains(cl, " pip3 ") ||
		strings.HasPrefix(cl, "pip3 ") ||
		strings.Contains(cl, "-m pip") ||
		strings.Contains(cl, "python ") ||
		strings.HasPrefix(cl, "python") ||
		strings.Contains(cl, "uvicorn")
	u.Ruby = strings.Contains(cl, " gem ") ||
		strings.HasPrefix(cl, "gem ") ||
		strings.Contains(cl, " bundle ") ||
		strings.HasPrefix(cl, "bundle ") ||
		strings.Contains(cl, "rackup") ||
		strings.Contains(cl, "ruby ") ||
		strings.HasPrefix(cl, "ruby ") ||
		strings.Contains(cl, "sinatra") ||
		strings.Contains(cl, "rails ")
	u.Go = strings.Contains(" "+cl+" ", " go ") || strings.HasPrefix(cl, "go ")
	return u
}

// SelectRailsAppCwd picks the Rails application root as the working directory
// for Rails/Bundler commands when the sandbox filesystem contains exactly one
// app (a single "*/bin/rails"). "rails new" keeps the base cwd so the app is
// generated at the top level.
func SelectRailsAppCwd(files []string, base, current, command string) string {
	cl := strings.ToLower(strings.TrimSpace(command))
	isRailsNew := strings.HasPrefix(cl, "rails new") || strings.Contains(cl, " rails new ")
	related := strings.Contains(cl, "bundle install") ||
		strings.Contains(cl, " rails generate") ||
		strings.HasPrefix(cl, "rails generate") ||
		strings.Contains(cl, " rails db:") ||
		strings.HasPrefix(cl, "rails db:") ||
		(strings.Contains(cl, "bin/rails") && !isRailsNew)
	if isRailsNew || !related {
		return current
	}
	var roots []string
	for _, p := range files {
		if strings.HasSuffix(p, "/bin/rails") {
			roots = append(roots, strings.TrimSuffix(p, "/bin/rails"))
		}
	}
	if len(roots) != 1 {
		return current
	}
	return strings.TrimRight(base+"/"+roots[0], "/")
}

// MaybeWrapBundler wraps direct Ruby app invocations with `bundle exec` when
// a Gemfile exists in the working directory.
func MaybeWrapBundler(command string, usesRuby bool) string {
	cl := strings.ToLower(strings.TrimSpace(command))
	direct := strings.HasPrefix(cl, "ruby ") ||
		strings.HasPrefix(cl, "rackup") ||
		strings.HasPrefix(cl, "rails ")
	alreadyBundled := strings.HasPrefix(cl, "bundle ") || strings.Contains(cl, " bundle exec ")
	if !usesRuby || !direct || alreadyBundled {
		return command
	}
	return "( [ -f Gemfile ] || [ -f ./Gemfile ] ) && bundle exec " + command + " || " + command
}

var portFlagRe = regexp.MustCompile(`--port\s+(\d+)|-p\s+(\d+)`)

func portFromFlags(command string, fallback int) int {
	m := portFlagRe.FindStringSubmatch(command)
	if m == nil {
		return fallback
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// InferReadiness fills in readiness log patterns and the preview port for
// common dev servers when the caller did not provide them. autoPatterns
// gates the pattern inference only; port inference always applies.
func InferReadiness(command string, patterns []string, port int, autoPatterns bool) ([]string, int) {
	cl := strings.ToLower(command)
	noPatterns := len(patterns) == 0

	isGoRun := strings.Contains(" "+cl, " go run") || strings.HasPrefix(cl, "go run")
	if autoPatterns && noPatterns && isGoRun {
		patterns = []string{
			"Listening on",
			"http://0.0.0.0:",
			"listening on :",
			"Server started",
			"Serving on",
		}
		noPatterns = false
	}
	if port == 0 && isGoRun {
		port = portFromFlags(command, 3000)
	}

	if strings.Contains(cl, "uvicorn") {
		if autoPatterns && noPatterns {
			patterns = []string{"Application startup complete", "Uvicorn running on"}
			noPatterns = false
		}
		if port == 0 {
			port = portFromFlags(command, 8000)
		}
	}

	isRack := strings.Contains(cl, "rackup")
	isRubyApp := isRack || strings.Contains(cl, "sinatra") || strings.HasPrefix(cl, "ruby ")
	if isRubyApp {
		if autoPatterns && noPatterns {
			patterns = []string{
				"Listening on",
				"WEBrick::HTTPServer#start",
				"Sinatra has taken the stage",
				"tcp://0.0.0.0:",
				"WEBrick::HTTPServer#start: pid=",
			}
			noPatterns = false
		}
		if port == 0 {
			def := 4567
			if isRack {
				def = 9292
			}
			port = portFromFlags(command, def)
		}
	}

	isRailsServer := strings.Contains(cl, "rails server") || strings.Contains(cl, "rails s")
	if isRailsServer {
		if autoPatterns && noPatterns {
			patterns = []string{
				"Listening on",
				"Use Ctrl-C to stop",
				"Puma starting",
			}
		}
		if port == 0 {
			port = portFromFlags(command, 3000)
		}
	}

	return patterns, port
}

// AdjustRailsServerCommand makes Rails servers reachable from outside the
// sandbox: bind 0.0.0.0 and allow the preview host.
func AdjustRailsServerCommand(sb Sandbox, command string, port int) string {
	cl := strings.ToLower(command)
	if !strings.Contains(cl, "rails server") && !strings.Contains(cl, "rails s") {
		return command
	}
	if !strings.Contains(command, " -b ") && !strings.Contains(command, " --binding ") {
		command += " -b 0.0.0.0"
	}
	if !strings.Contains(cl, "allowed_host=") {
		p := port
		if p == 0 {
			p = 3000
		}
		if raw, err := sb.Domain(p); err == nil {
			if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
				command = "ALLOWED_HOST=" + u.Hostname() + " " + command
			}
		}
	}
	return command
}

// IsScaffoldOrInstall reports whether a command generates project files or
// installs dependencies. Such commands run attached even when the agent asks
// for detached, so the filesystem snapshot sees their output.
func IsScaffoldOrInstall(command string) bool {
	cl := strings.ToLower(strings.TrimSpace(command))
	return strings.HasPrefix(cl, "rails new") ||
		strings.Contains(cl, " rails new ") ||
		strings.HasPrefix(cl, "rails generate") ||
		strings.HasPrefix(cl, "rails g ") ||
		strings.Contains(cl, " rails generate ") ||
		strings.Contains(cl, " rails g ") ||
		strings.HasPrefix(cl, "bundle install") ||
		strings.Contains(cl, " bundle install ")
}

// ParseEnvList turns ["KEY=VALUE", ...] into a map. Entries without '=' are
// skipped; the first occurrence of a key wins.
func ParseEnvList(entries []string) map[string]string {
	out := make(map[string]string)
	for _, entry := range entries {
		if entry == "" {
			continue
		}
		idx := strings.Index(entry, "=")
		if idx < 0 {
			continue
		}
		k := strings.TrimSpace(entry[:idx])
		if k == "" {
			continue
		}
		if _, dup := out[k]; !dup {
			out[k] = entry[idx+1:]
		}
	}
	return out
}
