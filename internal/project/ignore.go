package project

import (
	"regexp"
	"strings"
)

// DefaultIgnorePatterns are always active, regardless of what the project's
// own ignore files say.
var DefaultIgnorePatterns = []string{
	"__pycache__/",
	"*.pyc",
	".DS_Store",
	"node_modules/",
	"vendor/",
	"dist/",
	"build/",
	".venv/",
	"venv/",
	"env/",
	"*.log",
	".bundle/",
	"tmp/",
	"log/",
	"logs/",
	"coverage/",
	".cache/",
	".next/",
	"public/assets/",
	".git/",
}

// IgnoreFunc reports whether a project-relative path should be excluded from
// sandbox sync.
type IgnoreFunc func(path string) bool

func parseIgnoreLines(text string) []string {
	var rules []string
	for _, raw := range strings.Split(text, "\n") {
		s := strings.TrimSpace(raw)
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		rules = append(rules, s)
	}
	return rules
}

// NewIgnore builds an ignore predicate from the defaults plus the project's
// `.gitignore` and `.agentignore` files, including nested ones whose rules are
// re-anchored under their directory.
//
// Supported pattern subset:
//   - trailing-slash directory rules: a bare name matches that segment anywhere
//     in the path, a slashed name is an anchored path prefix
//   - plain filenames, matched against the basename
//   - `*`/`?` globs, matched against the basename
func NewIgnore(p Project) IgnoreFunc {
	patterns := make([]string, 0, len(DefaultIgnorePatterns)+8)
	patterns = append(patterns, DefaultIgnorePatterns...)
	patterns = append(patterns, parseIgnoreLines(p[".gitignore"])...)
	patterns = append(patterns, parseIgnoreLines(p[".agentignore"])...)

	for path, text := range p {
		if !strings.Contains(path, "/.gitignore") && !strings.Contains(path, "/.agentignore") {
			continue
		}
		idx := strings.LastIndex(path, "/")
		base := strings.TrimLeft(path[:idx], "/")
		if base == "" {
			continue
		}
		for _, rule := range parseIgnoreLines(text) {
			patterns = append(patterns, base+"/"+rule)
		}
	}

	preds := make([]IgnoreFunc, 0, len(patterns))
	for _, pat := range patterns {
		preds = append(preds, compileIgnorePattern(pat))
	}

	return func(path string) bool {
		for _, fn := range preds {
			if fn(path) {
				return true
			}
		}
		return false
	}
}

func compileIgnorePattern(pat string) IgnoreFunc {
	pattern := strings.TrimSpace(strings.TrimLeft(pat, "/"))
	if pattern == "" {
		return func(string) bool { return false }
	}

	if strings.HasSuffix(pattern, "/") {
		directory := strings.TrimLeft(strings.TrimSuffix(pattern, "/"), "/")
		if directory == "" {
			return func(string) bool { return false }
		}
		if strings.Contains(directory, "/") {
			// anchored subpath, e.g. "frontend/node_modules/"
			return func(path string) bool {
				n := strings.TrimLeft(path, "/")
				return n == directory || strings.HasPrefix(n, directory+"/")
			}
		}
		// segment match anywhere, e.g. any "node_modules" component
		return func(path string) bool {
			n := strings.TrimLeft(path, "/")
			if n == "" {
				return false
			}
			for _, part := range strings.Split(n, "/") {
				if part == directory {
					return true
				}
			}
			return false
		}
	}

	if !strings.ContainsAny(pattern, "*?") {
		return func(path string) bool {
			return basename(path) == pattern
		}
	}

	var b strings.Builder
	b.WriteByte('^')
	for _, tok := range splitGlob(pattern) {
		switch tok {
		case "*":
			b.WriteString(".*")
		case "?":
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(tok))
		}
	}
	b.WriteByte('$')
	re := regexp.MustCompile(b.String())
	return func(path string) bool {
		return re.MatchString(basename(path))
	}
}

func basename(path string) string {
	n := strings.TrimLeft(path, "/")
	if i := strings.LastIndex(n, "/"); i >= 0 {
		return n[i+1:]
	}
	return n
}

// splitGlob breaks a pattern into wildcard and literal tokens, keeping the
// wildcards as their own entries.
func splitGlob(pattern string) []string {
	var toks []string
	start := 0
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' || pattern[i] == '?' {
			if i > start {
				toks = append(toks, pattern[start:i])
			}
			toks = append(toks, string(pattern[i]))
			start = i + 1
		}
	}
	if start < len(pattern) {
		toks = append(toks, pattern[start:])
	}
	return toks
}
