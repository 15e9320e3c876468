package kestrel

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter is a callback that can be used to exclude paths from being
// returned by a watcher. It accepts an absolute path and returns true if
// that path should be ignored and excluded from events. A nil Filter
// excludes nothing.
type Filter func(path string) bool

// GlobFilter builds a Filter from a set of gitignore-style doublestar
// glob patterns (e.g. "**/.git/**", "**/node_modules/**"). A path is
// excluded if it matches any pattern. The backends pass absolute paths,
// so a pattern meant to match at any depth starts with "**/". Malformed patterns are ignored
// (treated as never-matching) rather than causing GlobFilter to fail,
// since filters are a best-effort convenience on top of the core
// contract, not part of it.
func GlobFilter(patterns ...string) Filter {
	compiled := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		if _, err := doublestar.Match(pattern, "sentinel"); err == nil {
			compiled = append(compiled, pattern)
		}
	}
	return func(path string) bool {
		// doublestar matches against slash-separated paths, so convert
		// from the platform separator first; patterns then behave
		// identically on every platform.
		slashed := filepath.ToSlash(path)
		for _, pattern := range compiled {
			if ok, _ := doublestar.Match(pattern, slashed); ok {
				return true
			}
		}
		return false
	}
}
