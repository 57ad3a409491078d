package scan

import (
	"path"
	"strings"
)

// ignorePattern is a parsed ignore pattern with its matching strategy.
type ignorePattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = match against basename only
}

// IgnoreMatcher checks file paths against a set of ignore patterns.
// Patterns without '/' match against the file's basename only.
// Patterns with '/' match against the full relative path from the folder root.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, ignorePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Match reports whether the given relative slash path should be ignored.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	if len(m.patterns) == 0 {
		return false
	}

	basename := path.Base(relativePath)

	for _, p := range m.patterns {
		var matched bool
		var err error
		if p.matchPath {
			matched, err = path.Match(p.pattern, relativePath)
		} else {
			matched, err = path.Match(p.pattern, basename)
		}
		if err != nil {
			// Bad pattern, skip it.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
