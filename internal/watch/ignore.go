package watch

import (
	"path"
	"path/filepath"
	"strings"
)

// DefaultIgnore lists version-control and dependency directories that are
// never synchronized.
var DefaultIgnore = []string{".git", ".hg", ".svn", "node_modules", "bower_components"}

// Matcher decides which paths are noise. Patterns without a slash match any
// single path segment, patterns with a slash match the whole relative path.
type Matcher struct {
	names []string
	paths []string
}

func NewMatcher(extra []string) *Matcher {
	m := &Matcher{}
	for _, pattern := range append(append([]string(nil), DefaultIgnore...), extra...) {
		pattern = strings.Trim(filepath.ToSlash(pattern), "/")
		if pattern == "" {
			continue
		}
		if strings.Contains(pattern, "/") {
			m.paths = append(m.paths, pattern)
		} else {
			m.names = append(m.names, pattern)
		}
	}
	return m
}

// MatchName reports whether a single file or directory name is ignored.
func (m *Matcher) MatchName(name string) bool {
	for _, pattern := range m.names {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Match reports whether rel, relative to the synchronized root, is ignored.
func (m *Matcher) Match(rel string) bool {
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" || rel == "." {
		return false
	}

	for _, segment := range strings.Split(rel, "/") {
		if m.MatchName(segment) {
			return true
		}
	}
	for _, pattern := range m.paths {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if strings.HasPrefix(rel, pattern+"/") {
			return true
		}
	}
	return false
}
