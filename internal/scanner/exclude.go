package scanner

import (
	"path/filepath"
	"strings"
)

// excludePattern is a parsed exclude pattern with its matching strategy.
type excludePattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = basename only
	dirOnly   bool // true = pattern ends in "/": only matches directory components
}

// Matcher checks relative paths against a set of exclude patterns.
// Patterns without '/' match a path component's basename anywhere in the
// tree; patterns containing '/' match the full relative path; a trailing
// '/' restricts the pattern to directory components (e.g. ".git/").
type Matcher struct {
	patterns []excludePattern
}

// NewMatcher builds a Matcher from raw pattern strings. Blank lines and
// '#'-prefixed comment lines are skipped, mirroring ignore-file
// conventions.
func NewMatcher(rawPatterns []string) *Matcher {
	var patterns []excludePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		dirOnly := strings.HasSuffix(raw, "/")
		trimmed := strings.TrimSuffix(raw, "/")
		patterns = append(patterns, excludePattern{
			pattern:   trimmed,
			matchPath: strings.Contains(trimmed, "/"),
			dirOnly:   dirOnly,
		})
	}
	return &Matcher{patterns: patterns}
}

// MatchFile reports whether a regular file at relativePath (forward-slash
// separated) should be excluded.
func (m *Matcher) MatchFile(relativePath string) bool {
	return m.match(relativePath, false)
}

// MatchDir reports whether a directory at relativePath should be pruned
// from the walk entirely (its contents are never visited).
func (m *Matcher) MatchDir(relativePath string) bool {
	return m.match(relativePath, true)
}

func (m *Matcher) match(relativePath string, isDir bool) bool {
	basename := relativePath
	if idx := strings.LastIndexByte(relativePath, '/'); idx >= 0 {
		basename = relativePath[idx+1:]
	}
	for _, p := range m.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		target := basename
		if p.matchPath {
			target = relativePath
		}
		if ok, _ := filepath.Match(p.pattern, target); ok {
			return true
		}
	}
	return false
}

// BuiltinExcludes returns the unconditional, OS-specific exclude patterns
// from the configuration surface.
func BuiltinExcludes(goos string) []string {
	common := []string{"*.tmp", "*.cache", ".git/", "node_modules/"}
	switch goos {
	case "windows":
		return append(common, "Thumbs.db", "desktop.ini", "~$*", "$RECYCLE.BIN/")
	case "darwin":
		return append(common, ".DS_Store", ".AppleDouble/", ".Spotlight-V100/")
	default: // linux and other unix-likes
		return append(common, ".Trash-*/", ".thumbnails/", "*.~lock.*", ".directory")
	}
}
