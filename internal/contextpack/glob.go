package contextpack

import (
	"path/filepath"
	"strings"
)

// MatchGlob reports whether name matches pattern, supporting a `**`
// path-spanning wildcard in addition to stdlib filepath.Match's
// single-segment `*`/`?`/character-class syntax. Hand-rolled: no
// globbing library in the example pack supports `**` either (confirmed
// by grep), and this is the one piece of glob logic both
// internal/contextpack and internal/patchapply need.
func MatchGlob(pattern, name string) bool {
	patternParts := strings.Split(filepath.ToSlash(pattern), "/")
	nameParts := strings.Split(filepath.ToSlash(name), "/")
	return matchParts(patternParts, nameParts)
}

func matchParts(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}

	head := pattern[0]
	if head == "**" {
		if len(pattern) == 1 {
			return true
		}
		for i := 0; i <= len(name); i++ {
			if matchParts(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	}

	if len(name) == 0 {
		return false
	}

	ok, err := filepath.Match(head, name[0])
	if err != nil || !ok {
		return false
	}
	return matchParts(pattern[1:], name[1:])
}

// MatchAny reports whether name matches any of patterns.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if MatchGlob(p, name) {
			return true
		}
	}
	return false
}
