package patchapply

import (
	"sort"
	"strings"
)

// PatchStats is the line/file footprint of one unified diff, grounded
// on original_source/refactor_bot/util.py's parse_unified_diff_stats.
type PatchStats struct {
	LinesAdded   int
	LinesRemoved int
	FilesTouched []string
}

// TotalChanged is the combined added+removed line count checked
// against a batch's diff budget.
func (s PatchStats) TotalChanged() int { return s.LinesAdded + s.LinesRemoved }

// ParseUnifiedDiffStats hand-parses a unified diff's +++ / --- file
// headers and +/- content lines. Hand-rolled: no diff-parsing library
// appears anywhere in the example pack (confirmed by grep), and a
// real parser is unnecessary — the Patch Applier only needs line
// counts and touched-file paths, never a structural hunk
// representation (that stays the exclusive job of `git apply`).
func ParseUnifiedDiffStats(diff string) PatchStats {
	var stats PatchStats
	seen := make(map[string]struct{})

	addFile := func(path string) {
		if path == "" || path == "/dev/null" {
			return
		}
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		stats.FilesTouched = append(stats.FilesTouched, path)
	}

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ b/"):
			addFile(strings.TrimPrefix(line, "+++ b/"))
		case strings.HasPrefix(line, "+++ "):
			addFile(strings.TrimPrefix(line, "+++ "))
		case strings.HasPrefix(line, "--- a/"):
			addFile(strings.TrimPrefix(line, "--- a/"))
		case strings.HasPrefix(line, "--- "):
			addFile(strings.TrimPrefix(line, "--- "))
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			// bare "+++"/"---" with no path, ignore
		case strings.HasPrefix(line, "+"):
			stats.LinesAdded++
		case strings.HasPrefix(line, "-"):
			stats.LinesRemoved++
		}
	}

	sort.Strings(stats.FilesTouched)
	return stats
}
