package verifier

import (
	"fmt"
	"sort"

	"github.com/hochfrequenz/refactor-orch/internal/contextpack"
)

// Snapshot is a before/after API surface: one entry per symbol the
// index reports for the snapshotted files, exported or not, formatted as
// "path:kind:name" so a diff reads as a stable, sorted symbol set.
// Grounded on original_source/refactor_bot/verifier.py's contract-check
// use of the same AST symbol summary context_pack.py builds, reusing
// contextpack.SymbolIndex rather than a second read interface.
type Snapshot []string

// BuildSnapshot reads every symbol idx reports for files and returns
// them as a sorted Snapshot; unexported symbols are not filtered out.
func BuildSnapshot(idx contextpack.SymbolIndex, files []string) Snapshot {
	var snap Snapshot
	for _, f := range files {
		for _, sym := range idx.FileSymbols(f) {
			snap = append(snap, fmt.Sprintf("%s:%s:%s", f, sym.Kind, sym.Name))
		}
	}
	sort.Strings(snap)
	return snap
}

// Diff returns the symbols present in exactly one of before/after:
// additions and removals to the public API surface between them.
func (before Snapshot) Diff(after Snapshot) []string {
	beforeSet := make(map[string]struct{}, len(before))
	for _, s := range before {
		beforeSet[s] = struct{}{}
	}
	afterSet := make(map[string]struct{}, len(after))
	for _, s := range after {
		afterSet[s] = struct{}{}
	}

	var changed []string
	for _, s := range before {
		if _, ok := afterSet[s]; !ok {
			changed = append(changed, "-"+s)
		}
	}
	for _, s := range after {
		if _, ok := beforeSet[s]; !ok {
			changed = append(changed, "+"+s)
		}
	}
	sort.Strings(changed)
	return changed
}

// CheckContract compares a batch's before/after public-API snapshots.
// When allowPublicAPIChanges is false, any difference is reported as a
// contract violation (ok is false). The orchestrator does not call
// BuildSnapshot or CheckContract.
func CheckContract(before, after Snapshot, allowPublicAPIChanges bool) (violations []string, ok bool) {
	diff := before.Diff(after)
	if len(diff) == 0 {
		return nil, true
	}
	if allowPublicAPIChanges {
		return diff, true
	}
	return diff, false
}
