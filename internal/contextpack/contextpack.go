package contextpack

import (
	"fmt"
	"os"
	"strings"

	"github.com/hochfrequenz/refactor-orch/internal/domain"
)

// SymbolKind is the closed set of symbol kinds the external indexer
// reports (grounded on the shape read by
// original_source/.../context_pack.py's _get_symbol_summary).
type SymbolKind string

// Symbol is one named declaration in a file, as read from the
// external indexer's read-only output.
type Symbol struct {
	Kind SymbolKind
	Name string
	Line int
}

// SymbolIndex is the minimal read interface this package needs from
// the out-of-scope external indexer.
type SymbolIndex interface {
	FileSymbols(path string) []Symbol
	Files() []string
}

// DependencyInfo is one file's import/importer/external-dependency
// summary (grounded on the shape read by _get_dependency_info).
type DependencyInfo struct {
	Imports      []string
	ImportedBy   []string
	ExternalDeps []string
}

// DependencyGraph is the minimal read interface this package needs
// from the out-of-scope external indexer.
type DependencyGraph interface {
	Lookup(path string) (DependencyInfo, bool)
}

// LedgerTailer is the minimal read interface this package needs from
// internal/ledger.
type LedgerTailer interface {
	Tail(n int) ([]domain.LedgerEntry, error)
}

// Pack is the assembled context handed to a Patcher prompt.
type Pack struct {
	Sections []string
}

// Manifest records what was and was not included, for the final
// report and for debugging context-pack truncation.
type Manifest struct {
	IncludedFiles []string
	SkippedFiles  []string
	TruncatedFull []string
	UsedChars     int
	UsedLines     int
}

func (p Pack) String() string {
	return strings.Join(p.Sections, "\n\n")
}

// Builder assembles a Pack for one batch within a repo root.
type Builder struct {
	repoRoot string
	symbols  SymbolIndex
	deps     DependencyGraph
	ledger   LedgerTailer
}

// New constructs a Builder. symbols/deps/ledger may be nil; each
// section is skipped gracefully when its source is unavailable,
// mirroring the Python original's builder tolerating nil
// symbols/deps/ledger.
func New(repoRoot string, symbols SymbolIndex, deps DependencyGraph, ledger LedgerTailer) *Builder {
	return &Builder{repoRoot: repoRoot, symbols: symbols, deps: deps, ledger: ledger}
}

// scopeFiles resolves scopeGlobs to concrete file paths, preferring
// the symbol index's known file list and falling back to a direct
// path check for literal (non-glob) entries.
func (b *Builder) scopeFiles(scopeGlobs, excludeGlobs []string) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		if MatchAny(excludeGlobs, path) {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for _, pattern := range scopeGlobs {
		if fi, err := os.Stat(joinRepoPath(b.repoRoot, pattern)); err == nil && !fi.IsDir() {
			add(pattern)
			continue
		}
		if b.symbols == nil {
			continue
		}
		for _, path := range b.symbols.Files() {
			if MatchGlob(pattern, path) {
				add(path)
			}
		}
	}
	return out
}

func joinRepoPath(root, rel string) string {
	if root == "" {
		return rel
	}
	return root + string(os.PathSeparator) + rel
}

// symbolSummary renders up to 20 symbols for path (spec.md §4.E;
// matches the Python original's 20-symbol cap).
func (b *Builder) symbolSummary(path string) string {
	if b.symbols == nil {
		return ""
	}
	symbols := b.symbols.FileSymbols(path)
	if len(symbols) == 0 {
		return ""
	}
	lines := []string{fmt.Sprintf("Symbols in %s:", path)}
	for i, s := range symbols {
		if i >= 20 {
			break
		}
		lines = append(lines, fmt.Sprintf("  - %s: %s (line %d)", s.Kind, s.Name, s.Line))
	}
	return strings.Join(lines, "\n")
}

// dependencySummary renders import/importer/external-dep info for
// path, capped at 10 entries per list (matches the Python original).
func (b *Builder) dependencySummary(path string) string {
	if b.deps == nil {
		return ""
	}
	info, ok := b.deps.Lookup(path)
	if !ok {
		return ""
	}
	lines := []string{fmt.Sprintf("Dependencies for %s:", path)}
	if len(info.Imports) > 0 {
		lines = append(lines, fmt.Sprintf("  Imports (%d):", len(info.Imports)))
		for i, imp := range info.Imports {
			if i >= 10 {
				break
			}
			lines = append(lines, "    - "+imp)
		}
	}
	if len(info.ImportedBy) > 0 {
		lines = append(lines, fmt.Sprintf("  Imported by (%d):", len(info.ImportedBy)))
		for i, imp := range info.ImportedBy {
			if i >= 10 {
				break
			}
			lines = append(lines, "    - "+imp)
		}
	}
	if len(info.ExternalDeps) > 0 {
		shown := info.ExternalDeps
		if len(shown) > 10 {
			shown = shown[:10]
		}
		lines = append(lines, "  External deps: "+strings.Join(shown, ", "))
	}
	return strings.Join(lines, "\n")
}

// excerptOrFull reads path and emits either the full file (when it is
// small enough, ≤60 lines, per spec.md §4.E) or an excerpt of its first
// 30 lines, honoring budget throughout. This is the excerpt-first policy
// spec.md mandates in place of the Python original's always-full-file
// build_patcher_context behavior.
func (b *Builder) excerptOrFull(path string, budget *Budget, manifest *Manifest) string {
	data, err := os.ReadFile(joinRepoPath(b.repoRoot, path))
	if err != nil {
		manifest.SkippedFiles = append(manifest.SkippedFiles, path)
		return ""
	}
	content := string(data)
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")

	if len(lines) <= 60 {
		block := fmt.Sprintf("### %s\n```\n%s\n```", path, content)
		if budget.canAddChars(len(block)) && budget.canAddLines(len(lines)) {
			budget.addChars(len(block))
			budget.addLines(len(lines))
			manifest.IncludedFiles = append(manifest.IncludedFiles, path)
			return block
		}
	}

	windowSize := 30
	if windowSize > len(lines) {
		windowSize = len(lines)
	}
	excerptLines := lines[:windowSize]
	excerpt := strings.Join(excerptLines, "\n")
	block := fmt.Sprintf("```%s:1-%d\n%s\n```", path, windowSize, excerpt)

	if !budget.canAddChars(len(block)) || !budget.canAddLines(windowSize) {
		manifest.SkippedFiles = append(manifest.SkippedFiles, path)
		return ""
	}
	budget.addChars(len(block))
	budget.addLines(windowSize)
	manifest.TruncatedFull = append(manifest.TruncatedFull, path)
	manifest.IncludedFiles = append(manifest.IncludedFiles, path)
	return block
}

func (b *Builder) recentLedgerSection(budget *Budget) string {
	if b.ledger == nil {
		return ""
	}
	entries, err := b.ledger.Tail(budget.MaxLedgerEntries)
	if err != nil || len(entries) == 0 {
		return ""
	}
	lines := []string{"Recent refactoring activity:"}
	for _, e := range entries {
		if !budget.addLedgerEntry() {
			break
		}
		summary := fmt.Sprintf("  - [%s] %s: %s", e.BatchID, e.Outcome, e.Goal)
		if !budget.addChars(len(summary)) {
			break
		}
		lines = append(lines, summary)
	}
	return strings.Join(lines, "\n")
}

// Build assembles a Pack for batch, within budget. For each file matched
// by the batch's scope globs, in glob-match order, it adds the file's
// symbol summary, then its dependency summary, then its full content or
// first-30-line excerpt, followed by a recent-ledger section; sections
// stop being added once the budget is exhausted. Files are not ranked by
// ledger recency or fan-in, imported files outside the scope are not
// added, and excerpts are not positioned around referenced symbols.
func (b *Builder) Build(batch domain.Batch, budget Budget) (Pack, Manifest) {
	var pack Pack
	var manifest Manifest

	files := b.scopeFiles(batch.ScopeGlobs, batch.ExcludeGlobs)

	for _, path := range files {
		if summary := b.symbolSummary(path); summary != "" {
			if budget.addChars(len(summary)) {
				pack.Sections = append(pack.Sections, summary)
			}
		}
		if dep := b.dependencySummary(path); dep != "" {
			if budget.addChars(len(dep)) {
				pack.Sections = append(pack.Sections, dep)
			}
		}
		if block := b.excerptOrFull(path, &budget, &manifest); block != "" {
			pack.Sections = append(pack.Sections, block)
		}
		if budget.remainingChars() <= 0 {
			break
		}
	}

	if section := b.recentLedgerSection(&budget); section != "" {
		pack.Sections = append(pack.Sections, section)
	}

	manifest.UsedChars = budget.usedChars
	manifest.UsedLines = budget.usedExcerptLines
	return pack, manifest
}
