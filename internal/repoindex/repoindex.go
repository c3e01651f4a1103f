// Package repoindex builds the symbol and dependency index that
// planner.RepoIndex, contextpack.SymbolIndex and contextpack.DependencyGraph
// read from. spec.md and SPEC_FULL.md treat the indexer as an external,
// out-of-scope collaborator consumed as a read-only artifact; this package
// is that artifact's in-process producer, so cmd/refactor-orch has a real
// index to run plan/run against rather than only the interfaces. Grounded
// on original_source/refactor_bot/indexer/{symbols,deps}.py: same
// line-by-line regex extraction per extension, same relative-import
// resolution for Python and JavaScript/TypeScript, same fan-in/leaf
// definitions. The Python original's ripgrep subprocess path
// (_run_ripgrep) is dead code never called from index_files, so it has no
// Go counterpart here either.
package repoindex

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/hochfrequenz/refactor-orch/internal/contextpack"
)

const (
	KindFunction  contextpack.SymbolKind = "function"
	KindClass     contextpack.SymbolKind = "class"
	KindMethod    contextpack.SymbolKind = "method"
	KindInterface contextpack.SymbolKind = "interface"
	KindType      contextpack.SymbolKind = "type"
	KindConstant  contextpack.SymbolKind = "constant"
	KindVariable  contextpack.SymbolKind = "variable"
	KindEnum      contextpack.SymbolKind = "enum"
)

type symbolPattern struct {
	kind contextpack.SymbolKind
	re   *regexp.Regexp
}

func sp(kind contextpack.SymbolKind, pattern string) symbolPattern {
	return symbolPattern{kind: kind, re: regexp.MustCompile(pattern)}
}

// symbolPatterns mirrors symbols.py's SYMBOL_PATTERNS, keyed by file
// extension (without the dot) instead of language name, matching the
// vocabulary planner.formattableExtensions already uses.
var symbolPatterns = map[string][]symbolPattern{
	"py": {
		sp(KindFunction, `^def\s+(\w+)\s*\(`),
		sp(KindClass, `^class\s+(\w+)\s*[(:]`),
		sp(KindMethod, `^\s+def\s+(\w+)\s*\(`),
		sp(KindConstant, `^([A-Z][A-Z_0-9]+)\s*=`),
	},
	"js": {
		sp(KindFunction, `^(?:export\s+)?(?:async\s+)?function\s+(\w+)\s*\(`),
		sp(KindFunction, `^(?:export\s+)?const\s+(\w+)\s*=\s*(?:async\s+)?\(`),
		sp(KindFunction, `^(?:export\s+)?const\s+(\w+)\s*=\s*(?:async\s+)?function`),
		sp(KindClass, `^(?:export\s+)?class\s+(\w+)`),
		sp(KindConstant, `^(?:export\s+)?const\s+([A-Z][A-Z_0-9]+)\s*=`),
	},
	"ts": {
		sp(KindFunction, `^(?:export\s+)?(?:async\s+)?function\s+(\w+)`),
		sp(KindFunction, `^(?:export\s+)?const\s+(\w+)\s*=\s*(?:async\s+)?\(`),
		sp(KindClass, `^(?:export\s+)?class\s+(\w+)`),
		sp(KindInterface, `^(?:export\s+)?interface\s+(\w+)`),
		sp(KindType, `^(?:export\s+)?type\s+(\w+)\s*=`),
		sp(KindEnum, `^(?:export\s+)?enum\s+(\w+)`),
	},
	"rs": {
		sp(KindFunction, `^(?:pub\s+)?(?:async\s+)?fn\s+(\w+)`),
		sp(KindClass, `^(?:pub\s+)?struct\s+(\w+)`),
		sp(KindInterface, `^(?:pub\s+)?trait\s+(\w+)`),
		sp(KindEnum, `^(?:pub\s+)?enum\s+(\w+)`),
		sp(KindType, `^(?:pub\s+)?type\s+(\w+)\s*=`),
		sp(KindConstant, `^(?:pub\s+)?const\s+(\w+):`),
	},
	"go": {
		sp(KindFunction, `^func\s+(\w+)\s*\(`),
		sp(KindMethod, `^func\s+\([^)]+\)\s+(\w+)\s*\(`),
		sp(KindClass, `^type\s+(\w+)\s+struct`),
		sp(KindInterface, `^type\s+(\w+)\s+interface`),
		sp(KindConstant, `^const\s+(\w+)\s*=`),
		sp(KindVariable, `^var\s+(\w+)\s+`),
	},
	"java": {
		sp(KindClass, `^(?:public\s+)?(?:abstract\s+)?class\s+(\w+)`),
		sp(KindInterface, `^(?:public\s+)?interface\s+(\w+)`),
		sp(KindEnum, `^(?:public\s+)?enum\s+(\w+)`),
		sp(KindMethod, `^\s+(?:public|private|protected)?\s*(?:static\s+)?(?:\w+\s+)+(\w+)\s*\(`),
	},
	"gd": {
		sp(KindClass, `^class_name\s+(\w+)`),
		sp(KindClass, `^class\s+(\w+)`),
		sp(KindFunction, `^func\s+(\w+)\s*\(`),
		sp(KindMethod, "^\t+func\\s+(\\w+)\\s*\\("),
		sp(KindVariable, `^(?:@export\s+)?var\s+(\w+)`),
		sp(KindConstant, `^const\s+(\w+)\s*=`),
		sp(KindConstant, `^enum\s+(\w+)\s*\{`),
		sp(KindFunction, `^signal\s+(\w+)`),
	},
}

func init() {
	symbolPatterns["jsx"] = symbolPatterns["js"]
	symbolPatterns["mjs"] = symbolPatterns["js"]
	symbolPatterns["tsx"] = symbolPatterns["ts"]
}

type importPattern struct {
	re *regexp.Regexp
}

func ip(pattern string) importPattern { return importPattern{re: regexp.MustCompile(pattern)} }

// importPatterns mirrors deps.py's IMPORT_PATTERNS, simplified to a
// single capture group (the module string); this package never needs
// the imported-names list deps.py also captures.
var importPatterns = map[string][]importPattern{
	"py": {
		ip(`^from\s+([\w.]+)\s+import\s+`),
		ip(`^import\s+([\w.]+)`),
	},
	"js": {
		ip(`^import\s+.*from\s*['"]([^'"]+)['"]`),
		ip(`^import\s*['"]([^'"]+)['"]`),
		ip(`require\(['"]([^'"]+)['"]\)`),
	},
	"ts": {
		ip(`^import\s+.*from\s*['"]([^'"]+)['"]`),
		ip(`^import\s*['"]([^'"]+)['"]`),
	},
	"go": {
		// The second pattern mirrors deps.py's own '^\s+"..."' pattern for
		// imports inside a parenthesized import block; since both this
		// package and the Python original strip leading whitespace from
		// each line before matching, it never actually fires there either
		// - parenthesized Go import blocks are a known gap in both.
		ip(`^import\s+"([^"]+)"`),
		ip(`^\s+"([^"]+)"`),
	},
	"rs": {
		ip(`^use\s+((?:crate|super|self)(?:::\w+)*)`),
		ip(`^extern\s+crate\s+(\w+)`),
	},
}

func init() {
	importPatterns["jsx"] = importPatterns["js"]
	importPatterns["mjs"] = importPatterns["js"]
	importPatterns["tsx"] = importPatterns["ts"]
}

// defaultExcludes mirrors symbols.py/deps.py's shared exclude globs.
var defaultExcludes = []string{
	"**/node_modules/**", "**/.git/**", "**/dist/**", "**/build/**",
	"**/__pycache__/**", "**/.venv/**", "**/venv/**",
}

type fileNode struct {
	imports      []string
	importedBy   map[string]struct{}
	externalDeps []string
}

// Index is the concrete, in-process producer of the read-only index
// artifact planner.RepoIndex / contextpack.SymbolIndex /
// contextpack.DependencyGraph expect to consume.
type Index struct {
	root       string
	filesByExt map[string][]string
	allFiles   []string
	symbols    map[string][]contextpack.Symbol
	nodes      map[string]*fileNode
}

type rawImport struct {
	module string
	ext    string
}

// Build walks root and indexes every file whose extension this package
// recognizes (symbols.py's index_files skips files with no known
// language, aside from a handful of Godot text formats this package
// does not extract symbols from either).
func Build(root string) (*Index, error) {
	idx := &Index{
		root:       root,
		filesByExt: map[string][]string{},
		symbols:    map[string][]contextpack.Symbol{},
		nodes:      map[string]*fileNode{},
	}

	pending := map[string][]rawImport{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if contextpack.MatchAny(defaultExcludes, rel) {
			return nil
		}

		ext := strings.TrimPrefix(filepath.Ext(rel), ".")
		_, hasSymbols := symbolPatterns[ext]
		_, hasImports := importPatterns[ext]
		if !hasSymbols && !hasImports {
			return nil
		}

		idx.filesByExt[ext] = append(idx.filesByExt[ext], rel)
		idx.allFiles = append(idx.allFiles, rel)
		idx.nodes[rel] = &fileNode{importedBy: map[string]struct{}{}}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		lines := strings.Split(string(data), "\n")

		idx.extractSymbols(rel, ext, lines)
		if imports := extractImports(ext, lines); len(imports) > 0 {
			pending[rel] = imports
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for rel, imports := range pending {
		idx.resolveImports(rel, imports)
	}

	return idx, nil
}

func (idx *Index) extractSymbols(rel, ext string, lines []string) {
	patterns, ok := symbolPatterns[ext]
	if !ok {
		return
	}
	for i, line := range lines {
		for _, p := range patterns {
			if m := p.re.FindStringSubmatch(line); m != nil {
				idx.symbols[rel] = append(idx.symbols[rel], contextpack.Symbol{
					Kind: p.kind,
					Name: m[1],
					Line: i + 1,
				})
			}
		}
	}
}

func extractImports(ext string, lines []string) []rawImport {
	patterns, ok := importPatterns[ext]
	if !ok {
		return nil
	}
	var out []rawImport
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, p := range patterns {
			if m := p.re.FindStringSubmatch(trimmed); m != nil {
				out = append(out, rawImport{module: m[1], ext: ext})
				break
			}
		}
	}
	return out
}

// resolveImports mirrors deps.py's DependencyAnalyzer.analyze loop body
// for one file: every import either resolves to a node already
// discovered in this repo (an internal edge) or, if it isn't a relative
// reference, is recorded as an external dependency.
func (idx *Index) resolveImports(rel string, imports []rawImport) {
	node := idx.nodes[rel]
	for _, imp := range imports {
		resolved, isRelative := idx.resolveImport(imp.module, rel, imp.ext)
		switch {
		case resolved != "":
			node.imports = append(node.imports, resolved)
			if target, ok := idx.nodes[resolved]; ok {
				target.importedBy[rel] = struct{}{}
			}
		case !isRelative:
			node.externalDeps = append(node.externalDeps, imp.module)
		}
	}
}

// resolveImport mirrors deps.py's _is_relative_import/_resolve_import.
// Resolution (finding a concrete file for the import) is only
// implemented for Python and JavaScript/TypeScript, matching the
// Python original; Go and Rust imports are classified as
// relative-or-not but never resolved to a specific node.
func (idx *Index) resolveImport(module, fromRel, ext string) (resolved string, isRelative bool) {
	switch ext {
	case "py":
		return idx.resolvePythonImport(module, fromRel)
	case "js", "jsx", "mjs", "ts", "tsx":
		return idx.resolveJSImport(module, fromRel)
	case "go":
		return "", !strings.HasPrefix(module, "github.com") && strings.Contains(module, "/")
	case "rs":
		return "", strings.HasPrefix(module, "crate") || strings.HasPrefix(module, "super") || strings.HasPrefix(module, "self")
	default:
		return "", false
	}
}

func (idx *Index) resolvePythonImport(module, fromRel string) (string, bool) {
	isRelative := strings.HasPrefix(module, ".")
	if !isRelative {
		target := strings.Join(strings.Split(module, "."), "/")
		if resolved := idx.firstExisting(target, ".py", "/__init__.py"); resolved != "" {
			return resolved, false
		}
		return "", false
	}

	rest := strings.TrimLeft(module, ".")
	levels := len(module) - len(rest)
	dir := filepath.ToSlash(filepath.Dir(fromRel))
	for i := 1; i < levels; i++ {
		dir = filepath.ToSlash(filepath.Dir(dir))
	}

	target := rest
	if rest != "" {
		target = strings.Join(strings.Split(rest, "."), "/")
	}
	if dir != "." && dir != "" {
		if target == "" {
			target = dir
		} else {
			target = dir + "/" + target
		}
	}
	return idx.firstExisting(target, ".py", "/__init__.py"), true
}

func (idx *Index) resolveJSImport(module, fromRel string) (string, bool) {
	isRelative := strings.HasPrefix(module, ".") || strings.HasPrefix(module, "/")
	if !isRelative {
		return "", false
	}
	dir := filepath.ToSlash(filepath.Dir(fromRel))
	target := filepath.ToSlash(filepath.Join(dir, module))
	return idx.firstExisting(target, "", ".js", ".jsx", ".ts", ".tsx", "/index.js", "/index.ts"), true
}

func (idx *Index) firstExisting(target string, suffixes ...string) string {
	for _, suffix := range suffixes {
		candidate := target + suffix
		if _, ok := idx.nodes[candidate]; ok {
			return candidate
		}
	}
	return ""
}

// FilesByExtension implements planner.RepoIndex.
func (idx *Index) FilesByExtension() map[string][]string {
	out := make(map[string][]string, len(idx.filesByExt))
	for ext, files := range idx.filesByExt {
		cp := append([]string(nil), files...)
		sort.Strings(cp)
		out[ext] = cp
	}
	return out
}

// FanIn implements planner.RepoIndex.
func (idx *Index) FanIn(path string) int {
	node, ok := idx.nodes[path]
	if !ok {
		return 0
	}
	return len(node.importedBy)
}

// Hotspots implements planner.RepoIndex: paths with fan-in >= minFanIn,
// highest fan-in first, ties broken by path.
func (idx *Index) Hotspots(minFanIn int) []string {
	var out []string
	for path, node := range idx.nodes {
		if len(node.importedBy) >= minFanIn {
			out = append(out, path)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		fi, fj := len(idx.nodes[out[i]].importedBy), len(idx.nodes[out[j]].importedBy)
		if fi != fj {
			return fi > fj
		}
		return out[i] < out[j]
	})
	return out
}

// Leaves implements planner.RepoIndex: paths with zero fan-in, sorted
// by path.
func (idx *Index) Leaves() []string {
	var out []string
	for path, node := range idx.nodes {
		if len(node.importedBy) == 0 {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// Files implements contextpack.SymbolIndex.
func (idx *Index) Files() []string {
	out := append([]string(nil), idx.allFiles...)
	sort.Strings(out)
	return out
}

// FileSymbols implements contextpack.SymbolIndex.
func (idx *Index) FileSymbols(path string) []contextpack.Symbol {
	return idx.symbols[path]
}

// Lookup implements contextpack.DependencyGraph.
func (idx *Index) Lookup(path string) (contextpack.DependencyInfo, bool) {
	node, ok := idx.nodes[path]
	if !ok {
		return contextpack.DependencyInfo{}, false
	}
	importedBy := make([]string, 0, len(node.importedBy))
	for by := range node.importedBy {
		importedBy = append(importedBy, by)
	}
	sort.Strings(importedBy)
	return contextpack.DependencyInfo{
		Imports:      append([]string(nil), node.imports...),
		ImportedBy:   importedBy,
		ExternalDeps: append([]string(nil), node.externalDeps...),
	}, true
}
