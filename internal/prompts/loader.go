package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Loader resolves prompt templates by path, checking override
// directories before falling back to the embedded versioned copies.
// Each run constructs its own Loader (via NewLoader); there is
// deliberately no package-level singleton (spec.md §9: no global
// mutable state — a run-scoped object threads configuration through
// components instead).
type Loader struct {
	overrideDirs []string
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds a template's YAML frontmatter.
type TemplateMeta struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Scopes      []string `yaml:"scopes"`
}

// NewLoader creates a loader with the given override directories,
// checked in order; first match wins, else the embedded copy is used.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// NewLoaderForRepo builds a loader with the standard override search
// path for a given target repo: `<repo>/.refactor-orch/prompts/` then
// `~/.config/refactor-orch/prompts/`.
func NewLoaderForRepo(repoPath string) *Loader {
	var dirs []string
	if repoPath != "" {
		dirs = append(dirs, filepath.Join(repoPath, ".refactor-orch", "prompts"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "refactor-orch", "prompts"))
	}
	return NewLoader(dirs...)
}

func (l *Loader) loadContent(path string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		fullPath := filepath.Join(dir, path)
		if data, err := os.ReadFile(fullPath); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, path)
}

func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g. "planner/refine.md").
func (l *Loader) LoadTemplate(path string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[path]; ok {
		meta := l.metaCache[path]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	tmpl, err := template.New(path).Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[path] = tmpl
	l.metaCache[path] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(path string, data any) (string, error) {
	tmpl, _, err := l.LoadTemplate(path)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", path, err)
	}

	return buf.String(), nil
}

// PlannerRefineData is the template data for planner/refine.md.
type PlannerRefineData struct {
	RepoPath              string
	BatchCount            int
	DraftPlanJSON         string
	MaxBatches            int
	AllowedOperationKinds string
	LedgerTail            string
	StrictReminder        bool
}

// PatcherPatchData is the template data for patcher/patch.md.
type PatcherPatchData struct {
	BatchID            string
	Goal               string
	OperationKinds     string
	ScopeGlobs         string
	ExcludeGlobs       string
	DiffBudgetLOC      int
	ContextPack        string
	LedgerTail         string
	ConstraintReminder string
	StrictReminder     bool
}

// CriticReviewData is the template data for critic/review.md.
type CriticReviewData struct {
	BatchID          string
	Goal             string
	PatchUnifiedDiff string
	Rationale        string
}

// BuildPlannerPrompt renders the planner refinement prompt.
func (l *Loader) BuildPlannerPrompt(data PlannerRefineData) (string, error) {
	return l.Execute("planner/refine.md", data)
}

// BuildPatcherPrompt renders the patcher prompt.
func (l *Loader) BuildPatcherPrompt(data PatcherPatchData) (string, error) {
	return l.Execute("patcher/patch.md", data)
}

// BuildCriticPrompt renders the optional critic review prompt.
func (l *Loader) BuildCriticPrompt(data CriticReviewData) (string, error) {
	return l.Execute("critic/review.md", data)
}

// ClearCache clears the template cache (useful for tests).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}

// schemaFiles maps each agent role to its embedded JSON Schema
// document, checked into the binary alongside the prompt templates.
var schemaFiles = map[string]string{
	"planner": "schemas/planner.schema.json",
	"patcher": "schemas/patcher.schema.json",
	"critic":  "schemas/critic.schema.json",
}

// WriteSchemaFiles materializes the embedded JSON Schema documents
// into dir and returns each role's resulting path. agentdriver needs a
// real filesystem path per call (the external agent binary's
// --json-schema flag takes a path, not inline JSON), while this
// package keeps the documents checked into the binary like every other
// prompt asset.
func WriteSchemaFiles(dir string) (map[string]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("prompts: create schema dir: %w", err)
	}
	out := make(map[string]string, len(schemaFiles))
	for role, embeddedPath := range schemaFiles {
		data, err := fs.ReadFile(embeddedFS, embeddedPath)
		if err != nil {
			return nil, fmt.Errorf("prompts: read embedded schema %s: %w", embeddedPath, err)
		}
		dest := filepath.Join(dir, role+".schema.json")
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return nil, fmt.Errorf("prompts: write schema %s: %w", dest, err)
		}
		out[role] = dest
	}
	return out, nil
}
