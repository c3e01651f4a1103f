// Package config loads the repo-root configuration file. Per spec.md's
// scope, the CLI argument surface and config-file loading are external
// collaborators — this package stays a thin struct-with-defaults plus a
// TOML reader, not a validating configuration subsystem.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ClaudeConfig configures the external agent binary invocation
// (spec.md §6 claude.* keys).
type ClaudeConfig struct {
	Binary            string `toml:"binary"`
	AllowedTools      string `toml:"allowed_tools"`
	Tools             string `toml:"tools"`
	MaxTurnsPatcher   int    `toml:"max_turns_patcher"`
	MaxTurnsPlanner   int    `toml:"max_turns_planner"`
}

// ScheduleConfig configures the optional cron-driven recurring run
// trigger (SPEC_FULL.md supplemented feature, internal/schedule).
type ScheduleConfig struct {
	Cron     string `toml:"cron"`
	MaxRuns  int    `toml:"max_runs"`
	Enabled  bool   `toml:"enabled"`
}

// Config is the full set of recognized keys from spec.md §6's table.
type Config struct {
	ScopeExcludes        []string `toml:"scope_excludes"`
	ScopeIncludes        []string `toml:"scope_includes"`
	FastVerifier         []string `toml:"fast_verifier"`
	FullVerifier         []string `toml:"full_verifier"`
	MaxBatches           int      `toml:"max_batches"`
	DiffBudgetLOC        int      `toml:"diff_budget_loc"`
	MaxFilesPerBatch     int      `toml:"max_files_per_batch"`
	RetryPerBatch        int      `toml:"retry_per_batch"`
	RunFullVerifierEvery int      `toml:"run_full_verifier_every"`
	AllowPublicAPIChange bool     `toml:"allow_public_api_changes"`
	AllowLockfileChange  bool     `toml:"allow_lockfile_changes"`
	AllowFormattingOnly  bool     `toml:"allow_formatting_only"`
	UseAgentPlanner      bool     `toml:"use_agent_planner"`
	VerifierTimeoutSecs  int      `toml:"verifier_timeout_seconds"`

	// CancelGraceSeconds bounds how long a cancelled child process (agent
	// or verifier command) is given to exit after SIGTERM before being
	// force-killed (spec.md §5).
	CancelGraceSeconds int `toml:"cancel_grace_seconds"`
	// RunTimeoutSeconds is an optional ceiling on the overall run after
	// which a graceful cancellation is initiated (spec.md §5). Zero
	// means no ceiling.
	RunTimeoutSeconds int `toml:"run_timeout_seconds"`

	// FormatterCommands maps a file extension (no dot) to the shell
	// command that reformats one file in place; "{file}" is replaced
	// with the file's path. Used by internal/patchapply to enforce
	// spec.md §4.G's formatting-only constraint: a formatting-only
	// batch's content must come from running this command, never from
	// a model-authored hunk.
	FormatterCommands map[string]string `toml:"formatter_commands"`

	// Context budget (SPEC_FULL.md §4.E — spec.md's own numeric
	// defaults, not the looser original_source/config.py values).
	MaxPromptChars      int `toml:"max_prompt_chars"`
	MaxFileExcerptLines int `toml:"max_file_excerpt_lines"`
	MaxLedgerEntries    int `toml:"max_ledger_entries"`

	Claude   ClaudeConfig   `toml:"claude"`
	Schedule ScheduleConfig `toml:"schedule"`
}

// LocalConfigName is the recognized config file name at a repo's root.
const LocalConfigName = ".refactor-orch.toml"

// Default returns a Config with spec.md's documented defaults.
func Default() *Config {
	return &Config{
		ScopeExcludes: []string{
			"**/.git/**", "**/node_modules/**", "**/vendor/**",
			"**/dist/**", "**/build/**", "**/.refactor-orch/**",
		},
		FastVerifier:         []string{"echo 'no fast verifier configured'"},
		FullVerifier:         []string{"echo 'no full verifier configured'"},
		MaxBatches:           200,
		DiffBudgetLOC:        300,
		MaxFilesPerBatch:     5,
		RetryPerBatch:        2,
		RunFullVerifierEvery: 5,
		AllowFormattingOnly:  true,
		UseAgentPlanner:      true,
		VerifierTimeoutSecs:  300,
		CancelGraceSeconds:   10,
		RunTimeoutSeconds:    0,
		MaxPromptChars:       40000,
		MaxFileExcerptLines:  600,
		MaxLedgerEntries:     10,
		FormatterCommands: map[string]string{
			"go":  "gofmt -w {file}",
			"py":  "black --quiet {file}",
			"js":  "prettier --write {file}",
			"ts":  "prettier --write {file}",
			"rs":  "rustfmt {file}",
		},
		Claude: ClaudeConfig{
			Binary:          "claude",
			AllowedTools:    "Read,Edit,Bash,Grep,Glob",
			Tools:           "Read,Edit,Bash,Grep,Glob",
			MaxTurnsPatcher: 50,
			MaxTurnsPlanner: 50,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithLocalFallback loads from an explicit path if given, otherwise
// searches upward from the current directory for LocalConfigName.
func LoadWithLocalFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	if found := FindLocalConfig(); found != "" {
		return Load(found)
	}
	return Default(), nil
}

// FindLocalConfig walks upward from the current working directory
// looking for LocalConfigName, returning "" if none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// CacheRoot returns the user-home cache directory root, honoring the
// REFACTOR_ORCH_HOME override (spec.md §6's optional environment
// variable).
func CacheRoot() string {
	if v := os.Getenv("REFACTOR_ORCH_HOME"); v != "" {
		return ExpandPath(v)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".refactor-orch")
}

func (c *Config) WorktreesDir() string { return filepath.Join(CacheRoot(), "worktrees") }
func (c *Config) BackupsDir() string   { return filepath.Join(CacheRoot(), "backups") }
