package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.MaxBatches != 200 {
		t.Errorf("MaxBatches = %d, want 200", cfg.MaxBatches)
	}
	if cfg.DiffBudgetLOC != 300 {
		t.Errorf("DiffBudgetLOC = %d, want 300", cfg.DiffBudgetLOC)
	}
	if cfg.RetryPerBatch != 2 {
		t.Errorf("RetryPerBatch = %d, want 2", cfg.RetryPerBatch)
	}
	// spec.md §4.E numeric defaults, not original_source/config.py's.
	if cfg.MaxPromptChars != 40000 {
		t.Errorf("MaxPromptChars = %d, want 40000", cfg.MaxPromptChars)
	}
	if cfg.MaxFileExcerptLines != 600 {
		t.Errorf("MaxFileExcerptLines = %d, want 600", cfg.MaxFileExcerptLines)
	}
	if cfg.MaxLedgerEntries != 10 {
		t.Errorf("MaxLedgerEntries = %d, want 10", cfg.MaxLedgerEntries)
	}
	if cfg.Claude.Binary != "claude" {
		t.Errorf("Claude.Binary = %q, want claude", cfg.Claude.Binary)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
diff_budget_loc = 150
max_batches = 50
fast_verifier = ["go test ./..."]

[claude]
binary = "my-claude"
max_turns_patcher = 10
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.DiffBudgetLOC != 150 {
		t.Errorf("DiffBudgetLOC = %d, want 150", cfg.DiffBudgetLOC)
	}
	if cfg.MaxBatches != 50 {
		t.Errorf("MaxBatches = %d, want 50", cfg.MaxBatches)
	}
	if len(cfg.FastVerifier) != 1 || cfg.FastVerifier[0] != "go test ./..." {
		t.Errorf("FastVerifier = %v", cfg.FastVerifier)
	}
	if cfg.Claude.Binary != "my-claude" {
		t.Errorf("Claude.Binary = %q, want my-claude", cfg.Claude.Binary)
	}
	if cfg.Claude.MaxTurnsPatcher != 10 {
		t.Errorf("Claude.MaxTurnsPatcher = %d, want 10", cfg.Claude.MaxTurnsPatcher)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxBatches != Default().MaxBatches {
		t.Errorf("expected defaults when file missing")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	localConfig := filepath.Join(root, LocalConfigName)
	if err := os.WriteFile(localConfig, []byte("max_batches = 7"), 0644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	if err := os.Chdir(subdir); err != nil {
		t.Fatal(err)
	}

	found := FindLocalConfig()
	if found != localConfig {
		t.Errorf("FindLocalConfig() = %q, want %q", found, localConfig)
	}
}

func TestFindLocalConfig_NotFound(t *testing.T) {
	root := t.TempDir()

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	if err := os.Chdir(root); err != nil {
		t.Fatal(err)
	}

	if found := FindLocalConfig(); found != "" {
		t.Errorf("FindLocalConfig() = %q, want empty string", found)
	}
}

func TestLoadWithLocalFallback_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	explicitPath := filepath.Join(dir, "explicit.toml")

	if err := os.WriteFile(explicitPath, []byte("max_batches = 9\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithLocalFallback(explicitPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxBatches != 9 {
		t.Errorf("MaxBatches = %d, want 9", cfg.MaxBatches)
	}
}

func TestLoadWithLocalFallback_LocalConfig(t *testing.T) {
	root := t.TempDir()
	localConfig := filepath.Join(root, LocalConfigName)

	if err := os.WriteFile(localConfig, []byte("max_batches = 11\n"), 0644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	if err := os.Chdir(root); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithLocalFallback("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxBatches != 11 {
		t.Errorf("MaxBatches = %d, want 11", cfg.MaxBatches)
	}
}
