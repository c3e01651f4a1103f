package verifier

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// DetectCommands auto-detects fast/full verifier command lists from
// marker files in repoPath. Consolidates what
// original_source/refactor_bot/verifier.py's Verifier.detect_commands
// and config.py's Config.detect_verifiers duplicated into one helper,
// per SPEC_FULL.md §4.H.
func DetectCommands(repoPath string) (fast, full []string) {
	if data, err := os.ReadFile(filepath.Join(repoPath, "package.json")); err == nil {
		var pkg packageJSON
		if json.Unmarshal(data, &pkg) == nil {
			if _, ok := pkg.Scripts["test"]; ok {
				fast = append(fast, "npm test")
				full = append(full, "npm test")
			}
			if _, ok := pkg.Scripts["lint"]; ok {
				full = append(full, "npm run lint")
			}
			if _, ok := pkg.Scripts["typecheck"]; ok {
				full = append(full, "npm run typecheck")
			} else if _, ok := pkg.Scripts["type-check"]; ok {
				full = append(full, "npm run type-check")
			}
		}
	}

	if exists(repoPath, "pyproject.toml") || exists(repoPath, "setup.py") {
		if len(fast) == 0 {
			fast = append(fast, "pytest")
		}
		if len(full) == 0 {
			full = append(full, "pytest", "ruff check .", "mypy .")
		}
	}

	if exists(repoPath, "Cargo.toml") {
		if len(fast) == 0 {
			fast = append(fast, "cargo test")
		}
		if len(full) == 0 {
			full = append(full, "cargo test", "cargo clippy -- -D warnings")
		}
	}

	if exists(repoPath, "go.mod") {
		if len(fast) == 0 {
			fast = append(fast, "go test ./...")
		}
		if len(full) == 0 {
			full = append(full, "go test ./...", "go vet ./...")
		}
	}

	if content, err := os.ReadFile(filepath.Join(repoPath, "Makefile")); err == nil && len(fast) == 0 {
		text := string(content)
		if strings.Contains(text, "test:") {
			fast = append(fast, "make test")
			full = append(full, "make test")
		}
		if strings.Contains(text, "lint:") {
			full = append(full, "make lint")
		}
	}

	if len(fast) == 0 {
		fast = append(fast, "echo 'No test command detected'")
	}
	if len(full) == 0 {
		full = append(full, fast...)
	}

	return fast, full
}

func exists(repoPath, name string) bool {
	_, err := os.Stat(filepath.Join(repoPath, name))
	return err == nil
}
