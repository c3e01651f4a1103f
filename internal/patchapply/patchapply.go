// Package patchapply validates and applies one batch's PatchProposal
// within the isolated worktree. Grounded on
// original_source/refactor_bot/patch_apply.py's PatchValidator/
// PatchApplicator, restated per spec.md §4.G's stricter validation
// ordering and its formatting-only constraint (new vs. the Python
// validator). Application uses `git apply` exclusively — the Python
// original's apply_with_fallback Python-hunk fallback applier is
// dropped, per spec.md's "Application uses the worktree's native
// apply" with no fallback path.
package patchapply

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/refactor-orch/internal/contextpack"
	"github.com/hochfrequenz/refactor-orch/internal/domain"
)

// ErrEmptyPatch is returned when a proposal's diff is blank.
var ErrEmptyPatch = errors.New("patchapply: empty patch")

// ErrBinaryNotAllowed is returned when a diff contains binary hunks
// and the batch does not explicitly allow them.
var ErrBinaryNotAllowed = errors.New("patchapply: binary file changes not allowed")

// Validator checks a PatchProposal's diff against one batch's
// constraints before anything touches the filesystem.
type Validator struct {
	WorktreePath      string
	ScopeGlobs        []string
	ExcludeGlobs      []string
	DiffBudgetLOC     int
	AllowBinary       bool
	FormattingOnly    bool
	FormatterCommands map[string]string
}

// NewValidator builds a Validator for batch within worktreePath.
// FormattingOnly is set when batch's only operation kind is Format,
// triggering spec.md §4.G's formatter-command constraint.
func NewValidator(worktreePath string, batch *domain.Batch, formatterCommands map[string]string, allowBinary bool) *Validator {
	formattingOnly := len(batch.OperationKinds) == 1 && batch.OperationKinds[0] == domain.OpFormat
	return &Validator{
		WorktreePath:      worktreePath,
		ScopeGlobs:        batch.ScopeGlobs,
		ExcludeGlobs:      batch.ExcludeGlobs,
		DiffBudgetLOC:     batch.DiffBudgetLOC,
		AllowBinary:       allowBinary,
		FormattingOnly:    formattingOnly,
		FormatterCommands: formatterCommands,
	}
}

// Validate runs every check from spec.md §4.G, in order: non-empty
// diff, diff-budget, scope/exclude globs, binary-hunk rejection,
// formatting-only formatter-extension constraint, and finally a
// `git apply --check` dry run.
func (v *Validator) Validate(ctx context.Context, diff string) (PatchStats, error) {
	if strings.TrimSpace(diff) == "" {
		return PatchStats{}, ErrEmptyPatch
	}

	stats := ParseUnifiedDiffStats(diff)

	if stats.TotalChanged() > v.DiffBudgetLOC {
		return stats, fmt.Errorf("patchapply: diff exceeds budget: %d > %d", stats.TotalChanged(), v.DiffBudgetLOC)
	}

	for _, f := range stats.FilesTouched {
		if len(v.ScopeGlobs) > 0 && !contextpack.MatchAny(v.ScopeGlobs, f) {
			return stats, fmt.Errorf("patchapply: file out of scope: %s not matching %v", f, v.ScopeGlobs)
		}
		if contextpack.MatchAny(v.ExcludeGlobs, f) {
			return stats, fmt.Errorf("patchapply: file excluded: %s matches %v", f, v.ExcludeGlobs)
		}
	}

	if !v.AllowBinary && strings.Contains(diff, "Binary files") {
		return stats, ErrBinaryNotAllowed
	}

	if v.FormattingOnly {
		for _, f := range stats.FilesTouched {
			ext := strings.TrimPrefix(filepath.Ext(f), ".")
			if _, ok := v.FormatterCommands[ext]; !ok {
				return stats, fmt.Errorf("patchapply: formatting-only batch touches %s, no configured formatter for .%s", f, ext)
			}
		}
	}

	if err := dryRunApply(ctx, v.WorktreePath, diff); err != nil {
		return stats, fmt.Errorf("patchapply: patch would not apply cleanly: %w", err)
	}

	return stats, nil
}

// Applicator applies and reverts validated diffs within a worktree.
type Applicator struct {
	WorktreePath      string
	FormatterCommands map[string]string
}

// NewApplicator builds an Applicator pinned to worktreePath.
func NewApplicator(worktreePath string, formatterCommands map[string]string) *Applicator {
	return &Applicator{WorktreePath: worktreePath, FormatterCommands: formatterCommands}
}

// Apply applies diff via `git apply`. For a formatting-only batch the
// model's diff is validated for scope/budget only; the actual content
// change is produced by re-running the configured formatter command on
// every touched file, never by applying the model-authored hunks
// directly — per spec.md §4.G's formatting-only constraint.
func (a *Applicator) Apply(ctx context.Context, diff string, formattingOnly bool, touchedFiles []string) error {
	if formattingOnly {
		return a.runFormatters(ctx, touchedFiles)
	}
	return a.gitApply(ctx, diff, false)
}

// Revert reverses a previously applied diff via `git apply --reverse`.
func (a *Applicator) Revert(ctx context.Context, diff string) error {
	return a.gitApply(ctx, diff, true)
}

func (a *Applicator) runFormatters(ctx context.Context, touchedFiles []string) error {
	for _, f := range touchedFiles {
		ext := strings.TrimPrefix(filepath.Ext(f), ".")
		cmdTemplate, ok := a.FormatterCommands[ext]
		if !ok {
			return fmt.Errorf("patchapply: no configured formatter for .%s", ext)
		}
		cmdStr := strings.ReplaceAll(cmdTemplate, "{file}", f)
		cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)
		cmd.Dir = a.WorktreePath
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("patchapply: formatter for %s failed: %w: %s", f, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

func (a *Applicator) gitApply(ctx context.Context, diff string, reverse bool) error {
	patchFile, cleanup, err := writeTempPatch(diff)
	if err != nil {
		return err
	}
	defer cleanup()

	args := []string{"apply"}
	if reverse {
		args = append(args, "--reverse")
	}
	args = append(args, patchFile)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = a.WorktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func dryRunApply(ctx context.Context, worktreePath, diff string) error {
	patchFile, cleanup, err := writeTempPatch(diff)
	if err != nil {
		return err
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, "git", "apply", "--check", patchFile)
	cmd.Dir = worktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func writeTempPatch(diff string) (string, func(), error) {
	f, err := os.CreateTemp("", "refactor-orch-*.patch")
	if err != nil {
		return "", nil, fmt.Errorf("patchapply: create temp patch file: %w", err)
	}
	if _, err := f.WriteString(diff); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("patchapply: write temp patch file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("patchapply: close temp patch file: %w", err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}
