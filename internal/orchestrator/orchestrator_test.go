package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/refactor-orch/internal/backupmgr"
	"github.com/hochfrequenz/refactor-orch/internal/config"
	"github.com/hochfrequenz/refactor-orch/internal/contextpack"
	"github.com/hochfrequenz/refactor-orch/internal/domain"
	"github.com/hochfrequenz/refactor-orch/internal/prompts"
	"github.com/hochfrequenz/refactor-orch/internal/reposvc"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
}

func newTestOrchestrator(t *testing.T, repo string, patcher PatchFunc) (*Orchestrator, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.RetryPerBatch = 1
	cfg.UseAgentPlanner = false
	cfg.FastVerifier = []string{"true"}
	cfg.FullVerifier = []string{"true"}
	cfg.MaxBatches = 5

	base := t.TempDir()
	o := &Orchestrator{
		Config:  cfg,
		Repo:    reposvc.New(repo, filepath.Join(base, "worktrees")),
		Backups: backupmgr.New(filepath.Join(base, "backups")),
		Index:   testRepoIndex{},
		Symbols: testSymbolIndex{},
		Deps:    testDependencyGraph{},
		Patcher: patcher,
	}
	return o, cfg
}

// testRepoIndex/testSymbolIndex/testDependencyGraph implement the
// narrow read interfaces internal/planner and internal/contextpack
// require from the out-of-scope external indexer.
type testRepoIndex struct{}

func (testRepoIndex) FilesByExtension() map[string][]string { return map[string][]string{"go": {"main.go"}} }
func (testRepoIndex) FanIn(string) int                       { return 0 }
func (testRepoIndex) Hotspots(int) []string                  { return nil }
func (testRepoIndex) Leaves() []string                        { return []string{"main.go"} }

type testSymbolIndex struct{}

func (testSymbolIndex) FileSymbols(string) []contextpack.Symbol { return nil }
func (testSymbolIndex) Files() []string                         { return []string{"main.go"} }

type testDependencyGraph struct{}

func (testDependencyGraph) Lookup(string) (contextpack.DependencyInfo, bool) {
	return contextpack.DependencyInfo{}, false
}

func okProposal(diff string) map[string]any {
	return map[string]any{
		"status":                     "ok",
		"rationale":                  "test patch",
		"patch_unified_diff":         diff,
		"touched_files":              []any{"main.go"},
		"expected_verifier_commands": []any{"true"},
		"risk_notes":                 "",
		"follow_up_suggestions":      []any{},
	}
}

func noopProposal() map[string]any {
	return map[string]any{
		"status":    "noop",
		"rationale": "nothing to do",
	}
}

func blockedProposal(reason string) map[string]any {
	return map[string]any{
		"status":    "blocked",
		"rationale": reason,
	}
}

// makeDiff writes newContent to relPath inside repo, captures a real
// unified diff via `git diff`, then restores the file so the caller
// starts from a clean worktree (mirrors internal/patchapply's test
// helper of the same name).
func makeDiff(t *testing.T, repo, relPath, newContent string) string {
	t.Helper()
	full := filepath.Join(repo, relPath)
	original, err := os.ReadFile(full)
	if err != nil {
		t.Fatalf("read original: %v", err)
	}
	if err := os.WriteFile(full, []byte(newContent), 0o644); err != nil {
		t.Fatalf("write new content: %v", err)
	}

	cmd := exec.Command("git", "diff", "--", relPath)
	cmd.Dir = repo
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git diff: %v", err)
	}

	if err := os.WriteFile(full, original, 0o644); err != nil {
		t.Fatalf("restore original: %v", err)
	}
	return string(out)
}

func TestRun_HappyPathReachesAwaitingUser(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	diff := makeDiff(t, repo, "main.go", "package main\n\n// patched\nfunc main() {}\n")

	// The naive plan produces more than one batch over this tiny repo
	// (a format batch and a leaf-modules batch both scoped to
	// main.go); only the first batch should actually apply the
	// pre-captured diff, since applying it again against the
	// already-patched file would no longer match context. Later
	// batches report noop, which is a legitimate terminal outcome
	// (spec.md §4.I).
	calls := 0
	patcher := func(ctx context.Context, runID, batchID string, attempt int, data prompts.PatcherPatchData) (map[string]any, error) {
		calls++
		if calls == 1 {
			return okProposal(diff), nil
		}
		return noopProposal(), nil
	}

	o, _ := newTestOrchestrator(t, repo, patcher)
	report, err := o.Run(context.Background(), repo)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Run.Status != domain.RunAwaitingUser {
		t.Errorf("Run.Status = %s, want %s", report.Run.Status, domain.RunAwaitingUser)
	}
	if calls == 0 {
		t.Error("expected the patcher to be invoked at least once")
	}
	appliedAtLeastOnce := false
	for _, br := range report.Batches {
		if br.Outcome != domain.OutcomeApplied && br.Outcome != domain.OutcomeNoop {
			t.Errorf("batch %s outcome = %s, want applied or noop", br.BatchID, br.Outcome)
		}
		if br.Outcome == domain.OutcomeApplied {
			appliedAtLeastOnce = true
		}
	}
	if !appliedAtLeastOnce {
		t.Error("expected at least one batch to be applied")
	}
}

func TestRun_AgentNoopRecordsNoopAndContinues(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	patcher := func(ctx context.Context, runID, batchID string, attempt int, data prompts.PatcherPatchData) (map[string]any, error) {
		return noopProposal(), nil
	}

	o, _ := newTestOrchestrator(t, repo, patcher)
	report, err := o.Run(context.Background(), repo)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Run.Status != domain.RunAwaitingUser {
		t.Errorf("Run.Status = %s, want %s", report.Run.Status, domain.RunAwaitingUser)
	}
	for _, br := range report.Batches {
		if br.Outcome != domain.OutcomeNoop {
			t.Errorf("batch %s outcome = %s, want noop", br.BatchID, br.Outcome)
		}
	}
}

func TestRun_VerifierFailsThenRetrySucceeds(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	diff := makeDiff(t, repo, "main.go", "package main\n\n// patched\nfunc main() {}\n")

	// Fast verifier fails once (via a marker file sentinel) then
	// passes, exercising runBatch's verify-fail retry path on the
	// first batch. Only that first batch's attempts get the real
	// diff; once a checkpoint exists, later batches (whose proposed
	// diff would no longer apply against the already-patched file)
	// report noop.
	marker := filepath.Join(t.TempDir(), "marker")
	calls := 0
	patcher := func(ctx context.Context, runID, batchID string, a int, data prompts.PatcherPatchData) (map[string]any, error) {
		calls++
		if calls <= 2 {
			return okProposal(diff), nil
		}
		return noopProposal(), nil
	}

	o, cfg := newTestOrchestrator(t, repo, patcher)
	cfg.RetryPerBatch = 2
	cfg.FastVerifier = []string{"test -f " + marker + " && exit 0 || (touch " + marker + " && exit 1)"}

	report, err := o.Run(context.Background(), repo)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Run.Status != domain.RunAwaitingUser {
		t.Errorf("Run.Status = %s, want %s", report.Run.Status, domain.RunAwaitingUser)
	}
	if calls < 2 {
		t.Errorf("expected at least 2 patcher calls for the retried batch, got %d", calls)
	}
	foundApplied := false
	for _, br := range report.Batches {
		if br.Outcome == domain.OutcomeApplied {
			foundApplied = true
		}
	}
	if !foundApplied {
		t.Error("expected the retried batch to eventually be applied")
	}
}

func TestRun_VerifierFailsPermanentlyAborts(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	diff := makeDiff(t, repo, "main.go", "package main\n\n// patched\nfunc main() {}\n")
	patcher := func(ctx context.Context, runID, batchID string, attempt int, data prompts.PatcherPatchData) (map[string]any, error) {
		return okProposal(diff), nil
	}

	o, cfg := newTestOrchestrator(t, repo, patcher)
	cfg.FastVerifier = []string{"false"}

	report, err := o.Run(context.Background(), repo)
	if err == nil {
		t.Fatal("expected Run to return a persistent-verify-failure error")
	}
	if report.Run.Status != domain.RunAborted {
		t.Errorf("Run.Status = %s, want %s", report.Run.Status, domain.RunAborted)
	}
	if report.RecoveryAction == "" {
		t.Error("expected a non-empty RecoveryAction on abort")
	}
}

func TestRun_OutOfScopePatchRejectedAndBlocked(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)
	// testRepoIndex only ever advertises main.go under extension "go",
	// so every batch's scope glob is rooted at *.go; a diff touching a
	// markdown file falls outside every batch's scope regardless of
	// which batch runs first.
	if err := os.WriteFile(filepath.Join(repo, "notes.md"), []byte("# notes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("git", "add", "-A")
	cmd.Dir = repo
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v: %s", err, out)
	}
	cmd = exec.Command("git", "commit", "-m", "add notes.md")
	cmd.Dir = repo
	cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com", "GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit: %v: %s", err, out)
	}

	diff := makeDiff(t, repo, "notes.md", "# notes\n\nmore\n")
	patcher := func(ctx context.Context, runID, batchID string, attempt int, data prompts.PatcherPatchData) (map[string]any, error) {
		// Propose a diff touching a file outside the batch's scope
		// globs; patchapply.Validate should reject it, exhausting
		// retries into a persistent ApplyFailed abort.
		return okProposal(diff), nil
	}

	o, cfg := newTestOrchestrator(t, repo, patcher)
	cfg.RetryPerBatch = 0

	report, err := o.Run(context.Background(), repo)
	if err == nil {
		t.Fatal("expected Run to abort on an out-of-scope patch")
	}
	if report.Run.Status != domain.RunAborted {
		t.Errorf("Run.Status = %s, want %s", report.Run.Status, domain.RunAborted)
	}
}

func TestRun_BaselineVerifierFailurePreventsAnyMutation(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	patcher := func(ctx context.Context, runID, batchID string, attempt int, data prompts.PatcherPatchData) (map[string]any, error) {
		t.Fatal("patcher must not be invoked when the baseline verifier fails")
		return nil, nil
	}

	o, cfg := newTestOrchestrator(t, repo, patcher)
	cfg.FullVerifier = []string{"false"}

	report, err := o.Run(context.Background(), repo)
	if err == nil {
		t.Fatal("expected Run to abort on baseline verifier failure")
	}
	if report.Run.Status != domain.RunAborted {
		t.Errorf("Run.Status = %s, want %s", report.Run.Status, domain.RunAborted)
	}
	if len(report.Batches) != 0 {
		t.Errorf("expected no batches to have executed, got %d", len(report.Batches))
	}
}

func TestRun_CancellationIsPrompt(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	patcher := func(ctx context.Context, runID, batchID string, attempt int, data prompts.PatcherPatchData) (map[string]any, error) {
		t.Fatal("patcher must not be invoked once the context is already cancelled")
		return nil, nil
	}

	o, _ := newTestOrchestrator(t, repo, patcher)
	report, err := o.Run(ctx, repo)
	if err == nil {
		t.Fatal("expected Run to return an error on cancellation")
	}
	if report.Run.Status != domain.RunAborted {
		t.Errorf("Run.Status = %s, want %s", report.Run.Status, domain.RunAborted)
	}
}

func TestRun_NonCriticalBlockedBatchDoesNotAbort(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	// GenerateNaivePlan never marks a batch Critical, so a blocked
	// proposal records a BLOCKED ledger entry and the run proceeds
	// through the remaining batches to AWAITING_USER (spec.md §4.I:
	// "abort only if batch.Critical").
	patcher := func(ctx context.Context, runID, batchID string, attempt int, data prompts.PatcherPatchData) (map[string]any, error) {
		return blockedProposal("cannot safely refactor without more context"), nil
	}

	o, _ := newTestOrchestrator(t, repo, patcher)
	report, err := o.Run(context.Background(), repo)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Run.Status != domain.RunAwaitingUser {
		t.Errorf("Run.Status = %s, want %s", report.Run.Status, domain.RunAwaitingUser)
	}
	for _, br := range report.Batches {
		if br.Outcome != domain.OutcomeBlocked {
			t.Errorf("batch %s outcome = %s, want blocked", br.BatchID, br.Outcome)
		}
	}
}

func TestRun_NonGitRepoIsInitializedAndReachesAwaitingUser(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	// Deliberately not a git repo: no initRepo call. Repo.Baseline must
	// fall back to "" and Repo.Prepare must init+commit the copy itself
	// (spec.md §4.B/§4.C non-git fallback).
	if err := os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	patcher := func(ctx context.Context, runID, batchID string, attempt int, data prompts.PatcherPatchData) (map[string]any, error) {
		return noopProposal(), nil
	}

	o, _ := newTestOrchestrator(t, repo, patcher)
	report, err := o.Run(context.Background(), repo)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Run.Status != domain.RunAwaitingUser {
		t.Errorf("Run.Status = %s, want %s", report.Run.Status, domain.RunAwaitingUser)
	}
	if report.Run.BaselineRef == "" {
		t.Error("expected a resolved baseline ref for the synthesized initial commit")
	}
	if _, err := os.Stat(filepath.Join(repo, ".git")); !os.IsNotExist(err) {
		t.Error("expected the original non-git repo path to remain untouched by git init")
	}
	if _, err := os.Stat(filepath.Join(report.Run.WorktreePath, ".git")); err != nil {
		t.Errorf("expected the worktree to be a git repo, stat .git failed: %v", err)
	}
}

func TestIsTerminalAbortError(t *testing.T) {
	if !IsTerminalAbortError(ErrVerifierFailed) {
		t.Error("expected ErrVerifierFailed to be classified as a terminal abort error")
	}
	if IsTerminalAbortError(ErrCancelled) {
		t.Error("expected ErrCancelled not to be classified as a terminal abort error (handled separately)")
	}
}
