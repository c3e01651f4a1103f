package reposvc

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

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
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func TestBaseline(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)

	mgr := New(repo, t.TempDir())
	ref, err := mgr.Baseline()
	if err != nil {
		t.Fatalf("Baseline failed: %v", err)
	}
	if len(ref) != 40 {
		t.Errorf("expected a 40-char commit sha, got %q", ref)
	}
}

func TestPrepareAndTeardown(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)
	worktreesDir := t.TempDir()

	mgr := New(repo, worktreesDir)
	baseline, err := mgr.Baseline()
	if err != nil {
		t.Fatalf("Baseline failed: %v", err)
	}

	wt, err := mgr.Prepare("run-1", baseline)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if _, err := os.Stat(wt); err != nil {
		t.Fatalf("worktree path missing: %v", err)
	}

	branch, err := mgr.currentBranch(wt)
	if err != nil {
		t.Fatalf("currentBranch failed: %v", err)
	}
	if branch != BranchName("run-1") {
		t.Errorf("expected branch %q, got %q", BranchName("run-1"), branch)
	}

	if err := mgr.Teardown(wt, false); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Errorf("expected worktree to be removed, stat err: %v", err)
	}
}

func TestPrepareFailsSafelyOnExistingWorktree(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)
	worktreesDir := t.TempDir()

	mgr := New(repo, worktreesDir)
	baseline, err := mgr.Baseline()
	if err != nil {
		t.Fatalf("Baseline failed: %v", err)
	}

	if _, err := mgr.Prepare("run-dup", baseline); err != nil {
		t.Fatalf("first Prepare failed: %v", err)
	}

	if _, err := mgr.Prepare("run-dup", baseline); err != ErrWorktreeExists {
		t.Fatalf("expected ErrWorktreeExists, got %v", err)
	}
}

func TestCheckpointCommitAndResetTo(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	initRepo(t, repo)
	worktreesDir := t.TempDir()

	mgr := New(repo, worktreesDir)
	baseline, err := mgr.Baseline()
	if err != nil {
		t.Fatalf("Baseline failed: %v", err)
	}

	wt, err := mgr.Prepare("run-2", baseline)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(wt, "a.txt"), []byte("two\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	hasChanges, err := mgr.HasChanges(wt)
	if err != nil {
		t.Fatalf("HasChanges failed: %v", err)
	}
	if !hasChanges {
		t.Fatal("expected HasChanges to report true after edit")
	}

	commit, err := mgr.CheckpointCommit(wt, "batch-1", "update a.txt")
	if err != nil {
		t.Fatalf("CheckpointCommit failed: %v", err)
	}
	if commit == baseline {
		t.Error("expected checkpoint commit to differ from baseline")
	}

	if err := os.WriteFile(filepath.Join(wt, "a.txt"), []byte("three\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if err := mgr.ResetTo(wt, commit); err != nil {
		t.Fatalf("ResetTo failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(wt, "a.txt"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.TrimSpace(string(content)) != "two" {
		t.Errorf("expected reset to restore checkpoint content, got %q", content)
	}
}

func TestPrepareNonGitRepoInitializesBaseline(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	worktreesDir := t.TempDir()

	mgr := New(repo, worktreesDir)
	baseline, err := mgr.Baseline()
	if err != nil {
		t.Fatalf("Baseline failed: %v", err)
	}
	if baseline != "" {
		t.Errorf("expected empty baseline for a non-git repo, got %q", baseline)
	}

	wt, err := mgr.Prepare("run-3", baseline)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wt, ".git")); err != nil {
		t.Fatalf("expected the worktree to be git-initialized: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, ".git")); !os.IsNotExist(err) {
		t.Error("expected the original non-git repo to remain untouched")
	}

	resolved, err := mgr.ResolvedBaseline(wt)
	if err != nil {
		t.Fatalf("ResolvedBaseline failed: %v", err)
	}
	if len(resolved) != 40 {
		t.Errorf("expected a 40-char commit sha, got %q", resolved)
	}

	content, err := os.ReadFile(filepath.Join(wt, "a.txt"))
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if strings.TrimSpace(string(content)) != "one" {
		t.Errorf("expected copied file content to match source, got %q", content)
	}

	if err := mgr.Teardown(wt, false); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Errorf("expected worktree to be removed, stat err: %v", err)
	}
}

func TestPrepareNonGitRepoFailsSafelyOnExistingWorktree(t *testing.T) {
	requireGit(t)
	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	worktreesDir := t.TempDir()

	mgr := New(repo, worktreesDir)
	if _, err := mgr.Prepare("run-dup-nongit", ""); err != nil {
		t.Fatalf("first Prepare failed: %v", err)
	}
	if _, err := mgr.Prepare("run-dup-nongit", ""); err != ErrWorktreeExists {
		t.Fatalf("expected ErrWorktreeExists, got %v", err)
	}
}

func TestPromoteBranch(t *testing.T) {
	mgr := New("/unused", "/unused")
	if got := mgr.PromoteBranch("run-9"); got != "refactor/run-9" {
		t.Errorf("expected refactor/run-9, got %q", got)
	}
}
