package reportgen

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/refactor-orch/internal/domain"
	"github.com/hochfrequenz/refactor-orch/internal/orchestrator"
)

func sampleReport() *orchestrator.Report {
	finished := time.Date(2026, 8, 2, 15, 30, 12, 0, time.UTC)
	started := finished.Add(-90 * time.Second)
	return &orchestrator.Report{
		Run: &domain.Run{
			ID:           "20260802-153012-a1b2c3",
			RepoPath:     "/repos/widget",
			WorktreePath: "/var/lib/refactor-orch/worktrees/20260802-153012-a1b2c3",
			Branch:       "refactor-orch/20260802-153012-a1b2c3",
			BackupPath:   "",
			ArchivePath:  "",
			StartedAt:    started,
			FinishedAt:   &finished,
			Status:       domain.RunAwaitingUser,
		},
		Batches: []orchestrator.BatchReport{
			{BatchID: "b1", Goal: "format package foo", Outcome: domain.OutcomeApplied, Checkpoint: "abc123", Attempts: 1, Verifier: "fast"},
			{BatchID: "b2", Goal: "no changes needed", Outcome: domain.OutcomeNoop, Attempts: 1},
			{BatchID: "b3", Goal: "out of scope", Outcome: domain.OutcomeBlocked, Attempts: 1, Error: "touches file outside scope"},
		},
	}
}

func TestBuild_TalliesOutcomesAndDuration(t *testing.T) {
	out := Build(sampleReport(), nil)

	if out.BatchesTotal != 3 {
		t.Fatalf("BatchesTotal = %d, want 3", out.BatchesTotal)
	}
	if out.BatchesApplied != 1 || out.BatchesNoop != 1 || out.BatchesBlocked != 1 || out.BatchesFailed != 0 {
		t.Fatalf("unexpected tallies: %+v", out)
	}
	if out.DurationSeconds != 90 {
		t.Fatalf("DurationSeconds = %v, want 90", out.DurationSeconds)
	}
	if out.RunError != "" {
		t.Fatalf("RunError = %q, want empty", out.RunError)
	}
	if len(out.Batches) != 3 || out.Batches[0].BatchID != "b1" || out.Batches[0].Checkpoint != "abc123" {
		t.Fatalf("unexpected batch summaries: %+v", out.Batches)
	}
}

func TestBuild_RecordsRunError(t *testing.T) {
	report := sampleReport()
	report.RecoveryAction = "rollback to baseline"
	out := Build(report, errBoom{})

	if out.RunError != "boom" {
		t.Fatalf("RunError = %q, want boom", out.RunError)
	}
	if out.RecoveryAction != "rollback to baseline" {
		t.Fatalf("RecoveryAction = %q", out.RecoveryAction)
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func TestBuild_StatsBackupArtifactSize(t *testing.T) {
	dir := t.TempDir()
	backup := filepath.Join(dir, "backup.bundle")
	if err := os.WriteFile(backup, bytes.Repeat([]byte("x"), 2048), 0o644); err != nil {
		t.Fatal(err)
	}

	report := sampleReport()
	report.Run.BackupPath = backup
	out := Build(report, nil)

	if out.BackupSizeBytes != 2048 {
		t.Fatalf("BackupSizeBytes = %d, want 2048", out.BackupSizeBytes)
	}
}

func TestSaveLoad_RoundTrips(t *testing.T) {
	out := Build(sampleReport(), nil)
	path := filepath.Join(t.TempDir(), "report.json")

	if err := Save(out, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.RunID != out.RunID || loaded.BatchesTotal != out.BatchesTotal || len(loaded.Batches) != len(out.Batches) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", loaded, out)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWriteTerminalSummary_NonTTYWriterIsUncolored(t *testing.T) {
	out := Build(sampleReport(), nil)
	var buf bytes.Buffer

	WriteTerminalSummary(&buf, out)

	text := buf.String()
	if strings.Contains(text, "\033[") {
		t.Fatalf("expected no ANSI color codes for a non-file writer, got: %q", text)
	}
	for _, want := range []string{
		"Run 20260802-153012-a1b2c3",
		"b1", "b2", "b3",
		"1 applied", "1 noop", "1 blocked",
		"Duration:", "1m30s",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("summary missing %q, got: %s", want, text)
		}
	}
}

func TestWriteTerminalSummary_OmitsOptionalFieldsWhenEmpty(t *testing.T) {
	out := Build(sampleReport(), nil)
	var buf bytes.Buffer

	WriteTerminalSummary(&buf, out)

	text := buf.String()
	if strings.Contains(text, "Backup size:") {
		t.Fatalf("did not expect a backup size line when BackupSizeBytes is 0, got: %s", text)
	}
	if strings.Contains(text, "Error:") {
		t.Fatalf("did not expect an error line when RunError is empty, got: %s", text)
	}
}
