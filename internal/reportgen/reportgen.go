// Package reportgen renders an orchestrator.Report as both a terminal
// summary and a persisted JSON artifact. Grounded on
// original_source/refactor_bot/report.py's RefactorReport (the
// batches/changes/status field grouping, and save()'s JSON-on-disk
// behavior), with terminal rendering adapted from teacher
// cmd/claude-orch/commands.go's tabwriter-based runList/runStatus.
package reportgen

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/hochfrequenz/refactor-orch/internal/domain"
	"github.com/hochfrequenz/refactor-orch/internal/orchestrator"
)

// JSONReport is the on-disk shape of a run's final report (spec.md §6
// persisted state), grounded on report.py's RefactorReport.to_dict.
type JSONReport struct {
	RunID            string    `json:"run_id"`
	RepoPath         string    `json:"repo_path"`
	Status           string    `json:"status"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	DurationSeconds  float64   `json:"duration_seconds"`
	BackupPath       string    `json:"backup_path"`
	ArchivePath      string    `json:"archive_path"`
	WorktreePath     string    `json:"worktree_path"`
	Branch           string    `json:"branch"`
	BatchesTotal     int       `json:"batches_total"`
	BatchesApplied   int       `json:"batches_applied"`
	BatchesNoop      int       `json:"batches_noop"`
	BatchesBlocked   int       `json:"batches_blocked"`
	BatchesFailed    int       `json:"batches_failed"`
	BackupSizeBytes  int64     `json:"backup_size_bytes,omitempty"`
	RecoveryAction   string    `json:"recovery_action,omitempty"`
	RunError         string    `json:"run_error,omitempty"`
	Batches          []BatchSummary `json:"batches"`
}

// BatchSummary is one batch's entry in the persisted JSON report.
type BatchSummary struct {
	BatchID    string `json:"batch_id"`
	Goal       string `json:"goal"`
	Outcome    string `json:"outcome"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Attempts   int    `json:"attempts"`
	Verifier   string `json:"verifier,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Build converts an orchestrator.Report plus the terminal run error
// into the persisted JSONReport shape.
func Build(report *orchestrator.Report, runErr error) JSONReport {
	run := report.Run

	out := JSONReport{
		RunID:        run.ID,
		RepoPath:     run.RepoPath,
		Status:       string(run.Status),
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		BackupPath:   run.BackupPath,
		ArchivePath:  run.ArchivePath,
		WorktreePath: run.WorktreePath,
		Branch:       run.Branch,
		RecoveryAction: report.RecoveryAction,
	}
	if runErr != nil {
		out.RunError = runErr.Error()
	}
	if run.FinishedAt != nil {
		out.DurationSeconds = run.FinishedAt.Sub(run.StartedAt).Seconds()
	}
	if info, err := os.Stat(run.BackupPath); err == nil {
		out.BackupSizeBytes = info.Size()
	} else if info, err := os.Stat(run.ArchivePath); err == nil {
		out.BackupSizeBytes = info.Size()
	}

	for _, br := range report.Batches {
		out.BatchesTotal++
		switch br.Outcome {
		case domain.OutcomeApplied:
			out.BatchesApplied++
		case domain.OutcomeNoop:
			out.BatchesNoop++
		case domain.OutcomeBlocked:
			out.BatchesBlocked++
		case domain.OutcomeApplyFailed, domain.OutcomeVerifyFailed, domain.OutcomeCancelled:
			out.BatchesFailed++
		}
		out.Batches = append(out.Batches, BatchSummary{
			BatchID:    br.BatchID,
			Goal:       br.Goal,
			Outcome:    string(br.Outcome),
			Checkpoint: br.Checkpoint,
			Attempts:   br.Attempts,
			Verifier:   br.Verifier,
			Error:      br.Error,
		})
	}

	return out
}

// Save persists the JSON report to path, indented for human readability.
func Save(report JSONReport, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("reportgen: marshal report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a previously saved JSON report.
func Load(path string) (JSONReport, error) {
	var report JSONReport
	data, err := os.ReadFile(path)
	if err != nil {
		return report, err
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("reportgen: unmarshal report: %w", err)
	}
	return report, nil
}

// WriteTerminalSummary renders a human-readable summary of the run to
// w, using a tabwriter for the per-batch table (teacher idiom) and
// go-humanize for byte sizes (durations are rounded time.Duration
// values). Color is only used when w is an *os.File that is a terminal
// (isatty.IsTerminal or isatty.IsCygwinTerminal), per the teacher's own
// non-interactive-safe output discipline.
func WriteTerminalSummary(w io.Writer, report JSONReport) {
	colorize := false
	if f, ok := w.(*os.File); ok {
		colorize = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	fmt.Fprintf(w, "Run %s (%s)\n", report.RunID, report.Status)
	fmt.Fprintf(w, "  Repo:        %s\n", report.RepoPath)
	fmt.Fprintf(w, "  Worktree:    %s\n", report.WorktreePath)
	fmt.Fprintf(w, "  Branch:      %s\n", report.Branch)
	fmt.Fprintf(w, "  Backup:      %s\n", report.BackupPath)
	if report.BackupSizeBytes > 0 {
		fmt.Fprintf(w, "  Backup size: %s\n", humanize.Bytes(uint64(report.BackupSizeBytes)))
	}
	if report.DurationSeconds > 0 {
		fmt.Fprintf(w, "  Duration:    %s\n", time.Duration(report.DurationSeconds*float64(time.Second)).Round(time.Millisecond))
	}
	if report.RunError != "" {
		fmt.Fprintf(w, "  Error:       %s\n", report.RunError)
	}
	if report.RecoveryAction != "" {
		fmt.Fprintf(w, "  Recovery:    %s\n", report.RecoveryAction)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Batches: %d total | %d applied | %d noop | %d blocked | %d failed\n",
		report.BatchesTotal, report.BatchesApplied, report.BatchesNoop, report.BatchesBlocked, report.BatchesFailed)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tOUTCOME\tATTEMPTS\tCHECKPOINT\tGOAL")
	for _, b := range report.Batches {
		outcome := colorizeOutcome(b.Outcome, colorize)
		checkpoint := b.Checkpoint
		if checkpoint == "" {
			checkpoint = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", b.BatchID, outcome, b.Attempts, checkpoint, b.Goal)
	}
	tw.Flush()
}

func colorizeOutcome(outcome string, colorize bool) string {
	if !colorize {
		return outcome
	}
	switch domain.LedgerOutcome(outcome) {
	case domain.OutcomeApplied:
		return "\033[32m" + outcome + "\033[0m"
	case domain.OutcomeApplyFailed, domain.OutcomeVerifyFailed, domain.OutcomeCancelled:
		return "\033[31m" + outcome + "\033[0m"
	case domain.OutcomeBlocked:
		return "\033[33m" + outcome + "\033[0m"
	default:
		return outcome
	}
}
