// Package orchestrator drives the batch state machine spec.md §4.I
// describes: per-batch PENDING -> CONTEXT_BUILT -> AGENT_CALLED ->
// PROPOSED(status) -> APPLIED -> VERIFIED -> CHECKPOINTED, with side
// branches NOOPED/BLOCKED/APPLY_FAILED/VERIFY_FAILED and run-terminal
// states COMPLETED/ABORTED/AWAITING_USER. Grounded on
// original_source/refactor_bot/cli.py's run() sequence (backup ->
// worktree -> baseline verify -> index -> plan -> batch loop -> report),
// reimplemented as an explicit state machine per spec.md's framing and
// teacher internal/buildpool/coordinator.go's JobState-driven dispatch
// loop shape (structure only; the states/transitions are spec.md's own).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/refactor-orch/internal/backupmgr"
	"github.com/hochfrequenz/refactor-orch/internal/config"
	"github.com/hochfrequenz/refactor-orch/internal/contextpack"
	"github.com/hochfrequenz/refactor-orch/internal/domain"
	"github.com/hochfrequenz/refactor-orch/internal/ledger"
	"github.com/hochfrequenz/refactor-orch/internal/planner"
	"github.com/hochfrequenz/refactor-orch/internal/prompts"
	"github.com/hochfrequenz/refactor-orch/internal/reposvc"
	"github.com/hochfrequenz/refactor-orch/internal/runstore"
	"github.com/hochfrequenz/refactor-orch/internal/verifier"
)

// PatchFunc calls the Patcher agent role for one batch attempt. The
// production wiring closes over an *agentdriver.Driver; tests close
// over a fake, since a function value (not a named interface) is the
// narrowest seam that lets the Orchestrator stay decoupled from the
// external agent binary's availability.
type PatchFunc func(ctx context.Context, runID, batchID string, attempt int, data prompts.PatcherPatchData) (map[string]any, error)

// PlanRefineFunc optionally hands the naive draft plan to the Planner
// agent role for refinement (spec.md §4.F second phase). Nil disables
// agent-based refinement regardless of Config.UseAgentPlanner.
type PlanRefineFunc func(ctx context.Context, draft *domain.Plan, ledgerTail string, attempt int) (*domain.Plan, error)

// Orchestrator wires every component package into the run pipeline.
// Per spec.md §9's "no global mutable state", one Orchestrator is
// built per run from explicit collaborators; there is no package-level
// singleton.
type Orchestrator struct {
	Config  *config.Config
	Repo    *reposvc.Manager
	Backups *backupmgr.Manager
	Index   planner.RepoIndex
	Symbols contextpack.SymbolIndex
	Deps    contextpack.DependencyGraph

	Patcher     PatchFunc
	PlanRefiner PlanRefineFunc

	// RunStore is the optional secondary sqlite index (internal/runstore)
	// mirrored alongside the authoritative ledger. May be nil.
	RunStore *runstore.Store

	// OnRunStarted, if set, is invoked once the run's ledger is open and
	// before the batch loop starts. cmd/refactor-orch uses this to point
	// an internal/progress LedgerWatcher/Hub pair at the run's ledger
	// for a live dashboard feed (spec.md §5's one exception to the
	// single-writer discipline: a read-only tail).
	OnRunStarted func(runID string, led *ledger.Ledger)

	// Logger receives structured, run-scoped log lines for the pipeline
	// stages and per-batch outcomes. Nil falls back to slog.Default().
	Logger *slog.Logger
}

func (o *Orchestrator) log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Run executes the full pipeline for one target repository: backup,
// worktree preparation, baseline verification, plan generation, the
// per-batch loop, and a final report. It returns once the run reaches
// a terminal status (COMPLETED is never actually reached by this
// system — the happy path always ends in AWAITING_USER per spec.md
// §4.I — ABORTED on precondition/persistent failure, or is interrupted
// by ctx cancellation).
func (o *Orchestrator) Run(ctx context.Context, repoPath string) (*Report, error) {
	now := time.Now()
	run := &domain.Run{
		ID:        domain.NewRunID(now),
		RepoPath:  repoPath,
		StartedAt: now,
		Status:    domain.RunPending,
	}
	log := o.log().With("run_id", run.ID, "repo", repoPath)
	log.Info("run started")

	artifact, err := o.Backups.Snapshot(ctx, repoPath, run.ID)
	if err != nil {
		return o.abort(run, fmt.Errorf("%w: backup snapshot: %v", ErrFatalFilesystem, err))
	}
	run.BackupPath = artifact.BundlePath
	run.ArchivePath = artifact.ArchivePath
	log.Info("backup snapshot taken", "bundle", artifact.BundlePath, "archive", artifact.ArchivePath)

	baseline, err := o.Repo.Baseline()
	if err != nil {
		return o.abort(run, fmt.Errorf("%w: resolve baseline: %v", ErrFatalFilesystem, err))
	}

	worktreePath, err := o.Repo.Prepare(run.ID, baseline)
	if err != nil {
		return o.abort(run, fmt.Errorf("%w: prepare worktree: %v", ErrFatalFilesystem, err))
	}

	// baseline is "" when repoPath wasn't version-controlled (Repo.Baseline
	// only resolves HEAD for an existing git repo); Prepare creates the
	// baseline commit itself in that case, so the real anchor is read back
	// from the worktree rather than the possibly-empty baseline above.
	baseline, err = o.Repo.ResolvedBaseline(worktreePath)
	if err != nil {
		return o.abort(run, fmt.Errorf("%w: resolve worktree baseline: %v", ErrFatalFilesystem, err))
	}
	run.BaselineRef = baseline
	run.WorktreePath = worktreePath
	run.Branch = reposvc.BranchName(run.ID)
	run.Status = domain.RunRunning
	o.persistRun(run)
	log.Info("worktree prepared", "worktree", worktreePath, "baseline", baseline, "branch", run.Branch)

	ledgerPath := filepath.Join(worktreePath, ".refactor-orch", "TASK_LEDGER.jsonl")
	led, err := ledger.Open(ledgerPath)
	if err != nil {
		return o.abort(run, fmt.Errorf("%w: open ledger: %v", ErrFatalFilesystem, err))
	}
	if o.OnRunStarted != nil {
		o.OnRunStarted(run.ID, led)
	}

	verifierTimeout := time.Duration(o.Config.VerifierTimeoutSecs) * time.Second
	if verifierTimeout <= 0 {
		verifierTimeout = 300 * time.Second
	}
	v := verifier.New(worktreePath, verifierTimeout)
	v.GracePeriod = time.Duration(o.Config.CancelGraceSeconds) * time.Second

	baselineResult, err := v.RunBaseline(ctx, o.Config.FullVerifier)
	if err != nil {
		return o.abort(run, fmt.Errorf("%w: run baseline verifier: %v", ErrFatalFilesystem, err))
	}
	if !baselineResult.Passed() {
		return o.abort(run, fmt.Errorf("%w: baseline verifier failed", ErrPrecondition))
	}
	log.Info("baseline verifier passed")

	draft := planner.GenerateNaivePlan(run.ID, o.Index, o.Config)
	plan := draft
	if o.Config.UseAgentPlanner && o.PlanRefiner != nil {
		tail, _ := led.Tail(o.Config.MaxLedgerEntries)
		if refined, err := o.PlanRefiner(ctx, draft, formatLedgerTail(tail), 0); err == nil {
			plan = refined
		} else {
			log.Warn("plan refinement failed, keeping naive plan", "error", err)
		}
	}
	log.Info("plan generated", "batches", len(plan.Batches), "estimated_loc", plan.TotalEstimatedLOC)

	ctxBuilder := contextpack.New(worktreePath, o.Symbols, o.Deps, led)

	report := &Report{Run: run}
	lastCheckpoint := baseline
	successesSinceFullVerify := 0

	for _, batch := range plan.Batches {
		if err := ctx.Err(); err != nil {
			led.Append(domain.LedgerEntry{RunID: run.ID, BatchID: batch.ID, Timestamp: time.Now(), Outcome: domain.OutcomeCancelled})
			run.Status = domain.RunAborted
			o.finish(run)
			log.Warn("run cancelled", "batch_id", batch.ID)
			report.RecoveryAction = "run was cancelled; accept partial work up to the last checkpoint, or invoke rollback to baseline"
			return report, ErrCancelled
		}

		br, outcome, aborts := o.runBatch(ctx, run, led, ctxBuilder, v, batch, lastCheckpoint)
		report.Batches = append(report.Batches, br)
		log.Info("batch finished", "batch_id", batch.ID, "outcome", outcome, "attempts", br.Attempts)

		if outcome == domain.OutcomeApplied {
			lastCheckpoint = br.Checkpoint
			successesSinceFullVerify++
			if o.Config.RunFullVerifierEvery > 0 && successesSinceFullVerify >= o.Config.RunFullVerifierEvery {
				successesSinceFullVerify = 0
				full := v.RunFull(ctx, o.Config.FullVerifier)
				if !full.Passed() {
					run.Status = domain.RunAborted
					o.finish(run)
					log.Error("periodic full verifier failed", "batch_id", batch.ID)
					report.RecoveryAction = "periodic full verifier failed; accept partial work up to the last checkpoint, or invoke rollback to baseline"
					return report, fmt.Errorf("%w: periodic full verifier", ErrVerifierFailed)
				}
			}
		}

		if aborts {
			run.Status = domain.RunAborted
			o.finish(run)
			log.Error("run aborted by batch outcome", "batch_id", batch.ID, "outcome", outcome)
			report.RecoveryAction = "accept partial work up to the last checkpoint, or invoke rollback to baseline"
			return report, batchAbortError(outcome)
		}
	}

	final := v.RunFull(ctx, o.Config.FullVerifier)
	if !final.Passed() {
		run.Status = domain.RunAborted
		o.finish(run)
		log.Error("final full verifier failed")
		report.RecoveryAction = "final full verifier failed; accept partial work up to the last checkpoint, or invoke rollback to baseline"
		return report, fmt.Errorf("%w: final verifier", ErrVerifierFailed)
	}

	run.Status = domain.RunAwaitingUser
	o.finish(run)
	log.Info("run reached awaiting_user", "batches_applied", countApplied(report))
	return report, nil
}

func countApplied(report *Report) int {
	n := 0
	for _, b := range report.Batches {
		if b.Outcome == domain.OutcomeApplied {
			n++
		}
	}
	return n
}

func batchAbortError(outcome domain.LedgerOutcome) error {
	switch outcome {
	case domain.OutcomeBlocked:
		return ErrCritical
	case domain.OutcomeApplyFailed:
		return fmt.Errorf("%w: persistent apply failure", ErrPatchConstraint)
	case domain.OutcomeVerifyFailed:
		return fmt.Errorf("%w: persistent verify failure", ErrVerifierFailed)
	case domain.OutcomeCancelled:
		return ErrCancelled
	default:
		return fmt.Errorf("orchestrator: batch aborted with outcome %s", outcome)
	}
}

func (o *Orchestrator) abort(run *domain.Run, err error) (*Report, error) {
	run.Status = domain.RunAborted
	o.finish(run)
	o.log().With("run_id", run.ID).Error("run aborted", "error", err)
	return &Report{Run: run, RecoveryAction: "precondition failed before any worktree mutation; backup is intact"}, err
}

func (o *Orchestrator) finish(run *domain.Run) {
	finished := time.Now()
	run.FinishedAt = &finished
	o.persistRun(run)
}

func (o *Orchestrator) persistRun(run *domain.Run) {
	if o.RunStore == nil {
		return
	}
	_ = o.RunStore.UpsertRun(run)
}

func formatLedgerTail(entries []domain.LedgerEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", e.BatchID, e.Outcome, e.Goal))
	}
	return strings.Join(lines, "\n")
}

// IsTerminalAbortError reports whether err represents a run-aborting
// failure kind (as opposed to ErrCancelled, handled separately by
// cmd/refactor-orch for the 130 exit code).
func IsTerminalAbortError(err error) bool {
	return errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrFatalFilesystem) ||
		errors.Is(err, ErrVerifierFailed) ||
		errors.Is(err, ErrPatchConstraint) ||
		errors.Is(err, ErrCritical)
}
