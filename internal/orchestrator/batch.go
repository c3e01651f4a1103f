package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/refactor-orch/internal/config"
	"github.com/hochfrequenz/refactor-orch/internal/contextpack"
	"github.com/hochfrequenz/refactor-orch/internal/domain"
	"github.com/hochfrequenz/refactor-orch/internal/ledger"
	"github.com/hochfrequenz/refactor-orch/internal/patchapply"
	"github.com/hochfrequenz/refactor-orch/internal/prompts"
	"github.com/hochfrequenz/refactor-orch/internal/verifier"
)

// runBatch drives one batch through PENDING -> CONTEXT_BUILT ->
// AGENT_CALLED -> PROPOSED(status) -> [APPLIED -> VERIFIED ->
// CHECKPOINTED], retrying apply/verify failures up to
// Config.RetryPerBatch times (spec.md §4.I). It returns the batch's
// final report, the ledger outcome recorded for it, and whether that
// outcome requires the run to abort.
func (o *Orchestrator) runBatch(
	ctx context.Context,
	run *domain.Run,
	led *ledger.Ledger,
	ctxBuilder *contextpack.Builder,
	v *verifier.Runner,
	batch *domain.Batch,
	lastCheckpoint string,
) (BatchReport, domain.LedgerOutcome, bool) {
	batch.State = domain.StatePending
	maxAttempts := o.Config.RetryPerBatch + 1
	var constraintReminder string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		batch.Attempt = attempt

		if err := ctx.Err(); err != nil {
			return o.recordOutcome(run, led, batch, domain.OutcomeCancelled, "", "cancelled", nil), domain.OutcomeCancelled, true
		}

		batch.State = domain.StateContextBuilt
		pack, _ := ctxBuilder.Build(*batch, contextpack.DefaultBudget())

		tail, _ := led.Tail(o.Config.MaxLedgerEntries)

		data := prompts.PatcherPatchData{
			BatchID:            batch.ID,
			Goal:               batch.Goal,
			OperationKinds:     joinOperationKinds(batch.OperationKinds),
			ScopeGlobs:         strings.Join(batch.ScopeGlobs, ", "),
			ExcludeGlobs:       strings.Join(batch.ExcludeGlobs, ", "),
			DiffBudgetLOC:      batch.DiffBudgetLOC,
			ContextPack:        pack.String(),
			LedgerTail:         formatLedgerTail(tail),
			ConstraintReminder: constraintReminder,
			StrictReminder:     attempt > 1,
		}

		batch.State = domain.StateAgentCalled
		output, err := o.Patcher(ctx, run.ID, batch.ID, attempt, data)
		if err != nil {
			// Agent call already exhausted its own one-retry schema
			// discipline (agentdriver.callWithRetry); spec.md §7 treats
			// this as blocked.
			return o.finishBlocked(run, led, batch, err.Error())
		}

		proposal, err := parsePatchProposal(output)
		if err != nil {
			return o.finishBlocked(run, led, batch, err.Error())
		}

		batch.State = domain.StateProposed

		switch proposal.Status {
		case domain.ProposalNoop:
			return o.recordOutcome(run, led, batch, domain.OutcomeNoop, "", "", nil), domain.OutcomeNoop, false

		case domain.ProposalBlocked:
			return o.finishBlocked(run, led, batch, proposal.Rationale)

		case domain.ProposalOK:
			br, outcome, done, retry := o.tryApply(ctx, run, led, v, batch, proposal, lastCheckpoint, attempt, maxAttempts)
			if done {
				// tryApply only ever finalizes to Applied (success) or
				// ApplyFailed/VerifyFailed (retries exhausted) — both of
				// the latter abort the run.
				return br, outcome, outcome != domain.OutcomeApplied
			}
			if retry {
				constraintReminder = fmt.Sprintf("Attempt %d was rejected: %s. Stay strictly within scope and budget.", attempt, br.Error)
				continue
			}
			return br, outcome, true

		default:
			return o.finishBlocked(run, led, batch, fmt.Sprintf("unrecognized proposal status %q", proposal.Status))
		}
	}

	return o.recordOutcome(run, led, batch, domain.OutcomeApplyFailed, "", "retries exhausted", nil), domain.OutcomeApplyFailed, true
}

// tryApply validates and applies an "ok" proposal, verifies it, and
// checkpoints on success. done=true means the batch has reached a
// final state (whether success or an exhausted-retries failure);
// retry=true means the caller should re-invoke the agent for another
// attempt.
func (o *Orchestrator) tryApply(
	ctx context.Context,
	run *domain.Run,
	led *ledger.Ledger,
	v *verifier.Runner,
	batch *domain.Batch,
	proposal *domain.PatchProposal,
	lastCheckpoint string,
	attempt, maxAttempts int,
) (BatchReport, domain.LedgerOutcome, bool, bool) {
	formattingOnly := len(batch.OperationKinds) == 1 && batch.OperationKinds[0] == domain.OpFormat

	validator := patchapply.NewValidator(run.WorktreePath, batch, o.Config.FormatterCommands, false)
	stats, err := validator.Validate(ctx, proposal.PatchUnifiedDiff)
	if err != nil {
		if attempt >= maxAttempts {
			br := o.recordOutcome(run, led, batch, domain.OutcomeApplyFailed, "", err.Error(), stats.FilesTouched)
			return br, domain.OutcomeApplyFailed, true, false
		}
		return BatchReport{BatchID: batch.ID, Goal: batch.Goal, Error: err.Error()}, "", false, true
	}

	applicator := patchapply.NewApplicator(run.WorktreePath, o.Config.FormatterCommands)
	batch.State = domain.StateApplied
	if err := applicator.Apply(ctx, proposal.PatchUnifiedDiff, formattingOnly, stats.FilesTouched); err != nil {
		batch.State = domain.StateApplyFailed
		if attempt >= maxAttempts {
			_ = o.Repo.ResetTo(run.WorktreePath, lastCheckpoint)
			br := o.recordOutcome(run, led, batch, domain.OutcomeApplyFailed, "", err.Error(), stats.FilesTouched)
			return br, domain.OutcomeApplyFailed, true, false
		}
		_ = o.Repo.ResetTo(run.WorktreePath, lastCheckpoint)
		return BatchReport{BatchID: batch.ID, Goal: batch.Goal, Error: err.Error()}, "", false, true
	}

	batch.State = domain.StateVerified
	verifyResult := v.RunFast(ctx, verifierCommandsFor(batch, o.Config))
	if !verifyResult.Passed() {
		batch.State = domain.StateVerifyFailed
		_ = o.Repo.ResetTo(run.WorktreePath, lastCheckpoint)
		if attempt >= maxAttempts {
			br := o.recordOutcome(run, led, batch, domain.OutcomeVerifyFailed, "", summarizeFailures(verifyResult), stats.FilesTouched)
			return br, domain.OutcomeVerifyFailed, true, false
		}
		return BatchReport{BatchID: batch.ID, Goal: batch.Goal, Error: summarizeFailures(verifyResult)}, "", false, true
	}

	batch.State = domain.StateCheckpointed
	commit, err := o.Repo.CheckpointCommit(run.WorktreePath, batch.ID, batch.Goal)
	if err != nil {
		br := o.recordOutcome(run, led, batch, domain.OutcomeApplyFailed, "", fmt.Sprintf("checkpoint commit failed: %v", err), stats.FilesTouched)
		return br, domain.OutcomeApplyFailed, true, false
	}

	br := o.recordOutcome(run, led, batch, domain.OutcomeApplied, commit, "", stats.FilesTouched)
	br.Verifier = string(verifyResult.Level)
	return br, domain.OutcomeApplied, true, false
}

func (o *Orchestrator) finishBlocked(run *domain.Run, led *ledger.Ledger, batch *domain.Batch, reason string) (BatchReport, domain.LedgerOutcome, bool) {
	batch.State = domain.StateBlocked
	br := o.recordOutcome(run, led, batch, domain.OutcomeBlocked, "", reason, nil)
	return br, domain.OutcomeBlocked, batch.Critical
}

func (o *Orchestrator) recordOutcome(
	run *domain.Run,
	led *ledger.Ledger,
	batch *domain.Batch,
	outcome domain.LedgerOutcome,
	checkpoint, errMsg string,
	filesTouched []string,
) BatchReport {
	entry := domain.LedgerEntry{
		RunID:      run.ID,
		BatchID:    batch.ID,
		Goal:       batch.Goal,
		Attempt:    batch.Attempt,
		Timestamp:  time.Now(),
		Outcome:    outcome,
		Checkpoint: checkpoint,
		Error:      errMsg,
		FilesTouch: filesTouched,
	}
	_ = led.Append(entry)

	if o.RunStore != nil {
		_ = o.RunStore.UpsertBatch(batch)
		_ = o.RunStore.AppendLedgerEntry(entry)
	}

	return BatchReport{
		BatchID:    batch.ID,
		Goal:       batch.Goal,
		Outcome:    outcome,
		Checkpoint: checkpoint,
		Attempts:   batch.Attempt,
		Error:      errMsg,
	}
}

func joinOperationKinds(kinds []domain.BatchOperationKind) string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return strings.Join(out, ", ")
}

func verifierCommandsFor(batch *domain.Batch, cfg *config.Config) []string {
	if batch.VerifierLevel == domain.VerifierFull {
		return cfg.FullVerifier
	}
	return cfg.FastVerifier
}

func summarizeFailures(result domain.VerifierResult) string {
	failed := result.FailedCommands()
	if len(failed) == 0 {
		return "verifier failed"
	}
	parts := make([]string, len(failed))
	for i, c := range failed {
		parts[i] = fmt.Sprintf("%s (exit %d)", c.Command, c.ExitCode)
	}
	return strings.Join(parts, "; ")
}
