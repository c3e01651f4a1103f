package orchestrator

import "github.com/hochfrequenz/refactor-orch/internal/domain"

// BatchReport is one batch's final outcome, handed to internal/reportgen.
type BatchReport struct {
	BatchID    string
	Goal       string
	Outcome    domain.LedgerOutcome
	Checkpoint string
	Attempts   int
	Verifier   string
	Error      string
}

// Report is the full run's outcome (spec.md §7: "a final report lists
// every batch with its outcome, the checkpoint it produced (if any),
// and a pointer to captured verifier output").
type Report struct {
	Run     *domain.Run
	Batches []BatchReport
	// RecoveryAction is set only when the run aborted; it names the
	// recommended next step (spec.md §7): accept partial work up to the
	// last checkpoint, or invoke rollback to baseline.
	RecoveryAction string
}
