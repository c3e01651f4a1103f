package orchestrator

import "errors"

// Closed error-kind taxonomy (spec.md §7), inspected with errors.Is
// from cmd/refactor-orch to choose the process exit code. Grounded on
// the teacher's own idiom throughout executor/agent.go and
// taskstore/store.go: sentinel errors wrapped with fmt.Errorf("...: %w",
// ...) chains, never a third-party errors library (none appears
// anywhere in the pack, and Go 1.13's %w wrapping already covers what
// pkg/errors-style annotation would add).
var (
	// ErrPrecondition covers agent-not-installed/authenticated, baseline
	// verifier failure, and invalid config — abort before any worktree
	// mutation, never retried.
	ErrPrecondition = errors.New("orchestrator: precondition failed")

	// ErrTransientAgent covers bad JSON, schema violation, or timeout
	// from an agent call that has already exhausted its one retry.
	ErrTransientAgent = errors.New("orchestrator: agent call failed")

	// ErrPatchConstraint covers out-of-scope files, oversize diffs,
	// binary hunks, and apply-check failures.
	ErrPatchConstraint = errors.New("orchestrator: patch rejected")

	// ErrVerifierFailed covers a fast/full verifier command exiting
	// non-zero or timing out.
	ErrVerifierFailed = errors.New("orchestrator: verifier failed")

	// ErrFatalFilesystem covers worktree creation failure, commit hook
	// rejection, and disk-full style errors — always fatal.
	ErrFatalFilesystem = errors.New("orchestrator: filesystem failure")

	// ErrCancelled marks a cancellation as a first-class outcome
	// (spec.md §7), not a failure kind in its own right.
	ErrCancelled = errors.New("orchestrator: cancelled")

	// ErrCritical is returned when a batch marked critical in the plan
	// reaches BLOCKED, which aborts the run (spec.md §4.I).
	ErrCritical = errors.New("orchestrator: critical batch blocked")
)
