package main

import (
	"errors"

	"github.com/hochfrequenz/refactor-orch/internal/agentdriver"
	"github.com/hochfrequenz/refactor-orch/internal/orchestrator"
)

// exitError pins a command failure to one of spec.md §6's fixed exit
// codes, so main's os.Exit sees the right value regardless of how deep
// in the call stack the error originated.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// exitCodeFor classifies an error returned from a subcommand's RunE
// into one of spec.md §6's exit codes: 0 success, 2 user error, 3
// baseline failure, 4 batch failure after retries, 5 agent
// unavailable, 130 user cancelled.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, orchestrator.ErrCancelled):
		return 130
	case errors.Is(err, agentdriver.ErrNotInstalled), errors.Is(err, agentdriver.ErrNotAuthenticated):
		return 5
	case errors.Is(err, orchestrator.ErrPrecondition):
		return 3
	case errors.Is(err, orchestrator.ErrPatchConstraint), errors.Is(err, orchestrator.ErrVerifierFailed), errors.Is(err, orchestrator.ErrCritical), errors.Is(err, orchestrator.ErrFatalFilesystem), errors.Is(err, orchestrator.ErrTransientAgent):
		return 4
	default:
		return 2
	}
}
