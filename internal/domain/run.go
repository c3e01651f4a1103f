package domain

import "time"

// Run is one top-level refactor attempt (spec.md §3).
type Run struct {
	ID           string // time-sortable, e.g. 20260802-153012-a1b2c3
	RepoPath     string
	WorktreePath string
	Branch       string
	BaselineRef  string
	BackupPath   string
	ArchivePath  string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       RunStatus
}

// Done reports whether the run has reached a terminal status.
func (r *Run) Done() bool {
	switch r.Status {
	case RunCompleted, RunAborted, RunAwaitingUser:
		return true
	default:
		return false
	}
}
