package domain

import "time"

// LedgerEntry is one append-only record of a batch attempt's outcome
// (spec.md §3, invariant 4: never rewritten).
type LedgerEntry struct {
	RunID      string        `json:"run_id"`
	BatchID    string        `json:"batch_id"`
	Goal       string        `json:"goal,omitempty"`
	Attempt    int           `json:"attempt"`
	Timestamp  time.Time     `json:"timestamp"`
	Outcome    LedgerOutcome `json:"outcome"`
	Checkpoint string        `json:"checkpoint,omitempty"`
	Verifier   string        `json:"verifier_summary,omitempty"`
	Error      string        `json:"error,omitempty"`
	FilesTouch []string      `json:"files_touched,omitempty"`
	LinesAdded int           `json:"lines_added,omitempty"`
	LinesRem   int           `json:"lines_removed,omitempty"`
	DurationMS int64         `json:"duration_ms,omitempty"`
}

// Checkpoint is a commit in the isolated worktree that captures one
// successfully applied, verified batch.
type Checkpoint struct {
	BatchID   string
	Goal      string
	CommitRef string
	ParentRef string
}

// BackupArtifact is a bundle and/or archive file keyed by run ID.
type BackupArtifact struct {
	RunID       string
	RepoName    string
	BundlePath  string // git bundle of all refs, empty if repo was not version-controlled
	ArchivePath string // tar.gz of the working tree
	SizeBytes   int64
	CreatedAt   time.Time
}

// CommandResult is the outcome of a single verifier command.
type CommandResult struct {
	Command    string
	ExitCode   int
	Passed     bool
	Errored    bool // timed out or failed to start, distinct from a clean non-zero exit
	StdoutPath string
	StderrPath string
	Duration   time.Duration
	StartedAt  time.Time
}

// VerifierResult is the outcome of running one named level's command
// list.
type VerifierResult struct {
	Level       VerifierLevel
	Commands    []CommandResult
	StartedAt   time.Time
	CompletedAt time.Time
}

// Passed reports whether every command in the result exited zero.
func (v *VerifierResult) Passed() bool {
	for _, c := range v.Commands {
		if !c.Passed {
			return false
		}
	}
	return true
}

// FailedCommands returns the commands that did not pass.
func (v *VerifierResult) FailedCommands() []CommandResult {
	var out []CommandResult
	for _, c := range v.Commands {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}
