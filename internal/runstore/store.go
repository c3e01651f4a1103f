// Package runstore is a queryable sqlite index over Run and Batch
// rows. It is NOT the source of truth for batch outcomes — that is
// internal/ledger's append-only JSONL file (spec.md §9) — runstore
// exists so the `runs`/`status` CLI subcommands can query completed
// runs without replaying every ledger file on disk. Grounded on
// teacher internal/taskstore/{store,migrations}.go.
//
// Status/state changes are mirrored via UpsertRun/UpsertBatch's
// ON CONFLICT clauses rather than dedicated update methods: the
// orchestrator already holds the full domain.Run/domain.Batch and
// re-upserts the whole row each time it persists one, so a narrower UPDATE-only path
// would just be a second way to write the same row.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hochfrequenz/refactor-orch/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides sqlite-backed run/batch persistence.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) the sqlite database at dbPath and
// runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertRun inserts or updates a run row.
func (s *Store) UpsertRun(run *domain.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, repo_path, worktree_path, branch, baseline_ref, backup_path, archive_path, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			worktree_path = excluded.worktree_path,
			branch = excluded.branch,
			baseline_ref = excluded.baseline_ref,
			backup_path = excluded.backup_path,
			archive_path = excluded.archive_path,
			status = excluded.status,
			finished_at = excluded.finished_at
	`,
		run.ID, run.RepoPath, run.WorktreePath, run.Branch, run.BaselineRef,
		run.BackupPath, run.ArchivePath, string(run.Status), run.StartedAt, run.FinishedAt,
	)
	return err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, repo_path, worktree_path, branch, baseline_ref, backup_path, archive_path, status, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row)
}

// ListRunsOptions filters ListRuns.
type ListRunsOptions struct {
	Status domain.RunStatus
}

// ListRuns returns runs matching opts, most recently started first.
func (s *Store) ListRuns(opts ListRunsOptions) ([]*domain.Run, error) {
	query := `SELECT id, repo_path, worktree_path, branch, baseline_ref, backup_path, archive_path, status, started_at, finished_at FROM runs WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY started_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpsertBatch inserts or updates a batch row.
func (s *Store) UpsertBatch(b *domain.Batch) error {
	scopeJSON, err := json.Marshal(b.ScopeGlobs)
	if err != nil {
		return err
	}
	excludeJSON, err := json.Marshal(b.ExcludeGlobs)
	if err != nil {
		return err
	}
	opsJSON, err := json.Marshal(b.OperationKinds)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO batches (id, run_id, goal, scope_globs, exclude_globs, operation_kinds, diff_budget_loc, risk_score, verifier_level, critical, notes, state, attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			attempt = excluded.attempt,
			notes = excluded.notes
	`,
		b.ID, b.RunID, b.Goal, string(scopeJSON), string(excludeJSON), string(opsJSON),
		b.DiffBudgetLOC, b.RiskScore, string(b.VerifierLevel), b.Critical, b.Notes,
		string(b.State), b.Attempt,
	)
	return err
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(id string) (*domain.Batch, error) {
	row := s.db.QueryRow(`
		SELECT id, run_id, goal, scope_globs, exclude_globs, operation_kinds, diff_budget_loc, risk_score, verifier_level, critical, notes, state, attempt
		FROM batches WHERE id = ?
	`, id)
	return scanBatch(row)
}

// ListBatchesForRun returns every batch belonging to runID, in
// insertion (rowid) order.
func (s *Store) ListBatchesForRun(runID string) ([]*domain.Batch, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, goal, scope_globs, exclude_globs, operation_kinds, diff_budget_loc, risk_score, verifier_level, critical, notes, state, attempt
		FROM batches WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*domain.Batch
	for rows.Next() {
		b, err := scanBatchRows(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// AppendLedgerEntry mirrors one ledger.Ledger entry into the
// queryable index. The JSONL ledger remains authoritative; this is a
// secondary, query-friendly copy only.
func (s *Store) AppendLedgerEntry(e domain.LedgerEntry) error {
	filesJSON, err := json.Marshal(e.FilesTouch)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO ledger_entries (run_id, batch_id, goal, attempt, timestamp, outcome, checkpoint, verifier_summary, error, files_touched, lines_added, lines_removed, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.RunID, e.BatchID, e.Goal, e.Attempt, e.Timestamp, string(e.Outcome),
		e.Checkpoint, e.Verifier, e.Error, string(filesJSON), e.LinesAdded, e.LinesRem, e.DurationMS,
	)
	return err
}

// ListLedgerEntries returns every mirrored ledger entry for runID, in
// recorded order.
func (s *Store) ListLedgerEntries(runID string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.Query(`
		SELECT run_id, batch_id, goal, attempt, timestamp, outcome, checkpoint, verifier_summary, error, files_touched, lines_added, lines_removed, duration_ms
		FROM ledger_entries WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var checkpoint, verifier, errStr, filesJSON sql.NullString
		if err := rows.Scan(&e.RunID, &e.BatchID, &e.Goal, &e.Attempt, &e.Timestamp, &e.Outcome,
			&checkpoint, &verifier, &errStr, &filesJSON, &e.LinesAdded, &e.LinesRem, &e.DurationMS); err != nil {
			return nil, err
		}
		e.Checkpoint = checkpoint.String
		e.Verifier = verifier.String
		e.Error = errStr.String
		if filesJSON.Valid && filesJSON.String != "" && filesJSON.String != "null" {
			if err := json.Unmarshal([]byte(filesJSON.String), &e.FilesTouch); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanRun(row *sql.Row) (*domain.Run, error) {
	var r domain.Run
	var status string
	var worktreePath, branch, baselineRef, backupPath, archivePath sql.NullString
	var finishedAt sql.NullTime

	if err := row.Scan(&r.ID, &r.RepoPath, &worktreePath, &branch, &baselineRef, &backupPath, &archivePath, &status, &r.StartedAt, &finishedAt); err != nil {
		return nil, err
	}
	fillRun(&r, status, worktreePath, branch, baselineRef, backupPath, archivePath, finishedAt)
	return &r, nil
}

func scanRunRows(rows *sql.Rows) (*domain.Run, error) {
	var r domain.Run
	var status string
	var worktreePath, branch, baselineRef, backupPath, archivePath sql.NullString
	var finishedAt sql.NullTime

	if err := rows.Scan(&r.ID, &r.RepoPath, &worktreePath, &branch, &baselineRef, &backupPath, &archivePath, &status, &r.StartedAt, &finishedAt); err != nil {
		return nil, err
	}
	fillRun(&r, status, worktreePath, branch, baselineRef, backupPath, archivePath, finishedAt)
	return &r, nil
}

func fillRun(r *domain.Run, status string, worktreePath, branch, baselineRef, backupPath, archivePath sql.NullString, finishedAt sql.NullTime) {
	r.Status = domain.RunStatus(status)
	r.WorktreePath = worktreePath.String
	r.Branch = branch.String
	r.BaselineRef = baselineRef.String
	r.BackupPath = backupPath.String
	r.ArchivePath = archivePath.String
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
}

func scanBatch(row *sql.Row) (*domain.Batch, error) {
	var b domain.Batch
	var scopeJSON, excludeJSON, opsJSON, verifierLevel, state string
	var goal, notes sql.NullString

	if err := row.Scan(&b.ID, &b.RunID, &goal, &scopeJSON, &excludeJSON, &opsJSON, &b.DiffBudgetLOC, &b.RiskScore, &verifierLevel, &b.Critical, &notes, &state, &b.Attempt); err != nil {
		return nil, err
	}
	if err := fillBatch(&b, goal, scopeJSON, excludeJSON, opsJSON, verifierLevel, notes, state); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanBatchRows(rows *sql.Rows) (*domain.Batch, error) {
	var b domain.Batch
	var scopeJSON, excludeJSON, opsJSON, verifierLevel, state string
	var goal, notes sql.NullString

	if err := rows.Scan(&b.ID, &b.RunID, &goal, &scopeJSON, &excludeJSON, &opsJSON, &b.DiffBudgetLOC, &b.RiskScore, &verifierLevel, &b.Critical, &notes, &state, &b.Attempt); err != nil {
		return nil, err
	}
	if err := fillBatch(&b, goal, scopeJSON, excludeJSON, opsJSON, verifierLevel, notes, state); err != nil {
		return nil, err
	}
	return &b, nil
}

func fillBatch(b *domain.Batch, goal sql.NullString, scopeJSON, excludeJSON, opsJSON, verifierLevel string, notes sql.NullString, state string) error {
	b.Goal = goal.String
	b.Notes = notes.String
	b.VerifierLevel = domain.VerifierLevel(verifierLevel)
	b.State = domain.BatchState(state)

	if scopeJSON != "" && scopeJSON != "null" {
		if err := json.Unmarshal([]byte(scopeJSON), &b.ScopeGlobs); err != nil {
			return err
		}
	}
	if excludeJSON != "" && excludeJSON != "null" {
		if err := json.Unmarshal([]byte(excludeJSON), &b.ExcludeGlobs); err != nil {
			return err
		}
	}
	if opsJSON != "" && opsJSON != "null" {
		if err := json.Unmarshal([]byte(opsJSON), &b.OperationKinds); err != nil {
			return err
		}
	}
	return nil
}
