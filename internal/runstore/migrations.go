package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    repo_path TEXT NOT NULL,
    worktree_path TEXT,
    branch TEXT,
    baseline_ref TEXT,
    backup_path TEXT,
    archive_path TEXT,
    status TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id),
    goal TEXT,
    scope_globs TEXT,
    exclude_globs TEXT,
    operation_kinds TEXT,
    diff_budget_loc INTEGER,
    risk_score INTEGER,
    verifier_level TEXT,
    critical BOOLEAN DEFAULT FALSE,
    notes TEXT,
    state TEXT NOT NULL,
    attempt INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_batches_run_id ON batches(run_id);
CREATE INDEX IF NOT EXISTS idx_batches_state ON batches(state);

CREATE TABLE IF NOT EXISTS ledger_entries (
    rowid INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    batch_id TEXT NOT NULL,
    goal TEXT,
    attempt INTEGER,
    timestamp TIMESTAMP NOT NULL,
    outcome TEXT NOT NULL,
    checkpoint TEXT,
    verifier_summary TEXT,
    error TEXT,
    files_touched TEXT,
    lines_added INTEGER,
    lines_removed INTEGER,
    duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_run_id ON ledger_entries(run_id);
`
