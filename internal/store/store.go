// Package store provides SQLite-backed persistence for the audit
// orchestration core: preflight snapshots, the job queue, per-job status,
// reasoning sessions, audits, and chunked results.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors shared across the store. The API layer maps these onto
// HTTP status codes.
var (
	ErrNotFound         = errors.New("store: not found")
	ErrAlreadyQueued    = errors.New("store: job already queued for preflight")
	ErrCorruptedResults = errors.New("store: chunked results are inconsistent")
)

// Store wraps the SQLite database holding all durable core state.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS preflights (
	id TEXT PRIMARY KEY,
	repo_url TEXT NOT NULL,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	default_branch TEXT NOT NULL DEFAULT 'main',
	repo_map TEXT NOT NULL DEFAULT '[]',
	stats TEXT NOT NULL DEFAULT '{}',
	fingerprint TEXT NOT NULL DEFAULT '',
	is_private INTEGER NOT NULL DEFAULT 0,
	fetch_strategy TEXT NOT NULL DEFAULT 'public',
	github_account_id TEXT,
	token_valid INTEGER NOT NULL DEFAULT 1,
	user_id TEXT,
	file_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_preflights_repo_user
	ON preflights(repo_url, user_id) WHERE user_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_preflights_repo_public
	ON preflights(repo_url) WHERE user_id IS NULL AND is_private = 0;
CREATE INDEX IF NOT EXISTS idx_preflights_expires ON preflights(expires_at);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	preflight_id TEXT NOT NULL UNIQUE,
	user_id TEXT,
	tier TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 5,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	scheduled_at DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at DATETIME,
	completed_at DATETIME,
	worker_id TEXT,
	locked_until DATETIME,
	last_error TEXT,
	error_stack TEXT,
	input TEXT NOT NULL DEFAULT '{}',
	output TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim
	ON jobs(status, scheduled_at, priority);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);

CREATE TABLE IF NOT EXISTS job_status (
	preflight_id TEXT PRIMARY KEY,
	job_id TEXT,
	user_id TEXT,
	tier TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	progress INTEGER NOT NULL DEFAULT 0,
	logs TEXT NOT NULL DEFAULT '[]',
	current_step TEXT,
	worker_progress TEXT NOT NULL DEFAULT '[]',
	plan_data TEXT,
	planner_tokens INTEGER NOT NULL DEFAULT 0,
	worker_tokens INTEGER NOT NULL DEFAULT 0,
	coordinator_tokens INTEGER NOT NULL DEFAULT 0,
	report_data TEXT,
	error_message TEXT,
	error_details TEXT,
	started_at DATETIME,
	completed_at DATETIME,
	failed_at DATETIME,
	estimated_duration_s INTEGER,
	actual_duration_s INTEGER,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS reasoning_sessions (
	id TEXT PRIMARY KEY,
	task_description TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	user_id TEXT,
	total_steps INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	metadata TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS reasoning_steps (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	step_number INTEGER NOT NULL,
	reasoning TEXT NOT NULL DEFAULT '',
	tool_called TEXT,
	tool_input TEXT,
	tool_output TEXT,
	token_usage INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(session_id, step_number)
);

CREATE INDEX IF NOT EXISTS idx_reasoning_steps_session
	ON reasoning_steps(session_id, step_number);

CREATE TABLE IF NOT EXISTS reasoning_checkpoints (
	session_id TEXT NOT NULL,
	step_number INTEGER NOT NULL,
	context_snapshot TEXT NOT NULL DEFAULT '',
	last_successful_tool TEXT,
	recovery_strategies TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (session_id, step_number)
);

CREATE TABLE IF NOT EXISTS audits (
	id TEXT PRIMARY KEY,
	user_id TEXT,
	repo_url TEXT NOT NULL,
	tier TEXT NOT NULL,
	health_score INTEGER NOT NULL DEFAULT 0,
	summary TEXT NOT NULL DEFAULT '',
	issues TEXT NOT NULL DEFAULT '[]',
	extra_data TEXT,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	estimated_tokens INTEGER,
	results_chunked INTEGER NOT NULL DEFAULT 0,
	preflight_id TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_audits_repo ON audits(repo_url, created_at);
CREATE INDEX IF NOT EXISTS idx_audits_user ON audits(user_id);

CREATE TABLE IF NOT EXISTS audit_result_chunks (
	audit_id TEXT NOT NULL,
	chunk_type TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	data TEXT NOT NULL,
	data_size_bytes INTEGER NOT NULL DEFAULT 0,
	compressed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (audit_id, chunk_type, chunk_index)
);

CREATE TABLE IF NOT EXISTS tier_prompts (
	tier TEXT PRIMARY KEY,
	system_prompt TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

// Open creates or opens a SQLite database at the given path and ensures the
// schema exists.
//
// Transactions begin immediate: several methods read inside a tx before
// writing (Enqueue, FailJob, AppendStep), and a deferred tx would fail the
// write upgrade with SQLITE_BUSY under contention. Taking the write lock up
// front lets busy_timeout do the waiting instead.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies incremental schema migrations for existing databases.
func migrate(db *sql.DB) error {
	// Audits created before preflight linkage was recorded lack the column.
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('audits') WHERE name = 'preflight_id'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check audits preflight_id column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE audits ADD COLUMN preflight_id TEXT`); err != nil {
			return fmt.Errorf("add audits preflight_id column: %w", err)
		}
	}

	// Status rows created before duration estimates were tracked.
	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('job_status') WHERE name = 'estimated_duration_s'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check job_status estimated_duration_s column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE job_status ADD COLUMN estimated_duration_s INTEGER`); err != nil {
			return fmt.Errorf("add job_status estimated_duration_s column: %w", err)
		}
		if _, err := db.Exec(`ALTER TABLE job_status ADD COLUMN actual_duration_s INTEGER`); err != nil {
			return fmt.Errorf("add job_status actual_duration_s column: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// now returns the current UTC time formatted the way SQLite's datetime('now')
// renders it, so Go-side and SQL-side timestamps compare consistently.
func now() string {
	return time.Now().UTC().Format(time.DateTime)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.DateTime, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func nullStr(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

// nullable converts an optional string to a driver-friendly value: empty
// strings are stored as NULL so the partial unique indexes behave.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
