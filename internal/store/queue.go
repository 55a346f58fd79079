package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// Job is one scheduled execution of one tier against one preflight.
type Job struct {
	ID          string
	PreflightID string
	UserID      string
	Tier        string
	Status      string
	Priority    int
	Attempts    int
	MaxAttempts int
	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	WorkerID    string
	LockedUntil *time.Time
	LastError   string
	ErrorStack  string
	Input       json.RawMessage
	Output      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QueueStats summarizes queue health for operators.
type QueueStats struct {
	Pending              int     `json:"pending"`
	Processing           int     `json:"processing"`
	CompletedToday       int     `json:"completed_today"`
	FailedToday          int     `json:"failed_today"`
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
	OldestPendingMinutes float64 `json:"oldest_pending_minutes"`
}

// ActiveJob is the per-user view of a queued or running audit.
type ActiveJob struct {
	PreflightID string    `json:"preflight_id"`
	RepoURL     string    `json:"repo_url"`
	Tier        string    `json:"tier"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	CreatedAt   time.Time `json:"created_at"`
}

// stuckPendingAge is how long a job may sit pending before ResetStuckPending
// zeroes its attempts to force re-dispatch.
const stuckPendingAge = 15 * time.Minute

// Enqueue inserts a pending job for a preflight. At most one job exists per
// preflight: an active (pending or processing) job makes Enqueue fail with
// ErrAlreadyQueued; a terminal job is reset in place with a fresh id.
func (s *Store) Enqueue(preflightID, userID, tier string, input json.RawMessage, priority, maxAttempts int) (string, error) {
	if preflightID == "" {
		return "", fmt.Errorf("store: enqueue: preflight id is required")
	}
	if priority < 1 || priority > 10 {
		priority = 5
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("store: enqueue: begin: %w", err)
	}
	defer tx.Rollback()

	jobID := uuid.New().String()

	var existingID, existingStatus string
	err = tx.QueryRow(`SELECT id, status FROM jobs WHERE preflight_id = ?`, preflightID).
		Scan(&existingID, &existingStatus)
	switch {
	case err == nil:
		if existingStatus == JobPending || existingStatus == JobProcessing {
			return "", ErrAlreadyQueued
		}
		_, err = tx.Exec(`
			UPDATE jobs
			SET id = ?, user_id = ?, tier = ?, status = 'pending', priority = ?,
			    attempts = 0, max_attempts = ?, scheduled_at = datetime('now'),
			    started_at = NULL, completed_at = NULL, worker_id = NULL,
			    locked_until = NULL, last_error = NULL, error_stack = NULL,
			    input = ?, output = NULL, updated_at = datetime('now')
			WHERE id = ?`,
			jobID, nullable(userID), tier, priority, maxAttempts, string(input), existingID,
		)
		if err != nil {
			return "", fmt.Errorf("store: requeue job: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.Exec(`
			INSERT INTO jobs (id, preflight_id, user_id, tier, priority, max_attempts, input)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			jobID, preflightID, nullable(userID), tier, priority, maxAttempts, string(input),
		)
		if err != nil {
			return "", fmt.Errorf("store: insert job: %w", err)
		}
	default:
		return "", fmt.Errorf("store: enqueue: lookup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: enqueue: commit: %w", err)
	}
	return jobID, nil
}

const jobCols = `id, preflight_id, user_id, tier, status, priority, attempts,
	max_attempts, scheduled_at, started_at, completed_at, worker_id,
	locked_until, last_error, error_stack, input, output, created_at, updated_at`

// Claim atomically transitions the best eligible pending job to processing
// and leases it to workerID. Returns nil when no job is eligible.
//
// Eligibility: status pending, scheduled_at <= now, attempts < max_attempts.
// Selection order: priority DESC, scheduled_at ASC. The single UPDATE with a
// status guard is the SQLite equivalent of SELECT ... FOR UPDATE SKIP LOCKED:
// writers are serialized, so two claimers can never move the same row.
func (s *Store) Claim(workerID string, lease time.Duration) (*Job, error) {
	jobs, err := s.ClaimBatch(workerID, 1, lease)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// ClaimBatch claims up to n eligible jobs for workerID under one lease.
func (s *Store) ClaimBatch(workerID string, n int, lease time.Duration) ([]Job, error) {
	if n <= 0 {
		return nil, nil
	}
	lockedUntil := time.Now().UTC().Add(lease).Format(time.DateTime)

	var claimed []Job
	for len(claimed) < n {
		row := s.db.QueryRow(`
			UPDATE jobs
			SET status = 'processing',
			    worker_id = ?,
			    locked_until = ?,
			    attempts = attempts + 1,
			    started_at = COALESCE(started_at, datetime('now')),
			    updated_at = datetime('now')
			WHERE id = (
				SELECT id FROM jobs
				WHERE status = 'pending'
				  AND scheduled_at <= datetime('now')
				  AND attempts < max_attempts
				ORDER BY priority DESC, scheduled_at ASC
				LIMIT 1
			) AND status = 'pending'
			RETURNING `+jobCols,
			workerID, lockedUntil,
		)
		job, err := scanJobRow(row)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return claimed, fmt.Errorf("store: claim: %w", err)
		}
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

// GetJob returns a job by id, or ErrNotFound.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	job, err := scanJobRow(row)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetJobByPreflight returns the job owning a preflight, or ErrNotFound.
func (s *Store) GetJobByPreflight(preflightID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobCols+` FROM jobs WHERE preflight_id = ?`, preflightID)
	return scanJobRow(row)
}

// CompleteJob marks a job terminally completed with its output payload.
func (s *Store) CompleteJob(jobID string, output json.RawMessage) error {
	if len(output) == 0 {
		output = json.RawMessage("{}")
	}
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'completed', output = ?, completed_at = datetime('now'),
		    worker_id = NULL, locked_until = NULL, updated_at = datetime('now')
		WHERE id = ? AND status = 'processing'`,
		string(output), jobID,
	)
	if err != nil {
		return fmt.Errorf("store: complete job: %w", err)
	}
	return requireRow(res, jobID)
}

// FailJob records a failure. If attempts remain, the job is rescheduled with
// exponential backoff (now + 2^attempts minutes) and returned to pending;
// otherwise it goes terminally failed.
func (s *Store) FailJob(jobID, errMsg, stack string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: fail job: begin: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, jobID).
		Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: fail job: lookup: %w", err)
	}

	if attempts < maxAttempts {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Minute
		next := time.Now().UTC().Add(backoff).Format(time.DateTime)
		_, err = tx.Exec(`
			UPDATE jobs
			SET status = 'pending', scheduled_at = ?, worker_id = NULL,
			    locked_until = NULL, last_error = ?, error_stack = ?,
			    updated_at = datetime('now')
			WHERE id = ?`,
			next, errMsg, nullable(stack), jobID,
		)
	} else {
		_, err = tx.Exec(`
			UPDATE jobs
			SET status = 'failed', completed_at = datetime('now'), worker_id = NULL,
			    locked_until = NULL, last_error = ?, error_stack = ?,
			    updated_at = datetime('now')
			WHERE id = ?`,
			errMsg, nullable(stack), jobID,
		)
	}
	if err != nil {
		return fmt.Errorf("store: fail job: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: fail job: commit: %w", err)
	}
	return nil
}

// CancelJob cancels a pending or processing job owned by userID. Returns
// false when the job is already terminal or owned by someone else. A running
// pipeline observes the cancellation cooperatively at its next status write.
func (s *Store) CancelJob(jobID, userID string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'cancelled', completed_at = datetime('now'), worker_id = NULL,
		    locked_until = NULL, updated_at = datetime('now')
		WHERE id = ? AND status IN ('pending', 'processing')
		  AND (user_id = ? OR user_id IS NULL)`,
		jobID, nullable(userID),
	)
	if err != nil {
		return false, fmt.Errorf("store: cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: cancel job: rows affected: %w", err)
	}
	return n > 0, nil
}

// RecoverStale resets processing jobs whose lease has expired back to
// pending so another worker can claim them. Returns the count recovered.
func (s *Store) RecoverStale() (int, error) {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'pending', worker_id = NULL, locked_until = NULL,
		    updated_at = datetime('now')
		WHERE status = 'processing' AND locked_until < ?`,
		now(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: recover stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: recover stale: rows affected: %w", err)
	}
	return int(n), nil
}

// ResetStuckPending zeroes attempts and worker for jobs that have sat
// pending longer than 15 minutes with attempts remaining, forcing the
// dispatcher to pick them up fresh. Returns the count reset.
func (s *Store) ResetStuckPending() (int, error) {
	cutoff := time.Now().UTC().Add(-stuckPendingAge).Format(time.DateTime)
	res, err := s.db.Exec(`
		UPDATE jobs
		SET attempts = 0, worker_id = NULL, scheduled_at = datetime('now'),
		    updated_at = datetime('now')
		WHERE status = 'pending' AND attempts < max_attempts AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("store: reset stuck pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: reset stuck pending: rows affected: %w", err)
	}
	return int(n), nil
}

// Stats returns aggregate queue metrics.
func (s *Store) Stats() (*QueueStats, error) {
	var st QueueStats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = 'pending'`).Scan(&st.Pending); err != nil {
		return nil, fmt.Errorf("store: stats pending: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = 'processing'`).Scan(&st.Processing); err != nil {
		return nil, fmt.Errorf("store: stats processing: %w", err)
	}

	today := time.Now().UTC().Format(time.DateOnly)
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = 'completed' AND completed_at >= ?`, today).Scan(&st.CompletedToday); err != nil {
		return nil, fmt.Errorf("store: stats completed: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = 'failed' AND completed_at >= ?`, today).Scan(&st.FailedToday); err != nil {
		return nil, fmt.Errorf("store: stats failed: %w", err)
	}

	var avg sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT AVG(strftime('%s', completed_at) - strftime('%s', started_at))
		FROM jobs
		WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at >= ?`,
		today,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("store: stats avg processing: %w", err)
	}
	if avg.Valid {
		st.AvgProcessingSeconds = avg.Float64
	}

	var oldest sql.NullString
	err = s.db.QueryRow(`SELECT MIN(scheduled_at) FROM jobs WHERE status = 'pending'`).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("store: stats oldest pending: %w", err)
	}
	if oldest.Valid && oldest.String != "" {
		st.OldestPendingMinutes = time.Since(parseTime(oldest.String)).Minutes()
	}

	return &st, nil
}

// JobListing is the compact view query_db exposes for recent jobs.
type JobListing struct {
	ID          string    `json:"id"`
	PreflightID string    `json:"preflight_id"`
	Tier        string    `json:"tier"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecentJobs returns the newest jobs across all preflights.
func (s *Store) RecentJobs(limit int) ([]JobListing, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, preflight_id, tier, status, attempts, created_at
		FROM jobs
		ORDER BY created_at DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobListing
	for rows.Next() {
		var j JobListing
		var createdAt string
		if err := rows.Scan(&j.ID, &j.PreflightID, &j.Tier, &j.Status, &j.Attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan job listing: %w", err)
		}
		j.CreatedAt = parseTime(createdAt)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate job listings: %w", err)
	}
	return jobs, nil
}

// ActiveJobsForUser lists a user's pending and processing audits joined with
// their status progress.
func (s *Store) ActiveJobsForUser(userID string) ([]ActiveJob, error) {
	rows, err := s.db.Query(`
		SELECT j.preflight_id, COALESCE(p.repo_url, ''), j.tier, j.status,
		       COALESCE(st.progress, 0), j.created_at
		FROM jobs j
		LEFT JOIN preflights p ON p.id = j.preflight_id
		LEFT JOIN job_status st ON st.preflight_id = j.preflight_id
		WHERE j.user_id = ? AND j.status IN ('pending', 'processing')
		ORDER BY j.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: active jobs: %w", err)
	}
	defer rows.Close()

	var active []ActiveJob
	for rows.Next() {
		var a ActiveJob
		var createdAt string
		if err := rows.Scan(&a.PreflightID, &a.RepoURL, &a.Tier, &a.Status, &a.Progress, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan active job: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		active = append(active, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate active jobs: %w", err)
	}
	return active, nil
}

func scanJobRow(row *sql.Row) (*Job, error) {
	var j Job
	var userID, startedAt, completedAt, workerID, lockedUntil, lastError, errorStack, output sql.NullString
	var scheduledAt, createdAt, updatedAt, input string

	err := row.Scan(&j.ID, &j.PreflightID, &userID, &j.Tier, &j.Status,
		&j.Priority, &j.Attempts, &j.MaxAttempts, &scheduledAt, &startedAt,
		&completedAt, &workerID, &lockedUntil, &lastError, &errorStack,
		&input, &output, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan job: %w", err)
	}

	j.UserID = nullStr(userID)
	j.ScheduledAt = parseTime(scheduledAt)
	j.StartedAt = nullTime(startedAt)
	j.CompletedAt = nullTime(completedAt)
	j.WorkerID = nullStr(workerID)
	j.LockedUntil = nullTime(lockedUntil)
	j.LastError = nullStr(lastError)
	j.ErrorStack = nullStr(errorStack)
	j.Input = json.RawMessage(input)
	if output.Valid {
		j.Output = json.RawMessage(output.String)
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
