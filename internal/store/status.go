package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status values for the per-preflight status row. These are the
// subscriber-facing states, distinct from the queue's job statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// WorkerProgress tracks one fan-out worker inside a running audit.
type WorkerProgress struct {
	WorkerID    string     `json:"worker_id"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PhaseTokens is the per-phase token accounting on a status row.
type PhaseTokens struct {
	Planner     int `json:"planner"`
	Workers     int `json:"workers"`
	Coordinator int `json:"coordinator"`
}

// JobStatus is the live, subscriber-visible state of one audit run.
type JobStatus struct {
	PreflightID         string           `json:"preflight_id"`
	JobID               string           `json:"job_id,omitempty"`
	UserID              string           `json:"user_id,omitempty"`
	Tier                string           `json:"tier"`
	Status              string           `json:"status"`
	Progress            int              `json:"progress"`
	Logs                []string         `json:"logs"`
	CurrentStep         string           `json:"current_step,omitempty"`
	WorkerProgress      []WorkerProgress `json:"worker_progress"`
	PlanData            json.RawMessage  `json:"plan_data,omitempty"`
	TokenUsage          PhaseTokens      `json:"token_usage"`
	ReportData          json.RawMessage  `json:"report_data,omitempty"`
	ErrorMessage        string           `json:"error_message,omitempty"`
	ErrorDetails        string           `json:"error_details,omitempty"`
	StartedAt           *time.Time       `json:"started_at,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
	FailedAt            *time.Time       `json:"failed_at,omitempty"`
	EstimatedDurationS  *int             `json:"estimated_duration_seconds,omitempty"`
	ActualDurationS     *int             `json:"actual_duration_seconds,omitempty"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// OpenStatus creates or resets the status row for a claimed job: processing,
// zero progress, empty logs.
func (s *Store) OpenStatus(preflightID, jobID, userID, tier string, estimatedSeconds int) (*JobStatus, error) {
	var est any
	if estimatedSeconds > 0 {
		est = estimatedSeconds
	}
	_, err := s.db.Exec(`
		INSERT INTO job_status (preflight_id, job_id, user_id, tier, status, progress,
			logs, worker_progress, planner_tokens, worker_tokens, coordinator_tokens,
			started_at, estimated_duration_s, updated_at)
		VALUES (?, ?, ?, ?, 'processing', 0, '[]', '[]', 0, 0, 0, datetime('now'), ?, datetime('now'))
		ON CONFLICT(preflight_id) DO UPDATE SET
			job_id = excluded.job_id, user_id = excluded.user_id,
			tier = excluded.tier, status = 'processing', progress = 0,
			logs = '[]', current_step = NULL, worker_progress = '[]',
			plan_data = NULL, planner_tokens = 0, worker_tokens = 0,
			coordinator_tokens = 0, report_data = NULL, error_message = NULL,
			error_details = NULL, started_at = datetime('now'),
			completed_at = NULL, failed_at = NULL,
			estimated_duration_s = excluded.estimated_duration_s,
			actual_duration_s = NULL, updated_at = datetime('now')`,
		preflightID, jobID, nullable(userID), tier, est,
	)
	if err != nil {
		return nil, fmt.Errorf("store: open status: %w", err)
	}
	return s.GetStatus(preflightID)
}

// QueueStatus writes the pre-claim "queued" snapshot at enqueue time.
func (s *Store) QueueStatus(preflightID, jobID, userID, tier string) (*JobStatus, error) {
	_, err := s.db.Exec(`
		INSERT INTO job_status (preflight_id, job_id, user_id, tier, status, progress, logs, worker_progress, updated_at)
		VALUES (?, ?, ?, ?, 'queued', 0, '[]', '[]', datetime('now'))
		ON CONFLICT(preflight_id) DO UPDATE SET
			job_id = excluded.job_id, user_id = excluded.user_id,
			tier = excluded.tier, status = 'queued', progress = 0,
			logs = '[]', current_step = NULL, worker_progress = '[]',
			plan_data = NULL, report_data = NULL, error_message = NULL,
			error_details = NULL, completed_at = NULL, failed_at = NULL,
			updated_at = datetime('now')`,
		preflightID, jobID, nullable(userID), tier,
	)
	if err != nil {
		return nil, fmt.Errorf("store: queue status: %w", err)
	}
	return s.GetStatus(preflightID)
}

// AppendStatusLog appends a log line and optionally moves progress and the
// current step. Log ordering is the append order. Pass progress < 0 to leave
// progress untouched and step == "" to keep the current step.
func (s *Store) AppendStatusLog(preflightID, line string, progress int, step string) (*JobStatus, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: append status log: begin: %w", err)
	}
	defer tx.Rollback()

	var logsRaw string
	err = tx.QueryRow(`SELECT logs FROM job_status WHERE preflight_id = ?`, preflightID).Scan(&logsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: append status log: lookup: %w", err)
	}

	var logs []string
	if err := json.Unmarshal([]byte(logsRaw), &logs); err != nil {
		return nil, fmt.Errorf("store: decode status logs: %w", err)
	}
	logs = append(logs, line)
	encoded, err := json.Marshal(logs)
	if err != nil {
		return nil, fmt.Errorf("store: encode status logs: %w", err)
	}

	q := `UPDATE job_status SET logs = ?, updated_at = datetime('now')`
	args := []any{string(encoded)}
	if progress >= 0 {
		q += `, progress = ?`
		args = append(args, progress)
	}
	if step != "" {
		q += `, current_step = ?`
		args = append(args, step)
	}
	q += ` WHERE preflight_id = ?`
	args = append(args, preflightID)

	if _, err := tx.Exec(q, args...); err != nil {
		return nil, fmt.Errorf("store: append status log: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: append status log: commit: %w", err)
	}
	return s.GetStatus(preflightID)
}

// SetStatusPlan records the planner output on the status row.
func (s *Store) SetStatusPlan(preflightID string, plan json.RawMessage) (*JobStatus, error) {
	_, err := s.db.Exec(
		`UPDATE job_status SET plan_data = ?, updated_at = datetime('now') WHERE preflight_id = ?`,
		string(plan), preflightID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: set status plan: %w", err)
	}
	return s.GetStatus(preflightID)
}

// AddPhaseTokens accumulates token usage for one pipeline phase:
// "planner", "workers", or "coordinator".
func (s *Store) AddPhaseTokens(preflightID, phase string, tokens int) (*JobStatus, error) {
	var col string
	switch phase {
	case "planner":
		col = "planner_tokens"
	case "workers":
		col = "worker_tokens"
	case "coordinator":
		col = "coordinator_tokens"
	default:
		return nil, fmt.Errorf("store: add phase tokens: unknown phase %q", phase)
	}
	_, err := s.db.Exec(
		`UPDATE job_status SET `+col+` = `+col+` + ?, updated_at = datetime('now') WHERE preflight_id = ?`,
		tokens, preflightID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: add phase tokens: %w", err)
	}
	return s.GetStatus(preflightID)
}

// SetWorkerProgress replaces the worker progress entries on the status row.
func (s *Store) SetWorkerProgress(preflightID string, workers []WorkerProgress) (*JobStatus, error) {
	encoded, err := json.Marshal(workers)
	if err != nil {
		return nil, fmt.Errorf("store: encode worker progress: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE job_status SET worker_progress = ?, updated_at = datetime('now') WHERE preflight_id = ?`,
		string(encoded), preflightID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: set worker progress: %w", err)
	}
	return s.GetStatus(preflightID)
}

// CompleteStatus writes the final report and marks the run completed. A row
// already cancelled stays cancelled: a cancel that raced the final phase must
// not be overwritten.
func (s *Store) CompleteStatus(preflightID string, report json.RawMessage) (*JobStatus, error) {
	_, err := s.db.Exec(`
		UPDATE job_status
		SET status = 'completed', progress = 100, report_data = ?,
		    completed_at = datetime('now'),
		    actual_duration_s = CAST(strftime('%s', 'now') - strftime('%s', started_at) AS INTEGER),
		    updated_at = datetime('now')
		WHERE preflight_id = ? AND status != 'cancelled'`,
		string(report), preflightID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: complete status: %w", err)
	}
	return s.GetStatus(preflightID)
}

// FailStatus marks the run failed with an operator-readable message.
func (s *Store) FailStatus(preflightID, message, details string) (*JobStatus, error) {
	_, err := s.db.Exec(`
		UPDATE job_status
		SET status = 'failed', error_message = ?, error_details = ?,
		    failed_at = datetime('now'), updated_at = datetime('now')
		WHERE preflight_id = ?`,
		message, nullable(details), preflightID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: fail status: %w", err)
	}
	return s.GetStatus(preflightID)
}

// CancelStatus marks the run cancelled.
func (s *Store) CancelStatus(preflightID string) (*JobStatus, error) {
	_, err := s.db.Exec(`
		UPDATE job_status
		SET status = 'cancelled', updated_at = datetime('now')
		WHERE preflight_id = ?`,
		preflightID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: cancel status: %w", err)
	}
	return s.GetStatus(preflightID)
}

// GetStatus returns the status snapshot for a preflight, or ErrNotFound.
func (s *Store) GetStatus(preflightID string) (*JobStatus, error) {
	row := s.db.QueryRow(`
		SELECT preflight_id, job_id, user_id, tier, status, progress, logs,
		       current_step, worker_progress, plan_data, planner_tokens,
		       worker_tokens, coordinator_tokens, report_data, error_message,
		       error_details, started_at, completed_at, failed_at,
		       estimated_duration_s, actual_duration_s, updated_at
		FROM job_status WHERE preflight_id = ?`,
		preflightID,
	)

	var st JobStatus
	var jobID, userID, currentStep, planData, reportData, errMsg, errDetails sql.NullString
	var startedAt, completedAt, failedAt sql.NullString
	var estS, actS sql.NullInt64
	var logsRaw, workersRaw, updatedAt string

	err := row.Scan(&st.PreflightID, &jobID, &userID, &st.Tier, &st.Status,
		&st.Progress, &logsRaw, &currentStep, &workersRaw, &planData,
		&st.TokenUsage.Planner, &st.TokenUsage.Workers, &st.TokenUsage.Coordinator,
		&reportData, &errMsg, &errDetails, &startedAt, &completedAt, &failedAt,
		&estS, &actS, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan status: %w", err)
	}

	if err := json.Unmarshal([]byte(logsRaw), &st.Logs); err != nil {
		return nil, fmt.Errorf("store: decode status logs: %w", err)
	}
	if err := json.Unmarshal([]byte(workersRaw), &st.WorkerProgress); err != nil {
		return nil, fmt.Errorf("store: decode worker progress: %w", err)
	}
	st.JobID = nullStr(jobID)
	st.UserID = nullStr(userID)
	st.CurrentStep = nullStr(currentStep)
	if planData.Valid {
		st.PlanData = json.RawMessage(planData.String)
	}
	if reportData.Valid {
		st.ReportData = json.RawMessage(reportData.String)
	}
	st.ErrorMessage = nullStr(errMsg)
	st.ErrorDetails = nullStr(errDetails)
	st.StartedAt = nullTime(startedAt)
	st.CompletedAt = nullTime(completedAt)
	st.FailedAt = nullTime(failedAt)
	if estS.Valid {
		v := int(estS.Int64)
		st.EstimatedDurationS = &v
	}
	if actS.Valid {
		v := int(actS.Int64)
		st.ActualDurationS = &v
	}
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}
