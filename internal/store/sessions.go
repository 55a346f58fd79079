package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reasoning session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionPaused    = "paused"
)

// Session is one reasoning-loop run over a task.
type Session struct {
	ID              string
	TaskDescription string
	Status          string
	UserID          string
	TotalSteps      int
	TotalTokens     int
	Metadata        json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Step is one recorded THINK/ACT/OBSERVE cycle. Step numbers are strictly
// increasing per session with no gaps.
type Step struct {
	ID         string
	SessionID  string
	StepNumber int
	Reasoning  string
	ToolCalled string
	ToolInput  json.RawMessage
	ToolOutput json.RawMessage
	TokenUsage int
	CreatedAt  time.Time
}

// Checkpoint is resumable loop state, upserted per (session, step).
type Checkpoint struct {
	SessionID          string
	StepNumber         int
	ContextSnapshot    string
	LastSuccessfulTool string
	RecoveryStrategies []string
}

// CreateSession opens a new active reasoning session.
func (s *Store) CreateSession(taskDescription, userID string, metadata json.RawMessage) (*Session, error) {
	id := uuid.New().String()
	var meta any
	if len(metadata) > 0 {
		meta = string(metadata)
	}
	_, err := s.db.Exec(`
		INSERT INTO reasoning_sessions (id, task_description, user_id, metadata)
		VALUES (?, ?, ?, ?)`,
		id, taskDescription, nullable(userID), meta,
	)
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return s.GetSession(id)
}

// GetSession returns a session by id, or ErrNotFound.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, task_description, status, user_id, total_steps, total_tokens,
		       metadata, created_at, updated_at
		FROM reasoning_sessions WHERE id = ?`, id)

	var sess Session
	var userID, metadata sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.TaskDescription, &sess.Status, &userID,
		&sess.TotalSteps, &sess.TotalTokens, &metadata, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	sess.UserID = nullStr(userID)
	if metadata.Valid {
		sess.Metadata = json.RawMessage(metadata.String)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

// SetSessionStatus moves a session to active/completed/failed/paused.
func (s *Store) SetSessionStatus(id, status string) error {
	res, err := s.db.Exec(
		`UPDATE reasoning_sessions SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("store: set session status: %w", err)
	}
	return requireRow(res, id)
}

// AppendStep records the next reasoning step and rolls the session's step and
// token totals forward in the same transaction. The (session, step_number)
// uniqueness constraint keeps the sequence gap-free under concurrency.
func (s *Store) AppendStep(sessionID string, reasoning, toolCalled string, toolInput, toolOutput json.RawMessage, tokens int) (*Step, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: append step: begin: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(step_number), 0) + 1 FROM reasoning_steps WHERE session_id = ?`,
		sessionID,
	).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("store: append step: next number: %w", err)
	}

	step := &Step{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		StepNumber: next,
		Reasoning:  reasoning,
		ToolCalled: toolCalled,
		ToolInput:  toolInput,
		ToolOutput: toolOutput,
		TokenUsage: tokens,
		CreatedAt:  time.Now().UTC(),
	}

	var input, output any
	if len(toolInput) > 0 {
		input = string(toolInput)
	}
	if len(toolOutput) > 0 {
		output = string(toolOutput)
	}
	_, err = tx.Exec(`
		INSERT INTO reasoning_steps
			(id, session_id, step_number, reasoning, tool_called, tool_input, tool_output, token_usage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, sessionID, next, reasoning, nullable(toolCalled), input, output, tokens,
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert step: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE reasoning_sessions
		SET total_steps = ?, total_tokens = total_tokens + ?, updated_at = datetime('now')
		WHERE id = ?`,
		next, tokens, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: append step: update session: %w", err)
	}
	if err := requireRow(res, sessionID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: append step: commit: %w", err)
	}
	return step, nil
}

// GetSteps returns a session's steps in step-number order.
func (s *Store) GetSteps(sessionID string) ([]Step, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, step_number, reasoning, tool_called, tool_input,
		       tool_output, token_usage, created_at
		FROM reasoning_steps
		WHERE session_id = ?
		ORDER BY step_number ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var toolCalled, toolInput, toolOutput sql.NullString
		var createdAt string
		if err := rows.Scan(&st.ID, &st.SessionID, &st.StepNumber, &st.Reasoning,
			&toolCalled, &toolInput, &toolOutput, &st.TokenUsage, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan step: %w", err)
		}
		st.ToolCalled = nullStr(toolCalled)
		if toolInput.Valid {
			st.ToolInput = json.RawMessage(toolInput.String)
		}
		if toolOutput.Valid {
			st.ToolOutput = json.RawMessage(toolOutput.String)
		}
		st.CreatedAt = parseTime(createdAt)
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate steps: %w", err)
	}
	return steps, nil
}

// SaveCheckpoint upserts resumable loop state for (session, step).
func (s *Store) SaveCheckpoint(cp Checkpoint) error {
	strategies, err := json.Marshal(cp.RecoveryStrategies)
	if err != nil {
		return fmt.Errorf("store: encode recovery strategies: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO reasoning_checkpoints
			(session_id, step_number, context_snapshot, last_successful_tool, recovery_strategies)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, step_number) DO UPDATE SET
			context_snapshot = excluded.context_snapshot,
			last_successful_tool = excluded.last_successful_tool,
			recovery_strategies = excluded.recovery_strategies`,
		cp.SessionID, cp.StepNumber, cp.ContextSnapshot,
		nullable(cp.LastSuccessfulTool), string(strategies),
	)
	if err != nil {
		return fmt.Errorf("store: save checkpoint: %w", err)
	}
	return nil
}

// GetLatestCheckpoint returns the highest-step checkpoint for a session, or
// ErrNotFound.
func (s *Store) GetLatestCheckpoint(sessionID string) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT session_id, step_number, context_snapshot, last_successful_tool, recovery_strategies
		FROM reasoning_checkpoints
		WHERE session_id = ?
		ORDER BY step_number DESC
		LIMIT 1`,
		sessionID,
	)

	var cp Checkpoint
	var lastTool sql.NullString
	var strategies string
	err := row.Scan(&cp.SessionID, &cp.StepNumber, &cp.ContextSnapshot, &lastTool, &strategies)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan checkpoint: %w", err)
	}
	cp.LastSuccessfulTool = nullStr(lastTool)
	if err := json.Unmarshal([]byte(strategies), &cp.RecoveryStrategies); err != nil {
		return nil, fmt.Errorf("store: decode recovery strategies: %w", err)
	}
	return &cp, nil
}
