package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Issue is one finding in an audit report.
type Issue struct {
	ID          string `json:"id"`
	Severity    string `json:"severity"` // critical, high, warning, medium, info, low
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
	FilePath    string `json:"file_path,omitempty"`
	LineNumber  int    `json:"line_number,omitempty"`
	BadCode     string `json:"bad_code,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// Audit is a persisted audit report. When ResultsChunked is set, the issue
// list and extra data live in audit_result_chunks instead of the row.
type Audit struct {
	ID              string
	UserID          string
	RepoURL         string
	Tier            string
	HealthScore     int
	Summary         string
	Issues          []Issue
	ExtraData       map[string]any
	TotalTokens     int
	EstimatedTokens int
	ResultsChunked  bool
	PreflightID     string
	CreatedAt       time.Time
}

// AuditSummary is the lightweight listing used for prior-audit navigation.
type AuditSummary struct {
	ID          string    `json:"id"`
	RepoURL     string    `json:"repo_url"`
	Tier        string    `json:"tier"`
	HealthScore int       `json:"health_score"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateAudit inserts a new audit row with inline issues. Callers that need
// chunking follow up with StoreAuditResults, which may clear the inline
// fields and flip results_chunked.
func (s *Store) CreateAudit(a *Audit) (string, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	issues, err := json.Marshal(a.Issues)
	if err != nil {
		return "", fmt.Errorf("store: marshal issues: %w", err)
	}
	var extra any
	if a.ExtraData != nil {
		encoded, err := json.Marshal(a.ExtraData)
		if err != nil {
			return "", fmt.Errorf("store: marshal extra data: %w", err)
		}
		extra = string(encoded)
	}
	var est any
	if a.EstimatedTokens > 0 {
		est = a.EstimatedTokens
	}

	_, err = s.db.Exec(`
		INSERT INTO audits
			(id, user_id, repo_url, tier, health_score, summary, issues,
			 extra_data, total_tokens, estimated_tokens, results_chunked, preflight_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		a.ID, nullable(a.UserID), a.RepoURL, a.Tier, a.HealthScore, a.Summary,
		string(issues), extra, a.TotalTokens, est, nullable(a.PreflightID),
	)
	if err != nil {
		return "", fmt.Errorf("store: insert audit: %w", err)
	}
	return a.ID, nil
}

// GetAudit returns an audit row (without reassembling chunked results), or
// ErrNotFound. Use LoadAuditResults for the full issue list.
func (s *Store) GetAudit(id string) (*Audit, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, repo_url, tier, health_score, summary, issues,
		       extra_data, total_tokens, estimated_tokens, results_chunked,
		       preflight_id, created_at
		FROM audits WHERE id = ?`, id)

	var a Audit
	var userID, extra, preflightID sql.NullString
	var est sql.NullInt64
	var issues, createdAt string
	var chunked int

	err := row.Scan(&a.ID, &userID, &a.RepoURL, &a.Tier, &a.HealthScore,
		&a.Summary, &issues, &extra, &a.TotalTokens, &est, &chunked,
		&preflightID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan audit: %w", err)
	}

	if err := json.Unmarshal([]byte(issues), &a.Issues); err != nil {
		return nil, fmt.Errorf("store: decode issues: %w", err)
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &a.ExtraData); err != nil {
			return nil, fmt.Errorf("store: decode extra data: %w", err)
		}
	}
	a.UserID = nullStr(userID)
	a.PreflightID = nullStr(preflightID)
	if est.Valid {
		a.EstimatedTokens = int(est.Int64)
	}
	a.ResultsChunked = chunked != 0
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// RecentAudits returns the newest audits across all repositories.
func (s *Store) RecentAudits(limit int) ([]AuditSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, repo_url, tier, health_score, created_at
		FROM audits
		ORDER BY created_at DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent audits: %w", err)
	}
	defer rows.Close()

	var audits []AuditSummary
	for rows.Next() {
		var a AuditSummary
		var createdAt string
		if err := rows.Scan(&a.ID, &a.RepoURL, &a.Tier, &a.HealthScore, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan audit summary: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		audits = append(audits, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate audits: %w", err)
	}
	return audits, nil
}

// ListAuditsForRepo returns prior audits of a repository, newest first.
func (s *Store) ListAuditsForRepo(repoURL string, limit int) ([]AuditSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, repo_url, tier, health_score, created_at
		FROM audits
		WHERE repo_url = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		repoURL, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list audits: %w", err)
	}
	defer rows.Close()

	var audits []AuditSummary
	for rows.Next() {
		var a AuditSummary
		var createdAt string
		if err := rows.Scan(&a.ID, &a.RepoURL, &a.Tier, &a.HealthScore, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan audit summary: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		audits = append(audits, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate audits: %w", err)
	}
	return audits, nil
}
