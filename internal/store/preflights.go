package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// preflightTTL is how long a repository snapshot stays usable before the
// cleanup sweep removes it.
const preflightTTL = 24 * time.Hour

// RepoMapEntry is one file in a repository snapshot. Only Path and Size are
// interpreted by the core; Type and URL are carried through for tools.
type RepoMapEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Preflight is a cached snapshot of a repository sufficient to run an audit
// without re-fetching the file list.
type Preflight struct {
	ID              string
	RepoURL         string
	Owner           string
	Repo            string
	DefaultBranch   string
	RepoMap         []RepoMapEntry
	Stats           map[string]any
	Fingerprint     string
	IsPrivate       bool
	FetchStrategy   string // "public" or "authenticated"
	GithubAccountID string
	TokenValid      bool
	UserID          string
	FileCount       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// PreflightParams carries the caller-supplied fields for CreatePreflight.
type PreflightParams struct {
	RepoURL         string
	Owner           string
	Repo            string
	DefaultBranch   string
	RepoMap         []RepoMapEntry
	Stats           map[string]any
	Fingerprint     string
	IsPrivate       bool
	FetchStrategy   string
	UserID          string
	GithubAccountID string
}

// CreatePreflight upserts a repository snapshot on its applicable uniqueness
// key ((repo_url, user_id) when a user is present, repo_url alone for public
// anonymous snapshots) and returns the stored row.
func (s *Store) CreatePreflight(p PreflightParams) (*Preflight, error) {
	if p.RepoURL == "" || p.Owner == "" || p.Repo == "" {
		return nil, fmt.Errorf("store: create preflight: repo_url, owner, and repo are required")
	}
	if p.FetchStrategy == "" {
		p.FetchStrategy = "public"
	}
	if p.FetchStrategy == "authenticated" && p.GithubAccountID == "" {
		return nil, fmt.Errorf("store: create preflight: authenticated fetch requires a github account id")
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}

	repoMap, err := json.Marshal(p.RepoMap)
	if err != nil {
		return nil, fmt.Errorf("store: marshal repo map: %w", err)
	}
	stats := []byte("{}")
	if p.Stats != nil {
		stats, err = json.Marshal(p.Stats)
		if err != nil {
			return nil, fmt.Errorf("store: marshal stats: %w", err)
		}
	}

	id := uuid.New().String()
	expires := time.Now().UTC().Add(preflightTTL).Format(time.DateTime)

	// The partial unique indexes guard both keys; resolve conflicts by
	// refreshing the existing snapshot in place.
	var existing string
	var q string
	var args []any
	if p.UserID != "" {
		q = `SELECT id FROM preflights WHERE repo_url = ? AND user_id = ?`
		args = []any{p.RepoURL, p.UserID}
	} else {
		q = `SELECT id FROM preflights WHERE repo_url = ? AND user_id IS NULL AND is_private = 0`
		args = []any{p.RepoURL}
	}
	err = s.db.QueryRow(q, args...).Scan(&existing)
	switch {
	case err == nil:
		_, err = s.db.Exec(`
			UPDATE preflights
			SET owner = ?, repo = ?, default_branch = ?, repo_map = ?, stats = ?,
			    fingerprint = ?, is_private = ?, fetch_strategy = ?,
			    github_account_id = ?, token_valid = 1, file_count = ?,
			    updated_at = datetime('now'), expires_at = ?
			WHERE id = ?`,
			p.Owner, p.Repo, p.DefaultBranch, string(repoMap), string(stats),
			p.Fingerprint, boolInt(p.IsPrivate), p.FetchStrategy,
			nullable(p.GithubAccountID), len(p.RepoMap), expires, existing,
		)
		if err != nil {
			return nil, fmt.Errorf("store: refresh preflight: %w", err)
		}
		id = existing
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`
			INSERT INTO preflights
				(id, repo_url, owner, repo, default_branch, repo_map, stats,
				 fingerprint, is_private, fetch_strategy, github_account_id,
				 user_id, file_count, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.RepoURL, p.Owner, p.Repo, p.DefaultBranch, string(repoMap),
			string(stats), p.Fingerprint, boolInt(p.IsPrivate), p.FetchStrategy,
			nullable(p.GithubAccountID), nullable(p.UserID), len(p.RepoMap), expires,
		)
		if err != nil {
			return nil, fmt.Errorf("store: insert preflight: %w", err)
		}
	default:
		return nil, fmt.Errorf("store: lookup preflight: %w", err)
	}

	return s.GetPreflight(id)
}

const preflightCols = `id, repo_url, owner, repo, default_branch, repo_map, stats,
	fingerprint, is_private, fetch_strategy, github_account_id, token_valid,
	user_id, file_count, created_at, updated_at, expires_at`

// GetPreflight returns a snapshot by id, or ErrNotFound.
func (s *Store) GetPreflight(id string) (*Preflight, error) {
	row := s.db.QueryRow(`SELECT `+preflightCols+` FROM preflights WHERE id = ?`, id)
	return scanPreflight(row)
}

func scanPreflight(row *sql.Row) (*Preflight, error) {
	var p Preflight
	var repoMap, stats string
	var isPrivate, tokenValid int
	var accountID, userID sql.NullString
	var createdAt, updatedAt, expiresAt string

	err := row.Scan(&p.ID, &p.RepoURL, &p.Owner, &p.Repo, &p.DefaultBranch,
		&repoMap, &stats, &p.Fingerprint, &isPrivate, &p.FetchStrategy,
		&accountID, &tokenValid, &userID, &p.FileCount,
		&createdAt, &updatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan preflight: %w", err)
	}

	if err := json.Unmarshal([]byte(repoMap), &p.RepoMap); err != nil {
		return nil, fmt.Errorf("store: decode repo map: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &p.Stats); err != nil {
		return nil, fmt.Errorf("store: decode stats: %w", err)
	}
	p.IsPrivate = isPrivate != 0
	p.TokenValid = tokenValid != 0
	p.GithubAccountID = nullStr(accountID)
	p.UserID = nullStr(userID)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.ExpiresAt = parseTime(expiresAt)
	return &p, nil
}

// CleanupExpiredPreflights deletes snapshots past their TTL along with their
// jobs, status rows, and derived audits. Returns the number of preflights
// removed.
func (s *Store) CleanupExpiredPreflights() (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: cleanup preflights: begin: %w", err)
	}
	defer tx.Rollback()

	cutoff := now()
	rows, err := tx.Query(`SELECT id FROM preflights WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup preflights: select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: cleanup preflights: scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("store: cleanup preflights: iterate: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM audit_result_chunks WHERE audit_id IN (SELECT id FROM audits WHERE preflight_id = ?)`, id); err != nil {
			return 0, fmt.Errorf("store: cleanup preflights: delete chunks: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM audits WHERE preflight_id = ?`, id); err != nil {
			return 0, fmt.Errorf("store: cleanup preflights: delete audits: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM job_status WHERE preflight_id = ?`, id); err != nil {
			return 0, fmt.Errorf("store: cleanup preflights: delete status: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM jobs WHERE preflight_id = ?`, id); err != nil {
			return 0, fmt.Errorf("store: cleanup preflights: delete jobs: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM preflights WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("store: cleanup preflights: delete: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: cleanup preflights: commit: %w", err)
	}
	return len(ids), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
