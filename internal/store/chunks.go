package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
)

// Chunk size policy. An issue list at or under inlineLimit stays on the
// audit row; anything larger is split into chunks targeted below chunkLimit.
const (
	inlineLimit = 100 * 1024
	chunkLimit  = 500 * 1024

	chunkTypeIssues   = "issues"
	chunkTypeMetadata = "metadata"

	initialChunkBatch = 50
)

// AuditResults is the reassembled read-side view of an audit's findings.
type AuditResults struct {
	Issues    []Issue
	ExtraData map[string]any
}

// StoreAuditResults persists an audit's issue list and extra data, splitting
// oversized payloads into bounded chunks. Existing chunks for the audit are
// always replaced. Returns the number of chunks written (0 when the results
// stayed inline).
func (s *Store) StoreAuditResults(auditID string, issues []Issue, extraData map[string]any) (int, error) {
	serialized, err := json.Marshal(issues)
	if err != nil {
		return 0, fmt.Errorf("store: marshal issues: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: store results: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM audit_result_chunks WHERE audit_id = ?`, auditID); err != nil {
		return 0, fmt.Errorf("store: clear chunks: %w", err)
	}

	if len(serialized) <= inlineLimit {
		var extra any
		if extraData != nil {
			encoded, err := json.Marshal(extraData)
			if err != nil {
				return 0, fmt.Errorf("store: marshal extra data: %w", err)
			}
			extra = string(encoded)
		}
		res, err := tx.Exec(`
			UPDATE audits
			SET issues = ?, extra_data = ?, results_chunked = 0
			WHERE id = ?`,
			string(serialized), extra, auditID,
		)
		if err != nil {
			return 0, fmt.Errorf("store: store inline results: %w", err)
		}
		if err := requireRow(res, auditID); err != nil {
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("store: store results: commit: %w", err)
		}
		return 0, nil
	}

	chunks, err := splitIssues(auditID, issues)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, c := range chunks {
		if _, err := tx.Exec(`
			INSERT INTO audit_result_chunks (audit_id, chunk_type, chunk_index, data, data_size_bytes, compressed)
			VALUES (?, ?, ?, ?, ?, 0)`,
			auditID, chunkTypeIssues, c.index, string(c.data), len(c.data),
		); err != nil {
			return 0, fmt.Errorf("store: insert issues chunk %d: %w", c.index, err)
		}
		written++
	}

	if extraData != nil {
		encoded, err := json.Marshal(extraData)
		if err != nil {
			return 0, fmt.Errorf("store: marshal extra data: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO audit_result_chunks (audit_id, chunk_type, chunk_index, data, data_size_bytes, compressed)
			VALUES (?, ?, 0, ?, ?, 0)`,
			auditID, chunkTypeMetadata, string(encoded), len(encoded),
		); err != nil {
			return 0, fmt.Errorf("store: insert metadata chunk: %w", err)
		}
		written++
	}

	res, err := tx.Exec(`
		UPDATE audits
		SET issues = '[]', extra_data = NULL, results_chunked = 1
		WHERE id = ?`,
		auditID,
	)
	if err != nil {
		return 0, fmt.Errorf("store: flag chunked results: %w", err)
	}
	if err := requireRow(res, auditID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: store results: commit: %w", err)
	}

	slog.Debug("audit results chunked",
		"audit_id", auditID,
		"issues", len(issues),
		"payload", humanize.IBytes(uint64(len(serialized))),
		"chunks", written)
	return written, nil
}

type issueChunk struct {
	index int
	data  []byte
}

// splitIssues slices the issue list into chunks with an adaptive batch size:
// start at 50 items, halve whenever a candidate chunk serializes at or over
// the chunk limit, down to a floor of 1. A single issue that still exceeds
// the limit is written anyway; items are never dropped.
func splitIssues(auditID string, issues []Issue) ([]issueChunk, error) {
	var chunks []issueChunk
	batch := initialChunkBatch
	index := 0
	pos := 0

	for pos < len(issues) {
		end := pos + batch
		if end > len(issues) {
			end = len(issues)
		}
		data, err := json.Marshal(issues[pos:end])
		if err != nil {
			return nil, fmt.Errorf("store: marshal issues chunk: %w", err)
		}
		if len(data) >= chunkLimit && end-pos > 1 {
			batch = (end - pos) / 2
			continue
		}
		if len(data) >= chunkLimit {
			slog.Warn("single issue exceeds chunk limit, storing anyway",
				"audit_id", auditID,
				"chunk_index", index,
				"size", humanize.IBytes(uint64(len(data))))
		}
		chunks = append(chunks, issueChunk{index: index, data: data})
		index++
		pos = end
		if batch < initialChunkBatch {
			// Recover batch size gradually after a halving streak.
			batch *= 2
			if batch > initialChunkBatch {
				batch = initialChunkBatch
			}
		}
	}
	return chunks, nil
}

// LoadAuditResults reassembles an audit's issue list and extra data,
// following the results_chunked flag. Any mismatch between the flag and the
// stored chunks surfaces as ErrCorruptedResults; callers must treat the
// audit as unreadable rather than empty.
func (s *Store) LoadAuditResults(auditID string) (*AuditResults, error) {
	var chunked int
	var inlineIssues string
	var inlineExtra sql.NullString
	err := s.db.QueryRow(
		`SELECT results_chunked, issues, extra_data FROM audits WHERE id = ?`, auditID,
	).Scan(&chunked, &inlineIssues, &inlineExtra)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load results: lookup: %w", err)
	}

	var chunkCount int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM audit_result_chunks WHERE audit_id = ?`, auditID,
	).Scan(&chunkCount); err != nil {
		return nil, fmt.Errorf("store: load results: count chunks: %w", err)
	}

	if chunked == 0 {
		if chunkCount > 0 {
			return nil, fmt.Errorf("%w: audit %s is inline but has %d chunks", ErrCorruptedResults, auditID, chunkCount)
		}
		out := &AuditResults{}
		if err := json.Unmarshal([]byte(inlineIssues), &out.Issues); err != nil {
			return nil, fmt.Errorf("store: decode inline issues: %w", err)
		}
		if inlineExtra.Valid && inlineExtra.String != "" {
			if err := json.Unmarshal([]byte(inlineExtra.String), &out.ExtraData); err != nil {
				return nil, fmt.Errorf("store: decode inline extra data: %w", err)
			}
		}
		return out, nil
	}

	rows, err := s.db.Query(`
		SELECT chunk_type, chunk_index, data
		FROM audit_result_chunks
		WHERE audit_id = ?
		ORDER BY chunk_type, chunk_index ASC`,
		auditID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: load results: query chunks: %w", err)
	}
	defer rows.Close()

	out := &AuditResults{}
	issueChunks := 0
	nextIndex := 0
	for rows.Next() {
		var chunkType, data string
		var index int
		if err := rows.Scan(&chunkType, &index, &data); err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		switch chunkType {
		case chunkTypeIssues:
			if index != nextIndex {
				return nil, fmt.Errorf("%w: audit %s issues chunk gap at index %d", ErrCorruptedResults, auditID, index)
			}
			nextIndex++
			var part []Issue
			if err := json.Unmarshal([]byte(data), &part); err != nil {
				return nil, fmt.Errorf("%w: audit %s chunk %d: %v", ErrCorruptedResults, auditID, index, err)
			}
			out.Issues = append(out.Issues, part...)
			issueChunks++
		case chunkTypeMetadata:
			if err := json.Unmarshal([]byte(data), &out.ExtraData); err != nil {
				return nil, fmt.Errorf("%w: audit %s metadata chunk: %v", ErrCorruptedResults, auditID, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate chunks: %w", err)
	}

	if issueChunks == 0 {
		return nil, fmt.Errorf("%w: audit %s flagged chunked but has no issues chunks", ErrCorruptedResults, auditID)
	}
	return out, nil
}
