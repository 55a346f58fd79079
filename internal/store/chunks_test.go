package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func auditFixture(t *testing.T, st *Store) string {
	t.Helper()
	id, err := st.CreateAudit(&Audit{
		RepoURL:     "https://github.com/acme/widgets",
		Tier:        "security",
		HealthScore: 60,
		Summary:     "initial",
	})
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}
	return id
}

func makeIssues(n, descLen int) []Issue {
	issues := make([]Issue, n)
	filler := strings.Repeat("x", descLen)
	for i := range issues {
		issues[i] = Issue{
			ID:          fmt.Sprintf("issue-%04d", i),
			Severity:    "medium",
			Category:    "security",
			Title:       fmt.Sprintf("finding %d", i),
			Description: filler,
			FilePath:    fmt.Sprintf("src/handlers/handler_%d.go", i%40),
			LineNumber:  i + 1,
		}
	}
	return issues
}

func TestSmallResultsStayInline(t *testing.T) {
	st := tempStore(t)
	auditID := auditFixture(t, st)

	issues := makeIssues(5, 100)
	chunks, err := st.StoreAuditResults(auditID, issues, map[string]any{"note": "small"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if chunks != 0 {
		t.Fatalf("small payload should stay inline, wrote %d chunks", chunks)
	}

	audit, err := st.GetAudit(auditID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if audit.ResultsChunked {
		t.Fatal("results_chunked should be clear for inline results")
	}

	results, err := st.LoadAuditResults(auditID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(results.Issues) != len(issues) {
		t.Fatalf("want %d issues, got %d", len(issues), len(results.Issues))
	}
	if results.ExtraData["note"] != "small" {
		t.Fatalf("extra data lost: %v", results.ExtraData)
	}
}

func TestLargeResultsChunkAndRoundTrip(t *testing.T) {
	st := tempStore(t)
	auditID := auditFixture(t, st)

	// ~1 KiB per issue, 1000 issues: well past the inline limit.
	issues := makeIssues(1000, 1024)
	chunks, err := st.StoreAuditResults(auditID, issues, map[string]any{"platforms": []any{"go"}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if chunks < 2 {
		t.Fatalf("large payload should produce multiple chunks, got %d", chunks)
	}

	audit, err := st.GetAudit(auditID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !audit.ResultsChunked {
		t.Fatal("results_chunked should be set")
	}
	if len(audit.Issues) != 0 {
		t.Fatalf("inline issues should be cleared after chunking, got %d", len(audit.Issues))
	}

	results, err := st.LoadAuditResults(auditID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(results.Issues) != len(issues) {
		t.Fatalf("round trip lost issues: want %d, got %d", len(issues), len(results.Issues))
	}
	for i := range issues {
		if results.Issues[i].ID != issues[i].ID {
			t.Fatalf("issue order broken at %d: %s", i, results.Issues[i].ID)
		}
	}
	if len(results.ExtraData) == 0 {
		t.Fatal("metadata chunk lost")
	}

	// Every stored chunk respects the size policy.
	rows, err := st.DB().Query(
		`SELECT data_size_bytes FROM audit_result_chunks WHERE audit_id = ?`, auditID)
	if err != nil {
		t.Fatalf("query chunks: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var size int
		if err := rows.Scan(&size); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if size >= chunkLimit {
			t.Fatalf("chunk of %d bytes breaches the limit", size)
		}
	}
}

func TestOversizedSingleIssueIsNeverDropped(t *testing.T) {
	st := tempStore(t)
	auditID := auditFixture(t, st)

	// One issue bigger than the chunk limit on its own.
	issues := makeIssues(3, 100)
	issues[1].Description = strings.Repeat("y", chunkLimit+1024)

	if _, err := st.StoreAuditResults(auditID, issues, nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	results, err := st.LoadAuditResults(auditID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(results.Issues) != 3 {
		t.Fatalf("oversized issue must be stored, not dropped: got %d issues", len(results.Issues))
	}
	if len(results.Issues[1].Description) != chunkLimit+1024 {
		t.Fatal("oversized issue body truncated")
	}
}

func TestReplacingResultsClearsOldChunks(t *testing.T) {
	st := tempStore(t)
	auditID := auditFixture(t, st)

	if _, err := st.StoreAuditResults(auditID, makeIssues(1000, 1024), nil); err != nil {
		t.Fatalf("store large: %v", err)
	}
	if _, err := st.StoreAuditResults(auditID, makeIssues(3, 100), nil); err != nil {
		t.Fatalf("store small: %v", err)
	}

	results, err := st.LoadAuditResults(auditID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(results.Issues) != 3 {
		t.Fatalf("want the replacement issues, got %d", len(results.Issues))
	}

	var leftover int
	if err := st.DB().QueryRow(
		`SELECT COUNT(*) FROM audit_result_chunks WHERE audit_id = ?`, auditID,
	).Scan(&leftover); err != nil {
		t.Fatalf("count: %v", err)
	}
	if leftover != 0 {
		t.Fatalf("old chunks must be removed, found %d", leftover)
	}
}

func TestLoadDetectsFlagChunkMismatch(t *testing.T) {
	st := tempStore(t)

	// Flagged chunked with no chunks.
	auditA := auditFixture(t, st)
	if _, err := st.DB().Exec(
		`UPDATE audits SET results_chunked = 1 WHERE id = ?`, auditA); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if _, err := st.LoadAuditResults(auditA); !errors.Is(err, ErrCorruptedResults) {
		t.Fatalf("want ErrCorruptedResults for flagged-but-empty, got %v", err)
	}

	// Inline flag with stray chunks.
	auditB := auditFixture(t, st)
	if _, err := st.DB().Exec(`
		INSERT INTO audit_result_chunks (audit_id, chunk_type, chunk_index, data, data_size_bytes, compressed)
		VALUES (?, 'issues', 0, '[]', 2, 0)`, auditB); err != nil {
		t.Fatalf("stray chunk: %v", err)
	}
	if _, err := st.LoadAuditResults(auditB); !errors.Is(err, ErrCorruptedResults) {
		t.Fatalf("want ErrCorruptedResults for inline-with-chunks, got %v", err)
	}
}

func TestLoadDetectsChunkGap(t *testing.T) {
	st := tempStore(t)
	auditID := auditFixture(t, st)

	if _, err := st.StoreAuditResults(auditID, makeIssues(1000, 1024), nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := st.DB().Exec(
		`DELETE FROM audit_result_chunks WHERE audit_id = ? AND chunk_type = 'issues' AND chunk_index = 1`,
		auditID); err != nil {
		t.Fatalf("remove chunk: %v", err)
	}
	if _, err := st.LoadAuditResults(auditID); !errors.Is(err, ErrCorruptedResults) {
		t.Fatalf("want ErrCorruptedResults for a chunk gap, got %v", err)
	}
}
