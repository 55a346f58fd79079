package store

import (
	"path/filepath"
	"testing"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testPreflight(t *testing.T, st *Store, repoURL, userID string) *Preflight {
	t.Helper()
	p, err := st.CreatePreflight(PreflightParams{
		RepoURL: repoURL,
		Owner:   "acme",
		Repo:    "widgets",
		RepoMap: []RepoMapEntry{
			{Path: "main.go", Size: 1200},
			{Path: "README.md", Size: 400},
		},
		UserID: userID,
	})
	if err != nil {
		t.Fatalf("create preflight: %v", err)
	}
	return p
}

func TestOpenIdempotentMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.db")

	st, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	st.Close()

	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	st.Close()
}

func TestCreatePreflightUpsertsPerUser(t *testing.T) {
	st := tempStore(t)

	first := testPreflight(t, st, "https://github.com/acme/widgets", "user-1")
	second := testPreflight(t, st, "https://github.com/acme/widgets", "user-1")
	if first.ID != second.ID {
		t.Fatalf("same user and repo should refresh in place, got %s then %s", first.ID, second.ID)
	}

	other := testPreflight(t, st, "https://github.com/acme/widgets", "user-2")
	if other.ID == first.ID {
		t.Fatal("different user should get a distinct snapshot")
	}

	anon := testPreflight(t, st, "https://github.com/acme/widgets", "")
	if anon.ID == first.ID || anon.ID == other.ID {
		t.Fatal("anonymous snapshot should be distinct from user-owned snapshots")
	}
	anonAgain := testPreflight(t, st, "https://github.com/acme/widgets", "")
	if anonAgain.ID != anon.ID {
		t.Fatal("anonymous public snapshot should refresh in place")
	}
}

func TestCreatePreflightAuthenticatedNeedsAccount(t *testing.T) {
	st := tempStore(t)

	_, err := st.CreatePreflight(PreflightParams{
		RepoURL:       "https://github.com/acme/private",
		Owner:         "acme",
		Repo:          "private",
		IsPrivate:     true,
		FetchStrategy: "authenticated",
		UserID:        "user-1",
	})
	if err == nil {
		t.Fatal("authenticated strategy without a github account id should fail")
	}
}

func TestGetPreflightNotFound(t *testing.T) {
	st := tempStore(t)
	if _, err := st.GetPreflight("missing"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestCleanupExpiredPreflightsCascades(t *testing.T) {
	st := tempStore(t)
	p := testPreflight(t, st, "https://github.com/acme/widgets", "user-1")

	jobID, err := st.Enqueue(p.ID, "user-1", "shape", nil, 5, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := st.QueueStatus(p.ID, jobID, "user-1", "shape"); err != nil {
		t.Fatalf("queue status: %v", err)
	}
	auditID, err := st.CreateAudit(&Audit{RepoURL: p.RepoURL, Tier: "shape", HealthScore: 90, PreflightID: p.ID})
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}

	// Not yet expired: nothing removed.
	n, err := st.CleanupExpiredPreflights()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 0 {
		t.Fatalf("nothing should expire yet, removed %d", n)
	}

	if _, err := st.DB().Exec(
		`UPDATE preflights SET expires_at = datetime('now', '-1 hour') WHERE id = ?`, p.ID,
	); err != nil {
		t.Fatalf("backdate expiry: %v", err)
	}

	n, err = st.CleanupExpiredPreflights()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 preflight removed, got %d", n)
	}

	if _, err := st.GetPreflight(p.ID); err != ErrNotFound {
		t.Fatalf("preflight should be gone, got %v", err)
	}
	if _, err := st.GetJob(jobID); err != ErrNotFound {
		t.Fatalf("job should be gone, got %v", err)
	}
	if _, err := st.GetStatus(p.ID); err != ErrNotFound {
		t.Fatalf("status should be gone, got %v", err)
	}
	if _, err := st.GetAudit(auditID); err != ErrNotFound {
		t.Fatalf("audit should be gone, got %v", err)
	}
}
