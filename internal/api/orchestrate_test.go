package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/repolens-dev/repolens/internal/config"
	"github.com/repolens-dev/repolens/internal/llm"
	"github.com/repolens-dev/repolens/internal/orchestrator"
	"github.com/repolens-dev/repolens/internal/statusbus"
	"github.com/repolens-dev/repolens/internal/store"
	"github.com/repolens-dev/repolens/internal/tools"
)

func TestHandleOrchestratorRequiresTaskOrPreflight(t *testing.T) {
	s, _ := testServer(t)
	rec := httptest.NewRecorder()
	s.handleOrchestrator(rec, httptest.NewRequest(http.MethodPost, "/orchestrator", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty request should 400, got %d", rec.Code)
	}
}

func TestHandleOrchestratorLegacyValidation(t *testing.T) {
	s, st := testServer(t)
	p := newPreflight(t, st, "https://github.com/acme/widgets", "user-1")

	post := func(body, userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orchestrator", strings.NewReader(body))
		if userID != "" {
			req.Header.Set("X-User-ID", userID)
		}
		rec := httptest.NewRecorder()
		s.handleOrchestrator(rec, req)
		return rec
	}

	rec := post(`{"preflightId": "`+p.ID+`", "tier": "platinum"}`, "user-1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown tier should 400, got %d", rec.Code)
	}

	rec = post(`{"preflightId": "ghost", "tier": "security"}`, "user-1")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing preflight should 404, got %d", rec.Code)
	}

	rec = post(`{"preflightId": "`+p.ID+`", "tier": "security"}`, "intruder")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign preflight should 403, got %d", rec.Code)
	}
}

func TestRewriteLegacyRequestCapsFileMap(t *testing.T) {
	s, st := testServer(t)

	entries := make([]store.RepoMapEntry, legacyMapLimit+50)
	for i := range entries {
		entries[i] = store.RepoMapEntry{Path: fmt.Sprintf("src/file%03d.go", i), Size: 100}
	}
	p, err := st.CreatePreflight(store.PreflightParams{
		RepoURL: "https://github.com/acme/big",
		Owner:   "acme",
		Repo:    "big",
		RepoMap: entries,
		UserID:  "user-1",
	})
	if err != nil {
		t.Fatalf("create preflight: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/orchestrator", nil)
	req.Header.Set("X-User-ID", "user-1")
	got, task, err := s.rewriteLegacyRequest(req, &orchestratorRequest{PreflightID: p.ID, Tier: "ultra"})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("preflight wrong: %s", got.ID)
	}
	if !strings.Contains(task, "at the security tier") {
		t.Fatalf("alias should canonicalize in the task: %q", task)
	}
	if strings.Count(task, "src/file") != legacyMapLimit {
		t.Fatalf("file map should be capped at %d entries", legacyMapLimit)
	}
	if !strings.Contains(task, "50 more files omitted; use list_repo_files") {
		t.Fatalf("truncation note missing: %q", task)
	}
	if !strings.Contains(task, "save_audit_results") {
		t.Fatalf("task must instruct saving the audit: %q", task)
	}
}

func TestOrchestratorRequestShapes(t *testing.T) {
	var req orchestratorRequest
	body := `{
		"task": {"description": "audit the auth flow", "type": "security",
		         "context": {"repo": "acme/widgets", "depth": 2}},
		"stream": true, "thinkingBudget": "complex", "maxIterations": 7
	}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("structured task must decode: %v", err)
	}
	if !req.Stream || req.ThinkingBudget != "complex" || req.MaxIterations != 7 {
		t.Fatalf("body fields lost: %+v", req)
	}
	task := req.Task.text()
	if !strings.HasPrefix(task, "[security] audit the auth flow") {
		t.Fatalf("task text wrong: %q", task)
	}
	if !strings.Contains(task, `"acme/widgets"`) || !strings.Contains(task, "depth: 2") {
		t.Fatalf("context lost: %q", task)
	}

	req = orchestratorRequest{}
	if err := json.Unmarshal([]byte(`{"task": "plain string task"}`), &req); err != nil {
		t.Fatalf("string task must decode: %v", err)
	}
	if req.Task.text() != "plain string task" {
		t.Fatalf("string task wrong: %q", req.Task.text())
	}
}

func TestStreamCompleteCarriesOutcome(t *testing.T) {
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "<complete>all clear</complete>"}}},
			"usage":   map[string]int{"total_tokens": 40},
		})
	}))
	t.Cleanup(model.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	client := llm.New(model.URL, "k", "m", time.Second)
	loop := orchestrator.New(tools.NewRegistry(), client, st, slog.Default())
	s := NewServer(config.Default(), st, statusbus.New(), loop, client, slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/orchestrator",
		strings.NewReader(`{"task": "confirm everything works", "stream": true}`))
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	s.handleOrchestrator(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "event: start\n") {
		t.Fatalf("stream should open with start: %q", body)
	}
	if strings.Contains(body, "event: outcome\n") {
		t.Fatalf("no separate outcome event expected: %q", body)
	}

	idx := strings.LastIndex(body, "event: complete\ndata: ")
	if idx == -1 {
		t.Fatalf("terminal complete event missing: %q", body)
	}
	payload := body[idx+len("event: complete\ndata: "):]
	payload = strings.TrimSpace(payload)
	var complete struct {
		Success     bool   `json:"success"`
		SessionID   string `json:"sessionId"`
		TotalSteps  int    `json:"totalSteps"`
		TotalTokens int    `json:"totalTokens"`
		FinalOutput string `json:"finalOutput"`
	}
	if err := json.Unmarshal([]byte(payload), &complete); err != nil {
		t.Fatalf("decode complete payload %q: %v", payload, err)
	}
	if !complete.Success || complete.SessionID == "" || complete.TotalSteps != 1 ||
		complete.TotalTokens != 40 || complete.FinalOutput != "all clear" {
		t.Fatalf("complete payload wrong: %+v", complete)
	}
}

func TestWantsStream(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/orchestrator?stream=true", nil)
	if !wantsStream(req) {
		t.Fatal("?stream=true should stream")
	}
	req = httptest.NewRequest(http.MethodPost, "/orchestrator", nil)
	req.Header.Set("Accept", "text/event-stream")
	if !wantsStream(req) {
		t.Fatal("Accept: text/event-stream should stream")
	}
	req = httptest.NewRequest(http.MethodPost, "/orchestrator", nil)
	if wantsStream(req) {
		t.Fatal("plain request should not stream")
	}
}
