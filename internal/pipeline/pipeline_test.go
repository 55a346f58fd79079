package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/repolens-dev/repolens/internal/llm"
	"github.com/repolens-dev/repolens/internal/statusbus"
	"github.com/repolens-dev/repolens/internal/store"
	"github.com/repolens-dev/repolens/internal/tools"
)

func pipelineStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func claimJob(t *testing.T, st *store.Store, repoMap []store.RepoMapEntry, tier string) (*store.Job, *store.Preflight) {
	t.Helper()
	p, err := st.CreatePreflight(store.PreflightParams{
		RepoURL:       "https://github.com/acme/widgets",
		Owner:         "acme",
		Repo:          "widgets",
		DefaultBranch: "main",
		RepoMap:       repoMap,
		UserID:        "user-1",
	})
	if err != nil {
		t.Fatalf("create preflight: %v", err)
	}
	if _, err := st.Enqueue(p.ID, "user-1", tier, nil, 5, 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := st.Claim("w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	return job, p
}

func TestShapeTierEndToEnd(t *testing.T) {
	st := pipelineStore(t)
	bus := statusbus.New()
	// The shape tier never touches the model or GitHub.
	p := New(st, nil, nil, bus, slog.Default(), "", 2)

	repoMap := []store.RepoMapEntry{{Path: "main.go", Size: 1200}}
	job, preflight := claimJob(t, st, repoMap, TierShape)

	updates, cancel := bus.Subscribe(preflight.ID)
	defer cancel()

	report, err := p.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// main.go alone: no README, no CI, no tests, no .gitignore, no license.
	if report.IssueCount != 5 {
		t.Fatalf("want 5 structural findings, got %d", report.IssueCount)
	}
	if report.HealthScore != 90 || report.RiskLevel != "low" || !report.ProductionReady {
		t.Fatalf("derived scoring wrong: %+v", report)
	}
	if report.Summary == "" || report.AuditID == "" {
		t.Fatalf("report incomplete: %+v", report)
	}

	status, err := st.GetStatus(preflight.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != store.StatusCompleted || status.Progress != 100 {
		t.Fatalf("status not finalized: %s / %d", status.Status, status.Progress)
	}
	if len(status.PlanData) == 0 || len(status.ReportData) == 0 {
		t.Fatal("plan and report must be persisted on the status row")
	}
	if status.TokenUsage.Planner != 0 || status.TokenUsage.Workers != 0 {
		t.Fatalf("the free tier costs no tokens: %+v", status.TokenUsage)
	}

	results, err := st.LoadAuditResults(report.AuditID)
	if err != nil {
		t.Fatalf("load results: %v", err)
	}
	if len(results.Issues) != 5 {
		t.Fatalf("persisted issues wrong: %d", len(results.Issues))
	}

	sawTerminal := false
	for {
		select {
		case up := <-updates:
			if up.Status == store.StatusCompleted {
				sawTerminal = true
			}
		default:
			if !sawTerminal {
				t.Fatal("subscriber should observe the completed update")
			}
			return
		}
	}
}

func TestRunObservesCancellation(t *testing.T) {
	st := pipelineStore(t)
	p := New(st, nil, nil, statusbus.New(), slog.Default(), "", 2)

	job, preflight := claimJob(t, st, []store.RepoMapEntry{{Path: "main.go"}}, TierShape)

	// Cancel lands on the durable row; the pipeline picks it up at the next
	// phase boundary.
	ok, err := st.CancelJob(job.ID, "user-1")
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	_, err = p.Run(context.Background(), job)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("want ErrCancelled, got %v", err)
	}

	status, err := st.GetStatus(preflight.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != store.StatusCancelled {
		t.Fatalf("status should be cancelled, got %s", status.Status)
	}
}

// fakeModel serves planner, worker, and coordinator completions keyed off the
// system prompt.
func fakeModel(t *testing.T) *httptest.Server {
	t.Helper()
	reply := func(w http.ResponseWriter, content string, tokens int) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
			"usage":   map[string]int{"total_tokens": tokens},
		})
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			t.Errorf("bad completion request: %v", err)
			return
		}
		system := req.Messages[0].Content
		switch {
		case strings.Contains(system, "planning phase"):
			reply(w, `{"strategy": "single security pass", "tasks": [
				{"id": "task-1", "agentRole": "SecurityAuditor",
				 "description": "Audit the handler", "files": ["handler.go"], "budget": "audit"}]}`, 300)
		case strings.Contains(system, "coordinator phase"):
			reply(w, `{"summary": "One injection risk in the request handler.",
				"topStrengths": ["Small, reviewable surface"]}`, 200)
		default:
			reply(w, `[{"severity": "high", "category": "security",
				"title": "Unsanitized query parameter", "description": "Request input reaches the query",
				"file_path": "handler.go", "line_number": 12, "remediation": "Use bound parameters"}]`, 500)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fakeRepoHost(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"type":     "file",
			"path":     "handler.go",
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString([]byte("package handler\n")),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPaidTierEndToEnd(t *testing.T) {
	st := pipelineStore(t)
	bus := statusbus.New()
	model := llm.New(fakeModel(t).URL, "k", "test-model", time.Second)
	github := tools.NewGitHubClient(fakeRepoHost(t).URL, time.Second)
	p := New(st, model, github, bus, slog.Default(), "", 2)

	repoMap := []store.RepoMapEntry{
		{Path: "handler.go", Size: 400},
		{Path: "README.md", Size: 100},
	}
	job, preflight := claimJob(t, st, repoMap, TierSecurity)

	report, err := p.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.IssueCount != 1 || report.TopIssues[0].Title != "Unsanitized query parameter" {
		t.Fatalf("worker findings lost: %+v", report)
	}
	// One high finding deducts 5.
	if report.HealthScore != 95 {
		t.Fatalf("score wrong: %d", report.HealthScore)
	}
	if report.Summary != "One injection risk in the request handler." {
		t.Fatalf("coordinator narrative lost: %q", report.Summary)
	}
	if len(report.SuspiciousFiles) != 1 || report.SuspiciousFiles[0] != "handler.go" {
		t.Fatalf("suspicious files wrong: %v", report.SuspiciousFiles)
	}

	status, err := st.GetStatus(preflight.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.TokenUsage.Planner != 300 || status.TokenUsage.Workers != 500 || status.TokenUsage.Coordinator != 200 {
		t.Fatalf("phase token accounting wrong: %+v", status.TokenUsage)
	}
	if status.Status != store.StatusCompleted {
		t.Fatalf("status should be completed, got %s", status.Status)
	}
}

func TestCancelDuringCoordinationWritesNoAudit(t *testing.T) {
	st := pipelineStore(t)
	var jobID string

	reply := func(w http.ResponseWriter, content string, tokens int) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
			"usage":   map[string]int{"total_tokens": tokens},
		})
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			t.Errorf("bad completion request: %v", err)
			return
		}
		switch system := req.Messages[0].Content; {
		case strings.Contains(system, "planning phase"):
			reply(w, `{"strategy": "single pass", "tasks": [
				{"id": "task-1", "agentRole": "SecurityAuditor",
				 "description": "Audit the handler", "files": ["handler.go"], "budget": "audit"}]}`, 100)
		case strings.Contains(system, "coordinator phase"):
			// The cancel lands while the coordinator is mid-call.
			if ok, err := st.CancelJob(jobID, "user-1"); err != nil || !ok {
				t.Errorf("cancel: ok=%v err=%v", ok, err)
			}
			reply(w, `{"summary": "should be discarded", "topStrengths": []}`, 100)
		default:
			reply(w, `[{"severity": "high", "category": "security",
				"title": "Unsanitized query parameter", "file_path": "handler.go"}]`, 100)
		}
	}))
	t.Cleanup(srv.Close)

	model := llm.New(srv.URL, "k", "m", time.Second)
	github := tools.NewGitHubClient(fakeRepoHost(t).URL, time.Second)
	p := New(st, model, github, statusbus.New(), slog.Default(), "", 2)

	job, preflight := claimJob(t, st, []store.RepoMapEntry{{Path: "handler.go", Size: 400}}, TierSecurity)
	jobID = job.ID

	_, err := p.Run(context.Background(), job)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("want ErrCancelled, got %v", err)
	}

	status, err := st.GetStatus(preflight.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != store.StatusCancelled {
		t.Fatalf("status should be cancelled, got %s", status.Status)
	}
	audits, err := st.RecentAudits(10)
	if err != nil {
		t.Fatalf("audits: %v", err)
	}
	if len(audits) != 0 {
		t.Fatalf("a cancelled run must not persist an audit, got %d", len(audits))
	}
}

func TestPlannerFallbackOnGarbage(t *testing.T) {
	st := pipelineStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "I cannot produce a plan."}}},
			"usage":   map[string]int{"total_tokens": 50},
		})
	}))
	t.Cleanup(srv.Close)
	model := llm.New(srv.URL, "k", "m", time.Second)
	p := New(st, model, nil, statusbus.New(), slog.Default(), "", 2)

	preflight := &store.Preflight{
		RepoURL:   "https://github.com/acme/widgets",
		RepoMap:   []store.RepoMapEntry{{Path: "a.go"}, {Path: "b.go"}},
		FileCount: 2,
	}
	plan, tokens, err := p.plan(context.Background(), preflight, TierSecurity)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if tokens != 50 {
		t.Fatalf("planner tokens still count on fallback, got %d", tokens)
	}
	if len(plan.Tasks) == 0 {
		t.Fatal("fallback plan must carry tasks")
	}
	for _, task := range plan.Tasks {
		if task.AgentRole != "CodeAuditor" {
			t.Fatalf("fallback uses generalist workers: %+v", task)
		}
	}
}
