package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCompleteRoundTrip(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "<complete>done</complete>"}},
			},
			"usage": map[string]int{"prompt_tokens": 40, "completion_tokens": 10, "total_tokens": 50},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-key", "gpt-4o-mini", time.Second)
	text, usage, err := c.Complete(context.Background(), "system prompt", "user prompt", BudgetSimple)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "<complete>done</complete>" {
		t.Fatalf("text wrong: %q", text)
	}
	if usage.TotalTokens != 50 {
		t.Fatalf("usage wrong: %+v", usage)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("auth header wrong: %q", gotAuth)
	}
	if gotReq.Model != "gpt-4o-mini" || gotReq.MaxTokens != BudgetSimple || gotReq.Temperature != 0.2 {
		t.Fatalf("request wrong: %+v", gotReq)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" || gotReq.Messages[1].Role != "user" {
		t.Fatalf("messages wrong: %+v", gotReq.Messages)
	}
}

func TestCompleteHTTPErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "m", time.Second)
	if _, _, err := c.Complete(context.Background(), "s", "u", BudgetSimple); err == nil {
		t.Fatal("want error for HTTP 503")
	}
}

func TestCompleteAPIErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "invalid model"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "m", time.Second)
	if _, _, err := c.Complete(context.Background(), "s", "u", BudgetSimple); err == nil {
		t.Fatal("want error for API-level error body")
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := map[string]string{
		"https://api.openai.com/v1":                  "https://api.openai.com/v1",
		"https://api.openai.com/v1/":                 "https://api.openai.com/v1",
		"https://api.openai.com/v1/chat/completions": "https://api.openai.com/v1",
		"http://localhost:8080/v1/chat/completions/": "http://localhost:8080/v1",
	}
	for in, want := range cases {
		if got := normalizeBaseURL(in); got != want {
			t.Fatalf("normalizeBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveBudget(t *testing.T) {
	cases := map[string]int{
		"simple":      BudgetSimple,
		"audit":       BudgetAudit,
		"planner":     BudgetAudit,
		"worker":      BudgetAudit,
		"complex":     BudgetComplex,
		"coordinator": BudgetComplex,
		"maximum":     BudgetMaximum,
		"":            BudgetAudit,
		"  Complex  ": BudgetComplex,
		"nonsense":    BudgetAudit,
	}
	for in, want := range cases {
		if got := ResolveBudget(in); got != want {
			t.Fatalf("ResolveBudget(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestStripThinkBlocks(t *testing.T) {
	in := "<think>step one</think>answer<think>step two</think> tail"
	if got := StripThinkBlocks(in); got != "answer tail" {
		t.Fatalf("got %q", got)
	}
	// Unclosed block drops everything after the open tag.
	if got := StripThinkBlocks("prefix <think>never closed"); got != "prefix" {
		t.Fatalf("got %q", got)
	}
	if got := StripThinkBlocks("plain text"); got != "plain text" {
		t.Fatalf("got %q", got)
	}
}

func TestStripFences(t *testing.T) {
	in := "```json\n{\"a\": 1}\n```"
	if got := StripFences(in); got != `{"a": 1}` {
		t.Fatalf("got %q", got)
	}
	if got := StripFences("<think>hm</think>```\n[1]\n```"); got != "[1]" {
		t.Fatalf("got %q", got)
	}
	if got := StripFences(`{"a": 1}`); got != `{"a": 1}` {
		t.Fatalf("got %q", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 {
		t.Fatal("empty text estimates zero")
	}
	if EstimateTokens("ab") != 1 {
		t.Fatal("short text rounds up to one token")
	}
	if got := EstimateTokens("12345678"); got != 2 {
		t.Fatalf("want 2, got %d", got)
	}
}
