package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/repolens-dev/repolens/internal/orchestrator"
	"github.com/repolens-dev/repolens/internal/pipeline"
	"github.com/repolens-dev/repolens/internal/store"
	"github.com/repolens-dev/repolens/internal/tools"
)

// legacyMapLimit caps how many repository map entries a legacy request
// embeds into the rewritten task.
const legacyMapLimit = 200

type orchestratorRequest struct {
	Task           taskSpec `json:"task,omitempty"`
	Budget         string   `json:"budget,omitempty"`
	ThinkingBudget string   `json:"thinkingBudget,omitempty"`
	Stream         bool     `json:"stream,omitempty"`
	MaxIterations  int      `json:"maxIterations,omitempty"`
	Persist        *bool    `json:"persist,omitempty"`

	// Legacy form: a preflight and tier instead of a task.
	PreflightID string `json:"preflightId,omitempty"`
	Tier        string `json:"tier,omitempty"`
}

// taskSpec accepts the task as either a bare string or the structured
// {description, type, context} object.
type taskSpec struct {
	Description string
	Type        string
	Context     map[string]any
}

func (t *taskSpec) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &t.Description)
	}
	var obj struct {
		Description string         `json:"description"`
		Type        string         `json:"type"`
		Context     map[string]any `json:"context"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	t.Description, t.Type, t.Context = obj.Description, obj.Type, obj.Context
	return nil
}

// text renders the task for the loop. Context entries are appended in key
// order so the prompt is stable.
func (t *taskSpec) text() string {
	task := strings.TrimSpace(t.Description)
	if task == "" {
		return ""
	}
	if t.Type != "" {
		task = "[" + t.Type + "] " + task
	}
	if len(t.Context) > 0 {
		keys := make([]string, 0, len(t.Context))
		for k := range t.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(task)
		b.WriteString("\n\nContext:\n")
		for _, k := range keys {
			v, err := json.Marshal(t.Context[k])
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "  %s: %s\n", k, v)
		}
		task = strings.TrimRight(b.String(), "\n")
	}
	return task
}

// POST /orchestrator runs the reasoning loop over an arbitrary task. Legacy
// clients send {preflightId, tier}; those requests are rewritten into an
// audit task before the loop starts. With Accept: text/event-stream (or
// ?stream=true) progress streams as SSE; otherwise the call blocks and
// returns the outcome.
func (s *Server) handleOrchestrator(w http.ResponseWriter, r *http.Request) {
	var req orchestratorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var preflight *store.Preflight
	task := req.Task.text()
	if task == "" && req.PreflightID != "" {
		var err error
		preflight, task, err = s.rewriteLegacyRequest(r, &req)
		if err != nil {
			var httpErr *httpError
			if errors.As(err, &httpErr) {
				writeError(w, httpErr.code, httpErr.msg)
			} else {
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
	}
	if task == "" {
		writeError(w, http.StatusBadRequest, "task or preflightId is required")
		return
	}

	persist := true
	if req.Persist != nil {
		persist = *req.Persist
	}
	budget := req.ThinkingBudget
	if budget == "" {
		budget = req.Budget
	}
	opts := orchestrator.Options{
		MaxIterations: req.MaxIterations,
		Budget:        budget,
		Persist:       persist,
		UserID:        callerID(r),
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = s.cfg.Pipeline.MaxIterations
	}
	tc := s.toolContext(r, preflight)

	if req.Stream || wantsStream(r) {
		s.streamOrchestrator(w, r, task, tc, opts)
		return
	}

	outcome, err := s.loop.Run(r.Context(), task, tc, opts, nil)
	if errors.Is(err, orchestrator.ErrHumanNeeded) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, outcome)
}

// streamComplete is the terminal payload of a successful stream.
type streamComplete struct {
	Success     bool   `json:"success"`
	SessionID   string `json:"sessionId"`
	TotalSteps  int    `json:"totalSteps"`
	TotalTokens int    `json:"totalTokens"`
	FinalOutput string `json:"finalOutput"`
	Error       string `json:"error,omitempty"`
}

// streamOrchestrator runs the loop while pushing its events as SSE. The
// final event is complete, human_needed, or error; the connection closes
// after it.
func (s *Server) streamOrchestrator(w http.ResponseWriter, r *http.Request, task string, tc *tools.Context, opts orchestrator.Options) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sendEvent(w, "start", map[string]string{"task": task})
	flusher.Flush()

	outcome, err := s.loop.Run(r.Context(), task, tc, opts, func(ev orchestrator.Event) {
		if ev.Type == "complete" {
			// Held back: the terminal complete event carries the full
			// outcome, sent once Run returns.
			return
		}
		sendEvent(w, ev.Type, ev)
		flusher.Flush()
	})
	switch {
	case errors.Is(err, orchestrator.ErrHumanNeeded):
		// The human_needed event already went out through the callback.
	case err != nil:
		sendEvent(w, "error", map[string]string{"message": err.Error()})
		flusher.Flush()
	default:
		sendEvent(w, "complete", streamComplete{
			Success:     true,
			SessionID:   outcome.SessionID,
			TotalSteps:  outcome.Steps,
			TotalTokens: outcome.TotalTokens,
			FinalOutput: outcome.Answer,
		})
		flusher.Flush()
	}
}

type httpError struct {
	code int
	msg  string
}

func (e *httpError) Error() string { return e.msg }

// rewriteLegacyRequest turns {preflightId, tier} into a task description the
// loop can execute. The embedded file map is capped; a truncation note tells
// the model to list further files through its tools.
func (s *Server) rewriteLegacyRequest(r *http.Request, req *orchestratorRequest) (*store.Preflight, string, error) {
	tier, ok := pipeline.CanonicalTier(req.Tier)
	if !ok {
		return nil, "", &httpError{http.StatusBadRequest, "unknown tier " + req.Tier}
	}

	preflight, err := s.store.GetPreflight(req.PreflightID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", &httpError{http.StatusNotFound, "preflight not found"}
	}
	if err != nil {
		return nil, "", err
	}
	if preflight.UserID != "" && preflight.UserID != callerID(r) {
		return nil, "", &httpError{http.StatusForbidden, "preflight belongs to another user"}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Audit the repository %s at the %s tier.\n", preflight.RepoURL, tier)
	fmt.Fprintf(&b, "Owner: %s, repo: %s, default branch: %s, %d files total.\n\n",
		preflight.Owner, preflight.Repo, preflight.DefaultBranch, preflight.FileCount)

	b.WriteString("Repository files:\n")
	shown := len(preflight.RepoMap)
	if shown > legacyMapLimit {
		shown = legacyMapLimit
	}
	for _, e := range preflight.RepoMap[:shown] {
		fmt.Fprintf(&b, "  %s (%d bytes)\n", e.Path, e.Size)
	}
	if shown < len(preflight.RepoMap) {
		fmt.Fprintf(&b, "  ... %d more files omitted; use list_repo_files to explore further.\n",
			len(preflight.RepoMap)-shown)
	}

	b.WriteString("\nFetch the files that matter, analyze them, save the audit with save_audit_results, and complete with a short report.")
	if req.Budget == "" && req.ThinkingBudget == "" {
		req.Budget = "audit"
	}
	return preflight, b.String(), nil
}

func wantsStream(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "true" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
