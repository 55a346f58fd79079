package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/repolens-dev/repolens/internal/pipeline"
	"github.com/repolens-dev/repolens/internal/statusbus"
	"github.com/repolens-dev/repolens/internal/store"
)

type preflightRequest struct {
	RepoURL       string               `json:"repoUrl"`
	Owner         string               `json:"owner"`
	Repo          string               `json:"repo"`
	DefaultBranch string               `json:"defaultBranch,omitempty"`
	RepoMap       []store.RepoMapEntry `json:"repoMap"`
	Stats         map[string]any       `json:"stats,omitempty"`
	Fingerprint   string               `json:"fingerprint,omitempty"`
	IsPrivate     bool                 `json:"isPrivate,omitempty"`
	FetchStrategy string               `json:"fetchStrategy,omitempty"`
	GithubAccount string               `json:"githubAccountId,omitempty"`
}

// POST /preflight registers a repository snapshot for later audits.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	var req preflightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p, err := s.store.CreatePreflight(store.PreflightParams{
		RepoURL:         req.RepoURL,
		Owner:           req.Owner,
		Repo:            req.Repo,
		DefaultBranch:   req.DefaultBranch,
		RepoMap:         req.RepoMap,
		Stats:           req.Stats,
		Fingerprint:     req.Fingerprint,
		IsPrivate:       req.IsPrivate,
		FetchStrategy:   req.FetchStrategy,
		UserID:          callerID(r),
		GithubAccountID: req.GithubAccount,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{
		"preflightId": p.ID,
		"fileCount":   p.FileCount,
		"expiresAt":   p.ExpiresAt,
	})
}

type submitRequest struct {
	PreflightID string `json:"preflightId"`
	Tier        string `json:"tier"`
	Priority    int    `json:"priority,omitempty"`
}

// POST /submit enqueues an audit job for a preflight. Legacy tier aliases
// are accepted and canonicalized here; everything downstream sees canonical
// tiers only.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PreflightID == "" {
		writeError(w, http.StatusBadRequest, "preflightId is required")
		return
	}
	tier, ok := pipeline.CanonicalTier(req.Tier)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown tier "+req.Tier)
		return
	}

	userID := callerID(r)
	preflight, err := s.store.GetPreflight(req.PreflightID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "preflight not found")
		return
	}
	if err != nil {
		s.logger.Error("preflight lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "preflight lookup failed")
		return
	}
	if preflight.UserID != "" && preflight.UserID != userID {
		writeError(w, http.StatusForbidden, "preflight belongs to another user")
		return
	}

	jobID, err := s.store.Enqueue(req.PreflightID, userID, tier, nil, req.Priority, s.cfg.Dispatch.MaxAttempts)
	if errors.Is(err, store.ErrAlreadyQueued) {
		writeError(w, http.StatusConflict, "an audit for this repository is already queued or running")
		return
	}
	if err != nil {
		s.logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	if st, err := s.store.QueueStatus(req.PreflightID, jobID, userID, tier); err == nil {
		s.bus.Publish(st)
	}
	s.bus.PublishJob(statusbus.JobEvent{
		JobID:       jobID,
		PreflightID: req.PreflightID,
		Tier:        tier,
		Priority:    req.Priority,
	})

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{
		"jobId":       jobID,
		"preflightId": req.PreflightID,
		"tier":        tier,
		"status":      store.StatusQueued,
	})
}

type cancelRequest struct {
	JobID string `json:"jobId"`
}

// POST /cancel cancels a pending or processing job the caller owns. A
// running pipeline notices at its next phase boundary.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "jobId is required")
		return
	}

	cancelled, err := s.store.CancelJob(req.JobID, callerID(r))
	if err != nil {
		s.logger.Error("cancel failed", "job_id", req.JobID, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "job is not cancellable")
		return
	}

	if job, err := s.store.GetJob(req.JobID); err == nil {
		if st, err := s.store.CancelStatus(job.PreflightID); err == nil {
			s.bus.Publish(st)
		}
	}
	writeJSON(w, map[string]any{"jobId": req.JobID, "status": store.JobCancelled})
}

// GET /jobs lists the caller's queued and running audits.
func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header is required")
		return
	}
	active, err := s.store.ActiveJobsForUser(userID)
	if err != nil {
		s.logger.Error("active jobs lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if active == nil {
		active = []store.ActiveJob{}
	}
	writeJSON(w, active)
}
