package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/repolens-dev/repolens/internal/store"
)

// heartbeatInterval keeps SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

func (s *Server) loadStatusAuthorized(w http.ResponseWriter, r *http.Request) *store.JobStatus {
	preflightID := r.PathValue("preflightID")
	st, err := s.store.GetStatus(preflightID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no status for this preflight")
		return nil
	}
	if err != nil {
		s.logger.Error("status lookup failed", "preflight_id", preflightID, "error", err)
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return nil
	}
	if st.UserID != "" && st.UserID != callerID(r) {
		writeError(w, http.StatusForbidden, "status belongs to another user")
		return nil
	}
	return st
}

// GET /status/{preflightID} returns the durable status snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if st := s.loadStatusAuthorized(w, r); st != nil {
		writeJSON(w, st)
	}
}

// GET /status/{preflightID}/stream pushes status snapshots over SSE. The
// first event is the current snapshot; updates follow as the bus delivers
// them. Subscribers that fall behind can reconnect and re-read.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	st := s.loadStatusAuthorized(w, r)
	if st == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, cancel := s.bus.Subscribe(st.PreflightID)
	defer cancel()

	// Re-read after subscribing: an update published between the
	// authorization read and the subscription would otherwise be lost, and
	// a missed terminal update would leave the stream on heartbeats forever.
	if fresh, err := s.store.GetStatus(st.PreflightID); err == nil {
		st = fresh
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sendEvent(w, "status", st)
	flusher.Flush()
	if terminal(st.Status) {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case update := <-updates:
			sendEvent(w, "status", update)
			flusher.Flush()
			if terminal(update.Status) {
				return
			}
		}
	}
}

func terminal(status string) bool {
	return status == store.StatusCompleted || status == store.StatusFailed || status == store.StatusCancelled
}

func sendEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

type recoveryRequest struct {
	Action string `json:"action"` // recover, status, cleanup
}

// POST /recovery is the operator surface: sweep stale leases and stuck jobs,
// inspect queue health, or purge expired snapshots on demand.
func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	var req recoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch req.Action {
	case "recover":
		stale, err := s.store.RecoverStale()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stuck, err := s.store.ResetStuckPending()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Info("manual recovery", "stale", stale, "stuck", stuck)
		writeJSON(w, map[string]int{"staleRecovered": stale, "stuckReset": stuck})

	case "status":
		stats, err := s.store.Stats()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, stats)

	case "cleanup":
		removed, err := s.store.CleanupExpiredPreflights()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Info("manual cleanup", "preflights_removed", removed)
		writeJSON(w, map[string]int{"preflightsRemoved": removed})

	default:
		writeError(w, http.StatusBadRequest, "action must be recover, status, or cleanup")
	}
}

// GET /audits?repo=...&limit=N lists prior audits of a repository.
func (s *Server) handleAudits(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		writeError(w, http.StatusBadRequest, "repo query parameter is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	audits, err := s.store.ListAuditsForRepo(repo, limit)
	if err != nil {
		s.logger.Error("audit listing failed", "repo", repo, "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if audits == nil {
		audits = []store.AuditSummary{}
	}
	writeJSON(w, audits)
}

// GET /audits/{auditID} returns the full report with reassembled results.
func (s *Server) handleAuditDetail(w http.ResponseWriter, r *http.Request) {
	auditID := r.PathValue("auditID")
	audit, err := s.store.GetAudit(auditID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "audit not found")
		return
	}
	if err != nil {
		s.logger.Error("audit lookup failed", "audit_id", auditID, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if audit.UserID != "" && audit.UserID != callerID(r) {
		writeError(w, http.StatusForbidden, "audit belongs to another user")
		return
	}

	results, err := s.store.LoadAuditResults(auditID)
	if errors.Is(err, store.ErrCorruptedResults) {
		s.logger.Error("corrupted audit results", "audit_id", auditID, "error", err)
		writeError(w, http.StatusInternalServerError, "audit results are corrupted")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "results load failed")
		return
	}

	audit.Issues = results.Issues
	audit.ExtraData = results.ExtraData
	writeJSON(w, audit)
}
