// Package api exposes the audit service over HTTP: preflight creation, job
// submission, the orchestrator endpoint, status subscription, and operator
// recovery. All responses are JSON except the SSE streams and /metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/repolens-dev/repolens/internal/config"
	"github.com/repolens-dev/repolens/internal/llm"
	"github.com/repolens-dev/repolens/internal/orchestrator"
	"github.com/repolens-dev/repolens/internal/statusbus"
	"github.com/repolens-dev/repolens/internal/store"
	"github.com/repolens-dev/repolens/internal/tools"
)

// Server is the HTTP API server.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	bus        *statusbus.Bus
	loop       *orchestrator.Loop
	llm        *llm.Client
	logger     *slog.Logger
	startTime  time.Time
	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, st *store.Store, bus *statusbus.Bus, loop *orchestrator.Loop, client *llm.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		bus:       bus,
		loop:      loop,
		llm:       client,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Start begins listening on the configured bind address. Blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /preflight", s.handlePreflight)
	mux.HandleFunc("POST /submit", s.handleSubmit)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("POST /orchestrator", s.handleOrchestrator)
	mux.HandleFunc("POST /recovery", s.handleRecovery)

	mux.HandleFunc("GET /status/{preflightID}", s.handleStatus)
	mux.HandleFunc("GET /status/{preflightID}/stream", s.handleStatusStream)
	mux.HandleFunc("GET /jobs", s.handleActiveJobs)
	mux.HandleFunc("GET /audits", s.handleAudits)
	mux.HandleFunc("GET /audits/{auditID}", s.handleAuditDetail)
	mux.HandleFunc("GET /queue/stats", s.handleQueueStats)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.API.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// callerID identifies the requesting user. Anonymous requests are allowed;
// they can only see and cancel unowned work.
func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

// callerGitHubToken extracts an optional GitHub token forwarded for private
// repository access.
func callerGitHubToken(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-GitHub-Token"))
}

// toolContext builds the per-request tool context for orchestrator runs.
func (s *Server) toolContext(r *http.Request, preflight *store.Preflight) *tools.Context {
	return &tools.Context{
		UserID:      callerID(r),
		Permissions: []tools.Permission{tools.PermExecute},
		Preflight:   preflight,
		GitHubToken: callerGitHubToken(r),
		Store:       s.store,
		LLM:         s.llm,
		Logger:      s.logger,
	}
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, map[string]any{
		"status":   "ok",
		"uptime_s": time.Since(s.startTime).Seconds(),
	})
}

// GET /queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.logger.Error("queue stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, stats)
}

// GET /metrics renders Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	var b strings.Builder
	db := s.store.DB()

	stats, err := s.store.Stats()
	if err != nil {
		http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(&b, "# HELP repolens_jobs_pending Jobs waiting to be claimed\n")
	fmt.Fprintf(&b, "# TYPE repolens_jobs_pending gauge\n")
	fmt.Fprintf(&b, "repolens_jobs_pending %d\n", stats.Pending)

	fmt.Fprintf(&b, "# HELP repolens_jobs_processing Jobs currently leased\n")
	fmt.Fprintf(&b, "# TYPE repolens_jobs_processing gauge\n")
	fmt.Fprintf(&b, "repolens_jobs_processing %d\n", stats.Processing)

	fmt.Fprintf(&b, "# HELP repolens_jobs_completed_today Jobs completed since midnight UTC\n")
	fmt.Fprintf(&b, "# TYPE repolens_jobs_completed_today gauge\n")
	fmt.Fprintf(&b, "repolens_jobs_completed_today %d\n", stats.CompletedToday)

	fmt.Fprintf(&b, "# HELP repolens_jobs_failed_today Jobs failed terminally since midnight UTC\n")
	fmt.Fprintf(&b, "# TYPE repolens_jobs_failed_today gauge\n")
	fmt.Fprintf(&b, "repolens_jobs_failed_today %d\n", stats.FailedToday)

	var audits, preflights int
	db.QueryRow(`SELECT COUNT(*) FROM audits`).Scan(&audits)
	db.QueryRow(`SELECT COUNT(*) FROM preflights`).Scan(&preflights)

	fmt.Fprintf(&b, "# HELP repolens_audits_total Audits persisted\n")
	fmt.Fprintf(&b, "# TYPE repolens_audits_total counter\n")
	fmt.Fprintf(&b, "repolens_audits_total %d\n", audits)

	fmt.Fprintf(&b, "# HELP repolens_preflights_total Repository snapshots held\n")
	fmt.Fprintf(&b, "# TYPE repolens_preflights_total gauge\n")
	fmt.Fprintf(&b, "repolens_preflights_total %d\n", preflights)

	fmt.Fprintf(&b, "# HELP repolens_uptime_seconds Process uptime\n")
	fmt.Fprintf(&b, "# TYPE repolens_uptime_seconds counter\n")
	fmt.Fprintf(&b, "repolens_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	w.Write([]byte(b.String()))
}
