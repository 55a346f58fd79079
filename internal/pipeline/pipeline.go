// Package pipeline runs the three-phase audit: a planner fans the work out,
// workers analyze their slices concurrently, and a coordinator merges the
// findings into the persisted report. Progress and token accounting stream
// to the status row as each phase moves.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/repolens-dev/repolens/internal/llm"
	"github.com/repolens-dev/repolens/internal/statusbus"
	"github.com/repolens-dev/repolens/internal/store"
	"github.com/repolens-dev/repolens/internal/tools"
)

// Progress milestones. Planning fills 0..15, workers 15..85, the
// coordinator closes out to 100.
const (
	progressPlanned     = 15
	progressWorkersDone = 85
)

// ErrCancelled reports a cooperative cancellation observed mid-run. The
// dispatcher treats it as terminal without burning a retry attempt.
var ErrCancelled = errors.New("pipeline: job cancelled")

// Pipeline executes audit jobs end to end.
type Pipeline struct {
	store       *store.Store
	llm         *llm.Client
	github      *tools.GitHubClient
	bus         *statusbus.Bus
	logger      *slog.Logger
	githubToken string
	concurrency int
}

// New creates a Pipeline. concurrency bounds parallel workers; zero or
// negative means 3.
func New(st *store.Store, client *llm.Client, github *tools.GitHubClient, bus *statusbus.Bus, logger *slog.Logger, githubToken string, concurrency int) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Pipeline{
		store:       st,
		llm:         client,
		github:      github,
		bus:         bus,
		logger:      logger,
		githubToken: githubToken,
		concurrency: concurrency,
	}
}

// Run executes one claimed job. The returned report is also persisted on the
// status row; callers only need the error to decide complete versus fail.
func (p *Pipeline) Run(ctx context.Context, job *store.Job) (*Report, error) {
	preflight, err := p.store.GetPreflight(job.PreflightID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load preflight %s: %w", job.PreflightID, err)
	}

	if _, err := p.store.OpenStatus(job.PreflightID, job.ID, job.UserID, job.Tier, estimatedSeconds(job.Tier)); err != nil {
		return nil, err
	}
	p.log(job.PreflightID, fmt.Sprintf("audit started: %s tier on %s", job.Tier, preflight.RepoURL), 0, "planning")

	// Phase 1: planner.
	plan, plannerTokens, err := p.plan(ctx, preflight, job.Tier)
	if err != nil {
		return nil, p.fail(job.PreflightID, "planning failed", err)
	}
	if plannerTokens > 0 {
		p.addTokens(job.PreflightID, "planner", plannerTokens)
	}
	if planJSON, err := json.Marshal(plan); err == nil {
		if st, err := p.store.SetStatusPlan(job.PreflightID, planJSON); err == nil {
			p.bus.Publish(st)
		}
	}
	p.log(job.PreflightID,
		fmt.Sprintf("plan ready: %d tasks (%s)", len(plan.Tasks), plan.Strategy),
		progressPlanned, "workers")

	if err := p.checkCancelled(job); err != nil {
		return nil, err
	}

	// Phase 2: workers.
	results, err := p.runWorkers(ctx, preflight, job, plan)
	if err != nil {
		return nil, p.fail(job.PreflightID, "worker phase failed", err)
	}

	if err := p.checkCancelled(job); err != nil {
		return nil, err
	}
	p.log(job.PreflightID, "all workers finished, merging findings", progressWorkersDone, "coordinating")

	// Phase 3: coordinator.
	report, coordTokens, err := p.coordinate(ctx, preflight, job, results)
	if errors.Is(err, ErrCancelled) {
		return nil, err
	}
	if err != nil {
		return nil, p.fail(job.PreflightID, "coordination failed", err)
	}
	if coordTokens > 0 {
		p.addTokens(job.PreflightID, "coordinator", coordTokens)
	}

	if err := p.checkCancelled(job); err != nil {
		return nil, err
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return nil, p.fail(job.PreflightID, "report encoding failed", err)
	}
	st, err := p.store.CompleteStatus(job.PreflightID, reportJSON)
	if err != nil {
		return nil, err
	}
	p.bus.Publish(st)

	p.logger.Info("audit completed",
		"preflight_id", job.PreflightID,
		"tier", job.Tier,
		"health_score", report.HealthScore,
		"issues", report.IssueCount)
	return report, nil
}

// runWorkers executes the plan's tasks with bounded concurrency. Worker
// failures become placeholder results; only infrastructure errors (a dead
// context) abort the phase. Progress moves linearly as tasks finish.
func (p *Pipeline) runWorkers(ctx context.Context, preflight *store.Preflight, job *store.Job, plan *Plan) ([]WorkerResult, error) {
	n := len(plan.Tasks)
	results := make([]WorkerResult, n)
	progress := make([]store.WorkerProgress, n)
	for i, task := range plan.Tasks {
		progress[i] = store.WorkerProgress{WorkerID: task.ID, Status: "pending"}
	}
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	sem := make(chan struct{}, 1) // serializes progress writes

	for i, task := range plan.Tasks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = placeholderResult(task, err)
				return nil
			}

			sem <- struct{}{}
			progress[i].Status = "running"
			p.pushWorkerProgress(job.PreflightID, progress)
			<-sem

			results[i] = p.runWorker(gctx, preflight, job.Tier, task)

			sem <- struct{}{}
			done++
			if results[i].Failed {
				progress[i].Status = "failed"
			} else {
				progress[i].Status = "completed"
			}
			progress[i].Progress = 100
			if results[i].TokenUsage > 0 {
				p.addTokens(job.PreflightID, "workers", results[i].TokenUsage)
			}
			pct := progressPlanned + (progressWorkersDone-progressPlanned)*done/n
			p.log(job.PreflightID,
				fmt.Sprintf("worker %s %s (%d/%d)", task.ID, progress[i].Status, done, n),
				pct, "")
			p.pushWorkerProgress(job.PreflightID, progress)
			<-sem
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// checkCancelled reads the durable job row; a cancel written by the API
// surfaces here at the next phase boundary.
func (p *Pipeline) checkCancelled(job *store.Job) error {
	current, err := p.store.GetJob(job.ID)
	if err != nil {
		return nil
	}
	if current.Status != store.JobCancelled {
		return nil
	}
	if st, err := p.store.CancelStatus(job.PreflightID); err == nil {
		p.bus.Publish(st)
	}
	p.logger.Info("audit cancelled", "preflight_id", job.PreflightID, "job_id", job.ID)
	return ErrCancelled
}

func (p *Pipeline) log(preflightID, line string, progress int, step string) {
	st, err := p.store.AppendStatusLog(preflightID, line, progress, step)
	if err != nil {
		p.logger.Warn("status log write failed", "preflight_id", preflightID, "error", err)
		return
	}
	p.bus.Publish(st)
}

func (p *Pipeline) addTokens(preflightID, phase string, tokens int) {
	st, err := p.store.AddPhaseTokens(preflightID, phase, tokens)
	if err != nil {
		p.logger.Warn("token accounting write failed",
			"preflight_id", preflightID, "phase", phase, "error", err)
		return
	}
	p.bus.Publish(st)
}

func (p *Pipeline) pushWorkerProgress(preflightID string, workers []store.WorkerProgress) {
	snapshot := make([]store.WorkerProgress, len(workers))
	copy(snapshot, workers)
	st, err := p.store.SetWorkerProgress(preflightID, snapshot)
	if err != nil {
		p.logger.Warn("worker progress write failed", "preflight_id", preflightID, "error", err)
		return
	}
	p.bus.Publish(st)
}

func (p *Pipeline) fail(preflightID, message string, cause error) error {
	if st, err := p.store.FailStatus(preflightID, message, cause.Error()); err == nil {
		p.bus.Publish(st)
	}
	return fmt.Errorf("pipeline: %s: %w", message, cause)
}
