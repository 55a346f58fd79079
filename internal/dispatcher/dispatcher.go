// Package dispatcher drives the queue: it claims pending jobs under a lease,
// hands them to the pipeline, and sweeps up stale leases, stuck jobs, and
// expired repository snapshots as it goes. One dispatcher runs per process;
// multiple processes sharing a database coexist through the claim lease.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repolens-dev/repolens/internal/pipeline"
	"github.com/repolens-dev/repolens/internal/statusbus"
	"github.com/repolens-dev/repolens/internal/store"
)

// Options tune the dispatch loop.
type Options struct {
	Interval    time.Duration // poll interval, default 5s
	Lease       time.Duration // claim lease, default 10m
	BatchSize   int           // max jobs claimed per tick, default 2
	Concurrency int           // max jobs running at once, default 2
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 10 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 2
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
}

// Dispatcher owns the claim-and-run loop.
type Dispatcher struct {
	store    *store.Store
	pipeline *pipeline.Pipeline
	bus      *statusbus.Bus
	logger   *slog.Logger
	opts     Options
	workerID string

	mu      sync.Mutex
	running map[string]bool // job ids currently executing
	wg      sync.WaitGroup
}

// New creates a Dispatcher.
func New(st *store.Store, pl *pipeline.Pipeline, bus *statusbus.Bus, logger *slog.Logger, opts Options) *Dispatcher {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	return &Dispatcher{
		store:    st,
		pipeline: pl,
		bus:      bus,
		logger:   logger,
		opts:     opts,
		workerID: fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		running:  make(map[string]bool),
	}
}

// WorkerID identifies this dispatcher in job leases.
func (d *Dispatcher) WorkerID() string { return d.workerID }

// Run loops until the context is cancelled. Besides the poll ticker, an
// enqueue event on the bus wakes the loop immediately so fresh jobs do not
// wait out the interval. The hourly sweep handles preflight expiry.
func (d *Dispatcher) Run(ctx context.Context) error {
	wake, cancelWake := d.bus.SubscribeJobs()
	defer cancelWake()

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()
	sweep := time.NewTicker(time.Hour)
	defer sweep.Stop()

	d.logger.Info("dispatcher started",
		"worker_id", d.workerID,
		"interval", d.opts.Interval,
		"lease", d.opts.Lease)

	d.sweepExpired()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping, waiting for running jobs")
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		case ev := <-wake:
			d.logger.Debug("woken by enqueue", "job_id", ev.JobID, "tier", ev.Tier)
			d.tick(ctx)
		case <-sweep.C:
			d.sweepExpired()
		}
	}
}

// RunOnce drains the queue and returns: recovery sweeps, then claim and run
// until no eligible jobs remain. Used by the -once flag for cron-style
// operation.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	d.recover()
	d.sweepExpired()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		jobs, err := d.store.ClaimBatch(d.workerID, d.opts.BatchSize, d.opts.Lease)
		if err != nil {
			return fmt.Errorf("dispatcher: claim: %w", err)
		}
		if len(jobs) == 0 {
			d.wg.Wait()
			return nil
		}
		for i := range jobs {
			d.execute(ctx, &jobs[i])
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	d.recover()

	free := d.opts.Concurrency - d.runningCount()
	if free <= 0 {
		return
	}
	n := d.opts.BatchSize
	if n > free {
		n = free
	}

	jobs, err := d.store.ClaimBatch(d.workerID, n, d.opts.Lease)
	if err != nil {
		d.logger.Error("claim failed", "error", err)
		return
	}
	for i := range jobs {
		job := &jobs[i]
		d.markRunning(job.ID, true)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.markRunning(job.ID, false)
			d.execute(ctx, job)
		}()
	}
}

// recover returns expired leases to pending and unsticks stalled pending
// jobs. Both are cheap single statements, so they run every tick.
func (d *Dispatcher) recover() {
	if n, err := d.store.RecoverStale(); err != nil {
		d.logger.Error("stale recovery failed", "error", err)
	} else if n > 0 {
		d.logger.Warn("recovered stale jobs", "count", n)
	}
	if n, err := d.store.ResetStuckPending(); err != nil {
		d.logger.Error("stuck pending reset failed", "error", err)
	} else if n > 0 {
		d.logger.Warn("reset stuck pending jobs", "count", n)
	}
}

func (d *Dispatcher) sweepExpired() {
	n, err := d.store.CleanupExpiredPreflights()
	if err != nil {
		d.logger.Error("preflight cleanup failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("expired preflights removed", "count", n)
	}
}

// execute runs one claimed job through the pipeline and records the outcome
// on the queue row.
func (d *Dispatcher) execute(ctx context.Context, job *store.Job) {
	log := d.logger.With("job_id", job.ID, "preflight_id", job.PreflightID, "tier", job.Tier)
	log.Info("job started", "attempt", job.Attempts, "max_attempts", job.MaxAttempts)

	report, err := d.pipeline.Run(ctx, job)
	switch {
	case errors.Is(err, pipeline.ErrCancelled):
		// CancelJob already moved the row terminal; nothing to write back.
		log.Info("job cancelled mid-run")
	case err != nil:
		log.Error("job failed", "error", err)
		if ferr := d.store.FailJob(job.ID, err.Error(), ""); ferr != nil {
			log.Error("failure write-back failed", "error", ferr)
		}
	default:
		output := fmt.Appendf(nil, `{"audit_id":%q,"health_score":%d}`, report.AuditID, report.HealthScore)
		if cerr := d.store.CompleteJob(job.ID, output); cerr != nil {
			log.Error("completion write-back failed", "error", cerr)
			return
		}
		log.Info("job completed", "audit_id", report.AuditID, "health_score", report.HealthScore)
	}
}

func (d *Dispatcher) runningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

func (d *Dispatcher) markRunning(jobID string, on bool) {
	d.mu.Lock()
	if on {
		d.running[jobID] = true
	} else {
		delete(d.running, jobID)
	}
	d.mu.Unlock()
}
