// Package orchestrator owns the render job lifecycle: it accepts
// submissions, serializes them into the durable queue, and runs a bounded
// worker pool where each worker drives exactly one job through its attempt
// loop. It is constructed once at process start and passed by handle to all
// call sites; there is no package-level state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/renderforge/renderforge/internal/archive"
	"github.com/renderforge/renderforge/internal/gen"
	"github.com/renderforge/renderforge/internal/sandbox"
	"github.com/renderforge/renderforge/internal/store"
	"github.com/renderforge/renderforge/pkg/models"
)

// ErrQueue marks submission or record-store failures surfaced to callers.
var ErrQueue = errors.New("queue unavailable")

// ErrNotFound is re-exported so callers need not import the store package.
var ErrNotFound = store.ErrNotFound

const (
	// enqueueAttempts bounds queue-level submission retries, distinct from
	// the in-worker attempt loop.
	enqueueAttempts = 3
	// dequeueWait is how long a worker blocks on an empty queue before
	// re-checking for shutdown.
	dequeueWait = 2 * time.Second
)

// Engine runs one sandboxed render attempt. Satisfied by *sandbox.Engine.
type Engine interface {
	Run(ctx context.Context, in sandbox.RunInput) (string, error)
}

// Sweeper terminates stray sandboxes and removes job directories.
// Satisfied by *sandbox.Reaper.
type Sweeper interface {
	SweepJob(ctx context.Context, jobID uuid.UUID) error
	CleanupJob(ctx context.Context, jobID uuid.UUID) error
}

// Publisher emits job lifecycle events. May be nil (bus disabled).
type Publisher interface {
	PublishStatus(job *models.Job)
}

// Config tunes the worker pool.
type Config struct {
	Workers    int
	MaxRetries int
	Backoff    time.Duration
}

// Orchestrator implements the job queue contract: Submit, GetStatus, GetAll,
// Delete, ForceKill, ListOutput.
type Orchestrator struct {
	store   store.Store
	archive archive.Archive
	engine  Engine
	sweeper Sweeper
	bus     Publisher
	cfg     Config

	mu    sync.Mutex
	kills map[uuid.UUID]context.CancelFunc

	wg sync.WaitGroup
}

// New constructs an Orchestrator. bus may be nil.
func New(st store.Store, ar archive.Archive, eng Engine, sw Sweeper, bus Publisher, cfg Config) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	return &Orchestrator{
		store:   st,
		archive: ar,
		engine:  eng,
		sweeper: sw,
		bus:     bus,
		cfg:     cfg,
		kills:   make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled; call
// Wait to block until they have drained.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.workerLoop(ctx, workerID)
		}()
	}
	slog.Info("worker pool started", "workers", o.cfg.Workers, "max_retries", o.cfg.MaxRetries)
}

// Wait blocks until all workers have exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// SubmitInput is a new job submission. Code must already be generated;
// lineage fields are set when the submission is a corrected re-run of a
// prior failed job.
type SubmitInput struct {
	Prompt            string
	Code              string
	RegenerationCount int
	OriginalJobID     *uuid.UUID
}

// Submit validates the scene code, persists a pending job, and enqueues it.
// Returns a *gen.ValidationError without touching the store when the code is
// rejected; queue or store failures surface as ErrQueue.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (*models.Job, error) {
	if err := gen.Validate(in.Code); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:                uuid.New(),
		Prompt:            in.Prompt,
		Code:              in.Code,
		Status:            models.JobStatusPending,
		RegenerationCount: in.RegenerationCount,
		OriginalJobID:     in.OriginalJobID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("%w: create job: %v", ErrQueue, err)
	}
	if err := o.enqueue(ctx, job.ID); err != nil {
		// The record was never queued, so no worker will ever pick it up.
		// Remove it rather than leaving a pending job that cannot run.
		if _, delErr := o.store.DeleteJob(ctx, job.ID); delErr != nil {
			slog.Warn("failed to remove unqueued job record", "job_id", job.ID, "error", delErr)
		}
		return nil, err
	}

	slog.Info("job submitted", "job_id", job.ID, "regeneration", in.RegenerationCount)
	return job, nil
}

// enqueue pushes the job id onto the durable queue with bounded exponential
// backoff. All attempts failing is an ErrQueue surfaced to the submitter.
func (o *Orchestrator) enqueue(ctx context.Context, id uuid.UUID) error {
	var lastErr error
	for i := 0; i < enqueueAttempts; i++ {
		if i > 0 {
			delay := o.cfg.Backoff << (i - 1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrQueue, ctx.Err())
			case <-time.After(delay):
			}
		}
		if lastErr = o.archive.Enqueue(ctx, id); lastErr == nil {
			return nil
		}
		slog.Warn("enqueue failed, retrying", "job_id", id, "attempt", i+1, "error", lastErr)
	}
	return fmt.Errorf("%w: enqueue: %v", ErrQueue, lastErr)
}

// GetStatus returns the job record, or ErrNotFound.
func (o *Orchestrator) GetStatus(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return o.store.GetJob(ctx, id)
}

// GetAll returns every job record, newest first. Never nil.
func (o *Orchestrator) GetAll(ctx context.Context) ([]*models.Job, error) {
	jobs, err := o.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	return jobs, nil
}

// ListOutput returns the job's archived output events, oldest first.
func (o *Orchestrator) ListOutput(ctx context.Context, id uuid.UUID) ([]models.OutputEvent, error) {
	return o.archive.List(ctx, id)
}

// Delete removes the job record, its output archive, any surviving sandbox,
// and its directories. Idempotent: deleting an absent job is a no-op.
func (o *Orchestrator) Delete(ctx context.Context, id uuid.UUID) error {
	o.cancelAttempt(id)

	existed, err := o.store.DeleteJob(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: delete job: %v", ErrQueue, err)
	}
	if err := o.archive.Delete(ctx, id); err != nil {
		slog.Warn("failed to delete output archive", "job_id", id, "error", err)
	}
	if err := o.sweeper.CleanupJob(ctx, id); err != nil {
		slog.Warn("cleanup after delete failed", "job_id", id, "error", err)
	}
	if existed {
		slog.Info("job deleted", "job_id", id)
	}
	return nil
}

// ForceKill transitions the job to error regardless of its current state,
// cancels any in-flight attempt, and tears down its sandbox. Safe to call
// concurrently with a running attempt.
func (o *Orchestrator) ForceKill(ctx context.Context, id uuid.UUID) error {
	if _, err := o.store.GetJob(ctx, id); err != nil {
		return err
	}

	if err := o.store.UpdateJobStatus(ctx, id, models.JobStatusError,
		store.WithErrorMessage("render killed by operator")); err != nil {
		return fmt.Errorf("%w: mark killed: %v", ErrQueue, err)
	}

	o.cancelAttempt(id)

	if err := o.sweeper.SweepJob(ctx, id); err != nil {
		slog.Warn("sandbox sweep after kill failed", "job_id", id, "error", err)
	}

	o.publish(ctx, id)
	slog.Info("job force-killed", "job_id", id)
	return nil
}

// registerAttempt records the cancel func that aborts the job's in-flight
// attempt. At most one attempt per job is active at a time.
func (o *Orchestrator) registerAttempt(id uuid.UUID, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kills[id] = cancel
}

func (o *Orchestrator) unregisterAttempt(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.kills, id)
}

func (o *Orchestrator) cancelAttempt(id uuid.UUID) {
	o.mu.Lock()
	cancel, ok := o.kills[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// publish sends the job's current record to the bus, best-effort.
func (o *Orchestrator) publish(ctx context.Context, id uuid.UUID) {
	if o.bus == nil {
		return
	}
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return
	}
	o.bus.PublishStatus(job)
}
