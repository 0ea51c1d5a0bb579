package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/renderforge/renderforge/internal/progress"
	"github.com/renderforge/renderforge/internal/sandbox"
	"github.com/renderforge/renderforge/internal/store"
	"github.com/renderforge/renderforge/pkg/models"
)

// startProgress is the progress pinned when a worker claims a job, so a
// render whose output yields no usable estimate still shows as started.
const startProgress = 10

// workerLoop blocks on the queue and processes jobs one at a time until ctx
// is cancelled.
func (o *Orchestrator) workerLoop(ctx context.Context, workerID string) {
	log := slog.With("worker", workerID)
	log.Info("worker started")

	for {
		if ctx.Err() != nil {
			log.Info("worker stopping")
			return
		}

		id, ok, err := o.archive.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping")
				return
			}
			log.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}

		o.process(ctx, log, id)
	}
}

// process drives one claimed job through its attempt loop. Terminal record
// updates run on a detached context so that worker shutdown cannot leave a
// job half-written.
func (o *Orchestrator) process(ctx context.Context, log *slog.Logger, id uuid.UUID) {
	log = log.With("job_id", id)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing job", "panic", r)
			o.failJob(log, id, fmt.Sprintf("internal error: %v", r))
			if err := o.sweeper.SweepJob(context.Background(), id); err != nil {
				log.Warn("sweep after panic failed", "error", err)
			}
		}
	}()

	job, err := o.store.ClaimJob(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Deleted between enqueue and claim. Nothing to do.
			log.Debug("queued job no longer exists")
		case errors.Is(err, store.ErrNotClaimable):
			log.Debug("job not claimable, skipping")
		default:
			log.Error("claim failed", "error", err)
		}
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.registerAttempt(id, cancel)
	defer o.unregisterAttempt(id)

	o.appendInfo(id, "render started")
	log.Info("processing job", "prompt_len", len(job.Prompt))

	tr := &tracker{o: o, id: id, current: startProgress}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		if _, err := o.store.IncrementAttempts(context.Background(), id); err != nil {
			log.Warn("failed to record attempt", "error", err)
		}
		if attempt > 1 {
			o.appendInfo(id, fmt.Sprintf("retrying render, attempt %d of %d", attempt, o.cfg.MaxRetries))
		}

		artifact, err := o.engine.Run(runCtx, sandbox.RunInput{
			JobID:   id,
			Attempt: attempt,
			Code:    job.Code,
			OnLine:  tr.onLine,
		})
		if err == nil {
			o.completeJob(log, id, artifact)
			return
		}

		if errors.Is(err, sandbox.ErrKilled) {
			// The attempt was cancelled from outside; the killer owns the
			// record transition. Never retried.
			log.Info("render attempt killed externally")
			if err := o.sweeper.SweepJob(context.Background(), id); err != nil {
				log.Warn("sweep after kill failed", "error", err)
			}
			return
		}

		lastErr = err
		log.Warn("render attempt failed", "attempt", attempt, "error", err)
		o.appendInfo(id, fmt.Sprintf("attempt %d failed: %v", attempt, err))

		if attempt < o.cfg.MaxRetries {
			delay := o.cfg.Backoff << (attempt - 1)
			select {
			case <-runCtx.Done():
				log.Info("backoff interrupted, job cancelled")
				if err := o.sweeper.SweepJob(context.Background(), id); err != nil {
					log.Warn("sweep after cancel failed", "error", err)
				}
				return
			case <-time.After(delay):
			}
		}
	}

	o.failJob(log, id, failureMessage(lastErr))
	if err := o.sweeper.SweepJob(context.Background(), id); err != nil {
		log.Warn("sweep after failure failed", "error", err)
	}
}

// completeJob marks the job done with its artifact. The write is guarded on
// the job still being running: a force-kill or delete that landed while the
// render was finishing wins, and the worker must not resurrect the job. A
// transient write failure is retried once; artifact resolution already
// succeeded, so a lost write is a record-store incident worth a loud log.
func (o *Orchestrator) completeJob(log *slog.Logger, id uuid.UUID, artifact string) {
	ok := o.writeTerminal(log, id, models.JobStatusDone,
		store.WithArtifactPath(artifact), store.WhenStatus(models.JobStatusRunning))
	if !ok {
		return
	}
	o.appendInfo(id, "render complete")
	o.publish(context.Background(), id)
	log.Info("job completed", "artifact", artifact)
}

// failJob marks the job errored with a human-readable message, under the
// same running-status guard as completeJob.
func (o *Orchestrator) failJob(log *slog.Logger, id uuid.UUID, msg string) {
	ok := o.writeTerminal(log, id, models.JobStatusError,
		store.WithErrorMessage(msg), store.WhenStatus(models.JobStatusRunning))
	if !ok {
		return
	}
	o.appendInfo(id, "render failed: "+msg)
	o.publish(context.Background(), id)
	log.Info("job failed", "message", msg)
}

// writeTerminal performs a guarded terminal status write, retrying once on
// transient failure. Returns false when the write did not land, including
// when another actor finalized or deleted the job first.
func (o *Orchestrator) writeTerminal(log *slog.Logger, id uuid.UUID, status string, opts ...store.JobUpdateOption) bool {
	ctx := context.Background()
	err := o.store.UpdateJobStatus(ctx, id, status, opts...)
	if err != nil && !errors.Is(err, store.ErrSuperseded) && !errors.Is(err, store.ErrNotFound) {
		log.Warn("terminal status write failed, retrying", "status", status, "error", err)
		err = o.store.UpdateJobStatus(ctx, id, status, opts...)
	}
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrSuperseded):
		log.Info("job already finalized elsewhere, keeping its status", "attempted", status)
	case errors.Is(err, store.ErrNotFound):
		log.Debug("job deleted during render")
	default:
		log.Error("failed to finalize job", "status", status, "error", err)
	}
	return false
}

// failureMessage renders the last attempt error for the job record. The
// classified detail, including raw stderr context, is preserved verbatim.
func failureMessage(err error) string {
	if err == nil {
		return "render failed"
	}
	var exitErr *sandbox.ExitError
	switch {
	case errors.As(err, &exitErr):
		if exitErr.Stderr != "" {
			return exitErr.Error() + "\n" + exitErr.Stderr
		}
		return exitErr.Error()
	case errors.Is(err, sandbox.ErrTimeout):
		return "render timed out"
	case errors.Is(err, sandbox.ErrArtifactNotFound):
		return "render produced no output video"
	case errors.Is(err, sandbox.ErrLaunch):
		return fmt.Sprintf("failed to start render sandbox: %v", err)
	default:
		return err.Error()
	}
}

// appendInfo archives an informational event, best-effort.
func (o *Orchestrator) appendInfo(id uuid.UUID, msg string) {
	ev := models.OutputEvent{
		Type:      models.EventTypeInfo,
		Data:      msg,
		Timestamp: time.Now().UTC(),
	}
	if err := o.archive.Append(context.Background(), id, ev); err != nil {
		slog.Warn("failed to archive info event", "job_id", id, "error", err)
	}
}

// tracker carries per-job progress state across output lines. Engine line
// callbacks run from two scanner goroutines, so state is mutex-guarded.
type tracker struct {
	o       *Orchestrator
	id      uuid.UUID
	mu      sync.Mutex
	current int
	tag     string
}

// onLine archives the output line and, when a higher progress estimate can
// be extracted from it, persists the new value. Progress writes are
// advisory: a failed write is retried once and then dropped, never failing
// the render.
func (tr *tracker) onLine(stream, line string) {
	ctx := context.Background()

	ev := models.OutputEvent{
		Type:      stream,
		Data:      line,
		Timestamp: time.Now().UTC(),
	}
	if err := tr.o.archive.Append(ctx, tr.id, ev); err != nil {
		slog.Warn("failed to archive output line", "job_id", tr.id, "error", err)
	}

	tr.mu.Lock()
	u := progress.Extract(line, tr.current)
	if u.Progress > 0 {
		tr.current = u.Progress
	}
	tagChanged := u.Tag != "" && u.Tag != tr.tag
	if tagChanged {
		tr.tag = u.Tag
	}
	cur := tr.current
	tr.mu.Unlock()

	if u.Progress > 0 {
		if err := tr.o.store.SetProgress(ctx, tr.id, cur); err != nil {
			slog.Warn("progress write failed, retrying", "job_id", tr.id, "error", err)
			if err := tr.o.store.SetProgress(ctx, tr.id, cur); err != nil {
				slog.Warn("progress write dropped", "job_id", tr.id, "progress", cur, "error", err)
			}
		}
		pev := models.OutputEvent{
			Type:      models.EventTypeProgress,
			Data:      fmt.Sprintf("%d", cur),
			Timestamp: time.Now().UTC(),
		}
		if err := tr.o.archive.Append(ctx, tr.id, pev); err != nil {
			slog.Warn("failed to archive progress event", "job_id", tr.id, "error", err)
		}
	}
	if tagChanged {
		tr.o.appendInfo(tr.id, "phase: "+u.Tag)
	}
}
