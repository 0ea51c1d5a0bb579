package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// Reaper terminates sandbox containers that survived their owning attempt
// (crashed worker, external kill) and removes job directories. Invoked from
// the attempt loop's failure paths, forceKill, and job deletion.
type Reaper struct {
	engine *Engine
}

func NewReaper(engine *Engine) *Reaper {
	return &Reaper{engine: engine}
}

// SweepJob force-removes every container labeled with the job's id.
func (r *Reaper) SweepJob(ctx context.Context, jobID uuid.UUID) error {
	filter := fmt.Sprintf("label=%s=%s", JobLabel, jobID)
	out, err := exec.CommandContext(ctx, r.engine.dockerBin, "ps", "-aq", "--filter", filter).Output()
	if err != nil {
		return fmt.Errorf("list sandbox containers: %w", err)
	}

	ids := strings.Fields(string(out))
	var errs []error
	for _, id := range ids {
		slog.Info("sweeping stale sandbox container", "job_id", jobID, "container_id", id)
		if rmOut, err := exec.CommandContext(ctx, r.engine.dockerBin, "rm", "-f", id).CombinedOutput(); err != nil {
			errs = append(errs, fmt.Errorf("remove container %s: %w: %s", id, err, strings.TrimSpace(string(rmOut))))
		}
	}
	return errors.Join(errs...)
}

// CleanupJob sweeps the job's containers and removes its work and output
// directories. Used on explicit deletion; idempotent.
func (r *Reaper) CleanupJob(ctx context.Context, jobID uuid.UUID) error {
	var errs []error
	if err := r.SweepJob(ctx, jobID); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(r.engine.WorkDir(jobID)); err != nil {
		errs = append(errs, fmt.Errorf("remove work dir: %w", err))
	}
	if err := os.RemoveAll(r.engine.OutputDir(jobID)); err != nil {
		errs = append(errs, fmt.Errorf("remove output dir: %w", err))
	}
	return errors.Join(errs...)
}
