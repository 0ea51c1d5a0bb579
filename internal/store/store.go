package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/renderforge/renderforge/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// ErrNotClaimable is returned by ClaimJob when the job exists but is not in
// the pending state. At most one worker can win the pending->running
// transition for a given job.
var ErrNotClaimable = errors.New("job is not claimable")

// ErrSuperseded is returned by UpdateJobStatus when a WhenStatus guard did
// not match: another actor already moved the job out of the expected state,
// and that transition wins.
var ErrSuperseded = errors.New("job status changed by another actor")

// Store is the job record access interface. All database operations go
// through here. Every mutation is a single statement keyed by job id, so
// updates are atomic per job.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context) ([]*models.Job, error)
	// DeleteJob removes the job record. Returns false if the record was
	// already absent; deleting twice is not an error.
	DeleteJob(ctx context.Context, id uuid.UUID) (bool, error)

	// ClaimJob atomically transitions a pending job to running, stamps
	// started_at, and pins progress to at least 10.
	ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// IncrementAttempts bumps attempts_made and returns the new count.
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
	// SetProgress raises progress while the job is running. The write uses
	// GREATEST so progress never regresses; a lower value is a no-op.
	SetProgress(ctx context.Context, id uuid.UUID, progress int) error
	// UpdateJobStatus moves the job to the given status. Terminal statuses
	// stamp completed_at; done also forces progress to 100. With WhenStatus,
	// the write applies only while the job is still in the expected state
	// and returns ErrSuperseded otherwise, so two actors racing to finalize
	// the same job cannot interleave.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
}

// JobUpdateParams carries the optional fields of a status update. Exported
// so alternative Store implementations can apply the same options.
type JobUpdateParams struct {
	ErrorMessage   *string
	ArtifactPath   *string
	ExpectedStatus *string
}

type JobUpdateOption func(*JobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithArtifactPath(path string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.ArtifactPath = &path
	}
}

// WhenStatus guards the update on the job's current status.
func WhenStatus(status string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.ExpectedStatus = &status
	}
}

// ApplyJobUpdateOptions folds opts into a JobUpdateParams value.
func ApplyJobUpdateOptions(opts []JobUpdateOption) JobUpdateParams {
	var params JobUpdateParams
	for _, opt := range opts {
		opt(&params)
	}
	return params
}
