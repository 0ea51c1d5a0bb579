package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/renderforge/renderforge/pkg/models"
)

const jobColumns = `id, prompt, code, status, progress, artifact_path, error_message,
	attempts_made, regeneration_count, original_job_id, started_at, completed_at,
	created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, prompt, code, status, progress, attempts_made,
			regeneration_count, original_job_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.Prompt, job.Code, job.Status, job.Progress, job.AttemptsMade,
		job.RegenerationCount, job.OriginalJobID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = $2, started_at = NOW(), progress = GREATEST(progress, 10), updated_at = NOW()
		 WHERE id = $1 AND status = $3
		 RETURNING `+jobColumns,
		id, models.JobStatusRunning, models.JobStatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the record is gone or another actor moved it out of pending.
		if _, getErr := s.GetJob(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET attempts_made = attempts_made + 1, updated_at = NOW()
		 WHERE id = $1 RETURNING attempts_made`, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

func (s *PostgresStore) SetProgress(ctx context.Context, id uuid.UUID, progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress %d out of range", progress)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress = GREATEST(progress, $2), updated_at = NOW()
		 WHERE id = $1 AND status = $3`,
		id, progress, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := ApplyJobUpdateOptions(opts)

	sets := []string{"status = $2", "updated_at = NOW()"}
	args := []any{id, status}

	if params.ErrorMessage != nil {
		args = append(args, *params.ErrorMessage)
		sets = append(sets, fmt.Sprintf("error_message = $%d", len(args)))
	}
	if params.ArtifactPath != nil {
		args = append(args, *params.ArtifactPath)
		sets = append(sets, fmt.Sprintf("artifact_path = $%d", len(args)))
	}
	switch status {
	case models.JobStatusDone:
		sets = append(sets, "progress = 100", "completed_at = NOW()")
	case models.JobStatusError:
		sets = append(sets, "completed_at = NOW()")
	}

	where := `WHERE id = $1`
	if params.ExpectedStatus != nil {
		args = append(args, *params.ExpectedStatus)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` `+where, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the record is gone or the status guard did not match.
		if _, getErr := s.GetJob(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		if params.ExpectedStatus != nil {
			return ErrSuperseded
		}
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Prompt, &j.Code, &j.Status, &j.Progress, &j.ArtifactPath,
		&j.ErrorMessage, &j.AttemptsMade, &j.RegenerationCount, &j.OriginalJobID,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

var _ Store = (*PostgresStore)(nil)
