package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusError   = "error"
)

// Job tracks one render request through its lifecycle. The API returns a
// job id on POST /api/v1/videos; the client polls GET /api/v1/videos/{id}
// until status is done or error.
type Job struct {
	ID                uuid.UUID  `db:"id"                 json:"id"`
	Prompt            string     `db:"prompt"             json:"prompt"`
	Code              string     `db:"code"               json:"-"`
	Status            string     `db:"status"             json:"status"`
	Progress          int        `db:"progress"           json:"progress"`
	ArtifactPath      *string    `db:"artifact_path"      json:"artifact_path,omitempty"`
	ErrorMessage      *string    `db:"error_message"      json:"error_message,omitempty"`
	AttemptsMade      int        `db:"attempts_made"      json:"attempts_made"`
	RegenerationCount int        `db:"regeneration_count" json:"regeneration_count"`
	OriginalJobID     *uuid.UUID `db:"original_job_id"    json:"original_job_id,omitempty"`
	StartedAt         *time.Time `db:"started_at"         json:"started_at,omitempty"`
	CompletedAt       *time.Time `db:"completed_at"       json:"completed_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at"         json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"         json:"updated_at"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusError
}
