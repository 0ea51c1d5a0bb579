package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/renderforge/renderforge/internal/api/response"
	"github.com/renderforge/renderforge/internal/gen"
	"github.com/renderforge/renderforge/internal/orchestrator"
	"github.com/renderforge/renderforge/pkg/models"
)

// maxRegenerations bounds how many corrected re-runs a single failed job can
// spawn.
const maxRegenerations = 3

const maxPromptLen = 2000

// VideoService is the slice of the orchestrator the handlers depend on.
type VideoService interface {
	Submit(ctx context.Context, in orchestrator.SubmitInput) (*models.Job, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetAll(ctx context.Context) ([]*models.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ForceKill(ctx context.Context, id uuid.UUID) error
	ListOutput(ctx context.Context, id uuid.UUID) ([]models.OutputEvent, error)
}

// ArtifactLocator resolves the on-disk output directory of a job.
type ArtifactLocator interface {
	OutputDir(jobID uuid.UUID) string
}

type jobResponse struct {
	ID                string     `json:"id"`
	Prompt            string     `json:"prompt"`
	Status            string     `json:"status"`
	Progress          int        `json:"progress"`
	VideoURL          *string    `json:"video_url,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	AttemptsMade      int        `json:"attempts_made"`
	RegenerationCount int        `json:"regeneration_count"`
	OriginalJobID     *string    `json:"original_job_id,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func toJobResponse(job *models.Job) jobResponse {
	resp := jobResponse{
		ID:                job.ID.String(),
		Prompt:            job.Prompt,
		Status:            job.Status,
		Progress:          job.Progress,
		ErrorMessage:      job.ErrorMessage,
		AttemptsMade:      job.AttemptsMade,
		RegenerationCount: job.RegenerationCount,
		StartedAt:         job.StartedAt,
		CompletedAt:       job.CompletedAt,
		CreatedAt:         job.CreatedAt,
	}
	if job.OriginalJobID != nil {
		s := job.OriginalJobID.String()
		resp.OriginalJobID = &s
	}
	if job.Status == models.JobStatusDone && job.ArtifactPath != nil {
		url := "/api/v1/videos/" + job.ID.String() + "/file"
		resp.VideoURL = &url
	}
	return resp
}

func jobIDParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	return id, err == nil
}

// writeServiceError maps orchestrator and generation errors to the API
// error vocabulary.
func writeServiceError(w http.ResponseWriter, err error) {
	var vErr *gen.ValidationError
	switch {
	case errors.As(err, &vErr):
		response.Error(w, http.StatusBadRequest, "VALIDATION_FAILED",
			"Generated scene code was rejected", vErr.Reason)
	case errors.Is(err, orchestrator.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job", nil)
	case errors.Is(err, orchestrator.ErrQueue):
		response.Error(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE",
			"The render queue is not accepting jobs right now", nil)
	case errors.Is(err, models.ErrGenTimeout):
		response.Error(w, http.StatusGatewayTimeout, "GENERATION_TIMEOUT",
			"Scene generation took too long and was cancelled", nil)
	case errors.Is(err, models.ErrGenUnavailable), errors.Is(err, models.ErrGenInvalidResponse):
		response.Error(w, http.StatusBadGateway, "GENERATION_FAILED",
			"The code generation provider is not available", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// NewCreateVideoHandler returns the handler for POST /api/v1/videos. It
// generates scene code for the prompt and submits it as a render job.
func NewCreateVideoHandler(svc VideoService, g models.Generator, genTimeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req.Prompt = strings.TrimSpace(req.Prompt)
		if req.Prompt == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "prompt is required", nil)
			return
		}
		if len(req.Prompt) > maxPromptLen {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "prompt is too long", nil)
			return
		}

		genCtx, cancel := context.WithTimeout(r.Context(), genTimeout)
		defer cancel()
		code, err := g.Generate(genCtx, req.Prompt)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		job, err := svc.Submit(r.Context(), orchestrator.SubmitInput{
			Prompt: req.Prompt,
			Code:   code,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Accepted(w, toJobResponse(job))
	}
}

// NewRegenerateVideoHandler returns the handler for
// POST /api/v1/videos/{jobID}/regenerate. The prior job's code and error are
// fed back to the generator and the corrected scene is submitted as a new
// job linked to the original.
func NewRegenerateVideoHandler(svc VideoService, g models.Generator, genTimeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		prior, err := svc.GetStatus(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if prior.Status != models.JobStatusError {
			response.Error(w, http.StatusConflict, "JOB_NOT_FAILED",
				"Only failed jobs can be regenerated", nil)
			return
		}
		if prior.RegenerationCount >= maxRegenerations {
			response.Error(w, http.StatusConflict, "REGENERATION_LIMIT",
				"This job has reached its regeneration limit", nil)
			return
		}

		errText := ""
		if prior.ErrorMessage != nil {
			errText = *prior.ErrorMessage
		}

		genCtx, cancel := context.WithTimeout(r.Context(), genTimeout)
		defer cancel()
		code, err := g.Regenerate(genCtx, prior.Prompt, prior.Code, errText)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		origin := prior.OriginalJobID
		if origin == nil {
			origin = &prior.ID
		}
		job, err := svc.Submit(r.Context(), orchestrator.SubmitInput{
			Prompt:            prior.Prompt,
			Code:              code,
			RegenerationCount: prior.RegenerationCount + 1,
			OriginalJobID:     origin,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Accepted(w, toJobResponse(job))
	}
}

// NewListVideosHandler returns the handler for GET /api/v1/videos.
func NewListVideosHandler(svc VideoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := svc.GetAll(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, job := range jobs {
			out = append(out, toJobResponse(job))
		}
		response.JSON(w, out)
	}
}

// NewGetVideoHandler returns the handler for GET /api/v1/videos/{jobID}.
func NewGetVideoHandler(svc VideoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}
		job, err := svc.GetStatus(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, toJobResponse(job))
	}
}

// NewDeleteVideoHandler returns the handler for DELETE /api/v1/videos/{jobID}.
// Deletion is idempotent; deleting an absent job still returns 204.
func NewDeleteVideoHandler(svc VideoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}
		if err := svc.Delete(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// NewKillVideoHandler returns the handler for POST /api/v1/videos/{jobID}/kill.
func NewKillVideoHandler(svc VideoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}
		if err := svc.ForceKill(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		job, err := svc.GetStatus(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, toJobResponse(job))
	}
}

// NewListOutputHandler returns the handler for
// GET /api/v1/videos/{jobID}/output, the job's archived render output.
func NewListOutputHandler(svc VideoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}
		// Output survives job deletion until its TTL, so existence of the
		// record is not required.
		events, err := svc.ListOutput(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, events)
	}
}

// NewVideoFileHandler returns the handler for GET /api/v1/videos/{jobID}/file.
// The artifact is only served once the job is done.
func NewVideoFileHandler(svc VideoService, loc ArtifactLocator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}
		job, err := svc.GetStatus(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if job.Status != models.JobStatusDone || job.ArtifactPath == nil {
			response.Error(w, http.StatusConflict, "VIDEO_NOT_READY",
				"The render has not completed", nil)
			return
		}

		base := loc.OutputDir(id)
		full := filepath.Join(base, filepath.Clean("/"+*job.ArtifactPath))
		if !strings.HasPrefix(full, base+string(filepath.Separator)) {
			response.Error(w, http.StatusNotFound, "VIDEO_NOT_FOUND", "Video file not found", nil)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeFile(w, r, full)
	}
}
