// Package bus publishes job lifecycle events over NATS so downstream
// consumers (notification senders, usage accounting) can react without
// polling the API.
package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/renderforge/renderforge/pkg/models"
)

// DefaultSubjectPrefix is the root of all job event subjects. The full
// subject is prefix + "." + status, e.g. "renderforge.jobs.done".
const DefaultSubjectPrefix = "renderforge.jobs"

// Client wraps a NATS connection for publishing job status events.
type Client struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials NATS with unlimited reconnects so a broker restart does not
// take the service down with it. An empty subjectPrefix falls back to
// DefaultSubjectPrefix.
func Connect(url, subjectPrefix string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &Client{nc: nc, prefix: subjectPrefix}, nil
}

// Close drains the connection, flushing buffered publishes.
func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

// statusEvent is the wire shape of a job status publication.
type statusEvent struct {
	JobID        string     `json:"job_id"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	ArtifactPath *string    `json:"artifact_path,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// PublishStatus emits the job's current state. Best-effort: a publish
// failure is logged and dropped, never propagated to the render path.
func (c *Client) PublishStatus(job *models.Job) {
	ev := statusEvent{
		JobID:        job.ID.String(),
		Status:       job.Status,
		Progress:     job.Progress,
		ArtifactPath: job.ArtifactPath,
		ErrorMessage: job.ErrorMessage,
		CompletedAt:  job.CompletedAt,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to marshal status event", "job_id", job.ID, "error", err)
		return
	}
	subject := c.prefix + "." + job.Status
	if err := c.nc.Publish(subject, b); err != nil {
		slog.Warn("failed to publish status event", "job_id", job.ID, "subject", subject, "error", err)
	}
}
