package handler

import (
	"context"
	"net/http"

	"github.com/renderforge/renderforge/internal/api/response"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns the handler for GET /api/v1/health. It checks the
// job store and the queue; either failing makes the service unhealthy.
func NewHealthHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string, len(deps))
		healthy := true
		for name, p := range deps {
			if err := p.Ping(r.Context()); err != nil {
				checks[name] = "unreachable"
				healthy = false
				continue
			}
			checks[name] = "ok"
		}

		body := struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}{Status: "ok", Checks: checks}

		if !healthy {
			body.Status = "degraded"
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY",
				"One or more backing services are unreachable", body.Checks)
			return
		}
		response.JSON(w, body)
	}
}
