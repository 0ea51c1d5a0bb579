package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/renderforge/renderforge/internal/api/middleware"
	"github.com/renderforge/renderforge/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	CreateVideo     http.HandlerFunc
	RegenerateVideo http.HandlerFunc
	ListVideos      http.HandlerFunc
	GetVideo        http.HandlerFunc
	DeleteVideo     http.HandlerFunc
	KillVideo       http.HandlerFunc
	ListVideoOutput http.HandlerFunc
	ServeVideoFile  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Expensive mutating routes sit behind the rate limiter; reads do not.
	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/videos", orNotImplemented(deps.CreateVideo))
		r.Post("/api/v1/videos/{jobID}/regenerate", orNotImplemented(deps.RegenerateVideo))
		r.Post("/api/v1/videos/{jobID}/kill", orNotImplemented(deps.KillVideo))
		r.Delete("/api/v1/videos/{jobID}", orNotImplemented(deps.DeleteVideo))
	})

	r.Get("/api/v1/videos", orNotImplemented(deps.ListVideos))
	r.Get("/api/v1/videos/{jobID}", orNotImplemented(deps.GetVideo))
	r.Get("/api/v1/videos/{jobID}/output", orNotImplemented(deps.ListVideoOutput))
	r.Get("/api/v1/videos/{jobID}/file", orNotImplemented(deps.ServeVideoFile))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
