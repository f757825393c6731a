package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/netwatch/internal/api/middleware"
	"github.com/kiranshivaraju/netwatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit // nil when no cache is configured

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	LaunchReport http.HandlerFunc
	GetReport    http.HandlerFunc
	StreamReport http.HandlerFunc
	CancelReport http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Authenticate)
		}
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/reports", orNotImplemented(deps.LaunchReport))
		r.Get("/api/v1/reports/{jobID}", orNotImplemented(deps.GetReport))
		r.Get("/api/v1/reports/{jobID}/stream", orNotImplemented(deps.StreamReport))
		r.Post("/api/v1/reports/{jobID}/cancel", orNotImplemented(deps.CancelReport))
	})

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
