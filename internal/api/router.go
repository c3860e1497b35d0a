package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/visionjobs/internal/api/middleware"
	"github.com/kiranshivaraju/visionjobs/internal/api/response"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	JobSummary  http.HandlerFunc
	ListJobs    http.HandlerFunc
	SourceJobs  http.HandlerFunc
	GetJob      http.HandlerFunc
	QueueJob    http.HandlerFunc
	AbortJob    http.HandlerFunc
	ExpediteJob http.HandlerFunc
	ListErrors  http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeRead))

			r.Get("/jobs/summary", orNotImplemented(deps.JobSummary))
			r.Get("/jobs", orNotImplemented(deps.ListJobs))
			r.Get("/jobs/{jobID}", orNotImplemented(deps.GetJob))
			r.Get("/sources/{sourceID}/jobs", orNotImplemented(deps.SourceJobs))
			r.Get("/errors", orNotImplemented(deps.ListErrors))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/jobs", orNotImplemented(deps.QueueJob))
			r.Post("/jobs/{jobID}/abort", orNotImplemented(deps.AbortJob))
			r.Post("/jobs/{jobID}/expedite", orNotImplemented(deps.ExpediteJob))

			r.Post("/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
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
