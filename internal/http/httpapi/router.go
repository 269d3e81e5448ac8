// Package httpapi assembles the API router.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/realenhance/server/internal/http/handlers"
	"github.com/realenhance/server/internal/middleware"
)

// Options carries the router's cross-cutting wiring.
type Options struct {
	App             *handlers.App
	Registry        *prometheus.Registry
	StaticDir       string
	RateLimitPerMin int
}

// NewRouter builds the API surface.
func NewRouter(opts Options) http.Handler {
	app := opts.App
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
	)
	if opts.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)

	if opts.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	if opts.StaticDir != "" {
		fs := http.FileServer(http.Dir(opts.StaticDir))
		r.Handle("/static/*", http.StripPrefix("/static/", fs))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.TenantContext)

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", app.JobsCreate)
			r.Get("/{job_id}", app.JobStatus)
			r.Get("/{job_id}/attempts", app.JobAttempts)
			r.Post("/{job_id}/cancel", app.JobCancel)
			r.Post("/{job_id}/edits", app.JobEdit)
		})
		r.Get("/v1/usage", app.Usage)
	})

	return r
}
