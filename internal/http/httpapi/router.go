package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/champi-dev/aipics/internal/http/handlers"
	"github.com/champi-dev/aipics/internal/middleware"
)

// Options carries the cross-cutting pieces mounted around the handlers.
type Options struct {
	Verifier    *middleware.Verifier
	Limiter     *middleware.IPRateLimiter
	Requests    middleware.RequestRecorder
	CORSOrigins []string
	// StaticDir is served under /static when set.
	StaticDir string
	// Metrics is served at /metrics when set.
	Metrics http.Handler
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.AccessLog(app.Logger, opts.Requests),
		chimw.Recoverer,
		middleware.CORS(opts.CORSOrigins),
	)

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.StaticDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir))))
	}

	limited := func(h http.HandlerFunc) http.Handler {
		if opts.Limiter == nil {
			return h
		}
		return opts.Limiter.Middleware(h)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", app.Health)
		r.Group(func(r chi.Router) {
			r.Use(opts.Verifier.OptionalAuth)
			r.Get("/feed", app.ListFeed)
			r.Get("/jobs/{id}", app.JobStatus)
			r.Get("/posts/{id}/like", app.LikeStatus)
			r.Get("/events", app.Events)
		})
		r.Group(func(r chi.Router) {
			r.Use(opts.Verifier.RequireAuth)
			r.Method(http.MethodPost, "/jobs", limited(app.SubmitJob))
			r.Method(http.MethodPost, "/posts/{id}/like", limited(app.ToggleLike))
		})
	})

	return r
}
