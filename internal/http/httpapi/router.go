package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"finisher/internal/http/handlers"
	"finisher/internal/middleware"
)

// Options tune the outer middleware stack.
type Options struct {
	CORSOrigins     []string
	RateLimit       int
	RateLimitWindow time.Duration
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
	)
	if len(opts.CORSOrigins) > 0 {
		r.Use(middleware.CORS(opts.CORSOrigins))
	}

	var limited func(http.Handler) http.Handler
	if opts.RateLimit > 0 && opts.RateLimitWindow > 0 {
		limited = middleware.RateLimit(opts.RateLimit, opts.RateLimitWindow)
	}

	// Health
	r.Get("/v1/healthz", app.Health)

	// Engine
	r.Get("/status", app.EngineStatus)
	r.Get("/processing/options", app.ProcessingOptions)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/status", app.QueueStatus)
		r.Get("/events", app.Events)
		r.Post("/pause", app.PauseQueue)
		r.Post("/resume", app.ResumeQueue)
		r.Delete("/completed", app.ClearCompleted)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", app.ListJobs)
			r.Get("/{job_id}", app.GetJob)
			r.Delete("/{job_id}", app.CancelJob)
			r.Post("/{job_id}/reorder", app.ReorderJob)

			// Enqueue endpoints carry the rate limit.
			r.Group(func(r chi.Router) {
				if limited != nil {
					r.Use(limited)
				}
				r.Post("/", app.QueueJob)
				r.Post("/upload", app.QueueUpload)
			})
		})

		r.Route("/batches", func(r chi.Router) {
			r.Get("/{batch_id}", app.GetBatch)
			r.Group(func(r chi.Router) {
				if limited != nil {
					r.Use(limited)
				}
				r.Post("/", app.QueueBatch)
			})
		})
	})

	return r
}
