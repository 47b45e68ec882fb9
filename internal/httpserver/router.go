package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ebitools-gateway/internal/handlers"
	"ebitools-gateway/internal/metrics"
	"ebitools-gateway/internal/middleware"
)

// Options tune the router. Zero values take the defaults below.
type Options struct {
	// JobTimeout bounds the routes that may submit and poll a remote job.
	JobTimeout time.Duration
	// RequestTimeout bounds every other route.
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// Latency, when set, is served on /debug/latency.
	Latency *metrics.LatencyTracker
}

const (
	DefaultJobTimeout     = 10 * time.Minute
	DefaultRequestTimeout = 15 * time.Second
	DefaultMaxBodyBytes   = 512 * 1024
)

func (o Options) withDefaults() Options {
	if o.JobTimeout <= 0 {
		o.JobTimeout = DefaultJobTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return o
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, jobs *handlers.JobsHandler, opts Options) {
	opts = opts.withDefaults()

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))

	r.Route("/v1", func(r chi.Router) {
		// a cold query polls for minutes before it answers
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.JobTimeout))
			r.Post("/jobs/{tool}", jobs.RunJob)
			r.Post("/jobs/{tool}/batch", jobs.RunBatch)
			r.Post("/blastp", jobs.Blastp)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.RequestTimeout))
			r.Get("/jobs/{tool}/{jobID}/outputs/{output}", jobs.GetOutput)
			r.Delete("/cache/{tool}/{hash}", jobs.InvalidateEntry)
			r.Delete("/cache", jobs.ClearCache)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
	if opts.Latency != nil {
		r.Handle("/debug/latency", opts.Latency.Handler())
	}
}
