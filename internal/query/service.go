package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.uber.org/zap"

	"ebitools-gateway/internal/cache"
	"ebitools-gateway/internal/ebi"
	"ebitools-gateway/internal/metrics"
	"ebitools-gateway/internal/poller"
	"ebitools-gateway/pkg/logging/logging"
)

// ErrNotCached is returned for CachedOnly queries that miss the cache.
var ErrNotCached = errors.New("query: result not cached")

type Config struct {
	// Email is the contact address sent with every job unless the request
	// carries its own. Required by the service usage policy.
	Email  string
	Poller poller.Config
}

func (c Config) Validate() error {
	email := strings.TrimSpace(c.Email)
	if email == "" {
		return &ebi.ValidationError{Field: ebi.ParamEmail, Reason: "is required by the service usage policy"}
	}
	return c.Poller.WithDefaults().Validate()
}

// Options are per-query switches.
type Options struct {
	// ResetCache drops any cached result and runs the job again.
	ResetCache bool `json:"reset_cache"`
	// Verbose logs every status check at INFO.
	Verbose bool `json:"verbose"`
	// CachedOnly never contacts the service; a miss is ErrNotCached.
	CachedOnly bool `json:"cached_only"`
}

// Result is a completed job's result, fresh or from the cache.
type Result struct {
	Fingerprint cache.Fingerprint `json:"fingerprint"`
	Tool        string            `json:"tool"`
	JobID       string            `json:"job_id"`
	Payload     []byte            `json:"-"`
	Cached      bool              `json:"cached"`
	RetrievedAt time.Time         `json:"retrieved_at"`
}

// Handle returns the job the result came from.
func (r *Result) Handle() ebi.JobHandle {
	return ebi.JobHandle{Tool: r.Tool, ID: r.JobID}
}

// Service answers queries from the cache, running jobs on a miss. It is
// safe for concurrent use. Concurrent misses for the same request each run
// their own job; the last writer wins.
type Service struct {
	cfg     Config
	client  ebi.Client
	store   *cache.Store
	poller  *poller.Poller
	logger  *zap.Logger
	latency *metrics.LatencyTracker
}

type Option func(*Service)

// WithLatencyTracker records hit and miss latencies. It is also passed to
// the poller.
func WithLatencyTracker(lt *metrics.LatencyTracker) Option {
	return func(s *Service) { s.latency = lt }
}

func New(cfg Config, client ebi.Client, store *cache.Store, logger *zap.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("query: client is required")
	}
	if store == nil {
		return nil, errors.New("query: store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		cfg:    cfg,
		client: client,
		store:  store,
		logger: logger.Named("query"),
	}
	for _, opt := range opts {
		opt(s)
	}

	p, err := poller.New(client, cfg.Poller, logger, poller.WithLatencyTracker(s.latency))
	if err != nil {
		return nil, err
	}
	s.poller = p
	return s, nil
}

// Query returns the result of req, from the cache when possible. On a miss
// the job is submitted and polled to completion, and the result is stored
// before it is returned. Only completed jobs are cached.
func (s *Service) Query(ctx context.Context, req *ebi.Request, opts Options) (*Result, error) {
	start := time.Now()

	if req == nil {
		return nil, &ebi.ValidationError{Field: "request", Reason: "is nil"}
	}
	if opts.ResetCache && opts.CachedOnly {
		return nil, &ebi.ValidationError{Field: "options", Reason: "reset_cache and cached_only are mutually exclusive"}
	}

	req = req.Clone()
	if strings.TrimSpace(req.Email) == "" {
		req.Email = s.cfg.Email
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	canonical, err := cache.CanonicalRequest(req)
	if err != nil {
		return nil, err
	}
	fp, err := cache.BuildFingerprint(req)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContextOr(ctx, s.logger).With(zap.String("fingerprint", fp.String()))

	if opts.ResetCache {
		if err := s.store.Invalidate(ctx, fp); err != nil {
			return nil, err
		}
	} else if entry, ok := s.store.Get(ctx, fp, canonical); ok {
		res := resultFromEntry(entry, true)
		s.latency.Record(metrics.OpQueryHit, time.Since(start))
		logger.Info("cache_decision",
			zap.Bool("cache_hit", true),
			zap.String("job_id", res.JobID),
			zap.Duration("total_latency_ms", time.Since(start)),
		)
		return res, nil
	}

	if opts.CachedOnly {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, fp)
	}

	out, err := s.poller.Run(ctx, req, opts.Verbose)
	if err != nil {
		return nil, err
	}

	meta := cache.Metadata{
		JobID:       out.Handle.ID,
		Request:     canonical,
		RetrievedAt: clock.Now(ctx).UTC(),
	}
	if err := s.store.Put(ctx, fp, out.Payload, meta); err != nil {
		return nil, err
	}

	res := &Result{
		Fingerprint: fp,
		Tool:        fp.Tool,
		JobID:       out.Handle.ID,
		Payload:     out.Payload,
		RetrievedAt: meta.RetrievedAt,
	}
	s.latency.Record(metrics.OpQueryMiss, time.Since(start))
	logger.Info("cache_decision",
		zap.Bool("cache_hit", false),
		zap.Bool("reset_cache", opts.ResetCache),
		zap.String("job_id", res.JobID),
		zap.Int("poll_attempts", out.Attempts),
		zap.Duration("job_elapsed", out.Elapsed),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
	return res, nil
}

// Invalidate drops one cached result.
func (s *Service) Invalidate(ctx context.Context, fp cache.Fingerprint) error {
	return s.store.Invalidate(ctx, fp)
}

// Clear drops every cached result.
func (s *Service) Clear(ctx context.Context) error {
	return s.store.Clear(ctx)
}

func resultFromEntry(e *cache.Entry, cached bool) *Result {
	return &Result{
		Fingerprint: e.Fingerprint,
		Tool:        e.Fingerprint.Tool,
		JobID:       e.Meta.JobID,
		Payload:     e.Payload,
		Cached:      cached,
		RetrievedAt: e.Meta.RetrievedAt,
	}
}
