package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ebitools-gateway/internal/metrics"
	"ebitools-gateway/pkg/logging/logging"
)

// Store is the result cache the query service talks to. It owns its
// backend: nothing else writes there.
//
// Reads fail open. A backend error, a corrupt entry or a collision is
// logged and reported as a miss so a damaged cache never blocks a query.
// Writes fail closed: Put returns the backend error.
type Store struct {
	backend Backend
	logger  *zap.Logger
	latency *metrics.LatencyTracker
	now     func() time.Time
}

type StoreOption func(*Store)

// WithLatencyTracker records backend call latencies.
func WithLatencyTracker(lt *metrics.LatencyTracker) StoreOption {
	return func(s *Store) { s.latency = lt }
}

// WithNow overrides the clock used to stamp RetrievedAt.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(backend Backend, logger *zap.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		backend: backend,
		logger:  logger.Named("cache"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get looks up fp. canonical, when non-nil, is compared with the request
// stored alongside the entry; a mismatch is a collision and a miss.
func (s *Store) Get(ctx context.Context, fp Fingerprint, canonical []byte) (*Entry, bool) {
	start := time.Now()
	entry, ok, err := s.backend.Get(ctx, fp)
	s.latency.Record(metrics.OpCacheGet, time.Since(start))

	logger := logging.FromContextOr(ctx, s.logger)
	fields := []zap.Field{
		zap.String("fingerprint", fp.String()),
		zap.Float64("latency_ms", float64(time.Since(start).Microseconds())/1000.0),
	}

	result := "miss"
	switch {
	case err != nil:
		result = "error"
		logger.Warn("cache_get", append(fields, zap.String("cache_result", result), zap.Error(err))...)
		ok = false
	case ok && canonical != nil && len(entry.Meta.Request) > 0 && !sameJSON(entry.Meta.Request, canonical):
		result = "collision"
		logger.Warn("cache_get", append(fields, zap.String("cache_result", result))...)
		ok = false
	case ok:
		result = "hit"
		logger.Debug("cache_get", append(fields,
			zap.String("cache_result", result),
			zap.Time("retrieved_at", entry.Meta.RetrievedAt),
		)...)
	default:
		logger.Debug("cache_get", append(fields, zap.String("cache_result", result))...)
	}

	metrics.CacheLookupsTotal.WithLabelValues(result).Inc()
	if !ok {
		return nil, false
	}
	return entry, true
}

// Put stores payload under fp. RetrievedAt is stamped when zero.
func (s *Store) Put(ctx context.Context, fp Fingerprint, payload []byte, meta Metadata) error {
	if err := fp.Validate(); err != nil {
		return err
	}
	if meta.RetrievedAt.IsZero() {
		meta.RetrievedAt = s.now().UTC()
	}

	start := time.Now()
	err := s.backend.Put(ctx, &Entry{Fingerprint: fp, Payload: payload, Meta: meta})
	s.latency.Record(metrics.OpCachePut, time.Since(start))

	logger := logging.FromContextOr(ctx, s.logger)
	if err != nil {
		metrics.CacheWritesTotal.WithLabelValues("error").Inc()
		logger.Error("cache_put",
			zap.String("fingerprint", fp.String()),
			zap.Error(err),
		)
		return fmt.Errorf("cache put %s: %w", fp, err)
	}

	metrics.CacheWritesTotal.WithLabelValues("ok").Inc()
	logger.Debug("cache_put",
		zap.String("fingerprint", fp.String()),
		zap.Int("payload_bytes", len(payload)),
	)
	return nil
}

// Invalidate removes fp. Removing an absent entry is not an error.
func (s *Store) Invalidate(ctx context.Context, fp Fingerprint) error {
	if err := fp.Validate(); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, fp); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", fp, err)
	}
	logging.FromContextOr(ctx, s.logger).Info("cache_invalidate", zap.String("fingerprint", fp.String()))
	return nil
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	logging.FromContextOr(ctx, s.logger).Info("cache_clear")
	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func sameJSON(a, b []byte) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
