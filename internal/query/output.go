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
	"ebitools-gateway/pkg/logging/logging"
)

// Result types ncbiblast offers besides json.
const (
	OutputVisualSVG  = "visual-svg"
	OutputVisualPNG  = "visual-png"
	OutputDomainsSVG = "ffdp-subject-svg"
	OutputDomainsPNG = "ffdp-subject-png"
)

// Output returns another result type of a finished job, such as the
// graphical overview of a blast search. Outputs are cached like query
// results, keyed by tool, job id and output type. ResetCache and
// CachedOnly apply; Verbose has no effect.
func (s *Service) Output(ctx context.Context, h ebi.JobHandle, outputType string, opts Options) (*Result, error) {
	h.Tool = strings.ToLower(strings.TrimSpace(h.Tool))
	h.ID = strings.TrimSpace(h.ID)
	outputType = strings.TrimSpace(outputType)
	if h.Tool == "" || h.ID == "" {
		return nil, &ebi.ValidationError{Field: "job", Reason: "tool and job id are required"}
	}
	if outputType == "" {
		return nil, &ebi.ValidationError{Field: "output", Reason: "is required"}
	}
	if opts.ResetCache && opts.CachedOnly {
		return nil, &ebi.ValidationError{Field: "options", Reason: "reset_cache and cached_only are mutually exclusive"}
	}

	fp := cache.BuildOutputFingerprint(h.Tool, h.ID, outputType)
	if err := fp.Validate(); err != nil {
		return nil, &ebi.ValidationError{Field: "tool", Reason: err.Error()}
	}
	logger := logging.FromContextOr(ctx, s.logger).With(
		zap.String("fingerprint", fp.String()),
		zap.String("job_id", h.ID),
		zap.String("output", outputType),
	)

	if opts.ResetCache {
		if err := s.store.Invalidate(ctx, fp); err != nil {
			return nil, err
		}
	} else if entry, ok := s.store.Get(ctx, fp, nil); ok {
		logger.Debug("output_cache_hit")
		return outputResult(h, entry.Payload, true, entry.Meta.RetrievedAt, fp), nil
	}

	if opts.CachedOnly {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, fp)
	}

	start := time.Now()
	payload, err := s.client.Output(ctx, h, outputType)
	if err != nil {
		var ve *ebi.ValidationError
		if !errors.As(err, &ve) {
			logger.Warn("output_fetch_failed", zap.Error(err))
		}
		return nil, err
	}

	retrievedAt := clock.Now(ctx).UTC()
	if err := s.store.Put(ctx, fp, payload, cache.Metadata{JobID: h.ID, RetrievedAt: retrievedAt}); err != nil {
		return nil, err
	}
	logger.Info("output_fetched",
		zap.Int("payload_bytes", len(payload)),
		zap.Duration("fetch_latency_ms", time.Since(start)),
	)
	return outputResult(h, payload, false, retrievedAt, fp), nil
}

func outputResult(h ebi.JobHandle, payload []byte, cached bool, at time.Time, fp cache.Fingerprint) *Result {
	return &Result{
		Fingerprint: fp,
		Tool:        h.Tool,
		JobID:       h.ID,
		Payload:     payload,
		Cached:      cached,
		RetrievedAt: at,
	}
}
