package query

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"ebitools-gateway/internal/ebi"
)

const DefaultConcurrency = 4

// QueryAll runs independent queries concurrently, at most concurrency at a
// time. Results are in input order. The first error cancels the queries
// still running and is returned with the index of the failing request.
func (s *Service) QueryAll(ctx context.Context, reqs []*ebi.Request, opts Options, concurrency int) ([]*Result, error) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	results := make([]*Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, req := range reqs {
		g.Go(func() error {
			res, err := s.Query(gctx, req, opts)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
