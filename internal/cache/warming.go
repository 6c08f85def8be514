package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/agri-assistant/internal/models"
	"github.com/kjstillabower/agri-assistant/internal/observability"
)

// RecordFetcher is implemented by the service layer. Declared here so the warmer does
// not depend on the service package.
type RecordFetcher interface {
	Lookup(ctx context.Context, location string) (models.CachedRecord, error)
}

// CacheWarmer prefetches records for popular locations so the first debounce
// in a new session hits the cache.
type CacheWarmer struct {
	fetcher     RecordFetcher
	logger      *zap.Logger
	concurrency int
}

// NewCacheWarmer creates a CacheWarmer running at most concurrency lookups at once.
func NewCacheWarmer(fetcher RecordFetcher, logger *zap.Logger, concurrency int) *CacheWarmer {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger, concurrency: concurrency}
}

// Warm looks up every location. All locations are attempted; the returned error joins
// the individual failures.
func (w *CacheWarmer) Warm(ctx context.Context, locations []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(locations)))

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, loc := range locations {
		loc := loc
		g.Go(func() error {
			if _, err := w.fetcher.Lookup(gctx, loc); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", loc, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return errors.Join(errs...)
	}
	return nil
}
