package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/agri-assistant/internal/cache"
	"github.com/kjstillabower/agri-assistant/internal/client"
	"github.com/kjstillabower/agri-assistant/internal/health"
	"github.com/kjstillabower/agri-assistant/internal/models"
	"github.com/kjstillabower/agri-assistant/internal/observability"
	"github.com/kjstillabower/agri-assistant/internal/validation"
)

// Options configures LocationService.
type Options struct {
	TTL             time.Duration // fresh cache lifetime
	StaleTTL        time.Duration // serve stale entries this old when upstream fails (0 = off)
	CoalesceTimeout time.Duration // 0 disables coalescing
	MinLength       int           // minimum location runes accepted
	MaxLength       int
}

// LocationService resolves locations to weather records: validation, cache-aside,
// request coalescing, and stale fallback in front of a client.LocationClient.
type LocationService struct {
	client    client.LocationClient
	cache     cache.Cache
	opts      Options
	coalescer *requestCoalescer
	outcomes  *health.Tracker
	logger    *zap.Logger
}

// NewLocationService wires a LocationService. outcomes and logger may be nil.
func NewLocationService(c client.LocationClient, store cache.Cache, opts Options, outcomes *health.Tracker, logger *zap.Logger) *LocationService {
	var coalescer *requestCoalescer
	if opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(opts.CoalesceTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocationService{
		client:    c,
		cache:     store,
		opts:      opts,
		coalescer: coalescer,
		outcomes:  outcomes,
		logger:    logger,
	}
}

// Lookup returns the record for location, from cache when fresh.
func (s *LocationService) Lookup(ctx context.Context, location string) (models.CachedRecord, error) {
	clean, err := validation.ValidateLocation(location, s.opts.MinLength, s.opts.MaxLength)
	if err != nil {
		return models.CachedRecord{}, err
	}
	key := normalizeLocation(clean)
	logger := observability.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	observability.RecordLocationQuery(key)

	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		logger.Warn("cache get failed", zap.String("location", key), zap.Error(err))
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues("location").Inc()
		logger.Debug("location served", zap.String("location", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return cached, nil
	}

	logger.Debug("cache miss, fetching upstream", zap.String("location", key))
	rec, err := s.fetch(ctx, key)
	if err != nil {
		if stale, ok := s.staleFallback(ctx, key, err); ok {
			logger.Info("serving stale record", zap.String("location", key), zap.Duration("age", time.Since(stale.Timestamp)), zap.Error(err))
			return stale, nil
		}
		return models.CachedRecord{}, fmt.Errorf("lookup %s: %w", key, err)
	}

	if setErr := s.cache.Set(ctx, key, rec, s.opts.TTL); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		logger.Warn("cache set failed", zap.String("location", key), zap.Error(setErr))
	}
	logger.Debug("location served", zap.String("location", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return rec, nil
}

// LookupRecord is Lookup without the cache envelope; it matches the resolver's lookup signature.
func (s *LocationService) LookupRecord(ctx context.Context, location string) (models.WeatherRecord, error) {
	rec, err := s.Lookup(ctx, location)
	return rec.Record, err
}

func (s *LocationService) fetch(ctx context.Context, key string) (models.CachedRecord, error) {
	call := func(ctx context.Context) (models.CachedRecord, error) {
		rec, err := s.client.FetchLocationData(ctx, key)
		if s.outcomes != nil && !errors.Is(err, context.Canceled) {
			s.outcomes.Record(health.ComponentLocationAPI, upstreamFault(err))
		}
		return rec, err
	}
	if s.coalescer == nil {
		return call(ctx)
	}
	rec, shared, err := s.coalescer.Do(ctx, key, call)
	if shared {
		observability.LookupCoalescedTotal.Inc()
	}
	return rec, err
}

func (s *LocationService) staleFallback(ctx context.Context, key string, cause error) (models.CachedRecord, bool) {
	if s.opts.StaleTTL <= 0 || errors.Is(cause, client.ErrLocationNotFound) || ctx.Err() != nil {
		return models.CachedRecord{}, false
	}
	stale, ok, err := s.cache.GetStale(ctx, key, s.opts.StaleTTL)
	if err != nil || !ok {
		return models.CachedRecord{}, false
	}
	observability.CacheHitsTotal.WithLabelValues("stale").Inc()
	return stale, true
}

// upstreamFault drops errors that say nothing about upstream health.
func upstreamFault(err error) error {
	if err == nil || errors.Is(err, client.ErrLocationNotFound) {
		return nil
	}
	return err
}

// categorizeCacheError returns a stable label for cache error metrics.
func categorizeCacheError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "connect") || strings.Contains(errStr, "network"):
		return "connection"
	}
	return "unknown"
}

// normalizeLocation produces the cache key: lowercase with single spaces.
func normalizeLocation(location string) string {
	return strings.ToLower(validation.NormalizeLocation(location))
}
