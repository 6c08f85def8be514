package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/agri-assistant/internal/advisor"
	"github.com/kjstillabower/agri-assistant/internal/cache"
	"github.com/kjstillabower/agri-assistant/internal/circuitbreaker"
	"github.com/kjstillabower/agri-assistant/internal/client"
	"github.com/kjstillabower/agri-assistant/internal/config"
	"github.com/kjstillabower/agri-assistant/internal/health"
	httphandler "github.com/kjstillabower/agri-assistant/internal/http"
	"github.com/kjstillabower/agri-assistant/internal/i18n"
	"github.com/kjstillabower/agri-assistant/internal/lifecycle"
	"github.com/kjstillabower/agri-assistant/internal/observability"
	"github.com/kjstillabower/agri-assistant/internal/resolver"
	"github.com/kjstillabower/agri-assistant/internal/scheduler"
	"github.com/kjstillabower/agri-assistant/internal/service"
	"github.com/kjstillabower/agri-assistant/internal/session"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	outcomes := health.NewTracker()

	locationClient, err := client.NewOpenMeteoClient(client.Config{
		GeocodingURL:   cfg.GeocodingURL,
		ForecastURL:    cfg.ForecastURL,
		SoilURL:        cfg.SoilURL,
		Timeout:        cfg.LocationAPITimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	}, logger)
	if err != nil {
		logger.Fatal("location client", zap.Error(err))
	}

	if cfg.CircuitFailureThreshold > 0 {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitFailureThreshold,
			SuccessThreshold: cfg.CircuitSuccessThreshold,
			Timeout:          cfg.CircuitTimeout,
			IsFailure:        client.IsBreakerFailure,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(health.ComponentLocationAPI, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker transition", zap.String("component", health.ComponentLocationAPI), zap.Stringer("from", from), zap.Stringer("to", to))
			},
		})
		locationClient.SetCircuitBreaker(cb)
		observability.CircuitBreakerState.WithLabelValues(health.ComponentLocationAPI).Set(0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitFailureThreshold), zap.Duration("timeout", cfg.CircuitTimeout))
	}

	var store cache.Cache
	var memcache *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.CacheStaleTTL)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcache = mc
		store = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		store = cache.NewInMemoryCache(cfg.CacheStaleTTL)
		logger.Info("cache backend: in_memory")
	}

	locations := service.NewLocationService(locationClient, store, service.Options{
		TTL:             cfg.CacheTTL,
		StaleTTL:        cfg.CacheStaleTTL,
		CoalesceTimeout: cfg.CoalesceTimeout,
		MinLength:       1,
		MaxLength:       cfg.LocationMaxLength,
	}, outcomes, logger)

	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	assistant, err := advisor.NewGenAIAdvisor(initCtx, advisor.Config{
		APIKey:          cfg.GenAIAPIKey,
		Model:           cfg.GenAIModel,
		Temperature:     cfg.GenAITemperature,
		MaxOutputTokens: int32(cfg.GenAIMaxOutputTokens),
		Timeout:         cfg.GenAITimeout,
		MaxImageBytes:   cfg.MaxImageBytes,
		BreakerFailures: uint32(cfg.AIBreakerFailures),
		BreakerTimeout:  cfg.AIBreakerTimeout,
	}, outcomes, logger)
	initCancel()
	if err != nil {
		logger.Fatal("genai advisor", zap.Error(err))
	}
	logger.Info("genai advisor ready", zap.String("model", cfg.GenAIModel))

	catalog := i18n.MustLoad()
	sessions := session.NewStore(session.Deps{
		Lookup:  locations.LookupRecord,
		Advisor: assistant,
		Catalog: catalog,
		ResolverOptions: []resolver.Option{
			resolver.WithQuietPeriod(cfg.ResolverQuietPeriod),
			resolver.WithShortQueryLimit(cfg.ResolverShortQuery),
			resolver.WithLookupTimeout(cfg.ResolverLookupTimeout),
		},
		ActionTimeout: cfg.ActionTimeout,
		MaxAudioBytes: cfg.MaxAudioBytes,
		Logger:        logger,
	}, session.StoreConfig{TTL: cfg.SessionTTL, MaxSessions: cfg.SessionMaxCount})

	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	jobs := scheduler.New(logger)
	if err := jobs.Add("session-sweep", cfg.SessionSweepInterval, 0, func(ctx context.Context) error {
		sessions.Sweep()
		return nil
	}); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}
	if len(cfg.TrackedLocations) > 0 {
		warmer := cache.NewCacheWarmer(locations, logger, cfg.WarmConcurrency)
		if err := jobs.Add("cache-warm", cfg.WarmInterval, cfg.WarmInterval/2, func(ctx context.Context) error {
			return warmer.Warm(ctx, cfg.TrackedLocations)
		}); err != nil {
			logger.Fatal("scheduler", zap.Error(err))
		}
	}
	jobs.Start()

	healthConfig := &httphandler.HealthConfig{
		Outcomes:             outcomes,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		DegradedMinSamples:   cfg.DegradedMinSamples,
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
	}
	if memcache != nil {
		healthConfig.CachePing = memcache.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(locations, sessions, catalog, healthConfig, logger, httphandler.Limits{
		MaxImageBytes: httphandler.PhotoBodyLimit(cfg.MaxImageBytes),
		MaxAudioBytes: int64(cfg.MaxAudioBytes),
	})
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		Outcomes:       outcomes,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered", zap.Int64("in_flight", httphandler.InFlightCount()), zap.Int("sessions", sessions.Len()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	steps := []lifecycle.Step{
		{Name: "http-server", Fn: srv.Shutdown},
		{Name: "in-flight", Fn: func(ctx context.Context) error {
			return httphandler.WaitForInFlight(ctx, 50*time.Millisecond)
		}},
		{Name: "scheduler", Fn: func(context.Context) error {
			jobs.Stop()
			return nil
		}},
		{Name: "sessions", Fn: func(context.Context) error {
			sessions.CloseAll()
			return nil
		}},
	}
	if memcache != nil {
		steps = append(steps, lifecycle.Step{Name: "memcached", Fn: func(context.Context) error { return memcache.Close() }})
	}
	steps = append(steps, lifecycle.Step{Name: "telemetry", Fn: func(ctx context.Context) error {
		return observability.FlushTelemetry(ctx, logger)
	}})

	if err := lifecycle.Drain(shutdownCtx, logger, steps...); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
