//go:build integration
// +build integration

// Package testhelpers builds live-upstream fixtures for integration tests.
package testhelpers

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/agri-assistant/internal/cache"
	"github.com/kjstillabower/agri-assistant/internal/client"
	"github.com/kjstillabower/agri-assistant/internal/health"
	"github.com/kjstillabower/agri-assistant/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	GeocodingURL  string
	ForecastURL   string
	SoilURL       string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test unless INTEGRATION_UPSTREAM=1, since it calls the public Open-Meteo and
// SoilGrids APIs.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	if os.Getenv("INTEGRATION_UPSTREAM") != "1" {
		t.Skip("INTEGRATION_UPSTREAM not set, skipping integration test")
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}
	return IntegrationTestConfig{
		GeocodingURL:  envOr("GEOCODING_URL", "https://geocoding-api.open-meteo.com/v1/search"),
		ForecastURL:   envOr("FORECAST_URL", "https://api.open-meteo.com/v1/forecast"),
		SoilURL:       envOr("SOIL_URL", "https://rest.isric.org/soilgrids/v2.0/properties/query"),
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SetupIntegrationClient creates a live location client.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig, logger *zap.Logger) *client.OpenMeteoClient {
	t.Helper()
	c, err := client.NewOpenMeteoClient(client.Config{
		GeocodingURL: cfg.GeocodingURL,
		ForecastURL:  cfg.ForecastURL,
		SoilURL:      cfg.SoilURL,
		Timeout:      10 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() error = %v", err)
	}
	return c
}

// SetupIntegrationService creates a LocationService over the live client. Falls back to the
// in-memory cache when memcached is requested but unreachable.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig, logger *zap.Logger) (*service.LocationService, cache.Cache) {
	t.Helper()
	var store cache.Cache = cache.NewInMemoryCache(time.Hour)
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2, time.Hour)
		if err == nil {
			store = mc
			t.Cleanup(func() { _ = mc.Close() })
			t.Logf("using memcached at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("memcached not available (%v), using in-memory cache", err)
		}
	}
	svc := service.NewLocationService(SetupIntegrationClient(t, cfg, logger), store, service.Options{
		TTL:             5 * time.Minute,
		StaleTTL:        time.Hour,
		CoalesceTimeout: 15 * time.Second,
		MinLength:       1,
		MaxLength:       100,
	}, health.NewTracker(), logger)
	return svc, store
}
