package http

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/agri-assistant/internal/client"
	"github.com/kjstillabower/agri-assistant/internal/health"
	"github.com/kjstillabower/agri-assistant/internal/i18n"
	"github.com/kjstillabower/agri-assistant/internal/lifecycle"
	"github.com/kjstillabower/agri-assistant/internal/models"
	"github.com/kjstillabower/agri-assistant/internal/observability"
	"github.com/kjstillabower/agri-assistant/internal/session"
	"github.com/kjstillabower/agri-assistant/internal/validation"
)

// LocationLookup resolves a location to a cached weather record.
type LocationLookup interface {
	Lookup(ctx context.Context, location string) (models.CachedRecord, error)
}

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	Outcomes           *health.Tracker
	DegradedWindow     time.Duration
	DegradedErrorPct   int
	DegradedMinSamples int

	// OverloadWindow and OverloadThresholdPct bound the share of rate-limited requests
	// before /health reports overloaded. DegradedMinSamples applies here too.
	OverloadWindow       time.Duration
	OverloadThresholdPct int

	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	lookup        LocationLookup
	sessions      *session.Store
	catalog       *i18n.Catalog
	healthConfig  *HealthConfig
	logger        *zap.Logger
	validate      *validator.Validate
	maxImageBytes int64
	maxAudioBytes int64

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// Limits bounds request bodies.
type Limits struct {
	MaxImageBytes int64 // photo request body, base64 JSON included
	MaxAudioBytes int64
}

// PhotoBodyLimit returns the request body size that fits a base64 photo of
// imageBytes decoded bytes plus the JSON envelope and data URL prefix.
func PhotoBodyLimit(imageBytes int) int64 {
	return int64(base64.StdEncoding.EncodedLen(imageBytes)) + 4<<10
}

// NewHandler returns a new Handler.
func NewHandler(
	lookup LocationLookup,
	sessions *session.Store,
	catalog *i18n.Catalog,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	limits Limits,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.MaxImageBytes <= 0 {
		limits.MaxImageBytes = 12 << 20
	}
	if limits.MaxAudioBytes <= 0 {
		limits.MaxAudioBytes = 10 << 20
	}
	return &Handler{
		lookup:        lookup,
		sessions:      sessions,
		catalog:       catalog,
		healthConfig:  healthConfig,
		logger:        logger,
		validate:      newValidator(),
		maxImageBytes: limits.MaxImageBytes,
		maxAudioBytes: limits.MaxAudioBytes,
	}
}

// GetWeather handles GET /weather/{location}.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	location := strings.TrimSpace(mux.Vars(r)["location"])
	if location == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", "location is required")
		return
	}

	result, err := h.lookup.Lookup(r.Context(), location)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"location":  result.Location,
		"weather":   result.Record,
		"timestamp": result.Timestamp.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, validation.ErrLocationEmpty),
		errors.Is(err, validation.ErrLocationTooShort),
		errors.Is(err, validation.ErrLocationTooLong),
		errors.Is(err, validation.ErrLocationInvalidChars):
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
	case errors.Is(err, client.ErrLocationNotFound):
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "Location not found")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Location lookup timed out")
	default:
		requestLogger(r, h.logger).Debug("upstream error", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	resp := map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    result.checks,
		"uptime":    lifecycle.Uptime().Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.sessions != nil {
		resp["sessions"] = h.sessions.Len()
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded (rate limiter denying too much traffic) >
// degraded (any upstream over its error threshold) > healthy.
// Cache reachability is reported in checks but does not change the status; lookups
// fall through to upstream when the cache is down.
func (h *Handler) computeHealthStatus() healthResult {
	checks := map[string]string{
		health.ComponentLocationAPI: "healthy",
		health.ComponentAI:          "healthy",
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		checks["cache"] = "healthy"
		if err := h.healthConfig.CachePing(); err != nil {
			checks["cache"] = "unhealthy"
		}
	}

	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}
	if h.healthConfig == nil || h.healthConfig.Outcomes == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}

	cfg := h.healthConfig
	if cfg.OverloadThresholdPct > 0 &&
		cfg.Outcomes.Degraded(health.ComponentOverload, cfg.OverloadWindow, cfg.OverloadThresholdPct, cfg.DegradedMinSamples) {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold", checks}
	}
	var degraded []string
	for _, component := range []string{health.ComponentLocationAPI, health.ComponentAI} {
		if cfg.Outcomes.Degraded(component, cfg.DegradedWindow, cfg.DegradedErrorPct, cfg.DegradedMinSamples) {
			checks[component] = "unhealthy"
			degraded = append(degraded, component)
		}
	}
	if len(degraded) > 0 {
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach:" + strings.Join(degraded, ","), checks}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// GetLanguages handles GET /i18n.
func (h *Handler) GetLanguages(w http.ResponseWriter, r *http.Request) {
	langs := h.catalog.Languages()
	out := make([]map[string]string, 0, len(langs))
	for _, code := range langs {
		out = append(out, map[string]string{"code": code, "name": i18n.DisplayName(code)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"languages": out, "default": i18n.Fallback})
}

// GetTranslations handles GET /i18n/{language}.
func (h *Handler) GetTranslations(w http.ResponseWriter, r *http.Request) {
	requested := mux.Vars(r)["language"]
	lang := h.catalog.Match(requested)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"language":     lang,
		"translations": h.catalog.Table(lang),
	})
}
