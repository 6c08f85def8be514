package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/agri-assistant/internal/health"
	"github.com/kjstillabower/agri-assistant/internal/observability"
)

// RouterConfig holds the middleware settings for NewRouter.
type RouterConfig struct {
	Limiter        *rate.Limiter // nil disables rate limiting
	RequestTimeout time.Duration

	// Outcomes receives rate limiter decisions for the overloaded health state.
	Outcomes *health.Tracker
}

// NewRouter wires the handler's routes. /health and /metrics skip rate limiting and timeouts.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter, cfg.Outcomes))
	if cfg.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	api.HandleFunc("/weather/{location}", h.GetWeather).Methods(http.MethodGet)
	api.HandleFunc("/i18n", h.GetLanguages).Methods(http.MethodGet)
	api.HandleFunc("/i18n/{language}", h.GetTranslations).Methods(http.MethodGet)

	api.HandleFunc("/sessions", h.CreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/location", h.SetLocation).Methods(http.MethodPut)
	api.HandleFunc("/sessions/{id}/language", h.SetLanguage).Methods(http.MethodPut)
	api.HandleFunc("/sessions/{id}/advice", h.RequestAdvice).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/photo", h.AnalyzePhoto).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/voice/start", h.StartVoice).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/voice/audio", h.AppendVoiceAudio).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/voice/stop", h.StopVoice).Methods(http.MethodPost)
	return router
}
