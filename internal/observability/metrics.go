package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Location upstream calls by endpoint (geocode, forecast, soil) and status.
	LocationAPICallsTotal *prometheus.CounterVec

	// Location upstream latency. Watch for: p95 > 2s (upstream degradation).
	LocationAPIDuration *prometheus.HistogramVec

	// Retry attempts for location upstream calls. High retries = unstable upstream.
	LocationAPIRetriesTotal prometheus.Counter

	// Cache hits for resolved weather records.
	CacheHitsTotal *prometheus.CounterVec

	// Cache errors by operation (get, set) and category.
	CacheErrorsTotal *prometheus.CounterVec

	// Lookups that joined an in-flight upstream call for the same location.
	LookupCoalescedTotal prometheus.Counter

	// Weather lookups by tracked location (allow-list; others go to "other").
	LocationQueriesTotal *prometheus.CounterVec

	// Query changes that fell under the minimum length and cleared state without a lookup.
	ResolverSuppressedTotal prometheus.Counter

	// Debounce timers that were cancelled by a newer query before they fired.
	ResolverSupersededTotal prometheus.Counter

	// Lookups issued by the resolver by outcome (success, error, stale).
	ResolverLookupsTotal *prometheus.CounterVec

	// Generative AI calls by operation (advice, photo, voice) and status.
	AICallsTotal *prometheus.CounterVec

	// Generative AI latency by operation.
	AIDuration *prometheus.HistogramVec

	// One-shot action triggers rejected because the same action was already loading.
	ActionBusyTotal *prometheus.CounterVec

	// One-shot action outcomes by action and result (done, failed).
	ActionOutcomesTotal *prometheus.CounterVec

	// Live UI sessions.
	SessionsActive prometheus.Gauge

	// Sessions removed by the expiry sweep.
	SessionsExpiredTotal prometheus.Counter

	// Circuit breaker transitions by component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Circuit breaker state by component (0 closed, 1 open, 2 half-open).
	CircuitBreakerState *prometheus.GaugeVec

	// Rate limit denials (429).
	RateLimitDeniedTotal prometheus.Counter

	// Cache warming runs, failures, and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "httpRequestsTotal", Help: "Total number of HTTP requests"},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "httpRequestsInFlight", Help: "Number of HTTP requests currently being served"},
	)
	LocationAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "locationApiCallsTotal", Help: "Total number of location upstream calls"},
		[]string{"endpoint", "status"},
	)
	LocationAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "locationApiDurationSeconds",
			Help:    "Location upstream latency in seconds (per call)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	LocationAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "locationApiRetriesTotal", Help: "Total number of retry attempts for location upstream calls"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheHitsTotal", Help: "Total number of cache hits"},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheErrorsTotal", Help: "Total number of cache errors"},
		[]string{"operation", "category"},
	)
	LookupCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "lookupCoalescedTotal", Help: "Lookups served by joining an in-flight upstream call"},
	)
	LocationQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "locationQueriesTotal", Help: "Location lookups (allow-list; others use location=other)"},
		[]string{"location"},
	)
	ResolverSuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "resolverSuppressedTotal", Help: "Query changes below the minimum length (no lookup issued)"},
	)
	ResolverSupersededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "resolverSupersededTotal", Help: "Pending debounce timers cancelled by a newer query"},
	)
	ResolverLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "resolverLookupsTotal", Help: "Lookups issued by the debounced resolver"},
		[]string{"outcome"},
	)
	AICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aiCallsTotal", Help: "Total number of generative AI calls"},
		[]string{"operation", "status"},
	)
	AIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiDurationSeconds",
			Help:    "Generative AI latency in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 40},
		},
		[]string{"operation"},
	)
	ActionBusyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "actionBusyTotal", Help: "Action triggers rejected while the action was loading"},
		[]string{"action"},
	)
	ActionOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "actionOutcomesTotal", Help: "One-shot action outcomes"},
		[]string{"action", "result"},
	)
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "sessionsActive", Help: "Number of live UI sessions"},
	)
	SessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "sessionsExpiredTotal", Help: "UI sessions removed by the expiry sweep"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "circuitBreakerTransitionsTotal", Help: "Circuit breaker state transitions"},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "circuitBreakerState", Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)"},
		[]string{"component"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rateLimitDeniedTotal", Help: "Total number of requests denied by rate limiter (429)"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingTotal", Help: "Cache warming runs"},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingErrorsTotal", Help: "Cache warming runs with at least one failed location"},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "cacheWarmingDurationSeconds", Help: "Cache warming duration in seconds"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		LocationAPICallsTotal, LocationAPIDuration, LocationAPIRetriesTotal,
		CacheHitsTotal, CacheErrorsTotal, LookupCoalescedTotal, LocationQueriesTotal,
		ResolverSuppressedTotal, ResolverSupersededTotal, ResolverLookupsTotal,
		AICallsTotal, AIDuration,
		ActionBusyTotal, ActionOutcomesTotal,
		SessionsActive, SessionsExpiredTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		RateLimitDeniedTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
	)
}

// RecordCircuitBreakerTransition counts a breaker state change and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(toValue))
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[MetricLocationLabel(loc)] = struct{}{}
	}
}

// RecordLocationQuery records a lookup for the given location.
func RecordLocationQuery(location string) {
	LocationQueriesTotal.WithLabelValues(trackedLabel(location)).Inc()
}

// MetricLocationLabel normalizes a location for use as a label value.
func MetricLocationLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func trackedLabel(location string) string {
	loc := MetricLocationLabel(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc]
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
