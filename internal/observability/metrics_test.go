package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetrics_Usable verifies label dimensions match usage across client, resolver, action and http packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/sessions/{id}", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/sessions/{id}").Observe(0.01)
	LocationAPICallsTotal.WithLabelValues("forecast", "success").Inc()
	LocationAPIDuration.WithLabelValues("soil", "server_error").Observe(0.3)
	CacheHitsTotal.WithLabelValues("weather").Inc()
	CacheErrorsTotal.WithLabelValues("get", "timeout").Inc()
	ResolverLookupsTotal.WithLabelValues("stale").Inc()
	AICallsTotal.WithLabelValues("advice", "success").Inc()
	AIDuration.WithLabelValues("photo").Observe(2)
	ActionBusyTotal.WithLabelValues("voice").Inc()
	ActionOutcomesTotal.WithLabelValues("advice", "failed").Inc()
	RecordCircuitBreakerTransition("location_api", "closed", "open", 1)
}

// TestRecordLocationQuery_TrackedVsOther verifies only allow-listed locations get their own label.
func TestRecordLocationQuery_TrackedVsOther(t *testing.T) {
	SetTrackedLocations([]string{"Pune", "nashik"})
	defer SetTrackedLocations(nil)

	beforePune := testutil.ToFloat64(LocationQueriesTotal.WithLabelValues("pune"))
	beforeOther := testutil.ToFloat64(LocationQueriesTotal.WithLabelValues("other"))

	RecordLocationQuery("  PUNE ")
	RecordLocationQuery("Ludhiana")

	if got := testutil.ToFloat64(LocationQueriesTotal.WithLabelValues("pune")) - beforePune; got != 1 {
		t.Errorf("pune delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(LocationQueriesTotal.WithLabelValues("other")) - beforeOther; got != 1 {
		t.Errorf("other delta = %v, want 1", got)
	}
}

// TestMetricsHandler_ServesPrometheusFormat verifies MetricsHandler serves the text exposition format.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	MetricsHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
