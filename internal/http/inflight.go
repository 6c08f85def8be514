package http

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kjstillabower/agri-assistant/internal/observability"
)

// InFlightTracker counts requests being served so shutdown can drain them. When gauge is
// set it mirrors the count.
type InFlightTracker struct {
	n     atomic.Int64
	gauge prometheus.Gauge
}

// Increment marks a request as started.
func (t *InFlightTracker) Increment() {
	t.n.Add(1)
	if t.gauge != nil {
		t.gauge.Inc()
	}
}

// Decrement marks a request as finished.
func (t *InFlightTracker) Decrement() {
	t.n.Add(-1)
	if t.gauge != nil {
		t.gauge.Dec()
	}
}

func (t *InFlightTracker) Count() int64 {
	return t.n.Load()
}

// WaitForZero polls every checkInterval until nothing is in flight or ctx ends.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	if t.Count() == 0 {
		return nil
	}
	tick := time.NewTicker(checkInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if t.Count() == 0 {
				return nil
			}
		}
	}
}

// requestsInFlight is fed by MetricsMiddleware and drained on shutdown.
var requestsInFlight = &InFlightTracker{gauge: observability.HTTPRequestsInFlight}

// InFlightCount returns the number of requests currently being served.
func InFlightCount() int64 {
	return requestsInFlight.Count()
}

// WaitForInFlight blocks until in-flight requests reach zero or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return requestsInFlight.WaitForZero(ctx, checkInterval)
}
