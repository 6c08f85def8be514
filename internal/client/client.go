package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/agri-assistant/internal/circuitbreaker"
	"github.com/kjstillabower/agri-assistant/internal/models"
	"github.com/kjstillabower/agri-assistant/internal/observability"
	"github.com/kjstillabower/agri-assistant/internal/soil"
)

// LocationClient resolves free-text locations to weather and soil data.
type LocationClient interface {
	FetchLocationData(ctx context.Context, location string) (models.CachedRecord, error)
}

var (
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrBadResponse      = errors.New("bad upstream response")
)

const (
	endpointGeocode  = "geocode"
	endpointForecast = "forecast"
	endpointSoil     = "soil"
)

// Config holds upstream URLs and retry policy for OpenMeteoClient.
type Config struct {
	GeocodingURL   string
	ForecastURL    string
	SoilURL        string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// OpenMeteoClient geocodes a location with Open-Meteo, fetches the current conditions and
// daily forecast, and classifies topsoil texture from SoilGrids particle-size data.
type OpenMeteoClient struct {
	cfg     Config
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewOpenMeteoClient validates cfg and returns a client. A nil logger is replaced by a no-op logger.
func NewOpenMeteoClient(cfg Config, logger *zap.Logger) (*OpenMeteoClient, error) {
	for name, raw := range map[string]string{"geocoding": cfg.GeocodingURL, "forecast": cfg.ForecastURL, "soil": cfg.SoilURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return nil, fmt.Errorf("invalid %s URL %q: %w", name, raw, err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenMeteoClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// SetCircuitBreaker guards every upstream call with cb. Pass nil to disable.
func (c *OpenMeteoClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type geocodeResult struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Admin1    string  `json:"admin1"`
	Admin2    string  `json:"admin2"`
	Country   string  `json:"country"`
}

type geocodeResponse struct {
	Results []geocodeResult `json:"results"`
}

type forecastResponse struct {
	Current struct {
		Temperature   float64 `json:"temperature_2m"`
		Precipitation float64 `json:"precipitation"`
	} `json:"current"`
	Daily struct {
		MaxTemp       []float64 `json:"temperature_2m_max"`
		MinTemp       []float64 `json:"temperature_2m_min"`
		Precipitation []float64 `json:"precipitation_sum"`
	} `json:"daily"`
}

type soilResponse struct {
	Properties struct {
		Layers []struct {
			Name   string `json:"name"`
			Depths []struct {
				Label  string `json:"label"`
				Values struct {
					Mean *float64 `json:"mean"`
				} `json:"values"`
			} `json:"depths"`
		} `json:"layers"`
	} `json:"properties"`
}

// FetchLocationData resolves location and returns its weather record. Soil failures are not
// fatal: the record carries soil.Unknown and the error is logged.
func (c *OpenMeteoClient) FetchLocationData(ctx context.Context, location string) (models.CachedRecord, error) {
	place, err := c.geocode(ctx, location)
	if err != nil {
		return models.CachedRecord{}, err
	}

	var (
		fc      forecastResponse
		texture = soil.Unknown
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q := url.Values{}
		q.Set("latitude", formatCoord(place.lat))
		q.Set("longitude", formatCoord(place.lon))
		q.Set("current", "temperature_2m,precipitation")
		q.Set("daily", "temperature_2m_max,temperature_2m_min,precipitation_sum")
		q.Set("forecast_days", "1")
		q.Set("timezone", "auto")
		return c.getJSON(gctx, endpointForecast, c.cfg.ForecastURL, q, &fc)
	})
	g.Go(func() error {
		t, err := c.soilTexture(gctx, place.lat, place.lon)
		if err != nil {
			if gctx.Err() == nil {
				observability.LoggerFromContext(ctx, c.logger).Warn("soil lookup failed",
					zap.String("location", place.name), zap.Error(err))
			}
			return nil
		}
		texture = t
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.CachedRecord{}, fmt.Errorf("forecast for %s: %w", place.name, err)
	}
	if len(fc.Daily.MaxTemp) == 0 || len(fc.Daily.MinTemp) == 0 || len(fc.Daily.Precipitation) == 0 {
		return models.CachedRecord{}, fmt.Errorf("%w: forecast has no daily values", ErrBadResponse)
	}

	return models.CachedRecord{
		Location: place.name,
		Record: models.WeatherRecord{
			SoilType: string(texture),
			Current: models.CurrentConditions{
				Temperature: fc.Current.Temperature,
				Rainfall:    fc.Current.Precipitation,
			},
			Forecast: models.Forecast{
				MaxTemp:  fc.Daily.MaxTemp[0],
				MinTemp:  fc.Daily.MinTemp[0],
				Rainfall: fc.Daily.Precipitation[0],
			},
		},
		Timestamp: time.Now().UTC(),
	}, nil
}

type place struct {
	name     string
	lat, lon float64
}

// qualifiedCandidates is how many results are fetched when narrowing "place, region".
const qualifiedCandidates = 10

// geocode resolves location to coordinates. The geocoder matches place names only, so a
// qualified query such as "Nashik, Maharashtra" that finds nothing is retried with its
// first segment and the result whose region or country matches the rest is chosen.
func (c *OpenMeteoClient) geocode(ctx context.Context, location string) (place, error) {
	results, err := c.searchPlaces(ctx, location, 1)
	if err != nil {
		return place{}, fmt.Errorf("geocode %q: %w", location, err)
	}
	if len(results) == 0 {
		if segments := splitQualified(location); len(segments) > 1 {
			results, err = c.searchPlaces(ctx, segments[0], qualifiedCandidates)
			if err != nil {
				return place{}, fmt.Errorf("geocode %q: %w", location, err)
			}
			results = preferQualified(results, segments[1:])
		}
	}
	if len(results) == 0 {
		return place{}, fmt.Errorf("geocode %q: %w", location, ErrLocationNotFound)
	}
	r := results[0]
	name := r.Name
	if r.Admin1 != "" && r.Admin1 != r.Name {
		name += ", " + r.Admin1
	}
	if r.Country != "" {
		name += ", " + r.Country
	}
	return place{name: name, lat: r.Latitude, lon: r.Longitude}, nil
}

func (c *OpenMeteoClient) searchPlaces(ctx context.Context, name string, count int) ([]geocodeResult, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("count", strconv.Itoa(count))
	q.Set("format", "json")
	var resp geocodeResponse
	if err := c.getJSON(ctx, endpointGeocode, c.cfg.GeocodingURL, q, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// splitQualified splits "place, region, country" into trimmed non-empty segments.
func splitQualified(location string) []string {
	var out []string
	for _, seg := range strings.Split(location, ",") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// preferQualified moves the first result whose admin areas or country match every
// qualifier to the front. Without a full match the order is kept.
func preferQualified(results []geocodeResult, qualifiers []string) []geocodeResult {
	for i, r := range results {
		if matchesAll(r, qualifiers) {
			out := make([]geocodeResult, 0, len(results))
			out = append(out, r)
			out = append(out, results[:i]...)
			return append(out, results[i+1:]...)
		}
	}
	return results
}

func matchesAll(r geocodeResult, qualifiers []string) bool {
	for _, q := range qualifiers {
		if !strings.EqualFold(q, r.Admin1) && !strings.EqualFold(q, r.Admin2) && !strings.EqualFold(q, r.Country) {
			return false
		}
	}
	return true
}

func (c *OpenMeteoClient) soilTexture(ctx context.Context, lat, lon float64) (soil.Texture, error) {
	q := url.Values{}
	q.Set("lat", formatCoord(lat))
	q.Set("lon", formatCoord(lon))
	q["property"] = []string{"clay", "sand", "silt"}
	q.Set("depth", "0-5cm")
	q.Set("value", "mean")
	var resp soilResponse
	if err := c.getJSON(ctx, endpointSoil, c.cfg.SoilURL, q, &resp); err != nil {
		return soil.Unknown, err
	}
	fractions := map[string]float64{}
	for _, layer := range resp.Properties.Layers {
		for _, d := range layer.Depths {
			if d.Values.Mean != nil {
				fractions[layer.Name] = *d.Values.Mean
				break
			}
		}
	}
	return soil.Classify(fractions["sand"], fractions["silt"], fractions["clay"])
}

// getJSON performs a GET with retries and decodes the body into out.
func (c *OpenMeteoClient) getJSON(ctx context.Context, endpoint, rawURL string, query url.Values, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.LocationAPIRetriesTotal.Inc()
			timer := time.NewTimer(c.calculateBackoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := c.guarded(ctx, func(ctx context.Context) error {
			return c.callAPI(ctx, endpoint, rawURL, query, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return err
		}
	}
	if c.cfg.RetryAttempts > 1 {
		return fmt.Errorf("exhausted retries: %w", lastErr)
	}
	return lastErr
}

func (c *OpenMeteoClient) guarded(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Call(ctx, fn)
}

func (c *OpenMeteoClient) callAPI(ctx context.Context, endpoint, rawURL string, query url.Values, out interface{}) error {
	start := time.Now()
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid API URL: %w", err)
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		observability.LocationAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.LocationAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.LocationAPIDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.LocationAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.LocationAPIDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", endpoint, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: parse %s response: %v", ErrBadResponse, endpoint, err)
	}
	return nil
}

func (c *OpenMeteoClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.cfg.RetryMaxDelay) {
		delay = float64(c.cfg.RetryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrLocationNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: HTTP %d", ErrBadResponse, resp.StatusCode)
	}
	return nil
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// IsBreakerFailure reports whether err should count against the location circuit breaker.
// Unknown places and caller cancellation say nothing about upstream health.
func IsBreakerFailure(err error) bool {
	return !errors.Is(err, ErrLocationNotFound) && !errors.Is(err, context.Canceled)
}
