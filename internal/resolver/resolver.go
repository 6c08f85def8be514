// Package resolver turns a stream of free-text location edits into at most one weather
// lookup per settled value.
//
// A value is settled once it has been left unchanged for the quiet period. Values of
// three characters or fewer (after trimming) clear the published record and never
// reach the lookup service. A newer value always wins: pending timers are stopped and
// in-flight lookups are cancelled, and their late responses are dropped.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kjstillabower/agri-assistant/internal/models"
	"github.com/kjstillabower/agri-assistant/internal/observability"
)

const (
	DefaultQuietPeriod   = 1500 * time.Millisecond
	DefaultShortQuery    = 3
	DefaultLookupTimeout = 15 * time.Second
)

// LookupFunc resolves location text to a weather record.
type LookupFunc func(ctx context.Context, location string) (models.WeatherRecord, error)

// State is a snapshot of the resolver. Weather is nil when no record is published.
type State struct {
	Query    string                `json:"query"`
	Fetching bool                  `json:"fetching"`
	Weather  *models.WeatherRecord `json:"weather"`
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithQuietPeriod sets how long a value must stay unchanged before it is looked up.
func WithQuietPeriod(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.quiet = d
		}
	}
}

// WithShortQueryLimit sets the trimmed rune length at or below which no lookup is issued.
func WithShortQueryLimit(n int) Option {
	return func(r *Resolver) {
		if n >= 0 {
			r.shortLimit = n
		}
	}
}

// WithLookupTimeout bounds a single lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.lookupTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(c Clock) Option {
	return func(r *Resolver) {
		if c != nil {
			r.clock = c
		}
	}
}

// Resolver is safe for concurrent use. Call Close to release its timer and in-flight lookup.
type Resolver struct {
	lookup        LookupFunc
	clock         Clock
	quiet         time.Duration
	shortLimit    int
	lookupTimeout time.Duration
	logger        *zap.Logger

	mu       sync.Mutex
	query    string
	fetching bool
	weather  *models.WeatherRecord
	lastErr  error
	gen      uint64
	timer    Timer
	cancel   context.CancelFunc
	closed   bool
	running  int        // lookups started by fire and not yet finished
	idle     *sync.Cond // signalled on mu when running drops to zero
}

// New returns an idle Resolver with an empty query.
func New(lookup LookupFunc, opts ...Option) *Resolver {
	r := &Resolver{
		lookup:        lookup,
		clock:         realClock{},
		quiet:         DefaultQuietPeriod,
		shortLimit:    DefaultShortQuery,
		lookupTimeout: DefaultLookupTimeout,
		logger:        zap.NewNop(),
	}
	r.idle = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnQueryChange records a new query value. Short values clear state synchronously;
// longer ones mark the resolver fetching and (re)start the quiet period.
func (r *Resolver) OnQueryChange(value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	r.query = value
	r.gen++
	r.abortLocked()
	r.weather = nil

	if utf8.RuneCountInString(strings.TrimSpace(value)) <= r.shortLimit {
		r.fetching = false
		observability.ResolverSuppressedTotal.Inc()
		return
	}

	r.fetching = true
	gen := r.gen
	r.timer = r.clock.AfterFunc(r.quiet, func() { r.fire(gen) })
}

// abortLocked stops the pending timer and cancels the in-flight lookup, if any.
func (r *Resolver) abortLocked() {
	if r.timer != nil {
		if r.timer.Stop() {
			observability.ResolverSupersededTotal.Inc()
		}
		r.timer = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *Resolver) fire(gen uint64) {
	r.mu.Lock()
	if r.closed || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	location := strings.TrimSpace(r.query)
	ctx, cancel := context.WithTimeout(context.Background(), r.lookupTimeout)
	r.cancel = cancel
	r.running++
	r.mu.Unlock()

	go r.run(ctx, cancel, gen, location)
}

func (r *Resolver) run(ctx context.Context, cancel context.CancelFunc, gen uint64, location string) {
	defer cancel()

	start := time.Now()
	rec, err := r.safeLookup(ctx, location)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.running--
	if r.running == 0 {
		r.idle.Broadcast()
	}
	if r.closed || gen != r.gen {
		observability.ResolverLookupsTotal.WithLabelValues("stale").Inc()
		r.logger.Debug("discarding superseded lookup", zap.String("location", location))
		return
	}
	r.cancel = nil
	r.fetching = false
	if err != nil {
		r.weather = nil
		r.lastErr = err
		observability.ResolverLookupsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("location lookup failed",
			zap.String("location", location),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	r.weather = &rec
	r.lastErr = nil
	observability.ResolverLookupsTotal.WithLabelValues("success").Inc()
	r.logger.Debug("location resolved",
		zap.String("location", location),
		zap.String("soil_type", rec.SoilType),
		zap.Duration("duration", time.Since(start)),
	)
}

// safeLookup converts a panicking lookup into an error so it cannot escape the timer goroutine.
func (r *Resolver) safeLookup(ctx context.Context, location string) (rec models.WeatherRecord, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("lookup panicked: %v", p)
		}
	}()
	if r.lookup == nil {
		return models.WeatherRecord{}, errors.New("no lookup configured")
	}
	return r.lookup(ctx, location)
}

// State returns a snapshot. The returned Weather is a copy.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := State{Query: r.query, Fetching: r.fetching}
	if r.weather != nil {
		w := *r.weather
		s.Weather = &w
	}
	return s
}

// LastError returns the error from the most recent completed lookup, or nil after a success.
func (r *Resolver) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Wait blocks until no lookup is in flight. A quiet period that ends after Wait
// returns starts a new lookup; Close stops that from happening.
func (r *Resolver) Wait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitIdleLocked()
}

func (r *Resolver) waitIdleLocked() {
	for r.running > 0 {
		r.idle.Wait()
	}
}

// Close stops the resolver. Later query changes are ignored.
func (r *Resolver) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.gen++
		r.abortLocked()
		r.fetching = false
	}
	r.waitIdleLocked()
	r.mu.Unlock()
}
