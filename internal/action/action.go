// Package action runs the one-shot UI actions (crop advice, photo analysis, voice reply)
// and publishes their results into a shared display slot.
package action

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/agri-assistant/internal/observability"
)

// ErrBusy is returned by Start while a run of the same flow is loading.
var ErrBusy = errors.New("action already in progress")

// Status is the flow state. A flow leaves Done or Failed only when the next run starts.
type Status int

const (
	Idle Status = iota
	Loading
	Done
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RunFunc performs the action and returns its display text.
type RunFunc func(ctx context.Context) (string, error)

// Formatter turns a run error into the display message.
type Formatter func(err error) string

// Flow is one re-triggerable action bound to a result slot.
type Flow struct {
	name    string
	slot    *Slot
	format  Formatter
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	status  Status
	running int
	idle    *sync.Cond // on mu; broadcast when running reaches zero
}

// NewFlow creates an Idle flow. format receives every run error; timeout bounds a run (0 = none).
func NewFlow(name string, slot *Slot, format Formatter, timeout time.Duration, logger *zap.Logger) *Flow {
	if logger == nil {
		logger = zap.NewNop()
	}
	if format == nil {
		format = func(err error) string { return err.Error() }
	}
	f := &Flow{name: name, slot: slot, format: format, timeout: timeout, logger: logger}
	f.idle = sync.NewCond(&f.mu)
	return f
}

// Name returns the flow name used in metrics and result sources.
func (f *Flow) Name() string { return f.name }

// Start moves the flow to Loading and runs fn in the background. It returns ErrBusy
// without calling fn if a run is already loading. The run is detached from ctx
// cancellation; ctx only carries request-scoped values.
func (f *Flow) Start(ctx context.Context, fn RunFunc) error {
	f.mu.Lock()
	if f.status == Loading {
		f.mu.Unlock()
		observability.ActionBusyTotal.WithLabelValues(f.name).Inc()
		return ErrBusy
	}
	f.status = Loading
	f.running++
	f.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go f.run(runCtx, fn)
	return nil
}

func (f *Flow) run(ctx context.Context, fn RunFunc) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	logger := observability.LoggerFromContext(ctx, f.logger)

	text, err := safeRun(ctx, fn)
	if err != nil {
		f.slot.Publish(Result{Source: f.name, Text: f.format(err), Failed: true})
		f.finish(Failed)
		observability.ActionOutcomesTotal.WithLabelValues(f.name, "failed").Inc()
		logger.Warn("action failed", zap.String("action", f.name), zap.Error(err))
		return
	}
	f.slot.Publish(Result{Source: f.name, Text: text})
	f.finish(Done)
	observability.ActionOutcomesTotal.WithLabelValues(f.name, "done").Inc()
	logger.Debug("action done", zap.String("action", f.name), zap.Int("chars", len(text)))
}

func (f *Flow) finish(s Status) {
	f.mu.Lock()
	f.status = s
	f.running--
	if f.running == 0 {
		f.idle.Broadcast()
	}
	f.mu.Unlock()
}

func safeRun(ctx context.Context, fn RunFunc) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New("internal error")
		}
	}()
	return fn(ctx)
}

// Status returns the current state.
func (f *Flow) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Loading reports whether a run is in flight (the trigger control is disabled).
func (f *Flow) Loading() bool {
	return f.Status() == Loading
}

// Wait blocks until no run is in flight. It may be called while other goroutines Start runs.
func (f *Flow) Wait() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.running > 0 {
		f.idle.Wait()
	}
}
