// Package lifecycle holds the process shutdown flag and the ordered shutdown steps.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	shuttingDown atomic.Bool
	startedAt    atomic.Int64
)

func init() {
	startedAt.Store(time.Now().UnixNano())
}

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Uptime is the time since the process started.
func Uptime() time.Duration {
	return time.Since(time.Unix(0, startedAt.Load()))
}

// Step is one named shutdown action.
type Step struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Drain sets the shutdown flag and runs steps in order. Every step runs even if an earlier
// one fails or ctx expires; the returned error joins the failures.
func Drain(ctx context.Context, logger *zap.Logger, steps ...Step) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	SetShuttingDown(true)
	var errs []error
	for _, s := range steps {
		start := time.Now()
		if err := s.Fn(ctx); err != nil {
			logger.Error("shutdown step failed", zap.String("step", s.Name), zap.Duration("duration", time.Since(start)), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		logger.Info("shutdown step done", zap.String("step", s.Name), zap.Duration("duration", time.Since(start)))
	}
	return errors.Join(errs...)
}
