// Package scheduler runs the service's periodic maintenance jobs: sweeping idle UI
// sessions and re-warming the location cache.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// JobFunc is one run of a periodic job. ctx is cancelled when the run exceeds its timeout.
type JobFunc func(ctx context.Context) error

// Scheduler wraps a gocron scheduler. Jobs run in singleton mode: a run never overlaps the previous one.
type Scheduler struct {
	cron    *gocron.Scheduler
	logger  *zap.Logger
	started bool
}

func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cron: gocron.NewScheduler(time.UTC), logger: logger}
}

// Add registers a job. A non-positive interval skips it. Jobs added before Start run once immediately.
func (s *Scheduler) Add(name string, interval, timeout time.Duration, fn JobFunc) error {
	if interval <= 0 {
		s.logger.Info("scheduler: job disabled", zap.String("job", name))
		return nil
	}
	if timeout <= 0 {
		timeout = interval
	}
	_, err := s.cron.Every(interval).SingletonMode().Tag(name).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.logger.Warn("scheduler: job failed", zap.String("job", name), zap.Duration("duration", time.Since(start)), zap.Error(err))
			return
		}
		s.logger.Debug("scheduler: job done", zap.String("job", name), zap.Duration("duration", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Info("scheduler: job added", zap.String("job", name), zap.Duration("interval", interval))
	return nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	if s.started {
		return
	}
	s.started = true
	s.cron.StartAsync()
}

// Stop stops scheduling; a job run already in progress is not interrupted.
func (s *Scheduler) Stop() {
	if s.started {
		s.cron.Stop()
		s.started = false
	}
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Jobs())
}
