package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/agri-assistant/internal/models"
)

// requestCoalescer collapses concurrent upstream lookups for the same key into one call.
// Waiters give up after timeout (or their own ctx) without cancelling the shared call.
type requestCoalescer struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{timeout: timeout}
}

// Do runs fn once per key among concurrent callers. shared reports whether the result
// was produced for another caller too.
func (rc *requestCoalescer) Do(ctx context.Context, key string, fn func(ctx context.Context) (models.CachedRecord, error)) (rec models.CachedRecord, shared bool, err error) {
	ch := rc.group.DoChan(key, func() (interface{}, error) {
		// Detached from the first caller so its cancellation does not fail the other waiters.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
		defer cancel()
		return fn(callCtx)
	})

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.CachedRecord{}, res.Shared, res.Err
		}
		return res.Val.(models.CachedRecord), res.Shared, nil
	case <-waitCtx.Done():
		return models.CachedRecord{}, false, waitCtx.Err()
	}
}
