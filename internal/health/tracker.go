// Package health tracks upstream outcomes in sliding windows so /health can report
// which collaborators (location lookup, generative AI) are degraded.
package health

import (
	"sort"
	"sync"
	"time"
)

const (
	ComponentLocationAPI = "locationApi"
	ComponentAI          = "generativeAi"

	// ComponentOverload records rate limiter decisions; a denial counts as a failure.
	ComponentOverload = "overload"
)

// retention bounds memory; windows longer than this see truncated history.
const retention = 10 * time.Minute

type outcome struct {
	at     time.Time
	failed bool
}

// Tracker keeps per-component outcome timestamps. The zero value is not usable; call NewTracker.
type Tracker struct {
	mu       sync.Mutex
	outcomes map[string][]outcome
	now      func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{outcomes: make(map[string][]outcome), now: time.Now}
}

// Record stores the outcome of one upstream call. err == nil counts as success.
func (t *Tracker) Record(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.outcomes[component] = append(t.outcomes[component], outcome{at: now, failed: err != nil})
	t.pruneLocked(component, now)
}

// ErrorRate returns (failures, total) for component within window.
func (t *Tracker) ErrorRate(component string, window time.Duration) (failures, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	for _, o := range t.outcomes[component] {
		if o.at.Before(cutoff) {
			continue
		}
		total++
		if o.failed {
			failures++
		}
	}
	return failures, total
}

// Components returns the names of components with recorded outcomes, sorted.
func (t *Tracker) Components() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.outcomes))
	for name := range t.outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Degraded reports whether component's failure share within window reached pct percent.
// Fewer than minSamples outcomes never count as degraded.
func (t *Tracker) Degraded(component string, window time.Duration, pct, minSamples int) bool {
	failures, total := t.ErrorRate(component, window)
	if total == 0 || total < minSamples {
		return false
	}
	return failures*100 >= pct*total
}

// Reset clears all outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes = make(map[string][]outcome)
}

// pruneLocked drops outcomes older than retention. Outcomes are appended in time order.
func (t *Tracker) pruneLocked(component string, now time.Time) {
	list := t.outcomes[component]
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(list) && list[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.outcomes[component] = append(list[:0], list[i:]...)
	}
}
