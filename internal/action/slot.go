package action

import (
	"sync"
	"time"
)

// Result is what the shared display slot shows.
type Result struct {
	Source string    `json:"source"`
	Text   string    `json:"text"`
	Failed bool      `json:"failed"`
	At     time.Time `json:"at"`
}

// Slot holds the latest Result from any flow. Concurrent writers do not interleave;
// the last Publish wins.
type Slot struct {
	mu     sync.Mutex
	result *Result
	now    func() time.Time
}

func NewSlot() *Slot {
	return &Slot{now: time.Now}
}

// Publish replaces the slot content. At is stamped when zero.
func (s *Slot) Publish(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.At.IsZero() {
		r.At = s.now()
	}
	s.result = &r
}

// Current returns a copy of the latest result, or false if nothing was published.
func (s *Slot) Current() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return Result{}, false
	}
	return *s.result, true
}

// Clear empties the slot.
func (s *Slot) Clear() {
	s.mu.Lock()
	s.result = nil
	s.mu.Unlock()
}
