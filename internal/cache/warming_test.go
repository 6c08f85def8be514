package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kjstillabower/agri-assistant/internal/models"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (f *fakeFetcher) Lookup(ctx context.Context, location string) (models.CachedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, location)
	if f.fail[location] {
		return models.CachedRecord{}, errors.New("upstream down")
	}
	return models.CachedRecord{Location: location}, nil
}

func TestCacheWarmer_Warm(t *testing.T) {
	f := &fakeFetcher{}
	w := NewCacheWarmer(f, nil, 2)

	if err := w.Warm(context.Background(), []string{"pune", "nashik", "nagpur"}); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if len(f.calls) != 3 {
		t.Errorf("lookups = %d, want 3", len(f.calls))
	}
}

func TestCacheWarmer_WarmAggregatesErrors(t *testing.T) {
	f := &fakeFetcher{fail: map[string]bool{"nashik": true, "nagpur": true}}
	w := NewCacheWarmer(f, nil, 0)

	err := w.Warm(context.Background(), []string{"pune", "nashik", "nagpur"})
	if err == nil {
		t.Fatal("Warm() expected error")
	}
	for _, loc := range []string{"nashik", "nagpur"} {
		if !strings.Contains(err.Error(), loc) {
			t.Errorf("error %q missing %s", err, loc)
		}
	}
	if len(f.calls) != 3 {
		t.Errorf("lookups = %d, want 3 (failures must not stop the run)", len(f.calls))
	}
}
