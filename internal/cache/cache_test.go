package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/agri-assistant/internal/models"
)

func newTestCache(retention time.Duration) (*InMemoryCache, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	c := NewInMemoryCache(retention)
	c.now = func() time.Time { return now }
	return c, &now
}

func record(loc string) models.CachedRecord {
	return models.CachedRecord{Location: loc, Record: models.WeatherRecord{SoilType: "loam"}}
}

func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(0)

	if err := c.Set(ctx, "pune", record("Pune"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := c.Get(ctx, "pune")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v; want hit", ok, err)
	}
	if got.Location != "Pune" || got.Record.SoilType != "loam" {
		t.Errorf("Get() = %+v", got)
	}
}

func TestInMemoryCache_Get_Miss(t *testing.T) {
	c, _ := newTestCache(0)
	_, ok, err := c.Get(context.Background(), "nowhere")
	if err != nil || ok {
		t.Errorf("Get() = ok %v, err %v; want miss", ok, err)
	}
}

func TestInMemoryCache_ExpiryAndStale(t *testing.T) {
	ctx := context.Background()
	c, now := newTestCache(10 * time.Minute)
	_ = c.Set(ctx, "pune", record("Pune"), time.Minute)

	*now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "pune"); ok {
		t.Error("Get() hit for expired entry")
	}
	if _, ok, _ := c.GetStale(ctx, "pune", 5*time.Minute); !ok {
		t.Error("GetStale() miss within grace")
	}
	if _, ok, _ := c.GetStale(ctx, "pune", 30*time.Second); ok {
		t.Error("GetStale() hit beyond requested grace")
	}

	*now = now.Add(20 * time.Minute)
	if _, ok, _ := c.GetStale(ctx, "pune", time.Hour); ok {
		t.Error("GetStale() hit beyond retention")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after pruning", c.Len())
	}
}

func TestInMemoryCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Set(ctx, "nashik", record("Nashik"), time.Minute)
		}()
		go func() {
			defer wg.Done()
			_, _, _ = c.Get(ctx, "nashik")
		}()
	}
	wg.Wait()
	if _, ok, _ := c.Get(ctx, "nashik"); !ok {
		t.Error("Get() miss after concurrent sets")
	}
}

func TestMemcachedCache_Key(t *testing.T) {
	c, err := NewMemcachedCache("localhost:11211", 0, 0, 0)
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	if got := c.key("new  delhi, india"); got != "agri:location:new_delhi,_india" {
		t.Errorf("key() = %q", got)
	}
	if _, err := NewMemcachedCache(" , ", 0, 0, 0); err == nil {
		t.Error("NewMemcachedCache() expected error for empty server list")
	}
}
