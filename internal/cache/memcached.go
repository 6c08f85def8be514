package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/agri-assistant/internal/models"
)

const keyPrefix = "agri:location:"

// maxRelativeExp is memcached's limit for relative expirations (30 days).
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache using memcached. Items live for ttl+staleRetention;
// the envelope's ExpiresAt separates fresh from stale reads.
type MemcachedCache struct {
	client         *memcache.Client
	staleRetention time.Duration
}

type envelope struct {
	Value     models.CachedRecord `json:"value"`
	ExpiresAt time.Time           `json:"expiresAt"`
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated server list.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, staleRetention time.Duration) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		return nil, errors.New("memcached: no servers configured")
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, staleRetention: staleRetention}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Memcached keys may not contain spaces or control characters.
func (c *MemcachedCache) key(k string) string {
	return keyPrefix + strings.Join(strings.Fields(k), "_")
}

// Get implements Cache.Get.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.CachedRecord, bool, error) {
	return c.get(ctx, key, 0)
}

// GetStale implements Cache.GetStale.
func (c *MemcachedCache) GetStale(ctx context.Context, key string, maxStale time.Duration) (models.CachedRecord, bool, error) {
	return c.get(ctx, key, maxStale)
}

func (c *MemcachedCache) get(ctx context.Context, key string, grace time.Duration) (models.CachedRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.CachedRecord{}, false, err
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.CachedRecord{}, false, nil
		}
		return models.CachedRecord{}, false, err
	}
	var env envelope
	if err := json.Unmarshal(item.Value, &env); err != nil {
		return models.CachedRecord{}, false, err
	}
	if time.Now().After(env.ExpiresAt.Add(grace)) {
		return models.CachedRecord{}, false, nil
	}
	return env.Value, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.CachedRecord, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(envelope{Value: value, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return err
	}
	expSec := int32((ttl + c.staleRetention).Seconds())
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expSec,
	})
}

// Ping checks memcached reachability for /health.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes idle connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
