package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores recent health reports so a probe storm cannot hammer the
// database.
type Cache interface {
	Get(ctx context.Context, key string) (*Report, bool)
	Set(ctx context.Context, key string, report *Report)
}

// memoryCache is a bounded in-process TTL cache. When full, the stalest
// entry is evicted.
type memoryCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	clock      func() time.Time
	entries    map[string]memoryEntry
}

type memoryEntry struct {
	report   *Report
	storedAt time.Time
}

// NewMemoryCache builds an in-process report cache.
func NewMemoryCache(ttl time.Duration, maxEntries int) Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &memoryCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      time.Now,
		entries:    make(map[string]memoryEntry),
	}
}

func (c *memoryCache) Get(_ context.Context, key string) (*Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.report, true
}

func (c *memoryCache) Set(_ context.Context, key string, report *Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		var (
			oldestKey string
			oldestAt  time.Time
		)
		for k, e := range c.entries {
			if oldestKey == "" || e.storedAt.Before(oldestAt) {
				oldestKey, oldestAt = k, e.storedAt
			}
		}
		delete(c.entries, oldestKey)
	}
	c.entries[key] = memoryEntry{report: report, storedAt: c.clock()}
}

// redisCache shares reports across replicas.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache builds a report cache backed by the given redis URL.
func NewRedisCache(redisURL string, ttl time.Duration) (Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &redisCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) (*Report, bool) {
	raw, err := c.client.Get(ctx, "health:"+key).Bytes()
	if err != nil {
		return nil, false
	}
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false
	}
	return &r, true
}

func (c *redisCache) Set(ctx context.Context, key string, report *Report) {
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	c.client.Set(ctx, "health:"+key, raw, c.ttl)
}
