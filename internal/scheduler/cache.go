// Package scheduler governs all calls to quota-constrained signal sources:
// sliding-window and monthly accounting, adaptive poll intervals, tiered
// asset coverage, and cache-backed graceful degradation. Source errors stop
// here; callers see a batch, ErrRateLimited, or a transient failure after
// bounded retries.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/sources"
)

// Cache stores the last good batch per source. Entries carry their own
// FetchedAt; the scheduler decides fresh-vs-stale from it, so backends only
// need to hold entries up to the stale ceiling.
type Cache interface {
	Get(ctx context.Context, key string) (sources.Batch, bool, error)
	Set(ctx context.Context, key string, b sources.Batch, ttl time.Duration) error
}

// NewCache builds the configured backend. Redis failures surface at startup.
func NewCache(cfg config.SchedulerCache) (Cache, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return &redisCache{client: client}, nil
	default:
		return newMemoryCache(), nil
	}
}

type memEntry struct {
	batch     sources.Batch
	expiresAt time.Time
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]memEntry)}
}

func (c *memoryCache) Get(_ context.Context, key string) (sources.Batch, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return sources.Batch{}, false, nil
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return sources.Batch{}, false, nil
	}
	return e.batch, true, nil
}

func (c *memoryCache) Set(_ context.Context, key string, b sources.Batch, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = memEntry{batch: b, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

type redisCache struct {
	client *redis.Client
}

func (c *redisCache) Get(ctx context.Context, key string) (sources.Batch, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return sources.Batch{}, false, nil
	}
	if err != nil {
		return sources.Batch{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var b sources.Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return sources.Batch{}, false, fmt.Errorf("decode cached batch %s: %w", key, err)
	}
	return b, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, b sources.Batch, ttl time.Duration) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
