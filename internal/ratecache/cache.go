// Package ratecache is C3: a TTL cache fronting the rate catalog so the
// authorize hot path stays sub-millisecond (spec §4.3).
package ratecache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apolotel/billingcore/internal/billingerr"
	"github.com/apolotel/billingcore/internal/domain"
	"github.com/apolotel/billingcore/internal/ratecatalog"
	"github.com/apolotel/billingcore/pkg/mlog"
)

const keyPrefix = "rate:"

// backend is the narrow slice of *redis.Client this package needs, so unit
// tests can fake it without a live redis.
type backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	FlushAll(ctx context.Context) error
}

// Cache fronts a ratecatalog.Catalog with a TTL cache keyed by the
// caller-visible destination (not the matched prefix), per spec §4.3.
type Cache struct {
	backend backend
	catalog ratecatalog.Catalog
	ttl     time.Duration
	logger  mlog.Logger
}

func New(backend backend, catalog ratecatalog.Catalog, ttl time.Duration, logger mlog.Logger) *Cache {
	if logger == nil {
		logger = &mlog.NilLogger{}
	}

	return &Cache{backend: backend, catalog: catalog, ttl: ttl, logger: logger}
}

// Lookup serves from cache on hit; on miss or any cache error it falls
// through to the catalog and backfills. Cache errors never surface to the
// caller (spec §4.3 "Cache errors are non-fatal").
func (c *Cache) Lookup(ctx context.Context, destination string) (domain.Rate, error) {
	normalized := ratecatalog.Normalize(destination)
	if normalized == "" {
		return domain.Rate{}, billingerr.ErrRateNotFound
	}

	key := keyPrefix + normalized

	if raw, hit, err := c.backend.Get(ctx, key); err != nil {
		c.logger.Warnf("ratecache: get degraded to catalog: %v", err)
	} else if hit {
		var r domain.Rate
		if err := json.Unmarshal([]byte(raw), &r); err == nil {
			return r, nil
		}
	}

	rate, err := c.catalog.Lookup(ctx, destination)
	if err != nil {
		return domain.Rate{}, err
	}

	if encoded, err := json.Marshal(rate); err == nil {
		if err := c.backend.Set(ctx, key, string(encoded), c.ttl); err != nil {
			c.logger.Warnf("ratecache: backfill failed: %v", err)
		}
	}

	return rate, nil
}

// Invalidate evicts the whole cache — acceptable given expected rate-edit
// frequency (spec §4.3).
func (c *Cache) Invalidate(ctx context.Context) error {
	if err := c.backend.FlushAll(ctx); err != nil {
		c.logger.Warnf("ratecache: invalidate degraded: %v", err)
	}

	return nil
}

// RedisBackend adapts *redis.Client to the backend interface.
type RedisBackend struct {
	Client *redis.Client
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	return v, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.Client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) FlushAll(ctx context.Context) error {
	return b.Client.FlushAll(ctx).Err()
}
