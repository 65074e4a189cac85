package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores profiles by user id.
type Cache interface {
	Get(ctx context.Context, id string) (Profile, bool, error)
	Set(ctx context.Context, p Profile) error
	Invalidate(ctx context.Context, ids ...string) error
}

// RedisCache keeps JSON encoded profiles under profile:<id>.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache returns nil when rdb is nil so callers can run uncached.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func cacheKey(id string) string { return "profile:" + id }

func (c *RedisCache) Get(ctx context.Context, id string) (Profile, bool, error) {
	val, err := c.rdb.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Profile{}, false, nil
		}
		return Profile{}, false, fmt.Errorf("profile: cache get: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(val, &p); err != nil {
		return Profile{}, false, fmt.Errorf("profile: cache decode: %w", err)
	}
	return p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, p Profile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("profile: cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, cacheKey(p.UserID), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("profile: cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, cacheKey(id))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("profile: cache invalidate: %w", err)
	}
	return nil
}
