package config

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedis connects to the configured redis. A nil client with a nil error
// means redis is not configured and callers run without cache and locks.
func (c Config) NewRedis(ctx context.Context) (*redis.Client, error) {
	if c.Redis.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("config: redis ping: %w", err)
	}
	return rdb, nil
}
