package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"marketflow/apperr"
)

// ErrBusy is returned when another release holds the contract lock.
var ErrBusy = apperr.NewTransient(apperr.Conflict, "escrow: contract is busy, retry shortly")

// Locker serializes releases on one contract across instances.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Unlocker, error)
}

type Unlocker interface {
	Release(ctx context.Context) error
}

// RedisLocker implements Locker with bsm/redislock.
type RedisLocker struct {
	client *redislock.Client
	retry  redislock.RetryStrategy
}

// NewRedisLocker returns nil when rdb is nil.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	if rdb == nil {
		return nil
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		retry:  redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 20),
	}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Unlocker, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, &redislock.Options{RetryStrategy: l.retry})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrBusy
		}
		return nil, err
	}
	return lock, nil
}

func lockKey(contractID string) string { return "escrow:contract:" + contractID }
