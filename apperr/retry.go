package apperr

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOption tunes Retry.
type RetryOption func(*retryConfig)

type retryConfig struct {
	initial    time.Duration
	multiplier float64
	maxDelay   time.Duration
	maxElapsed time.Duration
	maxRetries uint64
	notify     func(err error, wait time.Duration)
}

func WithInitialInterval(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.initial = d }
}

func WithMaxInterval(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.maxDelay = d }
}

func WithMaxElapsed(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.maxElapsed = d }
}

// WithMaxRetries caps the number of retries after the first attempt.
func WithMaxRetries(n uint64) RetryOption {
	return func(c *retryConfig) { c.maxRetries = n }
}

// WithNotify is called before each wait.
func WithNotify(fn func(err error, wait time.Duration)) RetryOption {
	return func(c *retryConfig) { c.notify = fn }
}

// NewBackOff returns the exponential policy Retry uses.
func NewBackOff(opts ...RetryOption) backoff.BackOff {
	cfg := defaultRetryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.backOff()
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		initial:    200 * time.Millisecond,
		multiplier: 2,
		maxDelay:   5 * time.Second,
		maxElapsed: 30 * time.Second,
	}
}

func (c retryConfig) backOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initial
	exp.Multiplier = c.multiplier
	exp.MaxInterval = c.maxDelay
	exp.MaxElapsedTime = c.maxElapsed
	exp.Reset()
	var b backoff.BackOff = exp
	if c.maxRetries > 0 {
		b = backoff.WithMaxRetries(b, c.maxRetries)
	}
	return b
}

// Retry runs op until it succeeds, returns a non-retryable error or the policy
// gives up, in which case the last error from op is returned. If ctx ends
// first, ctx.Err() is returned.
func Retry(ctx context.Context, op func(ctx context.Context) error, opts ...RetryOption) error {
	cfg := defaultRetryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	operation := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if cfg.notify != nil {
		notify = cfg.notify
	}
	return backoff.RetryNotify(operation, backoff.WithContext(cfg.backOff(), ctx), notify)
}
