package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"marketflow/apperr"
)

// ErrNoPublishers is returned by NewRelay when nothing would consume messages.
var ErrNoPublishers = errors.New("outbox: relay needs at least one publisher")

// Relay delivers committed outbox messages to publishers.
type Relay struct {
	store       Store
	publishers  []Publisher
	batchSize   int
	maxAttempts int
	lease       time.Duration
	backoff     []apperr.RetryOption
	logger      logrus.FieldLogger
	now         func() time.Time
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithLease sets how long a claimed message stays invisible to other relays.
func WithLease(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.lease = d
		}
	}
}

// WithBackoff sets the first and largest redelivery delays.
func WithBackoff(initial, max time.Duration) RelayOption {
	return func(r *Relay) {
		r.backoff = []apperr.RetryOption{apperr.WithInitialInterval(initial), apperr.WithMaxInterval(max), apperr.WithMaxElapsed(0)}
	}
}

func NewRelay(store Store, publishers []Publisher, logger logrus.FieldLogger, opts ...RelayOption) (*Relay, error) {
	if len(publishers) == 0 {
		return nil, ErrNoPublishers
	}
	r := &Relay{
		store:       store,
		publishers:  publishers,
		batchSize:   50,
		maxAttempts: 8,
		lease:       time.Minute,
		backoff:     []apperr.RetryOption{apperr.WithInitialInterval(5 * time.Second), apperr.WithMaxInterval(10 * time.Minute), apperr.WithMaxElapsed(0)},
		logger:      logger.WithField("component", "outbox-relay"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run processes batches every interval until ctx ends. A full batch is
// followed immediately by another.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		n, err := r.ProcessBatch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.WithError(err).Warn("outbox batch failed")
		}
		wait := interval
		if n >= r.batchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// ProcessBatch claims and delivers one batch, returning how many messages
// it claimed.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	msgs, err := r.store.Claim(ctx, r.batchSize, r.lease)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return len(msgs), err
		}
		if err := r.deliver(ctx, msg); err != nil {
			return len(msgs), err
		}
	}
	return len(msgs), nil
}

// RequeueDead moves dead messages back to pending.
func (r *Relay) RequeueDead(ctx context.Context, ids ...string) (int64, error) {
	n, err := r.store.RequeueDead(ctx, ids...)
	if err != nil {
		return 0, err
	}
	r.logger.WithField("count", n).Info("dead outbox messages requeued")
	return n, nil
}

func (r *Relay) deliver(ctx context.Context, msg Message) error {
	log := r.logger.WithFields(logrus.Fields{"outbox_id": msg.ID, "topic": msg.Topic, "attempt": msg.Attempts})
	pubErr := r.dispatch(ctx, msg)
	if pubErr == nil {
		return r.store.MarkProcessed(ctx, msg.ID)
	}
	if ctx.Err() != nil {
		// The lease expires and another pass picks the message up.
		return ctx.Err()
	}
	if msg.Attempts >= r.maxAttempts || !apperr.Retryable(pubErr) {
		log.WithError(pubErr).Error("outbox message dead-lettered")
		return r.store.MarkDead(ctx, msg.ID, pubErr.Error())
	}
	next := r.now().Add(r.delay(msg.Attempts))
	log.WithError(pubErr).WithField("next_attempt_at", next).Warn("outbox delivery failed")
	return r.store.MarkFailed(ctx, msg.ID, next, pubErr.Error())
}

// dispatch hands msg to every publisher concurrently and returns the first
// failure.
func (r *Relay) dispatch(ctx context.Context, msg Message) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.publishers {
		p := p
		g.Go(func() error {
			if err := p.Publish(gctx, msg); err != nil {
				return fmt.Errorf("%s: %w", p.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Relay) delay(attempt int) time.Duration {
	b := apperr.NewBackOff(r.backoff...)
	d := time.Duration(0)
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

func sortByCreated(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}
