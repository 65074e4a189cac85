package main

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"marketflow/activity"
	"marketflow/assist"
	"marketflow/auth"
	"marketflow/booking"
	"marketflow/config"
	"marketflow/db"
	"marketflow/dispute"
	"marketflow/escrow"
	"marketflow/evidence"
	"marketflow/job"
	"marketflow/notify"
	"marketflow/outbox"
	"marketflow/profile"
	"marketflow/realtime"
	"marketflow/review"
	"marketflow/risk"
)

const (
	subscriberBuffer = 64
	sseKeepalive     = 25 * time.Second
)

// application is the wired object graph shared by every command.
type application struct {
	server  *Server
	relay   *outbox.Relay
	closers []func()
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
}

// build connects the stores and external clients named by cfg and wires
// the services. Redis, storage, assist and Pub/Sub are optional.
func build(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*application, error) {
	a := &application{}
	fail := func(err error) (*application, error) {
		a.Close()
		return nil, err
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, pool.Close)

	rdb, err := cfg.NewRedis(ctx)
	if err != nil {
		return fail(err)
	}

	var (
		cache  profile.Cache
		locker escrow.Locker
	)
	if rdb != nil {
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		cache = profile.NewRedisCache(rdb, cfg.Redis.ProfileTTL)
		locker = escrow.NewRedisLocker(rdb)
	} else {
		logger.Warn("redis not configured; running without profile cache and escrow locks")
	}

	recorder := activity.NewRecorder()

	authService := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret,
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
		auth.WithAdmin(pool, recorder),
	)
	profiles := profile.NewService(profile.NewRepository(pool), pool, recorder, cache, logger)
	escrowService := escrow.NewService(escrow.NewRepository(pool), pool, recorder, locker, logger).
		WithLockTTL(cfg.Redis.LockTTL)
	bookings := booking.NewService(booking.NewRepository(pool), pool, recorder, escrowService, profiles, logger)
	jobs := job.NewService(job.NewRepository(pool), pool, recorder, bookings, escrowService, logger)
	bookings.WithJobs(jobs)

	disputes := dispute.NewService(dispute.NewRepository(pool), pool, recorder, bookings, escrowService, logger)
	if cfg.Storage.Bucket != "" {
		store, err := evidence.NewGCSStore(ctx, cfg.Storage.Bucket, cfg.Storage.CredentialsJSON)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		disputes.WithStorage(store, cfg.Storage.URLTTL)
	}
	if cfg.Assist.APIKey != "" {
		summarizer, err := assist.NewGenAISummarizer(ctx, cfg.Assist.APIKey, cfg.Assist.Model)
		if err != nil {
			return fail(err)
		}
		disputes.WithSummarizer(summarizer)
	}

	reviews := review.NewService(review.NewRepository(pool), pool, recorder, bookings, profiles, logger)
	riskService := risk.NewService(risk.NewRepository(pool), pool, recorder, cfg.Risk, logger)
	notifyRepo := notify.NewRepository(pool)
	hub := realtime.NewHub(subscriberBuffer, logger)

	publishers := []outbox.Publisher{
		hub.Publisher(),
		notify.NewInbox(notifyRepo),
		risk.NewTrigger(riskService),
	}
	if cache != nil {
		publishers = append(publishers, profile.NewCacheInvalidator(cache))
	}
	if cfg.PubSub.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fail(fmt.Errorf("pubsub client: %w", err))
		}
		pub := outbox.NewPubSubPublisher(client, cfg.PubSub.Topic)
		a.closers = append(a.closers, func() { _ = client.Close() }, pub.Stop)
		publishers = append(publishers, pub)
	}

	relay, err := outbox.NewRelay(outbox.NewStore(pool), publishers, logger,
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
	)
	if err != nil {
		return fail(err)
	}
	a.relay = relay

	a.server = &Server{
		authenticator: authService,
		authService:   authService,
		profiles:      profiles,
		jobs:          jobs,
		bookings:      bookings,
		escrow:        escrowService,
		disputes:      disputes,
		reviews:       reviews,
		risk:          riskService,
		notifications: notify.NewService(notifyRepo),
		timeline:      activity.NewTimeline(pool),
		hub:           hub,
		relay:         relay,
		health:        pool.Ping,
		webhookSecret: cfg.HTTP.PaymentWebhookSecret,
		keepalive:     sseKeepalive,
		limiter:       newLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst),
		logger:        logger.WithField("component", "api"),
	}
	return a, nil
}
