package profile

import (
	"context"

	"marketflow/activity"
	"marketflow/outbox"
)

// CacheInvalidator drops cached profiles touched by an outbox message.
type CacheInvalidator struct {
	cache Cache
}

func NewCacheInvalidator(cache Cache) *CacheInvalidator {
	return &CacheInvalidator{cache: cache}
}

func (i *CacheInvalidator) Name() string { return "profile-cache" }

func (i *CacheInvalidator) Publish(ctx context.Context, msg outbox.Message) error {
	switch msg.Topic {
	case activity.TopicReviewCreated, activity.TopicProfileUpdated, activity.TopicBookingCompleted:
	default:
		return nil
	}
	env, err := msg.Envelope()
	if err != nil {
		return err
	}
	if env.ProfessionalID == "" {
		return nil
	}
	return i.cache.Invalidate(ctx, env.ProfessionalID)
}
