package outbox

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// PubSubPublisher forwards every message to one Pub/Sub topic, carrying
// the outbox topic as an attribute. Messages for the same booking share an
// ordering key.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(client *pubsub.Client, topicID string) *PubSubPublisher {
	t := client.Topic(topicID)
	t.EnableMessageOrdering = true
	return &PubSubPublisher{topic: t}
}

func (p *PubSubPublisher) Name() string { return "pubsub" }

func (p *PubSubPublisher) Publish(ctx context.Context, msg Message) error {
	key := orderingKey(msg)
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: msg.Payload,
		Attributes: map[string]string{
			"topic":     msg.Topic,
			"outbox_id": msg.ID,
		},
		OrderingKey: key,
	})
	if _, err := res.Get(ctx); err != nil {
		if key != "" {
			p.topic.ResumePublish(key)
		}
		return fmt.Errorf("outbox: pubsub publish: %w", err)
	}
	return nil
}

// Stop flushes pending publishes.
func (p *PubSubPublisher) Stop() { p.topic.Stop() }

func orderingKey(msg Message) string {
	env, err := msg.Envelope()
	if err != nil {
		return ""
	}
	return env.BookingID
}
