package risk

import (
	"context"

	"marketflow/activity"
	"marketflow/outbox"
)

// Scanner is the part of Service the trigger needs.
type Scanner interface {
	Scan(ctx context.Context, userID string) ([]Flag, error)
}

// Trigger rescans users touched by risk-relevant outbox messages.
type Trigger struct {
	scanner Scanner
}

func NewTrigger(scanner Scanner) *Trigger {
	return &Trigger{scanner: scanner}
}

func (t *Trigger) Name() string { return "risk-trigger" }

func (t *Trigger) Publish(ctx context.Context, msg outbox.Message) error {
	env, err := msg.Envelope()
	if err != nil {
		return err
	}
	var users []string
	switch msg.Topic {
	case activity.TopicDisputeOpened, activity.TopicReviewCreated:
		users = []string{env.UserID}
	case activity.TopicBookingCancelled, activity.TopicEscrowFunded:
		users = []string{env.ClientID, env.ProfessionalID}
	default:
		return nil
	}
	for _, id := range activity.Recipients(users...) {
		if _, err := t.scanner.Scan(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
