package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Status of an outbox row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Message is one claimed outbox row.
type Message struct {
	ID        string
	Topic     string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("outbox: decode %s payload: %w", m.Topic, err)
	}
	return nil
}

// Envelope holds the payload fields shared by all topics.
type Envelope struct {
	Recipients     []string `json:"recipients"`
	BookingID      string   `json:"booking_id"`
	ProfessionalID string   `json:"professional_id"`
	ClientID       string   `json:"client_id"`
	DisputeID      string   `json:"dispute_id"`
	ContractID     string   `json:"contract_id"`
	UserID         string   `json:"user_id"`
}

// Envelope decodes the shared fields, ignoring everything else.
func (m Message) Envelope() (Envelope, error) {
	var env Envelope
	err := m.Decode(&env)
	return env, err
}

// Publisher receives every processed message. Implementations must be safe
// for concurrent use and idempotent, since a message is redelivered to all
// publishers when any one of them fails.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc struct {
	ID string
	Fn func(ctx context.Context, msg Message) error
}

func (p PublisherFunc) Name() string { return p.ID }

func (p PublisherFunc) Publish(ctx context.Context, msg Message) error { return p.Fn(ctx, msg) }
