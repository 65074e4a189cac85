// Package notify keeps a per-user inbox built from outbox messages.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketflow/activity"
	"marketflow/apperr"
	"marketflow/auth"
	"marketflow/outbox"
)

var ErrNotFound = apperr.New(apperr.NotFound, "notify: notification not found")

type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Topic     string          `json:"topic"`
	Title     string          `json:"title"`
	Data      json.RawMessage `json:"data"`
	ReadAt    *time.Time      `json:"read_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

var titles = map[string]string{
	activity.TopicUserSuspended:             "Your account has been suspended",
	activity.TopicQuoteSubmitted:            "New quote on your job",
	activity.TopicQuoteWithdrawn:            "A quote was withdrawn",
	activity.TopicQuoteAccepted:             "Quote accepted",
	activity.TopicQuoteRejected:             "Your quote was not selected",
	activity.TopicJobCancelled:              "Job cancelled",
	activity.TopicBookingCreated:            "New booking",
	activity.TopicBookingConfirmed:          "Booking confirmed",
	activity.TopicBookingStarted:            "Work has started",
	activity.TopicBookingCompleted:          "Booking completed",
	activity.TopicBookingCancelled:          "Booking cancelled",
	activity.TopicEscrowFunded:              "Escrow funded",
	activity.TopicMilestoneSubmitted:        "Milestone submitted for review",
	activity.TopicMilestoneChanges:          "Changes requested on a milestone",
	activity.TopicMilestoneReleased:         "Milestone payment released",
	activity.TopicEscrowCompleted:           "All milestones paid",
	activity.TopicDisputeOpened:             "A dispute was opened",
	activity.TopicDisputeEvidence:           "New evidence in your dispute",
	activity.TopicDisputeResolutionProposed: "A resolution was proposed",
	activity.TopicDisputeResolutionRejected: "Your proposed resolution was rejected",
	activity.TopicDisputeEscalated:          "Dispute escalated to support",
	activity.TopicDisputeResolved:           "Dispute resolved",
	activity.TopicDisputeWithdrawn:          "Dispute withdrawn",
	activity.TopicReviewCreated:             "You received a review",
	activity.TopicReviewResponded:           "Your review got a response",
}

// Title returns the inbox title for topic, or "" when the topic does not
// produce notifications.
func Title(topic string) string { return titles[topic] }

type Repository interface {
	Insert(ctx context.Context, sourceID, userID, topic, title string, data json.RawMessage) error
	List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id, userID string) (Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const columns = `id, user_id, topic, title, data, read_at, created_at`

// Insert is idempotent per source message and user.
func (r *PGRepository) Insert(ctx context.Context, sourceID, userID, topic, title string, data json.RawMessage) error {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO notifications (source_id, user_id, topic, title, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id, user_id) DO NOTHING`, sourceID, userID, topic, title, data); err != nil {
		return fmt.Errorf("notify: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	query := `SELECT ` + columns + ` FROM notifications WHERE user_id = $1`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: list: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("notify: scan: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *PGRepository) MarkRead(ctx context.Context, id, userID string) (Notification, error) {
	n, err := scan(r.pool.QueryRow(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, now())
		WHERE id = $1 AND user_id = $2
		RETURNING `+columns, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Notification{}, ErrNotFound
		}
		return Notification{}, fmt.Errorf("notify: mark read: %w", err)
	}
	return n, nil
}

func (r *PGRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE notifications SET read_at = now() WHERE user_id = $1 AND read_at IS NULL`, userID)
	if err != nil {
		return 0, fmt.Errorf("notify: mark all read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scan(row pgx.Row) (Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.UserID, &n.Topic, &n.Title, &n.Data, &n.ReadAt, &n.CreatedAt)
	return n, err
}

// Service reads and updates a user's own inbox.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, actor auth.Principal, unreadOnly bool, limit int) ([]Notification, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return s.repo.List(ctx, actor.UserID, unreadOnly, limit)
}

func (s *Service) MarkRead(ctx context.Context, actor auth.Principal, id string) (Notification, error) {
	return s.repo.MarkRead(ctx, id, actor.UserID)
}

func (s *Service) MarkAllRead(ctx context.Context, actor auth.Principal) (int64, error) {
	return s.repo.MarkAllRead(ctx, actor.UserID)
}

// Inbox writes one notification per recipient of each outbox message.
type Inbox struct {
	repo Repository
}

func NewInbox(repo Repository) *Inbox {
	return &Inbox{repo: repo}
}

func (i *Inbox) Name() string { return "notify-inbox" }

func (i *Inbox) Publish(ctx context.Context, msg outbox.Message) error {
	title := Title(msg.Topic)
	if title == "" {
		return nil
	}
	env, err := msg.Envelope()
	if err != nil {
		return err
	}
	for _, userID := range activity.Recipients(env.Recipients...) {
		if err := i.repo.Insert(ctx, msg.ID, userID, msg.Topic, title, msg.Payload); err != nil {
			return err
		}
	}
	return nil
}
