// Package activity writes the timeline and outbox rows that accompany every
// state change. Writes join the caller's transaction so a transition, its
// audit trail and its outbound message commit or roll back together.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketflow/apperr"
)

// ErrInvalidEvent is returned for events missing a subject or type.
var ErrInvalidEvent = apperr.New(apperr.Validation, "activity: event requires subject and type")

// Event is one timeline entry.
type Event struct {
	SubjectType string
	SubjectID   string
	Type        string
	ActorID     string
	Payload     map[string]any
}

// TimelineEntry is a persisted Event.
type TimelineEntry struct {
	ID          int64
	SubjectType string
	SubjectID   string
	Type        string
	ActorID     *string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// Recorder is the write side used by domain services.
type Recorder interface {
	SetActor(ctx context.Context, tx pgx.Tx, actorID string) error
	Append(ctx context.Context, tx pgx.Tx, event Event) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// PGRecorder implements Recorder with plain inserts.
type PGRecorder struct{}

func NewRecorder() *PGRecorder { return &PGRecorder{} }

// SetActor exposes the acting user to triggers for the rest of tx.
func (PGRecorder) SetActor(ctx context.Context, tx pgx.Tx, actorID string) error {
	if actorID == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('app.actor_id', $1, true)`, actorID); err != nil {
		return fmt.Errorf("activity: set actor: %w", err)
	}
	return nil
}

func (PGRecorder) Append(ctx context.Context, tx pgx.Tx, event Event) error {
	if event.SubjectType == "" || event.SubjectID == "" || event.Type == "" {
		return ErrInvalidEvent
	}
	payload, err := encode(event.Payload)
	if err != nil {
		return err
	}
	var actor *string
	if event.ActorID != "" {
		actor = &event.ActorID
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO timeline_events (subject_type, subject_id, type, actor_id, payload)
        VALUES ($1, $2::uuid, $3, $4::uuid, $5::jsonb)
    `, event.SubjectType, event.SubjectID, event.Type, actor, payload); err != nil {
		return fmt.Errorf("activity: insert timeline: %w", err)
	}
	return nil
}

func (PGRecorder) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("activity: enqueue: empty topic")
	}
	body, err := encode(payload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("activity: enqueue outbox: %w", err)
	}
	return nil
}

// Timeline reads timeline entries.
type Timeline struct {
	pool *pgxpool.Pool
}

func NewTimeline(pool *pgxpool.Pool) *Timeline {
	return &Timeline{pool: pool}
}

// ListTimeline returns the entries of one subject, oldest first.
func (t *Timeline) ListTimeline(ctx context.Context, subjectType, subjectID string) ([]TimelineEntry, error) {
	rows, err := t.pool.Query(ctx, `
        SELECT id, subject_type, subject_id::text, type, actor_id::text, payload, created_at
        FROM timeline_events
        WHERE subject_type = $1 AND subject_id = $2::uuid
        ORDER BY id
    `, subjectType, subjectID)
	if err != nil {
		return nil, fmt.Errorf("activity: list timeline: %w", err)
	}
	defer rows.Close()

	var entries []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		if err := rows.Scan(&e.ID, &e.SubjectType, &e.SubjectID, &e.Type, &e.ActorID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("activity: scan timeline: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity: iterate timeline: %w", err)
	}
	return entries, nil
}

func encode(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("activity: encode payload: %w", err)
	}
	return string(b), nil
}
