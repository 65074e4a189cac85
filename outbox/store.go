package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists outbox delivery state.
type Store interface {
	// Claim leases up to limit due messages, bumping their attempt count and
	// pushing next_attempt_at out by lease so other relays skip them.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Message, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id, lastErr string) error
	// RequeueDead resets dead messages to pending. No ids means all of them.
	RequeueDead(ctx context.Context, ids ...string) (int64, error)
	Counts(ctx context.Context) (map[Status]int, error)
}

type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Claim(ctx context.Context, limit int, lease time.Duration) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox o
		SET attempts = o.attempts + 1,
		    next_attempt_at = now() + make_interval(secs => $2)
		FROM (
			SELECT id FROM outbox
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) due
		WHERE o.id = due.id
		RETURNING o.id, o.topic, o.payload, o.attempts, o.created_at`, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	sortByCreated(msgs)
	return msgs, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'processed', processed_at = now(), last_error = NULL
		WHERE id = $1`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id string, next time.Time, lastErr string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE outbox SET next_attempt_at = $2, last_error = $3
		WHERE id = $1`, id, next, lastErr); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

func (s *PGStore) MarkDead(ctx context.Context, id, lastErr string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'dead', last_error = $2
		WHERE id = $1`, id, lastErr); err != nil {
		return fmt.Errorf("outbox: mark dead: %w", err)
	}
	return nil
}

func (s *PGStore) RequeueDead(ctx context.Context, ids ...string) (int64, error) {
	query := `UPDATE outbox SET status = 'pending', attempts = 0, next_attempt_at = now() WHERE status = 'dead'`
	args := []any{}
	if len(ids) > 0 {
		query += ` AND id = ANY($1)`
		args = append(args, ids)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("outbox: requeue: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox: counts: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var (
			st Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("outbox: counts: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}
