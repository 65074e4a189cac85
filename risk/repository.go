package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketflow/apperr"
)

var ErrNotFound = apperr.New(apperr.NotFound, "risk: flag not found")

type FlagStatus string

const (
	FlagOpen     FlagStatus = "open"
	FlagResolved FlagStatus = "resolved"
)

type Flag struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Code           Code            `json:"code"`
	Severity       Severity        `json:"severity"`
	Weight         int             `json:"weight"`
	Details        json.RawMessage `json:"details"`
	Status         FlagStatus      `json:"status"`
	ResolvedBy     *string         `json:"resolved_by,omitempty"`
	ResolutionNote *string         `json:"resolution_note,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Repository interface {
	Stats(ctx context.Context, userID string) (Stats, error)
	UserIDs(ctx context.Context) ([]string, error)
	InsertFlag(ctx context.Context, tx pgx.Tx, userID string, f Finding) (Flag, bool, error)
	ListOpen(ctx context.Context, userID string) ([]Flag, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Flag, error)
	Resolve(ctx context.Context, tx pgx.Tx, id, adminID, note string) (Flag, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const flagColumns = `id, user_id, code, severity, weight, details, status, resolved_by, resolution_note, resolved_at, created_at`

// Stats counts bookings the user took part in, disputes where the user was
// the respondent, cancellations the user made, and reviews the user received.
func (r *PGRepository) Stats(ctx context.Context, userID string) (Stats, error) {
	st := Stats{UserID: userID}
	err := r.pool.QueryRow(ctx, `
		SELECT
			u.created_at,
			(SELECT COUNT(*) FROM bookings b WHERE b.client_id = u.id OR b.professional_id = u.id),
			(SELECT COUNT(*) FROM disputes d WHERE d.respondent_id = u.id),
			(SELECT COUNT(*) FROM bookings b WHERE b.cancelled_by = u.id),
			(SELECT COUNT(*) FROM reviews rv WHERE rv.reviewee_id = u.id),
			(SELECT COALESCE(AVG(rv.rating), 0)::float8 FROM reviews rv WHERE rv.reviewee_id = u.id),
			(SELECT COALESCE(MAX(c.total_amount), 0) FROM escrow_contracts c
			  WHERE c.client_id = u.id OR c.professional_id = u.id)
		FROM users u WHERE u.id = $1`, userID).Scan(
		&st.AccountCreated, &st.Bookings, &st.DisputesAgainst, &st.Cancellations,
		&st.Reviews, &st.AverageRating, &st.LargestContract)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Stats{}, apperr.New(apperr.NotFound, "risk: user not found")
		}
		return Stats{}, fmt.Errorf("risk: stats: %w", err)
	}
	return st, nil
}

func (r *PGRepository) UserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM users WHERE suspended_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("risk: list users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("risk: list users: %w", err)
	}
	return ids, nil
}

// InsertFlag opens a flag unless one with the same code is already open.
func (r *PGRepository) InsertFlag(ctx context.Context, tx pgx.Tx, userID string, f Finding) (Flag, bool, error) {
	details, err := json.Marshal(f.Details)
	if err != nil {
		return Flag{}, false, fmt.Errorf("risk: marshal details: %w", err)
	}
	flag, err := scanFlag(tx.QueryRow(ctx, `
		INSERT INTO risk_flags (user_id, code, severity, weight, details)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, code) WHERE status = 'open' DO NOTHING
		RETURNING `+flagColumns, userID, f.Code, f.Severity, f.Weight, details))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Flag{}, false, nil
		}
		return Flag{}, false, fmt.Errorf("risk: insert flag: %w", err)
	}
	return flag, true, nil
}

func (r *PGRepository) ListOpen(ctx context.Context, userID string) ([]Flag, error) {
	query := `SELECT ` + flagColumns + ` FROM risk_flags WHERE status = 'open'`
	args := []any{}
	if userID != "" {
		query += ` AND user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("risk: list flags: %w", err)
	}
	defer rows.Close()

	var out []Flag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("risk: scan flag: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Flag, error) {
	f, err := scanFlag(tx.QueryRow(ctx, `SELECT `+flagColumns+` FROM risk_flags WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Flag{}, ErrNotFound
		}
		return Flag{}, fmt.Errorf("risk: get flag: %w", err)
	}
	return f, nil
}

func (r *PGRepository) Resolve(ctx context.Context, tx pgx.Tx, id, adminID, note string) (Flag, error) {
	f, err := scanFlag(tx.QueryRow(ctx, `
		UPDATE risk_flags
		SET status = 'resolved', resolved_by = $2, resolution_note = $3, resolved_at = now()
		WHERE id = $1
		RETURNING `+flagColumns, id, adminID, note))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Flag{}, ErrNotFound
		}
		return Flag{}, fmt.Errorf("risk: resolve flag: %w", err)
	}
	return f, nil
}

func scanFlag(row pgx.Row) (Flag, error) {
	var f Flag
	err := row.Scan(&f.ID, &f.UserID, &f.Code, &f.Severity, &f.Weight, &f.Details, &f.Status,
		&f.ResolvedBy, &f.ResolutionNote, &f.ResolvedAt, &f.CreatedAt)
	return f, err
}
