package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketflow/apperr"
	"marketflow/db"
)

var (
	ErrNotFound        = apperr.New(apperr.NotFound, "review: not found")
	ErrAlreadyReviewed = apperr.New(apperr.Conflict, "review: booking already reviewed by this user")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, r Review) (Review, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Review, error)
	SetResponse(ctx context.Context, tx pgx.Tx, id, response string) (Review, error)
	ListForUser(ctx context.Context, revieweeID string, limit, offset int) ([]Review, error)
	Stats(ctx context.Context, revieweeID string) (avg float64, count int, err error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const reviewColumns = `id, booking_id, reviewer_id, reviewee_id, rating, comment, response, responded_at, created_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, rv Review) (Review, error) {
	const query = `
		INSERT INTO reviews (booking_id, reviewer_id, reviewee_id, rating, comment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + reviewColumns
	created, err := scanReview(tx.QueryRow(ctx, query, rv.BookingID, rv.ReviewerID, rv.RevieweeID, rv.Rating, rv.Comment))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Review{}, ErrAlreadyReviewed
		}
		return Review{}, fmt.Errorf("review: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Review, error) {
	rv, err := scanReview(tx.QueryRow(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Review{}, ErrNotFound
		}
		return Review{}, fmt.Errorf("review: get: %w", err)
	}
	return rv, nil
}

func (r *PGRepository) SetResponse(ctx context.Context, tx pgx.Tx, id, response string) (Review, error) {
	const query = `
		UPDATE reviews SET response = $2, responded_at = now()
		WHERE id = $1
		RETURNING ` + reviewColumns
	rv, err := scanReview(tx.QueryRow(ctx, query, id, response))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Review{}, ErrNotFound
		}
		return Review{}, fmt.Errorf("review: respond: %w", err)
	}
	return rv, nil
}

func (r *PGRepository) ListForUser(ctx context.Context, revieweeID string, limit, offset int) ([]Review, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE reviewee_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, revieweeID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("review: list: %w", err)
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("review: scan: %w", err)
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

func (r *PGRepository) Stats(ctx context.Context, revieweeID string) (float64, int, error) {
	var (
		avg   float64
		count int
	)
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(AVG(rating), 0)::float8, COUNT(*)
		FROM reviews WHERE reviewee_id = $1`, revieweeID).Scan(&avg, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("review: stats: %w", err)
	}
	return avg, count, nil
}

func scanReview(row pgx.Row) (Review, error) {
	var rv Review
	err := row.Scan(&rv.ID, &rv.BookingID, &rv.ReviewerID, &rv.RevieweeID, &rv.Rating, &rv.Comment,
		&rv.Response, &rv.RespondedAt, &rv.CreatedAt)
	return rv, err
}
