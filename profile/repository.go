package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketflow/apperr"
)

// ErrNotFound signals the requested profile does not exist.
var ErrNotFound = apperr.New(apperr.NotFound, "profile: not found")

// Repository provides profile persistence. Writes join the caller's tx.
type Repository interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context, filter ListFilter) ([]Profile, error)
	Upsert(ctx context.Context, tx pgx.Tx, userID string, req UpsertRequest) (Profile, error)
	SetVerified(ctx context.Context, tx pgx.Tx, userID string, verified bool) (Profile, error)
	ApplyRating(ctx context.Context, tx pgx.Tx, userID string, rating int) error
	IncrementCompleted(ctx context.Context, tx pgx.Tx, userID string) error
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const selectProfile = `
	SELECT p.user_id, u.full_name, p.headline, p.categories, p.hourly_rate, p.service_area,
	       p.verified, p.rating_avg, p.rating_count, p.completed_jobs, p.created_at, p.updated_at
	FROM professional_profiles p
	JOIN users u ON u.id = p.user_id
`

// GetByID fetches a profile by the professional's user id.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Profile, error) {
	profile, err := scanProfile(r.pool.QueryRow(ctx, selectProfile+` WHERE p.user_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("profile: query by id: %w", err)
	}
	return profile, nil
}

// List fetches up to filter.Limit profiles of active professionals.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Profile, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, selectProfile+`
	WHERE u.suspended_at IS NULL
	  AND ($1 = '' OR $1 = ANY (p.categories))
	  AND (NOT $2 OR p.verified)
	ORDER BY p.verified DESC, p.rating_avg DESC, p.completed_jobs DESC
	LIMIT $3
	`, filter.Category, filter.VerifiedOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("profile: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("profile: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile: iterate profiles: %w", err)
	}
	return profiles, nil
}

func (r *PGRepository) Upsert(ctx context.Context, tx pgx.Tx, userID string, req UpsertRequest) (Profile, error) {
	if _, err := tx.Exec(ctx, `
        INSERT INTO professional_profiles (user_id, headline, categories, hourly_rate, service_area)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id) DO UPDATE
        SET headline = EXCLUDED.headline,
            categories = EXCLUDED.categories,
            hourly_rate = EXCLUDED.hourly_rate,
            service_area = EXCLUDED.service_area,
            updated_at = now()
    `, userID, req.Headline, req.Categories, req.HourlyRate, req.ServiceArea); err != nil {
		return Profile{}, fmt.Errorf("profile: upsert: %w", err)
	}
	return r.getTx(ctx, tx, userID)
}

func (r *PGRepository) SetVerified(ctx context.Context, tx pgx.Tx, userID string, verified bool) (Profile, error) {
	tag, err := tx.Exec(ctx, `UPDATE professional_profiles SET verified = $2, updated_at = now() WHERE user_id = $1`, userID, verified)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: set verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Profile{}, ErrNotFound
	}
	return r.getTx(ctx, tx, userID)
}

// ApplyRating refreshes the rating summary from every review of userID. The
// caller has already inserted the new review in tx, so rating is only used
// as the first value when no profile row exists yet.
func (r *PGRepository) ApplyRating(ctx context.Context, tx pgx.Tx, userID string, rating int) error {
	if _, err := tx.Exec(ctx, `
        WITH s AS (
            SELECT COUNT(*)::int AS n, COALESCE(SUM(rating), 0)::bigint AS total
            FROM reviews WHERE reviewee_id = $1
        )
        INSERT INTO professional_profiles (user_id, rating_avg, rating_count)
        SELECT $1, CASE WHEN s.n = 0 THEN $2 ELSE round(s.total::numeric / s.n, 2) END, GREATEST(s.n, 1)
        FROM s
        ON CONFLICT (user_id) DO UPDATE
        SET rating_avg = EXCLUDED.rating_avg,
            rating_count = EXCLUDED.rating_count,
            updated_at = now()
    `, userID, rating); err != nil {
		return fmt.Errorf("profile: apply rating: %w", err)
	}
	return nil
}

func (r *PGRepository) IncrementCompleted(ctx context.Context, tx pgx.Tx, userID string) error {
	if _, err := tx.Exec(ctx, `
        INSERT INTO professional_profiles (user_id, completed_jobs)
        VALUES ($1, 1)
        ON CONFLICT (user_id) DO UPDATE
        SET completed_jobs = professional_profiles.completed_jobs + 1,
            updated_at = now()
    `, userID); err != nil {
		return fmt.Errorf("profile: increment completed: %w", err)
	}
	return nil
}

func (r *PGRepository) getTx(ctx context.Context, tx pgx.Tx, userID string) (Profile, error) {
	profile, err := scanProfile(tx.QueryRow(ctx, selectProfile+` WHERE p.user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("profile: reload: %w", err)
	}
	return profile, nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	if err := row.Scan(
		&p.UserID,
		&p.FullName,
		&p.Headline,
		&p.Categories,
		&p.HourlyRate,
		&p.ServiceArea,
		&p.Verified,
		&p.RatingAvg,
		&p.RatingCount,
		&p.CompletedJobs,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return Profile{}, err
	}
	return p, nil
}
