package booking

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
	ErrNotFound    = apperr.New(apperr.NotFound, "booking: not found")
	ErrQuoteBooked = apperr.New(apperr.Conflict, "booking: quote already has a booking")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, b Booking) (Booking, error)
	Get(ctx context.Context, id string) (Booking, error)
	LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (Booking, error)
	GetByQuote(ctx context.Context, tx pgx.Tx, quoteID string) (Booking, error)
	List(ctx context.Context, filter Filter) ([]Booking, int, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, upd Update) (Booking, error)
	IsActiveProfessional(ctx context.Context, tx pgx.Tx, userID string) (bool, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const bookingColumns = `id, job_id, quote_id, client_id, professional_id, title, scheduled_at, amount, status,
    cancel_reason, cancelled_by, completed_at, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, b Booking) (Booking, error) {
	const insertSQL = `
        INSERT INTO bookings (job_id, quote_id, client_id, professional_id, title, scheduled_at, amount, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING ` + bookingColumns
	created, err := scanBooking(tx.QueryRow(ctx, insertSQL,
		b.JobID, b.QuoteID, b.ClientID, b.ProfessionalID, b.Title, b.ScheduledAt, b.Amount, b.Status))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Booking{}, ErrQuoteBooked
		}
		return Booking{}, fmt.Errorf("booking: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, ErrNotFound
		}
		return Booking{}, fmt.Errorf("booking: get: %w", err)
	}
	return b, nil
}

func (r *PGRepository) LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (Booking, error) {
	b, err := scanBooking(tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, ErrNotFound
		}
		return Booking{}, fmt.Errorf("booking: lock: %w", err)
	}
	return b, nil
}

func (r *PGRepository) GetByQuote(ctx context.Context, tx pgx.Tx, quoteID string) (Booking, error) {
	b, err := scanBooking(tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE quote_id = $1`, quoteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, ErrNotFound
		}
		return Booking{}, fmt.Errorf("booking: get by quote: %w", err)
	}
	return b, nil
}

func (r *PGRepository) List(ctx context.Context, filter Filter) ([]Booking, int, error) {
	where := []string{"TRUE"}
	args := []any{}
	if !filter.AsAdmin {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("(client_id = $%d OR professional_id = $%d)", len(args), len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := joinAnd(where)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM bookings WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("booking: count: %w", err)
	}

	page, size := pageBounds(filter.Page, filter.PageSize)
	args = append(args, size, (page-1)*size)
	query := fmt.Sprintf(`SELECT %s FROM bookings WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		bookingColumns, clause, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("booking: list: %w", err)
	}
	defer rows.Close()

	items := make([]Booking, 0, size)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("booking: scan: %w", err)
		}
		items = append(items, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("booking: iterate: %w", err)
	}
	return items, total, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, upd Update) (Booking, error) {
	const updateSQL = `
        UPDATE bookings
        SET status = $2,
            cancel_reason = COALESCE($3, cancel_reason),
            cancelled_by = COALESCE($4, cancelled_by),
            completed_at = COALESCE($5, completed_at),
            updated_at = now()
        WHERE id = $1
        RETURNING ` + bookingColumns
	b, err := scanBooking(tx.QueryRow(ctx, updateSQL, id, status, upd.CancelReason, upd.CancelledBy, upd.CompletedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, ErrNotFound
		}
		return Booking{}, fmt.Errorf("booking: update status: %w", err)
	}
	return b, nil
}

func (r *PGRepository) IsActiveProfessional(ctx context.Context, tx pgx.Tx, userID string) (bool, error) {
	var ok bool
	err := tx.QueryRow(ctx, `
        SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND role = 'professional' AND suspended_at IS NULL)
    `, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("booking: check professional: %w", err)
	}
	return ok, nil
}

func scanBooking(row pgx.Row) (Booking, error) {
	var b Booking
	err := row.Scan(
		&b.ID,
		&b.JobID,
		&b.QuoteID,
		&b.ClientID,
		&b.ProfessionalID,
		&b.Title,
		&b.ScheduledAt,
		&b.Amount,
		&b.Status,
		&b.CancelReason,
		&b.CancelledBy,
		&b.CompletedAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	return b, err
}

func joinAnd(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " AND " + p
	}
	return out
}

func pageBounds(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return page, size
}
