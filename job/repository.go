package job

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketflow/apperr"
	"marketflow/db"
	"marketflow/escrow"
)

var (
	ErrNotFound      = apperr.New(apperr.NotFound, "job: not found")
	ErrQuoteNotFound = apperr.New(apperr.NotFound, "job: quote not found")
	ErrQuoteExists   = apperr.New(apperr.Conflict, "job: an active quote from this professional already exists")
	ErrAlreadyTaken  = apperr.New(apperr.Conflict, "job: another quote was already accepted")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, j Job) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Job, error)
	List(ctx context.Context, filters Filters) ([]Job, int, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Job, error)
	HasActiveBooking(ctx context.Context, tx pgx.Tx, jobID string) (bool, error)

	CreateQuote(ctx context.Context, tx pgx.Tx, q Quote) (Quote, error)
	GetQuote(ctx context.Context, id string) (Quote, error)
	GetQuoteForUpdate(ctx context.Context, tx pgx.Tx, id string) (Quote, error)
	ListQuotes(ctx context.Context, jobID, professionalID string) ([]Quote, error)
	UpdateQuoteStatus(ctx context.Context, tx pgx.Tx, id string, status QuoteStatus) (Quote, error)
	RejectOpenQuotes(ctx context.Context, tx pgx.Tx, jobID, exceptID string) ([]Quote, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const (
	jobColumns   = `id, client_id, title, description, category, budget, status, created_at, updated_at`
	quoteColumns = `id, job_id, professional_id, amount, message, milestones, status, created_at, updated_at`
)

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, j Job) (Job, error) {
	const query = `
        INSERT INTO jobs (client_id, title, description, category, budget, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING ` + jobColumns
	created, err := scanJob(tx.QueryRow(ctx, query, j.ClientID, j.Title, j.Description, j.Category, j.Budget, j.Status))
	if err != nil {
		return Job{}, fmt.Errorf("job: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: get: %w", err)
	}
	return j, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Job, error) {
	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: get for update: %w", err)
	}
	return j, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Job, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.ClientID != "" {
		args = append(args, filters.ClientID)
		where = append(where, fmt.Sprintf("client_id=$%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if filters.Category != "" {
		args = append(args, strings.ToLower(filters.Category))
		where = append(where, fmt.Sprintf("category=$%d", len(args)))
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM jobs%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		jobColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("job: query list: %w", err)
	}
	defer rows.Close()

	list := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("job: scan: %w", err)
		}
		list = append(list, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("job: iterate: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("job: count list: %w", err)
	}
	return list, total, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Job, error) {
	const query = `
        UPDATE jobs SET status = $2, updated_at = now()
        WHERE id = $1
        RETURNING ` + jobColumns
	j, err := scanJob(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: update status: %w", err)
	}
	return j, nil
}

func (r *PGRepository) HasActiveBooking(ctx context.Context, tx pgx.Tx, jobID string) (bool, error) {
	var active bool
	err := tx.QueryRow(ctx, `
        SELECT EXISTS (SELECT 1 FROM bookings WHERE job_id = $1 AND status NOT IN ('completed', 'cancelled'))
    `, jobID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("job: check bookings: %w", err)
	}
	return active, nil
}

func (r *PGRepository) CreateQuote(ctx context.Context, tx pgx.Tx, q Quote) (Quote, error) {
	const query = `
        INSERT INTO quotes (job_id, professional_id, amount, message, milestones, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING ` + quoteColumns
	milestones := q.Milestones
	if milestones == nil {
		milestones = []escrow.MilestonePlan{}
	}
	created, err := scanQuote(tx.QueryRow(ctx, query, q.JobID, q.ProfessionalID, q.Amount, q.Message, milestones, q.Status))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Quote{}, ErrQuoteExists
		}
		return Quote{}, fmt.Errorf("job: insert quote: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetQuote(ctx context.Context, id string) (Quote, error) {
	q, err := scanQuote(r.pool.QueryRow(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, ErrQuoteNotFound
		}
		return Quote{}, fmt.Errorf("job: get quote: %w", err)
	}
	return q, nil
}

func (r *PGRepository) GetQuoteForUpdate(ctx context.Context, tx pgx.Tx, id string) (Quote, error) {
	q, err := scanQuote(tx.QueryRow(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, ErrQuoteNotFound
		}
		return Quote{}, fmt.Errorf("job: lock quote: %w", err)
	}
	return q, nil
}

// ListQuotes returns quotes on a job, narrowed to one professional when
// professionalID is set.
func (r *PGRepository) ListQuotes(ctx context.Context, jobID, professionalID string) ([]Quote, error) {
	query := `SELECT ` + quoteColumns + ` FROM quotes WHERE job_id = $1`
	args := []any{jobID}
	if professionalID != "" {
		query += ` AND professional_id = $2`
		args = append(args, professionalID)
	}
	query += ` ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("job: list quotes: %w", err)
	}
	defer rows.Close()

	out := make([]Quote, 0, 8)
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("job: scan quote: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job: iterate quotes: %w", err)
	}
	return out, nil
}

func (r *PGRepository) UpdateQuoteStatus(ctx context.Context, tx pgx.Tx, id string, status QuoteStatus) (Quote, error) {
	const query = `
        UPDATE quotes SET status = $2, updated_at = now()
        WHERE id = $1
        RETURNING ` + quoteColumns
	q, err := scanQuote(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, ErrQuoteNotFound
		}
		if db.IsUniqueViolation(err) {
			return Quote{}, ErrAlreadyTaken
		}
		return Quote{}, fmt.Errorf("job: update quote: %w", err)
	}
	return q, nil
}

func (r *PGRepository) RejectOpenQuotes(ctx context.Context, tx pgx.Tx, jobID, exceptID string) ([]Quote, error) {
	const query = `
        UPDATE quotes SET status = 'rejected', updated_at = now()
        WHERE job_id = $1 AND status = 'submitted' AND id::text <> $2
        RETURNING ` + quoteColumns
	rows, err := tx.Query(ctx, query, jobID, exceptID)
	if err != nil {
		return nil, fmt.Errorf("job: reject quotes: %w", err)
	}
	defer rows.Close()

	out := []Quote{}
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("job: scan rejected quote: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job: iterate rejected quotes: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID,
		&j.ClientID,
		&j.Title,
		&j.Description,
		&j.Category,
		&j.Budget,
		&j.Status,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	return j, err
}

func scanQuote(row pgx.Row) (Quote, error) {
	var q Quote
	err := row.Scan(
		&q.ID,
		&q.JobID,
		&q.ProfessionalID,
		&q.Amount,
		&q.Message,
		&q.Milestones,
		&q.Status,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	return q, err
}
