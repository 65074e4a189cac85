package escrow

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
	ErrNotFound          = apperr.New(apperr.NotFound, "escrow: contract not found")
	ErrMilestoneNotFound = apperr.New(apperr.NotFound, "escrow: milestone not found")
	ErrAlreadyReleased   = apperr.New(apperr.Conflict, "escrow: milestone already released")
	ErrContractExists    = apperr.New(apperr.Conflict, "escrow: booking already has a contract")
)

// Repository persists contracts. Lock* methods take row locks in tx.
type Repository interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (bool, error)
	CreateContract(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error)
	GetContract(ctx context.Context, id string) (Contract, error)
	GetContractByBooking(ctx context.Context, bookingID string) (Contract, error)
	LockContract(ctx context.Context, tx pgx.Tx, id string) (Contract, error)
	LockContractByBooking(ctx context.Context, tx pgx.Tx, bookingID string) (Contract, error)
	UpdateContract(ctx context.Context, tx pgx.Tx, c Contract) error
	UpdateMilestone(ctx context.Context, tx pgx.Tx, m Milestone) error
	InsertTransaction(ctx context.Context, tx pgx.Tx, t Transaction) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// InsertIdempotencyKey records key and reports whether it was new.
func (r *PGRepository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (bool, error) {
	tag, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, fmt.Errorf("escrow: insert idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) CreateContract(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error) {
	const insertSQL = `
        INSERT INTO escrow_contracts (booking_id, client_id, professional_id, currency, total_amount, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING ` + contractColumns
	created, err := scanContract(tx.QueryRow(ctx, insertSQL, c.BookingID, c.ClientID, c.ProfessionalID, c.Currency, c.TotalAmount, c.Status))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Contract{}, ErrContractExists
		}
		return Contract{}, fmt.Errorf("escrow: insert contract: %w", err)
	}

	for _, m := range c.Milestones {
		const milestoneSQL = `
            INSERT INTO escrow_milestones (contract_id, position, title, amount, status)
            VALUES ($1, $2, $3, $4, $5)
            RETURNING ` + milestoneColumns
		inserted, err := scanMilestone(tx.QueryRow(ctx, milestoneSQL, created.ID, m.Position, m.Title, m.Amount, m.Status))
		if err != nil {
			return Contract{}, fmt.Errorf("escrow: insert milestone: %w", err)
		}
		created.Milestones = append(created.Milestones, inserted)
	}
	return created, nil
}

func (r *PGRepository) GetContract(ctx context.Context, id string) (Contract, error) {
	return r.load(ctx, r.pool, `WHERE id = $1`, id, false)
}

func (r *PGRepository) GetContractByBooking(ctx context.Context, bookingID string) (Contract, error) {
	return r.load(ctx, r.pool, `WHERE booking_id = $1`, bookingID, false)
}

func (r *PGRepository) LockContract(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	return r.load(ctx, tx, `WHERE id = $1`, id, true)
}

func (r *PGRepository) LockContractByBooking(ctx context.Context, tx pgx.Tx, bookingID string) (Contract, error) {
	return r.load(ctx, tx, `WHERE booking_id = $1`, bookingID, true)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const contractColumns = `id, booking_id, client_id, professional_id, currency, total_amount, funded_amount,
    released_amount, refunded_amount, status, funded_at, created_at, updated_at`

const milestoneColumns = `id, contract_id, position, title, amount, status, submitted_at, released_at, created_at, updated_at`

func (r *PGRepository) load(ctx context.Context, q querier, where string, arg string, lock bool) (Contract, error) {
	suffix := ""
	if lock {
		suffix = " FOR UPDATE"
	}
	c, err := scanContract(q.QueryRow(ctx, `SELECT `+contractColumns+` FROM escrow_contracts `+where+suffix, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("escrow: load contract: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT `+milestoneColumns+` FROM escrow_milestones WHERE contract_id = $1 ORDER BY position`+suffix, c.ID)
	if err != nil {
		return Contract{}, fmt.Errorf("escrow: load milestones: %w", err)
	}
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			rows.Close()
			return Contract{}, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		c.Milestones = append(c.Milestones, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Contract{}, fmt.Errorf("escrow: iterate milestones: %w", err)
	}

	if lock {
		return c, nil
	}

	txRows, err := q.Query(ctx, `
        SELECT id, contract_id, milestone_id, kind, amount, idempotency_key, created_at
        FROM escrow_transactions WHERE contract_id = $1 ORDER BY id`, c.ID)
	if err != nil {
		return Contract{}, fmt.Errorf("escrow: load ledger: %w", err)
	}
	defer txRows.Close()
	for txRows.Next() {
		var t Transaction
		if err := txRows.Scan(&t.ID, &t.ContractID, &t.MilestoneID, &t.Kind, &t.Amount, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return Contract{}, fmt.Errorf("escrow: scan ledger: %w", err)
		}
		c.Transactions = append(c.Transactions, t)
	}
	if err := txRows.Err(); err != nil {
		return Contract{}, fmt.Errorf("escrow: iterate ledger: %w", err)
	}
	return c, nil
}

func (r *PGRepository) UpdateContract(ctx context.Context, tx pgx.Tx, c Contract) error {
	tag, err := tx.Exec(ctx, `
        UPDATE escrow_contracts
        SET status = $2, funded_amount = $3, released_amount = $4, refunded_amount = $5,
            funded_at = $6, updated_at = now()
        WHERE id = $1
    `, c.ID, c.Status, c.FundedAmount, c.ReleasedAmount, c.RefundedAmount, c.FundedAt)
	if err != nil {
		return fmt.Errorf("escrow: update contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) UpdateMilestone(ctx context.Context, tx pgx.Tx, m Milestone) error {
	tag, err := tx.Exec(ctx, `
        UPDATE escrow_milestones
        SET status = $2, submitted_at = $3, released_at = $4, updated_at = now()
        WHERE id = $1
    `, m.ID, m.Status, m.SubmittedAt, m.ReleasedAt)
	if err != nil {
		return fmt.Errorf("escrow: update milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

func (r *PGRepository) InsertTransaction(ctx context.Context, tx pgx.Tx, t Transaction) error {
	if _, err := tx.Exec(ctx, `
        INSERT INTO escrow_transactions (contract_id, milestone_id, kind, amount, idempotency_key)
        VALUES ($1, $2, $3, $4, $5)
    `, t.ContractID, t.MilestoneID, t.Kind, t.Amount, t.IdempotencyKey); err != nil {
		if db.IsUniqueViolation(err) {
			return ErrAlreadyReleased
		}
		return fmt.Errorf("escrow: insert transaction: %w", err)
	}
	return nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	err := row.Scan(
		&c.ID,
		&c.BookingID,
		&c.ClientID,
		&c.ProfessionalID,
		&c.Currency,
		&c.TotalAmount,
		&c.FundedAmount,
		&c.ReleasedAmount,
		&c.RefundedAmount,
		&c.Status,
		&c.FundedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(
		&m.ID,
		&m.ContractID,
		&m.Position,
		&m.Title,
		&m.Amount,
		&m.Status,
		&m.SubmittedAt,
		&m.ReleasedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	return m, err
}
