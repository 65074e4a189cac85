package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketflow/apperr"
	"marketflow/db"
)

var (
	ErrNotFound           = apperr.New(apperr.NotFound, "dispute: not found")
	ErrEvidenceNotFound   = apperr.New(apperr.NotFound, "dispute: evidence not found")
	ErrResolutionNotFound = apperr.New(apperr.NotFound, "dispute: resolution not found")
	ErrAlreadyOpen        = apperr.New(apperr.Conflict, "dispute: booking already has an active dispute")
	ErrPendingProposal    = apperr.New(apperr.Conflict, "dispute: a resolution proposal is already pending")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	List(ctx context.Context, filters Filters) ([]Record, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, resolvedAt *time.Time) (Record, error)

	InsertEvidence(ctx context.Context, tx pgx.Tx, ev Evidence) (Evidence, error)
	CountEvidence(ctx context.Context, tx pgx.Tx, disputeID, userID string) (int, error)
	GetEvidence(ctx context.Context, disputeID, evidenceID string) (Evidence, error)
	ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error)

	InsertResolution(ctx context.Context, tx pgx.Tx, res Resolution) (Resolution, error)
	PendingResolution(ctx context.Context, tx pgx.Tx, disputeID string) (Resolution, bool, error)
	UpdateResolution(ctx context.Context, tx pgx.Tx, res Resolution) (Resolution, error)
	ListResolutions(ctx context.Context, disputeID string) ([]Resolution, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const (
	disputeColumns = `id, booking_id, contract_id, opened_by, respondent_id, reason, description, status,
        prior_booking_status, resolved_at, created_at, updated_at`
	evidenceColumns   = `id, dispute_id, submitted_by, kind, body, object_key, created_at`
	resolutionColumns = `id, dispute_id, proposed_by, outcome, refund_amount, note, status, decided_by, decided_at, created_at`
)

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO disputes (booking_id, contract_id, opened_by, respondent_id, reason, description, status, prior_booking_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + disputeColumns
	created, err := scanRecord(tx.QueryRow(ctx, query,
		rec.BookingID, rec.ContractID, rec.OpenedBy, rec.RespondentID, rec.Reason, rec.Description, rec.Status, rec.PriorBookingStatus))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE TRUE`
	args := []any{}
	if !filters.AsAdmin {
		args = append(args, filters.UserID)
		query += fmt.Sprintf(" AND (opened_by = $%d OR respondent_id = $%d)", len(args), len(args))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC LIMIT 200"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, resolvedAt *time.Time) (Record, error) {
	const query = `
		UPDATE disputes
		SET status = $2, resolved_at = COALESCE($3, resolved_at), updated_at = now()
		WHERE id = $1
		RETURNING ` + disputeColumns
	rec, err := scanRecord(tx.QueryRow(ctx, query, id, status, resolvedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: update status: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) InsertEvidence(ctx context.Context, tx pgx.Tx, ev Evidence) (Evidence, error) {
	const query = `
		INSERT INTO dispute_evidence (dispute_id, submitted_by, kind, body, object_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + evidenceColumns
	created, err := scanEvidence(tx.QueryRow(ctx, query, ev.DisputeID, ev.SubmittedBy, ev.Kind, ev.Body, ev.ObjectKey))
	if err != nil {
		return Evidence{}, fmt.Errorf("dispute: insert evidence: %w", err)
	}
	return created, nil
}

func (r *PGRepository) CountEvidence(ctx context.Context, tx pgx.Tx, disputeID, userID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT count(*) FROM dispute_evidence WHERE dispute_id = $1 AND submitted_by = $2`, disputeID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dispute: count evidence: %w", err)
	}
	return n, nil
}

func (r *PGRepository) GetEvidence(ctx context.Context, disputeID, evidenceID string) (Evidence, error) {
	ev, err := scanEvidence(r.pool.QueryRow(ctx,
		`SELECT `+evidenceColumns+` FROM dispute_evidence WHERE dispute_id = $1 AND id = $2`, disputeID, evidenceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Evidence{}, ErrEvidenceNotFound
		}
		return Evidence{}, fmt.Errorf("dispute: get evidence: %w", err)
	}
	return ev, nil
}

func (r *PGRepository) ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+evidenceColumns+` FROM dispute_evidence WHERE dispute_id = $1 ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list evidence: %w", err)
	}
	defer rows.Close()

	out := make([]Evidence, 0, 8)
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return out, nil
}

func (r *PGRepository) InsertResolution(ctx context.Context, tx pgx.Tx, res Resolution) (Resolution, error) {
	const query = `
		INSERT INTO dispute_resolutions (dispute_id, proposed_by, outcome, refund_amount, note, status, decided_by, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + resolutionColumns
	created, err := scanResolution(tx.QueryRow(ctx, query,
		res.DisputeID, res.ProposedBy, res.Outcome, res.RefundAmount, res.Note, res.Status, res.DecidedBy, res.DecidedAt))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Resolution{}, ErrPendingProposal
		}
		return Resolution{}, fmt.Errorf("dispute: insert resolution: %w", err)
	}
	return created, nil
}

func (r *PGRepository) PendingResolution(ctx context.Context, tx pgx.Tx, disputeID string) (Resolution, bool, error) {
	res, err := scanResolution(tx.QueryRow(ctx,
		`SELECT `+resolutionColumns+` FROM dispute_resolutions WHERE dispute_id = $1 AND status = 'pending' FOR UPDATE`, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Resolution{}, false, nil
		}
		return Resolution{}, false, fmt.Errorf("dispute: pending resolution: %w", err)
	}
	return res, true, nil
}

func (r *PGRepository) UpdateResolution(ctx context.Context, tx pgx.Tx, res Resolution) (Resolution, error) {
	const query = `
		UPDATE dispute_resolutions
		SET status = $2, decided_by = $3, decided_at = $4
		WHERE id = $1
		RETURNING ` + resolutionColumns
	updated, err := scanResolution(tx.QueryRow(ctx, query, res.ID, res.Status, res.DecidedBy, res.DecidedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Resolution{}, ErrResolutionNotFound
		}
		return Resolution{}, fmt.Errorf("dispute: update resolution: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) ListResolutions(ctx context.Context, disputeID string) ([]Resolution, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+resolutionColumns+` FROM dispute_resolutions WHERE dispute_id = $1 ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list resolutions: %w", err)
	}
	defer rows.Close()

	out := make([]Resolution, 0, 4)
	for rows.Next() {
		res, err := scanResolution(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan resolution: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate resolutions: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.BookingID, &rec.ContractID, &rec.OpenedBy, &rec.RespondentID, &rec.Reason,
		&rec.Description, &rec.Status, &rec.PriorBookingStatus, &rec.ResolvedAt, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func scanEvidence(row pgx.Row) (Evidence, error) {
	var ev Evidence
	err := row.Scan(&ev.ID, &ev.DisputeID, &ev.SubmittedBy, &ev.Kind, &ev.Body, &ev.ObjectKey, &ev.CreatedAt)
	return ev, err
}

func scanResolution(row pgx.Row) (Resolution, error) {
	var res Resolution
	err := row.Scan(&res.ID, &res.DisputeID, &res.ProposedBy, &res.Outcome, &res.RefundAmount, &res.Note,
		&res.Status, &res.DecidedBy, &res.DecidedAt, &res.CreatedAt)
	return res, err
}
