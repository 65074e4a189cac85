package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"marketflow/activity"
	"marketflow/apperr"
	"marketflow/auth"
	"marketflow/db"
	"marketflow/escrow"
)

var (
	ErrForbidden       = apperr.New(apperr.Permission, "booking: not allowed for this user")
	ErrInvalidRequest  = apperr.New(apperr.Validation, "booking: invalid request")
	ErrReasonRequired  = apperr.New(apperr.Validation, "booking: cancellation reason is required")
	ErrProfessional    = apperr.New(apperr.Validation, "booking: professional is not available")
	ErrEscrowDisputed  = apperr.New(apperr.Conflict, "booking: escrow contract is under dispute")
	ErrNotDisputed     = apperr.New(apperr.Conflict, "booking: booking is not disputed")
	ErrSelfBooking     = apperr.New(apperr.Validation, "booking: cannot book yourself")
	ErrInvalidAmount   = apperr.New(apperr.Validation, "booking: amount must be positive with at most two decimals")
	ErrScheduledInPast = apperr.New(apperr.Validation, "booking: scheduled time is in the past")
	ErrOutcomeStatus   = apperr.New(apperr.Validation, "booking: unsupported dispute outcome status")
	ErrUnderDispute    = apperr.New(apperr.Conflict, "booking: booking is under dispute")
)

const maxReasonLen = 500

// Escrow is the slice of the escrow service bookings depend on.
type Escrow interface {
	CreateContract(ctx context.Context, tx pgx.Tx, params escrow.CreateContractParams) (escrow.Contract, error)
	StatusByBookingTx(ctx context.Context, tx pgx.Tx, bookingID string) (escrow.ContractStatus, bool, error)
	CancelForBookingTx(ctx context.Context, tx pgx.Tx, bookingID, actorID string) error
}

// Profiles receives completion counts.
type Profiles interface {
	IncrementCompleted(ctx context.Context, tx pgx.Tx, professionalID string) error
}

// Jobs closes the job a quote-based booking came from.
type Jobs interface {
	CompleteJobTx(ctx context.Context, tx pgx.Tx, jobID, actorID string) error
	CancelJobTx(ctx context.Context, tx pgx.Tx, jobID, actorID string) error
}

type Service struct {
	repo     Repository
	pool     db.TxBeginner
	recorder activity.Recorder
	escrow   Escrow
	profiles Profiles
	jobs     Jobs
	logger   logrus.FieldLogger
	validate *validator.Validate
	now      func() time.Time
}

func NewService(repo Repository, pool db.TxBeginner, recorder activity.Recorder, escrowSvc Escrow, profiles Profiles, logger logrus.FieldLogger) *Service {
	return &Service{
		repo:     repo,
		pool:     pool,
		recorder: recorder,
		escrow:   escrowSvc,
		profiles: profiles,
		logger:   logger.WithField("component", "booking"),
		validate: validator.New(),
		now:      time.Now,
	}
}

// WithJobs wires the job service once it exists; job depends on booking.
func (s *Service) WithJobs(jobs Jobs) *Service {
	s.jobs = jobs
	return s
}

// Create books a professional directly and opens the escrow contract.
func (s *Service) Create(ctx context.Context, actor auth.Principal, req CreateRequest) (Booking, error) {
	if actor.Role != auth.RoleClient {
		return Booking{}, ErrForbidden
	}
	req.Title = strings.TrimSpace(req.Title)
	if err := s.validate.Struct(req); err != nil {
		return Booking{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.ProfessionalID == actor.UserID {
		return Booking{}, ErrSelfBooking
	}
	if !escrow.ValidAmount(req.Amount) {
		return Booking{}, ErrInvalidAmount
	}
	if req.ScheduledAt != nil && req.ScheduledAt.Before(s.now()) {
		return Booking{}, ErrScheduledInPast
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Booking{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Booking{}, err
	}
	ok, err := s.repo.IsActiveProfessional(ctx, tx, req.ProfessionalID)
	if err != nil {
		return Booking{}, err
	}
	if !ok {
		return Booking{}, ErrProfessional
	}

	b, err := s.repo.Create(ctx, tx, Booking{
		ClientID:       actor.UserID,
		ProfessionalID: req.ProfessionalID,
		Title:          req.Title,
		ScheduledAt:    req.ScheduledAt,
		Amount:         req.Amount,
		Status:         StatusPending,
	})
	if err != nil {
		return Booking{}, err
	}
	if _, err := s.escrow.CreateContract(ctx, tx, escrow.CreateContractParams{
		BookingID:      b.ID,
		ClientID:       b.ClientID,
		ProfessionalID: b.ProfessionalID,
		Currency:       req.Currency,
		Total:          b.Amount,
		Milestones:     req.Milestones,
		ActorID:        actor.UserID,
	}); err != nil {
		return Booking{}, err
	}
	if err := s.record(ctx, tx, b, actor.UserID, "BOOKING_CREATED", activity.TopicBookingCreated, nil); err != nil {
		return Booking{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Booking{}, fmt.Errorf("booking: commit create: %w", err)
	}
	return b, nil
}

// CreateFromQuoteTx inserts the pending booking for an accepted quote inside
// the caller's transaction. An existing booking for the quote is returned
// with created=false.
func (s *Service) CreateFromQuoteTx(ctx context.Context, tx pgx.Tx, p QuoteParams) (Booking, bool, error) {
	existing, err := s.repo.GetByQuote(ctx, tx, p.QuoteID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return Booking{}, false, err
	}

	jobID, quoteID := p.JobID, p.QuoteID
	b, err := s.repo.Create(ctx, tx, Booking{
		JobID:          &jobID,
		QuoteID:        &quoteID,
		ClientID:       p.ClientID,
		ProfessionalID: p.ProfessionalID,
		Title:          p.Title,
		ScheduledAt:    p.ScheduledAt,
		Amount:         p.Amount,
		Status:         StatusPending,
	})
	if err != nil {
		return Booking{}, false, err
	}
	if err := s.record(ctx, tx, b, p.ActorID, "BOOKING_CREATED", activity.TopicBookingCreated, map[string]any{
		"job_id":   p.JobID,
		"quote_id": p.QuoteID,
	}); err != nil {
		return Booking{}, false, err
	}
	return b, true, nil
}

// Get returns a booking to its parties and admins.
func (s *Service) Get(ctx context.Context, actor auth.Principal, id string) (Booking, error) {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return Booking{}, err
	}
	if !actor.IsAdmin() && !b.IsParty(actor.UserID) {
		return Booking{}, ErrForbidden
	}
	return b, nil
}

// List returns the actor's bookings, or every booking for admins.
func (s *Service) List(ctx context.Context, actor auth.Principal, status string, page, pageSize int) (ListResult, error) {
	filter := Filter{UserID: actor.UserID, AsAdmin: actor.IsAdmin(), Page: page, PageSize: pageSize}
	if status != "" {
		st, ok := ParseStatus(status)
		if !ok {
			return ListResult{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
		}
		filter.Status = st
	}
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// Confirm accepts a pending booking. Professional only.
func (s *Service) Confirm(ctx context.Context, actor auth.Principal, id string) (Booking, error) {
	return s.mutate(ctx, actor, id, func(tx pgx.Tx, b Booking) (Booking, error) {
		if actor.UserID != b.ProfessionalID {
			return Booking{}, ErrForbidden
		}
		return s.apply(ctx, tx, b, StatusConfirmed, Update{}, actor.UserID, "BOOKING_CONFIRMED", activity.TopicBookingConfirmed, nil)
	})
}

// Start marks a confirmed booking as in progress. Professional only.
func (s *Service) Start(ctx context.Context, actor auth.Principal, id string) (Booking, error) {
	return s.mutate(ctx, actor, id, func(tx pgx.Tx, b Booking) (Booking, error) {
		if actor.UserID != b.ProfessionalID {
			return Booking{}, ErrForbidden
		}
		return s.apply(ctx, tx, b, StatusInProgress, Update{}, actor.UserID, "BOOKING_STARTED", activity.TopicBookingStarted, nil)
	})
}

// Complete closes an in-progress booking. Client only, and never while the
// escrow contract is frozen by a dispute.
func (s *Service) Complete(ctx context.Context, actor auth.Principal, id string) (Booking, error) {
	return s.mutate(ctx, actor, id, func(tx pgx.Tx, b Booking) (Booking, error) {
		if actor.UserID != b.ClientID {
			return Booking{}, ErrForbidden
		}
		if b.Status == StatusDisputed {
			return Booking{}, ErrUnderDispute
		}
		if err := Machine.Validate(b.Status, StatusCompleted); err != nil {
			return Booking{}, err
		}
		status, ok, err := s.escrow.StatusByBookingTx(ctx, tx, b.ID)
		if err != nil {
			return Booking{}, err
		}
		if ok && status == escrow.ContractDisputed {
			return Booking{}, ErrEscrowDisputed
		}
		return s.complete(ctx, tx, b, actor.UserID, nil)
	})
}

// Cancel cancels a pending or confirmed booking. Either party; a reason is
// required. A funded contract is refunded to the client.
func (s *Service) Cancel(ctx context.Context, actor auth.Principal, id, reason string) (Booking, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Booking{}, ErrReasonRequired
	}
	if len(reason) > maxReasonLen {
		return Booking{}, fmt.Errorf("%w: reason longer than %d characters", ErrInvalidRequest, maxReasonLen)
	}
	return s.mutate(ctx, actor, id, func(tx pgx.Tx, b Booking) (Booking, error) {
		if b.Status == StatusDisputed {
			return Booking{}, ErrUnderDispute
		}
		return s.cancel(ctx, tx, b, actor.UserID, reason, nil)
	})
}

// LockTx loads a booking FOR UPDATE inside the caller's transaction.
func (s *Service) LockTx(ctx context.Context, tx pgx.Tx, id string) (Booking, error) {
	return s.repo.LockForUpdate(ctx, tx, id)
}

// MarkDisputedTx moves a confirmed or in-progress booking to disputed and
// returns the status it had before.
func (s *Service) MarkDisputedTx(ctx context.Context, tx pgx.Tx, id, actorID, disputeID string) (Status, Booking, error) {
	b, err := s.repo.LockForUpdate(ctx, tx, id)
	if err != nil {
		return "", Booking{}, err
	}
	prior := b.Status
	updated, err := s.apply(ctx, tx, b, StatusDisputed, Update{}, actorID, "BOOKING_DISPUTED", "", map[string]any{
		"dispute_id":   disputeID,
		"prior_status": string(prior),
	})
	if err != nil {
		return "", Booking{}, err
	}
	return prior, updated, nil
}

// ApplyDisputeOutcomeTx moves a disputed booking to the status a dispute
// outcome calls for. Completion side effects run as for Complete.
func (s *Service) ApplyDisputeOutcomeTx(ctx context.Context, tx pgx.Tx, id string, next Status, actorID, disputeID string) (Booking, error) {
	b, err := s.repo.LockForUpdate(ctx, tx, id)
	if err != nil {
		return Booking{}, err
	}
	if b.Status != StatusDisputed {
		return Booking{}, ErrNotDisputed
	}
	payload := map[string]any{"dispute_id": disputeID}
	switch next {
	case StatusCompleted:
		return s.complete(ctx, tx, b, actorID, payload)
	case StatusCancelled:
		return s.cancel(ctx, tx, b, actorID, "dispute resolved with full refund", payload)
	case StatusConfirmed, StatusInProgress:
		return s.apply(ctx, tx, b, next, Update{}, actorID, "BOOKING_DISPUTE_CLOSED", "", payload)
	default:
		return Booking{}, ErrOutcomeStatus
	}
}

func (s *Service) complete(ctx context.Context, tx pgx.Tx, b Booking, actorID string, payload map[string]any) (Booking, error) {
	now := s.now().UTC()
	updated, err := s.apply(ctx, tx, b, StatusCompleted, Update{CompletedAt: &now}, actorID, "BOOKING_COMPLETED", activity.TopicBookingCompleted, payload)
	if err != nil {
		return Booking{}, err
	}
	if s.profiles != nil {
		if err := s.profiles.IncrementCompleted(ctx, tx, b.ProfessionalID); err != nil {
			return Booking{}, err
		}
	}
	if b.JobID != nil && s.jobs != nil {
		if err := s.jobs.CompleteJobTx(ctx, tx, *b.JobID, actorID); err != nil {
			return Booking{}, err
		}
	}
	return updated, nil
}

func (s *Service) cancel(ctx context.Context, tx pgx.Tx, b Booking, actorID, reason string, payload map[string]any) (Booking, error) {
	if err := Machine.Validate(b.Status, StatusCancelled); err != nil {
		return Booking{}, err
	}
	if err := s.escrow.CancelForBookingTx(ctx, tx, b.ID, actorID); err != nil {
		return Booking{}, err
	}
	upd := Update{CancelReason: &reason}
	if actorID != "" {
		upd.CancelledBy = &actorID
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["reason"] = reason
	updated, err := s.apply(ctx, tx, b, StatusCancelled, upd, actorID, "BOOKING_CANCELLED", activity.TopicBookingCancelled, payload)
	if err != nil {
		return Booking{}, err
	}
	if b.JobID != nil && s.jobs != nil {
		if err := s.jobs.CancelJobTx(ctx, tx, *b.JobID, actorID); err != nil {
			return Booking{}, err
		}
	}
	return updated, nil
}

func (s *Service) mutate(ctx context.Context, actor auth.Principal, id string, fn func(tx pgx.Tx, b Booking) (Booking, error)) (Booking, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Booking{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Booking{}, err
	}
	b, err := s.repo.LockForUpdate(ctx, tx, id)
	if err != nil {
		return Booking{}, err
	}
	if !b.IsParty(actor.UserID) {
		return Booking{}, ErrForbidden
	}
	updated, err := fn(tx, b)
	if err != nil {
		return Booking{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Booking{}, fmt.Errorf("booking: commit: %w", err)
	}
	return updated, nil
}

// apply validates and writes one transition. An empty topic records the
// timeline event only.
func (s *Service) apply(ctx context.Context, tx pgx.Tx, b Booking, to Status, upd Update, actorID, eventType, topic string, payload map[string]any) (Booking, error) {
	if err := Machine.Validate(b.Status, to); err != nil {
		return Booking{}, err
	}
	updated, err := s.repo.UpdateStatus(ctx, tx, b.ID, to, upd)
	if err != nil {
		return Booking{}, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = string(b.Status)
	if err := s.record(ctx, tx, updated, actorID, eventType, topic, payload); err != nil {
		return Booking{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"from":       b.Status,
		"to":         to,
	}).Debug("booking transition")
	return updated, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, b Booking, actorID, eventType, topic string, payload map[string]any) error {
	if err := s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectBooking,
		SubjectID:   b.ID,
		Type:        eventType,
		ActorID:     actorID,
		Payload:     payload,
	}); err != nil {
		return err
	}
	if topic == "" {
		return nil
	}
	msg := map[string]any{
		"booking_id":      b.ID,
		"client_id":       b.ClientID,
		"professional_id": b.ProfessionalID,
		"status":          string(b.Status),
		"amount":          b.Amount.StringFixed(2),
		"recipients":      activity.Recipients(b.ClientID, b.ProfessionalID),
	}
	for k, v := range payload {
		if _, taken := msg[k]; !taken {
			msg[k] = v
		}
	}
	return s.recorder.Enqueue(ctx, tx, topic, msg)
}
