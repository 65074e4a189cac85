package job

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketflow/activity"
	"marketflow/apperr"
	"marketflow/auth"
	"marketflow/booking"
	"marketflow/db"
	"marketflow/escrow"
)

var (
	ErrForbidden       = apperr.New(apperr.Permission, "job: not allowed for this user")
	ErrInvalidJob      = apperr.New(apperr.Validation, "job: invalid job")
	ErrInvalidQuote    = apperr.New(apperr.Validation, "job: invalid quote")
	ErrNotOpen         = apperr.New(apperr.Conflict, "job: job is not open for quotes")
	ErrActiveBooking   = apperr.New(apperr.Conflict, "job: job has an active booking")
	ErrQuoteMismatch   = apperr.New(apperr.NotFound, "job: quote does not belong to this job")
	ErrOwnJob          = apperr.New(apperr.Validation, "job: cannot quote on your own job")
	ErrMilestoneTotals = apperr.New(apperr.Validation, "job: milestone amounts must sum to the quote amount")
)

// Bookings creates the booking for an accepted quote.
type Bookings interface {
	CreateFromQuoteTx(ctx context.Context, tx pgx.Tx, params booking.QuoteParams) (booking.Booking, bool, error)
}

// Contracts opens the escrow contract for a new booking.
type Contracts interface {
	CreateContract(ctx context.Context, tx pgx.Tx, params escrow.CreateContractParams) (escrow.Contract, error)
}

type Service struct {
	repo      Repository
	pool      db.TxBeginner
	recorder  activity.Recorder
	bookings  Bookings
	contracts Contracts
	logger    logrus.FieldLogger
	validate  *validator.Validate
	now       func() time.Time
}

func NewService(repo Repository, pool db.TxBeginner, recorder activity.Recorder, bookings Bookings, contracts Contracts, logger logrus.FieldLogger) *Service {
	return &Service{
		repo:      repo,
		pool:      pool,
		recorder:  recorder,
		bookings:  bookings,
		contracts: contracts,
		logger:    logger.WithField("component", "job"),
		validate:  validator.New(),
		now:       time.Now,
	}
}

func (s *Service) CreateJob(ctx context.Context, actor auth.Principal, req CreateJobRequest) (Job, error) {
	if actor.Role != auth.RoleClient {
		return Job{}, ErrForbidden
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Description = strings.TrimSpace(req.Description)
	req.Category = strings.ToLower(strings.TrimSpace(req.Category))
	if err := s.validate.Struct(req); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if req.Budget != nil && !escrow.ValidAmount(*req.Budget) {
		return Job{}, fmt.Errorf("%w: budget must be positive with at most two decimals", ErrInvalidJob)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Job{}, err
	}
	created, err := s.repo.Create(ctx, tx, Job{
		ClientID:    actor.UserID,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Budget:      req.Budget,
		Status:      StatusOpen,
	})
	if err != nil {
		return Job{}, err
	}
	if err := s.record(ctx, tx, created, actor.UserID, "JOB_CREATED", activity.TopicJobCreated, map[string]any{
		"category": created.Category,
	}); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("job: commit tx: %w", err)
	}
	return created, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (Job, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, filters Filters) (ListResult, error) {
	if filters.Status != "" && !Machine.Known(filters.Status) {
		return ListResult{}, fmt.Errorf("%w: unknown status %q", ErrInvalidJob, filters.Status)
	}
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// CancelJob cancels an open or assigned job that has no active booking.
// Owner only. Outstanding quotes are rejected.
func (s *Service) CancelJob(ctx context.Context, actor auth.Principal, id string) (Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Job{}, err
	}
	j, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Job{}, err
	}
	if j.ClientID != actor.UserID {
		return Job{}, ErrForbidden
	}
	if err := Machine.Validate(j.Status, StatusCancelled); err != nil {
		return Job{}, err
	}
	active, err := s.repo.HasActiveBooking(ctx, tx, j.ID)
	if err != nil {
		return Job{}, err
	}
	if active {
		return Job{}, ErrActiveBooking
	}
	cancelled, err := s.cancel(ctx, tx, j, actor.UserID)
	if err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("job: commit tx: %w", err)
	}
	return cancelled, nil
}

// SubmitQuote records a professional's offer on an open job.
func (s *Service) SubmitQuote(ctx context.Context, actor auth.Principal, jobID string, req SubmitQuoteRequest) (Quote, error) {
	if actor.Role != auth.RoleProfessional {
		return Quote{}, ErrForbidden
	}
	req.Message = strings.TrimSpace(req.Message)
	if err := s.validate.Struct(req); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrInvalidQuote, err)
	}
	if !escrow.ValidAmount(req.Amount) {
		return Quote{}, fmt.Errorf("%w: amount must be positive with at most two decimals", ErrInvalidQuote)
	}
	if len(req.Milestones) > 0 {
		sum := decimal.Zero
		for _, m := range req.Milestones {
			if !escrow.ValidAmount(m.Amount) {
				return Quote{}, fmt.Errorf("%w: milestone %q has an invalid amount", ErrInvalidQuote, m.Title)
			}
			sum = sum.Add(m.Amount)
		}
		if !sum.Equal(req.Amount) {
			return Quote{}, ErrMilestoneTotals
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Quote{}, err
	}
	j, err := s.repo.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return Quote{}, err
	}
	if j.ClientID == actor.UserID {
		return Quote{}, ErrOwnJob
	}
	if j.Status != StatusOpen {
		return Quote{}, ErrNotOpen
	}
	q, err := s.repo.CreateQuote(ctx, tx, Quote{
		JobID:          j.ID,
		ProfessionalID: actor.UserID,
		Amount:         req.Amount,
		Message:        req.Message,
		Milestones:     req.Milestones,
		Status:         QuoteSubmitted,
	})
	if err != nil {
		return Quote{}, err
	}
	if err := s.recordQuote(ctx, tx, j, q, actor.UserID, "QUOTE_SUBMITTED", activity.TopicQuoteSubmitted, j.ClientID); err != nil {
		return Quote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Quote{}, fmt.Errorf("job: commit tx: %w", err)
	}
	return q, nil
}

// WithdrawQuote pulls back a submitted quote. Author only.
func (s *Service) WithdrawQuote(ctx context.Context, actor auth.Principal, quoteID string) (Quote, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("job: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Quote{}, err
	}
	q, err := s.repo.GetQuoteForUpdate(ctx, tx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if q.ProfessionalID != actor.UserID {
		return Quote{}, ErrForbidden
	}
	if err := QuoteMachine.Validate(q.Status, QuoteWithdrawn); err != nil {
		return Quote{}, err
	}
	j, err := s.repo.Get(ctx, q.JobID)
	if err != nil {
		return Quote{}, err
	}
	updated, err := s.repo.UpdateQuoteStatus(ctx, tx, q.ID, QuoteWithdrawn)
	if err != nil {
		return Quote{}, err
	}
	if err := s.recordQuote(ctx, tx, j, updated, actor.UserID, "QUOTE_WITHDRAWN", activity.TopicQuoteWithdrawn, j.ClientID); err != nil {
		return Quote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Quote{}, fmt.Errorf("job: commit tx: %w", err)
	}
	return updated, nil
}

// ListQuotes shows the job owner and admins every quote; professionals see
// only their own.
func (s *Service) ListQuotes(ctx context.Context, actor auth.Principal, jobID string) ([]Quote, error) {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.IsAdmin(), j.ClientID == actor.UserID:
		return s.repo.ListQuotes(ctx, jobID, "")
	case actor.Role == auth.RoleProfessional:
		return s.repo.ListQuotes(ctx, jobID, actor.UserID)
	default:
		return nil, ErrForbidden
	}
}

// AcceptQuote accepts a quote, rejects its competitors, assigns the job and
// opens the booking and escrow contract in a single transaction. Accepting
// an already accepted quote returns the existing booking.
func (s *Service) AcceptQuote(ctx context.Context, actor auth.Principal, jobID, quoteID string) (AcceptResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("job: begin acceptance tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return AcceptResult{}, err
	}
	j, err := s.repo.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return AcceptResult{}, err
	}
	if j.ClientID != actor.UserID {
		return AcceptResult{}, ErrForbidden
	}
	q, err := s.repo.GetQuoteForUpdate(ctx, tx, quoteID)
	if err != nil {
		return AcceptResult{}, err
	}
	if q.JobID != j.ID {
		return AcceptResult{}, ErrQuoteMismatch
	}

	switch q.Status {
	case QuoteAccepted:
		// Already accepted; fall through to the booking lookup.
	case QuoteSubmitted:
		if j.Status != StatusOpen {
			return AcceptResult{}, ErrNotOpen
		}
		if q, err = s.repo.UpdateQuoteStatus(ctx, tx, q.ID, QuoteAccepted); err != nil {
			return AcceptResult{}, err
		}
		rejected, err := s.repo.RejectOpenQuotes(ctx, tx, j.ID, q.ID)
		if err != nil {
			return AcceptResult{}, err
		}
		for _, r := range rejected {
			if err := s.recordQuote(ctx, tx, j, r, actor.UserID, "QUOTE_REJECTED", activity.TopicQuoteRejected, r.ProfessionalID); err != nil {
				return AcceptResult{}, err
			}
		}
		if j, err = s.transition(ctx, tx, j, StatusAssigned, actor.UserID, "JOB_ASSIGNED", ""); err != nil {
			return AcceptResult{}, err
		}
	default:
		return AcceptResult{}, QuoteMachine.Validate(q.Status, QuoteAccepted)
	}

	b, created, err := s.bookings.CreateFromQuoteTx(ctx, tx, booking.QuoteParams{
		JobID:          j.ID,
		QuoteID:        q.ID,
		ClientID:       j.ClientID,
		ProfessionalID: q.ProfessionalID,
		Title:          j.Title,
		Amount:         q.Amount,
		ActorID:        actor.UserID,
	})
	if err != nil {
		return AcceptResult{}, err
	}
	result := AcceptResult{Job: j, Quote: q, Booking: b, Replayed: !created}
	if !created {
		return result, nil
	}

	contract, err := s.contracts.CreateContract(ctx, tx, escrow.CreateContractParams{
		BookingID:      b.ID,
		ClientID:       b.ClientID,
		ProfessionalID: b.ProfessionalID,
		Total:          q.Amount,
		Milestones:     q.Milestones,
		ActorID:        actor.UserID,
	})
	if err != nil {
		return AcceptResult{}, err
	}
	result.ContractID = contract.ID

	if err := s.recordQuote(ctx, tx, j, q, actor.UserID, "QUOTE_ACCEPTED", activity.TopicQuoteAccepted, q.ProfessionalID, j.ClientID); err != nil {
		return AcceptResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AcceptResult{}, fmt.Errorf("job: commit acceptance: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"job_id":     j.ID,
		"quote_id":   q.ID,
		"booking_id": b.ID,
	}).Info("quote accepted")
	return result, nil
}

// CompleteJobTx closes an assigned job once its booking completes.
func (s *Service) CompleteJobTx(ctx context.Context, tx pgx.Tx, jobID, actorID string) error {
	j, err := s.repo.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if j.Status == StatusClosed {
		return nil
	}
	_, err = s.transition(ctx, tx, j, StatusClosed, actorID, "JOB_CLOSED", "")
	return err
}

// CancelJobTx cancels the job behind a cancelled booking. Terminal jobs are
// left alone.
func (s *Service) CancelJobTx(ctx context.Context, tx pgx.Tx, jobID, actorID string) error {
	j, err := s.repo.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if Machine.IsTerminal(j.Status) {
		return nil
	}
	_, err = s.cancel(ctx, tx, j, actorID)
	return err
}

func (s *Service) cancel(ctx context.Context, tx pgx.Tx, j Job, actorID string) (Job, error) {
	rejected, err := s.repo.RejectOpenQuotes(ctx, tx, j.ID, "")
	if err != nil {
		return Job{}, err
	}
	for _, r := range rejected {
		if err := s.recordQuote(ctx, tx, j, r, actorID, "QUOTE_REJECTED", activity.TopicQuoteRejected, r.ProfessionalID); err != nil {
			return Job{}, err
		}
	}
	return s.transition(ctx, tx, j, StatusCancelled, actorID, "JOB_CANCELLED", activity.TopicJobCancelled)
}

func (s *Service) transition(ctx context.Context, tx pgx.Tx, j Job, to Status, actorID, eventType, topic string) (Job, error) {
	if err := Machine.Validate(j.Status, to); err != nil {
		return Job{}, err
	}
	updated, err := s.repo.UpdateStatus(ctx, tx, j.ID, to)
	if err != nil {
		return Job{}, err
	}
	if err := s.record(ctx, tx, updated, actorID, eventType, topic, map[string]any{"from": string(j.Status)}); err != nil {
		return Job{}, err
	}
	return updated, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, j Job, actorID, eventType, topic string, payload map[string]any) error {
	if err := s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectJob,
		SubjectID:   j.ID,
		Type:        eventType,
		ActorID:     actorID,
		Payload:     payload,
	}); err != nil {
		return err
	}
	if topic == "" {
		return nil
	}
	return s.recorder.Enqueue(ctx, tx, topic, map[string]any{
		"job_id":     j.ID,
		"client_id":  j.ClientID,
		"status":     string(j.Status),
		"recipients": activity.Recipients(j.ClientID),
	})
}

func (s *Service) recordQuote(ctx context.Context, tx pgx.Tx, j Job, q Quote, actorID, eventType, topic string, recipients ...string) error {
	if err := s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectJob,
		SubjectID:   j.ID,
		Type:        eventType,
		ActorID:     actorID,
		Payload: map[string]any{
			"quote_id":        q.ID,
			"professional_id": q.ProfessionalID,
			"amount":          q.Amount.StringFixed(2),
		},
	}); err != nil {
		return err
	}
	return s.recorder.Enqueue(ctx, tx, topic, map[string]any{
		"job_id":          j.ID,
		"quote_id":        q.ID,
		"client_id":       j.ClientID,
		"professional_id": q.ProfessionalID,
		"status":          string(q.Status),
		"amount":          q.Amount.StringFixed(2),
		"recipients":      activity.Recipients(recipients...),
	})
}
