package dispute

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
	"marketflow/assist"
	"marketflow/auth"
	"marketflow/booking"
	"marketflow/db"
	"marketflow/escrow"
	"marketflow/evidence"
)

var (
	ErrForbidden       = apperr.New(apperr.Permission, "dispute: not allowed for this user")
	ErrInvalidRequest  = apperr.New(apperr.Validation, "dispute: invalid request")
	ErrBookingState    = apperr.New(apperr.Conflict, "dispute: booking cannot be disputed in its current status")
	ErrClosed          = apperr.New(apperr.Conflict, "dispute: dispute is closed")
	ErrNotEscalated    = apperr.New(apperr.Conflict, "dispute: only escalated disputes can be decided")
	ErrEvidenceLimit   = apperr.New(apperr.Validation, "dispute: evidence limit reached")
	ErrOutcomeAmount   = apperr.New(apperr.Validation, "dispute: refund amount does not match the outcome")
	ErrRefundTooLarge  = apperr.New(apperr.Validation, "dispute: refund exceeds the outstanding escrow balance")
	ErrOwnProposal     = apperr.New(apperr.Permission, "dispute: only the other party can respond to a proposal")
	ErrStaleProposal   = apperr.New(apperr.Conflict, "dispute: proposal is no longer pending")
	ErrStorageDisabled = apperr.New(apperr.Server, "dispute: file evidence storage is not configured")
)

// Bookings is the slice of the booking service disputes drive.
type Bookings interface {
	Get(ctx context.Context, actor auth.Principal, id string) (booking.Booking, error)
	LockTx(ctx context.Context, tx pgx.Tx, id string) (booking.Booking, error)
	MarkDisputedTx(ctx context.Context, tx pgx.Tx, id, actorID, disputeID string) (booking.Status, booking.Booking, error)
	ApplyDisputeOutcomeTx(ctx context.Context, tx pgx.Tx, id string, next booking.Status, actorID, disputeID string) (booking.Booking, error)
}

// Escrow is the slice of the escrow service disputes drive.
type Escrow interface {
	GetContract(ctx context.Context, actor auth.Principal, id string) (escrow.Contract, error)
	LockTx(ctx context.Context, tx pgx.Tx, contractID string) (escrow.Contract, error)
	LockByBookingTx(ctx context.Context, tx pgx.Tx, bookingID string) (escrow.Contract, bool, error)
	Freeze(ctx context.Context, tx pgx.Tx, contractID, actorID string) (escrow.Contract, error)
	Unfreeze(ctx context.Context, tx pgx.Tx, contractID, actorID string) (escrow.Contract, error)
	Settle(ctx context.Context, tx pgx.Tx, contractID string, refund decimal.Decimal, actorID string) (escrow.Contract, error)
}

type Service struct {
	repo       Repository
	pool       db.TxBeginner
	recorder   activity.Recorder
	bookings   Bookings
	escrow     Escrow
	store      evidence.Store
	urlTTL     time.Duration
	summarizer assist.Summarizer
	logger     logrus.FieldLogger
	validate   *validator.Validate
	now        func() time.Time
}

func NewService(repo Repository, pool db.TxBeginner, recorder activity.Recorder, bookings Bookings, escrowSvc Escrow, logger logrus.FieldLogger) *Service {
	return &Service{
		repo:     repo,
		pool:     pool,
		recorder: recorder,
		bookings: bookings,
		escrow:   escrowSvc,
		urlTTL:   15 * time.Minute,
		logger:   logger.WithField("component", "dispute"),
		validate: validator.New(),
		now:      time.Now,
	}
}

// WithStorage enables file evidence.
func (s *Service) WithStorage(store evidence.Store, urlTTL time.Duration) *Service {
	s.store = store
	if urlTTL > 0 {
		s.urlTTL = urlTTL
	}
	return s
}

// WithSummarizer enables Summarize.
func (s *Service) WithSummarizer(summarizer assist.Summarizer) *Service {
	s.summarizer = summarizer
	return s
}

type notice struct {
	eventType  string
	topic      string
	recipients []string
	payload    map[string]any
}

// Open disputes a confirmed or in-progress booking. The booking is marked
// disputed and its escrow contract frozen in the same transaction.
func (s *Service) Open(ctx context.Context, actor auth.Principal, req OpenRequest) (Record, error) {
	req.Description = strings.TrimSpace(req.Description)
	if err := s.validate.Struct(req); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Record{}, err
	}
	b, err := s.bookings.LockTx(ctx, tx, req.BookingID)
	if err != nil {
		return Record{}, err
	}
	if !b.IsParty(actor.UserID) {
		return Record{}, ErrForbidden
	}
	if b.Status != booking.StatusConfirmed && b.Status != booking.StatusInProgress {
		return Record{}, ErrBookingState
	}
	contract, hasContract, err := s.escrow.LockByBookingTx(ctx, tx, b.ID)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		BookingID:          b.ID,
		OpenedBy:           actor.UserID,
		RespondentID:       b.Counterparty(actor.UserID),
		Reason:             req.Reason,
		Description:        req.Description,
		Status:             StatusOpen,
		PriorBookingStatus: b.Status,
	}
	if hasContract {
		id := contract.ID
		rec.ContractID = &id
	}
	created, err := s.repo.Create(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}
	if _, _, err := s.bookings.MarkDisputedTx(ctx, tx, b.ID, actor.UserID, created.ID); err != nil {
		return Record{}, err
	}
	if hasContract {
		if _, err := s.escrow.Freeze(ctx, tx, contract.ID, actor.UserID); err != nil {
			return Record{}, err
		}
	}
	if err := s.record(ctx, tx, created, actor.UserID, notice{
		eventType:  "DISPUTE_OPENED",
		topic:      activity.TopicDisputeOpened,
		recipients: activity.Recipients(created.OpenedBy, created.RespondentID),
		payload:    map[string]any{"reason": string(created.Reason)},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"dispute_id": created.ID, "booking_id": b.ID}).Info("dispute opened")
	return created, nil
}

func (s *Service) Get(ctx context.Context, actor auth.Principal, id string) (Record, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if err := access(actor, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns the actor's disputes, or all of them for admins.
func (s *Service) List(ctx context.Context, actor auth.Principal, status string) ([]Record, error) {
	filters := Filters{UserID: actor.UserID, AsAdmin: actor.IsAdmin()}
	if status != "" {
		st := Status(status)
		if !Machine.Known(st) {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
		}
		filters.Status = st
	}
	return s.repo.List(ctx, filters)
}

// RequestUpload signs a direct upload for a file that will later be
// attached with SubmitEvidence.
func (s *Service) RequestUpload(ctx context.Context, actor auth.Principal, id string, req UploadRequest) (evidence.SignedURL, error) {
	if err := s.validate.Struct(req); err != nil {
		return evidence.SignedURL{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := evidence.ValidateUpload(req.ContentType, req.Size); err != nil {
		return evidence.SignedURL{}, err
	}
	if s.store == nil {
		return evidence.SignedURL{}, ErrStorageDisabled
	}
	rec, err := s.Get(ctx, actor, id)
	if err != nil {
		return evidence.SignedURL{}, err
	}
	if Machine.IsTerminal(rec.Status) {
		return evidence.SignedURL{}, ErrClosed
	}
	return s.store.SignUpload(ctx, evidence.NewObjectKey(rec.ID, req.FileName), req.ContentType, s.urlTTL)
}

// SubmitEvidence attaches text, a link or an uploaded file. Parties and
// admins may submit until the dispute closes.
func (s *Service) SubmitEvidence(ctx context.Context, actor auth.Principal, id string, req EvidenceRequest) (Evidence, error) {
	req.Body = strings.TrimSpace(req.Body)
	req.ObjectKey = strings.TrimSpace(req.ObjectKey)
	if err := s.validate.Struct(req); err != nil {
		return Evidence{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var objectKey *string
	switch req.Kind {
	case EvidenceText:
		if req.Body == "" {
			return Evidence{}, fmt.Errorf("%w: text evidence needs a body", ErrInvalidRequest)
		}
	case EvidenceLink:
		if err := s.validate.Var(req.Body, "required,url"); err != nil {
			return Evidence{}, fmt.Errorf("%w: link evidence needs a valid URL", ErrInvalidRequest)
		}
	case EvidenceFile:
		if err := evidence.CheckScope(id, req.ObjectKey); err != nil {
			return Evidence{}, err
		}
		if s.store == nil {
			return Evidence{}, ErrStorageDisabled
		}
		info, err := s.store.Stat(ctx, req.ObjectKey)
		if err != nil {
			return Evidence{}, err
		}
		if info.Size > evidence.MaxSize {
			return Evidence{}, evidence.ErrTooLarge
		}
		objectKey = &req.ObjectKey
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Evidence{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Evidence{}, err
	}
	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Evidence{}, err
	}
	if err := access(actor, rec); err != nil {
		return Evidence{}, err
	}
	if Machine.IsTerminal(rec.Status) {
		return Evidence{}, ErrClosed
	}
	n, err := s.repo.CountEvidence(ctx, tx, rec.ID, actor.UserID)
	if err != nil {
		return Evidence{}, err
	}
	if n >= MaxEvidencePerParty {
		return Evidence{}, ErrEvidenceLimit
	}
	ev, err := s.repo.InsertEvidence(ctx, tx, Evidence{
		DisputeID:   rec.ID,
		SubmittedBy: actor.UserID,
		Kind:        req.Kind,
		Body:        req.Body,
		ObjectKey:   objectKey,
	})
	if err != nil {
		return Evidence{}, err
	}
	recipients := activity.Recipients(rec.Other(actor.UserID))
	if actor.IsAdmin() && !rec.IsParty(actor.UserID) {
		recipients = activity.Recipients(rec.OpenedBy, rec.RespondentID)
	}
	if err := s.record(ctx, tx, rec, actor.UserID, notice{
		eventType:  "EVIDENCE_SUBMITTED",
		topic:      activity.TopicDisputeEvidence,
		recipients: recipients,
		payload:    map[string]any{"evidence_id": ev.ID, "kind": string(ev.Kind)},
	}); err != nil {
		return Evidence{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Evidence{}, fmt.Errorf("dispute: commit evidence: %w", err)
	}
	return ev, nil
}

func (s *Service) ListEvidence(ctx context.Context, actor auth.Principal, id string) ([]Evidence, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.repo.ListEvidence(ctx, id)
}

// EvidenceURL signs a download link for a file evidence item.
func (s *Service) EvidenceURL(ctx context.Context, actor auth.Principal, id, evidenceID string) (evidence.SignedURL, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return evidence.SignedURL{}, err
	}
	ev, err := s.repo.GetEvidence(ctx, id, evidenceID)
	if err != nil {
		return evidence.SignedURL{}, err
	}
	if ev.Kind != EvidenceFile || ev.ObjectKey == nil {
		return evidence.SignedURL{}, ErrEvidenceNotFound
	}
	if s.store == nil {
		return evidence.SignedURL{}, ErrStorageDisabled
	}
	return s.store.SignDownload(ctx, *ev.ObjectKey, s.urlTTL)
}

func (s *Service) ListResolutions(ctx context.Context, actor auth.Principal, id string) ([]Resolution, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.repo.ListResolutions(ctx, id)
}

// ProposeResolution records a party's proposed outcome. Only one proposal
// may be pending at a time.
func (s *Service) ProposeResolution(ctx context.Context, actor auth.Principal, id string, req ProposalRequest) (Resolution, error) {
	req.Note = strings.TrimSpace(req.Note)
	if err := s.validate.Struct(req); err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Resolution{}, err
	}
	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Resolution{}, err
	}
	if !rec.IsParty(actor.UserID) {
		return Resolution{}, ErrForbidden
	}
	switch rec.Status {
	case StatusOpen:
	case StatusResolutionProposed:
		return Resolution{}, ErrPendingProposal
	default:
		return Resolution{}, Machine.Validate(rec.Status, StatusResolutionProposed)
	}
	refund, err := s.checkOutcome(ctx, tx, rec, req.Outcome, req.RefundAmount)
	if err != nil {
		return Resolution{}, err
	}
	res, err := s.repo.InsertResolution(ctx, tx, Resolution{
		DisputeID:    rec.ID,
		ProposedBy:   actor.UserID,
		Outcome:      req.Outcome,
		RefundAmount: refund,
		Note:         req.Note,
		Status:       ResolutionPending,
	})
	if err != nil {
		return Resolution{}, err
	}
	if _, err := s.transition(ctx, tx, rec, StatusResolutionProposed, nil, actor.UserID, notice{
		eventType:  "RESOLUTION_PROPOSED",
		topic:      activity.TopicDisputeResolutionProposed,
		recipients: activity.Recipients(rec.Other(actor.UserID)),
		payload:    resolutionPayload(res),
	}); err != nil {
		return Resolution{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Resolution{}, fmt.Errorf("dispute: commit proposal: %w", err)
	}
	return res, nil
}

// RespondToResolution accepts or rejects the pending proposal. Only the
// party who did not propose it may respond. Accepting applies the outcome.
func (s *Service) RespondToResolution(ctx context.Context, actor auth.Principal, id, resolutionID string, accept bool) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Record{}, err
	}
	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if !rec.IsParty(actor.UserID) {
		return Record{}, ErrForbidden
	}
	if rec.Status != StatusResolutionProposed {
		return Record{}, ErrStaleProposal
	}
	res, ok, err := s.repo.PendingResolution(ctx, tx, rec.ID)
	if err != nil {
		return Record{}, err
	}
	if !ok || res.ID != resolutionID {
		return Record{}, ErrStaleProposal
	}
	if res.ProposedBy == actor.UserID {
		return Record{}, ErrOwnProposal
	}

	now := s.now().UTC()
	res.DecidedBy = &actor.UserID
	res.DecidedAt = &now
	var updated Record
	if accept {
		res.Status = ResolutionAccepted
		if res, err = s.repo.UpdateResolution(ctx, tx, res); err != nil {
			return Record{}, err
		}
		updated, err = s.resolve(ctx, tx, rec, res, actor.UserID)
	} else {
		res.Status = ResolutionRejected
		if res, err = s.repo.UpdateResolution(ctx, tx, res); err != nil {
			return Record{}, err
		}
		updated, err = s.transition(ctx, tx, rec, StatusOpen, nil, actor.UserID, notice{
			eventType:  "RESOLUTION_REJECTED",
			topic:      activity.TopicDisputeResolutionRejected,
			recipients: activity.Recipients(res.ProposedBy),
			payload:    resolutionPayload(res),
		})
	}
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit response: %w", err)
	}
	return updated, nil
}

// Escalate hands the dispute to an admin. A pending proposal is superseded.
func (s *Service) Escalate(ctx context.Context, actor auth.Principal, id, note string) (Record, error) {
	note = strings.TrimSpace(note)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Record{}, err
	}
	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if err := access(actor, rec); err != nil {
		return Record{}, err
	}
	if err := Machine.Validate(rec.Status, StatusEscalated); err != nil {
		return Record{}, err
	}
	res, ok, err := s.repo.PendingResolution(ctx, tx, rec.ID)
	if err != nil {
		return Record{}, err
	}
	if ok {
		res.Status = ResolutionSuperseded
		if _, err := s.repo.UpdateResolution(ctx, tx, res); err != nil {
			return Record{}, err
		}
	}
	updated, err := s.transition(ctx, tx, rec, StatusEscalated, nil, actor.UserID, notice{
		eventType:  "DISPUTE_ESCALATED",
		topic:      activity.TopicDisputeEscalated,
		recipients: activity.Recipients(rec.OpenedBy, rec.RespondentID),
		payload:    map[string]any{"note": note},
	})
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit escalation: %w", err)
	}
	return updated, nil
}

// Decide applies an admin outcome to an escalated dispute.
func (s *Service) Decide(ctx context.Context, actor auth.Principal, id string, req ProposalRequest) (Record, error) {
	if err := auth.RequireAdmin(actor); err != nil {
		return Record{}, err
	}
	req.Note = strings.TrimSpace(req.Note)
	if err := s.validate.Struct(req); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Record{}, err
	}
	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusEscalated {
		return Record{}, ErrNotEscalated
	}
	refund, err := s.checkOutcome(ctx, tx, rec, req.Outcome, req.RefundAmount)
	if err != nil {
		return Record{}, err
	}
	now := s.now().UTC()
	res, err := s.repo.InsertResolution(ctx, tx, Resolution{
		DisputeID:    rec.ID,
		ProposedBy:   actor.UserID,
		Outcome:      req.Outcome,
		RefundAmount: refund,
		Note:         req.Note,
		Status:       ResolutionAccepted,
		DecidedBy:    &actor.UserID,
		DecidedAt:    &now,
	})
	if err != nil {
		return Record{}, err
	}
	updated, err := s.resolve(ctx, tx, rec, res, actor.UserID)
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit decision: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"dispute_id": rec.ID,
		"outcome":    res.Outcome,
		"refund":     res.RefundAmount.StringFixed(2),
	}).Info("dispute decided")
	return updated, nil
}

// Withdraw closes an open dispute at the opener's request. Escrow is
// unfrozen and the booking returns to its pre-dispute status.
func (s *Service) Withdraw(ctx context.Context, actor auth.Principal, id string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Record{}, err
	}
	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.OpenedBy != actor.UserID {
		return Record{}, ErrForbidden
	}
	if err := Machine.Validate(rec.Status, StatusWithdrawn); err != nil {
		return Record{}, err
	}
	if rec.ContractID != nil {
		if _, err := s.escrow.Unfreeze(ctx, tx, *rec.ContractID, actor.UserID); err != nil {
			return Record{}, err
		}
	}
	prior := rec.PriorBookingStatus
	if prior == "" {
		prior = booking.StatusInProgress
	}
	if _, err := s.bookings.ApplyDisputeOutcomeTx(ctx, tx, rec.BookingID, prior, actor.UserID, rec.ID); err != nil {
		return Record{}, err
	}
	updated, err := s.transition(ctx, tx, rec, StatusWithdrawn, nil, actor.UserID, notice{
		eventType:  "DISPUTE_WITHDRAWN",
		topic:      activity.TopicDisputeWithdrawn,
		recipients: activity.Recipients(rec.OpenedBy, rec.RespondentID),
	})
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit withdrawal: %w", err)
	}
	return updated, nil
}

// Summarize asks the configured model for a neutral summary of the dispute.
func (s *Service) Summarize(ctx context.Context, actor auth.Principal, id string) (string, error) {
	if s.summarizer == nil {
		return "", assist.ErrAssistUnavailable
	}
	rec, err := s.Get(ctx, actor, id)
	if err != nil {
		return "", err
	}
	b, err := s.bookings.Get(ctx, actor, rec.BookingID)
	if err != nil {
		return "", err
	}
	brief := assist.Brief{
		DisputeID:    rec.ID,
		BookingTitle: b.Title,
		Amount:       b.Amount.StringFixed(2),
		Currency:     "USD",
		Reason:       string(rec.Reason),
		Description:  rec.Description,
		Status:       string(rec.Status),
	}
	if rec.ContractID != nil {
		c, err := s.escrow.GetContract(ctx, actor, *rec.ContractID)
		if err != nil {
			return "", err
		}
		brief.Currency = c.Currency
	}
	party := func(userID string) string {
		switch userID {
		case b.ClientID:
			return "client"
		case b.ProfessionalID:
			return "professional"
		default:
			return "admin"
		}
	}

	items, err := s.repo.ListEvidence(ctx, rec.ID)
	if err != nil {
		return "", err
	}
	for _, ev := range items {
		brief.Evidence = append(brief.Evidence, assist.Evidence{
			Party:     party(ev.SubmittedBy),
			Kind:      string(ev.Kind),
			Body:      ev.Body,
			CreatedAt: ev.CreatedAt,
		})
	}
	resolutions, err := s.repo.ListResolutions(ctx, rec.ID)
	if err != nil {
		return "", err
	}
	for _, res := range resolutions {
		brief.Proposals = append(brief.Proposals, assist.Proposal{
			Party:   party(res.ProposedBy),
			Outcome: string(res.Outcome),
			Refund:  res.RefundAmount.StringFixed(2),
			Note:    res.Note,
			Status:  string(res.Status),
		})
	}

	summary, err := s.summarizer.Summarize(ctx, brief)
	if err != nil {
		s.logger.WithError(err).WithField("dispute_id", rec.ID).Warn("dispute summary failed")
		return "", err
	}
	return summary, nil
}

// checkOutcome validates a refund against the outcome and the frozen
// balance, filling in the full amount for full refunds left at zero.
func (s *Service) checkOutcome(ctx context.Context, tx pgx.Tx, rec Record, outcome Outcome, refund decimal.Decimal) (decimal.Decimal, error) {
	outstanding := decimal.Zero
	if rec.ContractID != nil {
		c, err := s.escrow.LockTx(ctx, tx, *rec.ContractID)
		if err != nil {
			return decimal.Zero, err
		}
		if c.Status == escrow.ContractDisputed {
			outstanding = c.Outstanding()
		}
	}
	if refund.IsNegative() || !refund.Equal(refund.Round(2)) {
		return decimal.Zero, ErrOutcomeAmount
	}
	if outcome == OutcomeFullRefund && refund.IsZero() {
		refund = outstanding
	}
	if refund.GreaterThan(outstanding) {
		return decimal.Zero, ErrRefundTooLarge
	}
	switch outcome {
	case OutcomeFullRefund:
		if !refund.Equal(outstanding) {
			return decimal.Zero, ErrOutcomeAmount
		}
	case OutcomePartialRefund:
		if !refund.IsPositive() || refund.Equal(outstanding) {
			return decimal.Zero, ErrOutcomeAmount
		}
	case OutcomeRelease:
		if !refund.IsZero() {
			return decimal.Zero, ErrOutcomeAmount
		}
	}
	return refund, nil
}

func (s *Service) resolve(ctx context.Context, tx pgx.Tx, rec Record, res Resolution, actorID string) (Record, error) {
	if rec.ContractID != nil {
		if _, err := s.escrow.Settle(ctx, tx, *rec.ContractID, res.RefundAmount, actorID); err != nil {
			return Record{}, err
		}
	}
	if _, err := s.bookings.ApplyDisputeOutcomeTx(ctx, tx, rec.BookingID, res.Outcome.BookingStatus(), actorID, rec.ID); err != nil {
		return Record{}, err
	}
	now := s.now().UTC()
	return s.transition(ctx, tx, rec, StatusResolved, &now, actorID, notice{
		eventType:  "DISPUTE_RESOLVED",
		topic:      activity.TopicDisputeResolved,
		recipients: activity.Recipients(rec.OpenedBy, rec.RespondentID),
		payload:    resolutionPayload(res),
	})
}

func (s *Service) transition(ctx context.Context, tx pgx.Tx, rec Record, to Status, resolvedAt *time.Time, actorID string, n notice) (Record, error) {
	if err := Machine.Validate(rec.Status, to); err != nil {
		return Record{}, err
	}
	updated, err := s.repo.UpdateStatus(ctx, tx, rec.ID, to, resolvedAt)
	if err != nil {
		return Record{}, err
	}
	if n.payload == nil {
		n.payload = map[string]any{}
	}
	n.payload["from"] = string(rec.Status)
	if err := s.record(ctx, tx, updated, actorID, n); err != nil {
		return Record{}, err
	}
	return updated, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, rec Record, actorID string, n notice) error {
	if err := s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectDispute,
		SubjectID:   rec.ID,
		Type:        n.eventType,
		ActorID:     actorID,
		Payload:     n.payload,
	}); err != nil {
		return err
	}
	msg := map[string]any{
		"dispute_id":    rec.ID,
		"booking_id":    rec.BookingID,
		"opened_by":     rec.OpenedBy,
		"respondent_id": rec.RespondentID,
		"user_id":       rec.RespondentID,
		"status":        string(rec.Status),
		"recipients":    n.recipients,
	}
	if rec.ContractID != nil {
		msg["contract_id"] = *rec.ContractID
	}
	for k, v := range n.payload {
		if _, taken := msg[k]; !taken {
			msg[k] = v
		}
	}
	return s.recorder.Enqueue(ctx, tx, n.topic, msg)
}

func access(actor auth.Principal, rec Record) error {
	if actor.IsAdmin() || rec.IsParty(actor.UserID) {
		return nil
	}
	return ErrForbidden
}

func resolutionPayload(res Resolution) map[string]any {
	return map[string]any{
		"resolution_id": res.ID,
		"outcome":       string(res.Outcome),
		"refund_amount": res.RefundAmount.StringFixed(2),
	}
}
