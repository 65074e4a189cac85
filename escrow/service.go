package escrow

import (
	"context"
	"errors"
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
	"marketflow/db"
	"marketflow/statemachine"
)

var (
	ErrForbidden         = apperr.New(apperr.Permission, "escrow: not a party to this contract")
	ErrInvalidAmount     = apperr.New(apperr.Validation, "escrow: amounts must be positive with at most two decimals")
	ErrMilestoneSum      = apperr.New(apperr.Validation, "escrow: milestone amounts must sum to the contract total")
	ErrAmountMismatch    = apperr.New(apperr.Validation, "escrow: payment amount does not match the contract total")
	ErrCurrencyMismatch  = apperr.New(apperr.Validation, "escrow: payment currency does not match the contract")
	ErrNotFunded         = apperr.New(apperr.Conflict, "escrow: contract is not funded")
	ErrInsufficientFunds = apperr.New(apperr.Conflict, "escrow: outstanding balance is lower than the milestone amount")
	ErrRefundTooLarge    = apperr.New(apperr.Validation, "escrow: refund exceeds the outstanding balance")
	ErrContractLocked    = apperr.New(apperr.Conflict, "escrow: contract cannot be cancelled in its current status")
	ErrInvalidPayment    = apperr.New(apperr.Validation, "escrow: invalid payment event")
	ErrLedgerMismatch    = apperr.New(apperr.Server, "escrow: milestone balances do not match the contract")
)

// Service runs contract and milestone transitions. Each public mutation
// opens its own transaction; the *Tx-suffixed helpers join the caller's.
type Service struct {
	repo     Repository
	pool     db.TxBeginner
	recorder activity.Recorder
	locker   Locker
	lockTTL  time.Duration
	logger   logrus.FieldLogger
	validate *validator.Validate
	now      func() time.Time
}

// NewService builds a Service. locker may be nil, in which case releases
// rely on row locks alone.
func NewService(repo Repository, pool db.TxBeginner, recorder activity.Recorder, locker Locker, logger logrus.FieldLogger) *Service {
	return &Service{
		repo:     repo,
		pool:     pool,
		recorder: recorder,
		locker:   locker,
		lockTTL:  10 * time.Second,
		logger:   logger.WithField("component", "escrow"),
		validate: validator.New(),
		now:      time.Now,
	}
}

// WithLockTTL overrides the contract lock lifetime.
func (s *Service) WithLockTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.lockTTL = ttl
	}
	return s
}

// CreateContract inserts an awaiting_funding contract inside tx. Without
// milestone plans a single milestone covers the total.
func (s *Service) CreateContract(ctx context.Context, tx pgx.Tx, params CreateContractParams) (Contract, error) {
	if params.BookingID == "" || params.ClientID == "" || params.ProfessionalID == "" {
		return Contract{}, fmt.Errorf("escrow: create contract: missing booking or parties")
	}
	if !ValidAmount(params.Total) {
		return Contract{}, ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = "USD"
	}

	plans := params.Milestones
	if len(plans) == 0 {
		plans = []MilestonePlan{{Title: "Full amount", Amount: params.Total}}
	}
	sum := decimal.Zero
	milestones := make([]Milestone, 0, len(plans))
	for i, p := range plans {
		if err := s.validate.Struct(p); err != nil {
			return Contract{}, apperr.Wrap(apperr.Validation, "escrow: invalid milestone", err)
		}
		if !ValidAmount(p.Amount) {
			return Contract{}, ErrInvalidAmount
		}
		sum = sum.Add(p.Amount)
		milestones = append(milestones, Milestone{
			Position: i + 1,
			Title:    strings.TrimSpace(p.Title),
			Amount:   p.Amount,
			Status:   MilestonePending,
		})
	}
	if !sum.Equal(params.Total) {
		return Contract{}, ErrMilestoneSum
	}

	created, err := s.repo.CreateContract(ctx, tx, Contract{
		BookingID:      params.BookingID,
		ClientID:       params.ClientID,
		ProfessionalID: params.ProfessionalID,
		Currency:       currency,
		TotalAmount:    params.Total,
		Status:         ContractAwaitingFunding,
		Milestones:     milestones,
	})
	if err != nil {
		return Contract{}, err
	}

	if err := s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectContract,
		SubjectID:   created.ID,
		Type:        "CONTRACT_CREATED",
		ActorID:     params.ActorID,
		Payload: map[string]any{
			"booking_id": created.BookingID,
			"total":      created.TotalAmount.StringFixed(2),
			"milestones": len(created.Milestones),
		},
	}); err != nil {
		return Contract{}, err
	}
	return created, nil
}

// GetContract returns a contract with milestones and ledger to its parties
// and admins.
func (s *Service) GetContract(ctx context.Context, actor auth.Principal, id string) (Contract, error) {
	c, err := s.repo.GetContract(ctx, id)
	if err != nil {
		return Contract{}, err
	}
	if !actor.IsAdmin() && !c.IsParty(actor.UserID) {
		return Contract{}, ErrForbidden
	}
	return c, nil
}

func (s *Service) GetContractByBooking(ctx context.Context, actor auth.Principal, bookingID string) (Contract, error) {
	c, err := s.repo.GetContractByBooking(ctx, bookingID)
	if err != nil {
		return Contract{}, err
	}
	if !actor.IsAdmin() && !c.IsParty(actor.UserID) {
		return Contract{}, ErrForbidden
	}
	return c, nil
}

// Fund applies a payment provider event. Replayed events are acknowledged
// without changes and report replayed=true.
func (s *Service) Fund(ctx context.Context, event PaymentEvent) (Contract, bool, error) {
	if err := s.validate.Struct(event); err != nil {
		return Contract{}, false, fmt.Errorf("%w: %v", ErrInvalidPayment, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, false, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	fresh, err := s.repo.InsertIdempotencyKey(ctx, tx, "payment:"+event.EventID)
	if err != nil {
		return Contract{}, false, err
	}
	if !fresh {
		c, err := s.repo.GetContract(ctx, event.ContractID)
		return c, true, err
	}

	c, err := s.repo.LockContract(ctx, tx, event.ContractID)
	if err != nil {
		return Contract{}, false, err
	}
	if err := ContractMachine.Validate(c.Status, ContractFunded); err != nil {
		return Contract{}, false, err
	}
	if !strings.EqualFold(event.Currency, c.Currency) {
		return Contract{}, false, ErrCurrencyMismatch
	}
	if !event.Amount.Equal(c.TotalAmount) {
		return Contract{}, false, ErrAmountMismatch
	}

	now := s.now().UTC()
	c.Status = ContractFunded
	c.FundedAmount = c.TotalAmount
	c.FundedAt = &now
	if err := s.repo.UpdateContract(ctx, tx, c); err != nil {
		return Contract{}, false, err
	}
	key := event.EventID
	if err := s.repo.InsertTransaction(ctx, tx, Transaction{
		ContractID:     c.ID,
		Kind:           KindFund,
		Amount:         c.FundedAmount,
		IdempotencyKey: &key,
	}); err != nil {
		return Contract{}, false, err
	}
	if err := s.record(ctx, tx, c, "", "CONTRACT_FUNDED", activity.TopicEscrowFunded, map[string]any{
		"amount":   c.FundedAmount.StringFixed(2),
		"event_id": event.EventID,
	}); err != nil {
		return Contract{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, false, fmt.Errorf("escrow: commit funding: %w", err)
	}
	return c, false, nil
}

// SubmitMilestone marks a milestone delivered. Professional only.
func (s *Service) SubmitMilestone(ctx context.Context, actor auth.Principal, contractID, milestoneID string) (Contract, error) {
	return s.milestoneTransition(ctx, actor, contractID, milestoneID, func(c *Contract, m *Milestone) (string, string, error) {
		if actor.UserID != c.ProfessionalID {
			return "", "", ErrForbidden
		}
		if err := MilestoneMachine.Validate(m.Status, MilestoneSubmitted); err != nil {
			return "", "", err
		}
		now := s.now().UTC()
		m.Status = MilestoneSubmitted
		m.SubmittedAt = &now
		return "MILESTONE_SUBMITTED", activity.TopicMilestoneSubmitted, nil
	})
}

// RequestChanges sends a submitted milestone back to pending. Client only.
func (s *Service) RequestChanges(ctx context.Context, actor auth.Principal, contractID, milestoneID, note string) (Contract, error) {
	return s.milestoneTransition(ctx, actor, contractID, milestoneID, func(c *Contract, m *Milestone) (string, string, error) {
		if actor.UserID != c.ClientID {
			return "", "", ErrForbidden
		}
		if m.Status != MilestoneSubmitted {
			return "", "", &statemachine.TransitionError{
				Machine: MilestoneMachine.Name(),
				From:    string(m.Status),
				To:      string(MilestonePending),
			}
		}
		m.Status = MilestonePending
		m.SubmittedAt = nil
		return "MILESTONE_CHANGES_REQUESTED", activity.TopicMilestoneChanges, nil
	}, "note", strings.TrimSpace(note))
}

// ApproveMilestone releases a submitted milestone to the professional.
// Client only. The redis lock narrows contention; the row lock and status
// re-check are what prevent a double release.
func (s *Service) ApproveMilestone(ctx context.Context, actor auth.Principal, contractID, milestoneID string) (Contract, error) {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, lockKey(contractID), s.lockTTL)
		switch {
		case errors.Is(err, ErrBusy):
			return Contract{}, err
		case err != nil:
			s.logger.WithError(err).WithField("contract_id", contractID).Warn("contract lock unavailable, relying on row lock")
		default:
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					s.logger.WithError(err).WithField("contract_id", contractID).Debug("release contract lock")
				}
			}()
		}
	}

	return s.milestoneTransition(ctx, actor, contractID, milestoneID, func(c *Contract, m *Milestone) (string, string, error) {
		if actor.UserID != c.ClientID {
			return "", "", ErrForbidden
		}
		if m.Status == MilestoneReleased {
			return "", "", ErrAlreadyReleased
		}
		if err := MilestoneMachine.Validate(m.Status, MilestoneReleased); err != nil {
			return "", "", err
		}
		if c.Outstanding().LessThan(m.Amount) {
			return "", "", ErrInsufficientFunds
		}
		now := s.now().UTC()
		m.Status = MilestoneReleased
		m.ReleasedAt = &now
		c.ReleasedAmount = c.ReleasedAmount.Add(m.Amount)
		return "MILESTONE_RELEASED", activity.TopicMilestoneReleased, nil
	})
}

type milestoneMutation func(c *Contract, m *Milestone) (eventType, topic string, err error)

func (s *Service) milestoneTransition(ctx context.Context, actor auth.Principal, contractID, milestoneID string, mutate milestoneMutation, extra ...string) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Contract{}, err
	}
	c, err := s.repo.LockContract(ctx, tx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if !c.IsParty(actor.UserID) {
		return Contract{}, ErrForbidden
	}
	if c.Status != ContractFunded {
		return Contract{}, ErrNotFunded
	}
	idx, ok := c.milestone(milestoneID)
	if !ok {
		return Contract{}, ErrMilestoneNotFound
	}

	m := c.Milestones[idx]
	eventType, topic, err := mutate(&c, &m)
	if err != nil {
		return Contract{}, err
	}
	c.Milestones[idx] = m
	if err := s.repo.UpdateMilestone(ctx, tx, m); err != nil {
		return Contract{}, err
	}

	payload := map[string]any{
		"milestone_id":     m.ID,
		"position":         m.Position,
		"amount":           m.Amount.StringFixed(2),
		"milestone_status": string(m.Status),
	}
	for i := 0; i+1 < len(extra); i += 2 {
		payload[extra[i]] = extra[i+1]
	}

	if m.Status == MilestoneReleased {
		mid := m.ID
		key := "release:" + m.ID
		if err := s.repo.InsertTransaction(ctx, tx, Transaction{
			ContractID:     c.ID,
			MilestoneID:    &mid,
			Kind:           KindRelease,
			Amount:         m.Amount,
			IdempotencyKey: &key,
		}); err != nil {
			return Contract{}, err
		}
		if c.allMilestonesTerminal() {
			if err := ContractMachine.Validate(c.Status, ContractCompleted); err != nil {
				return Contract{}, err
			}
			c.Status = ContractCompleted
		}
		if err := s.repo.UpdateContract(ctx, tx, c); err != nil {
			return Contract{}, err
		}
	}

	if err := s.record(ctx, tx, c, actor.UserID, eventType, topic, payload); err != nil {
		return Contract{}, err
	}
	if c.Status == ContractCompleted {
		if err := s.record(ctx, tx, c, actor.UserID, "CONTRACT_COMPLETED", activity.TopicEscrowCompleted, map[string]any{
			"released": c.ReleasedAmount.StringFixed(2),
		}); err != nil {
			return Contract{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("escrow: commit milestone: %w", err)
	}
	return c, nil
}

// LockTx loads and row-locks the contract inside tx.
func (s *Service) LockTx(ctx context.Context, tx pgx.Tx, contractID string) (Contract, error) {
	return s.repo.LockContract(ctx, tx, contractID)
}

// LockByBookingTx loads and row-locks a booking's contract, reporting false
// when the booking has none.
func (s *Service) LockByBookingTx(ctx context.Context, tx pgx.Tx, bookingID string) (Contract, bool, error) {
	c, err := s.repo.LockContractByBooking(ctx, tx, bookingID)
	if errors.Is(err, ErrNotFound) {
		return Contract{}, false, nil
	}
	if err != nil {
		return Contract{}, false, err
	}
	return c, true, nil
}

// Freeze holds a funded contract for a dispute. Unfunded contracts hold no
// money and are returned unchanged.
func (s *Service) Freeze(ctx context.Context, tx pgx.Tx, contractID, actorID string) (Contract, error) {
	c, err := s.repo.LockContract(ctx, tx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if c.Status != ContractFunded {
		return c, nil
	}
	c.Status = ContractDisputed
	for i, m := range c.Milestones {
		if MilestoneMachine.IsTerminal(m.Status) {
			continue
		}
		if err := MilestoneMachine.Validate(m.Status, MilestoneDisputed); err != nil {
			return Contract{}, err
		}
		m.Status = MilestoneDisputed
		if err := s.repo.UpdateMilestone(ctx, tx, m); err != nil {
			return Contract{}, err
		}
		c.Milestones[i] = m
	}
	if err := s.repo.UpdateContract(ctx, tx, c); err != nil {
		return Contract{}, err
	}
	return c, s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectContract,
		SubjectID:   c.ID,
		Type:        "CONTRACT_FROZEN",
		ActorID:     actorID,
		Payload:     map[string]any{"outstanding": c.Outstanding().StringFixed(2)},
	})
}

// Unfreeze returns a disputed contract to funded. Disputed milestones go
// back to submitted if they had been delivered, otherwise pending.
func (s *Service) Unfreeze(ctx context.Context, tx pgx.Tx, contractID, actorID string) (Contract, error) {
	c, err := s.repo.LockContract(ctx, tx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if c.Status != ContractDisputed {
		return c, nil
	}
	if err := ContractMachine.Validate(c.Status, ContractFunded); err != nil {
		return Contract{}, err
	}
	c.Status = ContractFunded
	for i, m := range c.Milestones {
		if m.Status != MilestoneDisputed {
			continue
		}
		m.Status = MilestonePending
		if m.SubmittedAt != nil {
			m.Status = MilestoneSubmitted
		}
		if err := s.repo.UpdateMilestone(ctx, tx, m); err != nil {
			return Contract{}, err
		}
		c.Milestones[i] = m
	}
	if err := s.repo.UpdateContract(ctx, tx, c); err != nil {
		return Contract{}, err
	}
	return c, s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectContract,
		SubjectID:   c.ID,
		Type:        "CONTRACT_UNFROZEN",
		ActorID:     actorID,
	})
}

// Settle applies a dispute outcome: refund goes back to the client and the
// rest of the outstanding balance is released to the professional. An
// unfunded contract is cancelled instead.
func (s *Service) Settle(ctx context.Context, tx pgx.Tx, contractID string, refund decimal.Decimal, actorID string) (Contract, error) {
	c, err := s.repo.LockContract(ctx, tx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if c.Status == ContractAwaitingFunding {
		return s.cancelUnfunded(ctx, tx, c, actorID, "dispute resolved before funding")
	}
	if c.Status != ContractDisputed {
		return Contract{}, ContractMachine.Validate(c.Status, ContractSettled)
	}
	if refund.IsNegative() || !refund.Equal(refund.Round(2)) {
		return Contract{}, ErrInvalidAmount
	}
	outstanding := c.Outstanding()
	if refund.GreaterThan(outstanding) {
		return Contract{}, ErrRefundTooLarge
	}
	release := outstanding.Sub(refund)

	next := ContractSettled
	if refund.IsPositive() && release.IsZero() {
		next = ContractRefunded
	}
	if err := ContractMachine.Validate(c.Status, next); err != nil {
		return Contract{}, err
	}

	// Refund is attributed to the last open milestones first. A milestone
	// only partly covered by the refund is released for the remainder.
	remaining := refund
	now := s.now().UTC()
	var payouts []Transaction
	paid := decimal.Zero
	for i := len(c.Milestones) - 1; i >= 0; i-- {
		m := c.Milestones[i]
		if MilestoneMachine.IsTerminal(m.Status) {
			continue
		}
		target := MilestoneRefunded
		covered := decimal.Min(remaining, m.Amount)
		remaining = remaining.Sub(covered)
		if covered.LessThan(m.Amount) {
			target = MilestoneReleased
		}
		if err := MilestoneMachine.Validate(m.Status, target); err != nil {
			return Contract{}, err
		}
		m.Status = target
		if target == MilestoneReleased {
			m.ReleasedAt = &now
			mid, key := m.ID, "release:"+m.ID
			payout := m.Amount.Sub(covered)
			paid = paid.Add(payout)
			payouts = append(payouts, Transaction{ContractID: c.ID, MilestoneID: &mid, Kind: KindRelease, Amount: payout, IdempotencyKey: &key})
		}
		if err := s.repo.UpdateMilestone(ctx, tx, m); err != nil {
			return Contract{}, err
		}
		c.Milestones[i] = m
	}
	if !paid.Equal(release) {
		return Contract{}, fmt.Errorf("%w: milestones pay out %s, outstanding after refund is %s", ErrLedgerMismatch, paid.StringFixed(2), release.StringFixed(2))
	}

	if refund.IsPositive() {
		key := "settle:" + c.ID + ":refund"
		if err := s.repo.InsertTransaction(ctx, tx, Transaction{ContractID: c.ID, Kind: KindRefund, Amount: refund, IdempotencyKey: &key}); err != nil {
			return Contract{}, err
		}
	}
	for _, t := range payouts {
		if err := s.repo.InsertTransaction(ctx, tx, t); err != nil {
			return Contract{}, err
		}
	}
	c.RefundedAmount = c.RefundedAmount.Add(refund)
	c.ReleasedAmount = c.ReleasedAmount.Add(release)
	c.Status = next
	if err := s.repo.UpdateContract(ctx, tx, c); err != nil {
		return Contract{}, err
	}
	return c, s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectContract,
		SubjectID:   c.ID,
		Type:        "CONTRACT_SETTLED",
		ActorID:     actorID,
		Payload: map[string]any{
			"refunded": refund.StringFixed(2),
			"released": release.StringFixed(2),
			"status":   string(next),
		},
	})
}

// CancelForBookingTx unwinds a booking's contract when the booking is
// cancelled. Unfunded contracts are cancelled and funded ones refund the
// outstanding balance. Bookings without a contract, or whose contract was
// already settled, are ignored.
func (s *Service) CancelForBookingTx(ctx context.Context, tx pgx.Tx, bookingID, actorID string) error {
	c, ok, err := s.LockByBookingTx(ctx, tx, bookingID)
	if err != nil || !ok {
		return err
	}

	switch c.Status {
	case ContractAwaitingFunding:
		_, err := s.cancelUnfunded(ctx, tx, c, actorID, "booking cancelled")
		return err
	case ContractFunded:
	case ContractCancelled, ContractRefunded, ContractSettled:
		return nil
	default:
		return ErrContractLocked
	}

	refund := c.Outstanding()
	if !refund.IsPositive() {
		return ErrContractLocked
	}
	for i, m := range c.Milestones {
		if MilestoneMachine.IsTerminal(m.Status) {
			continue
		}
		if err := MilestoneMachine.Validate(m.Status, MilestoneRefunded); err != nil {
			return err
		}
		m.Status = MilestoneRefunded
		if err := s.repo.UpdateMilestone(ctx, tx, m); err != nil {
			return err
		}
		c.Milestones[i] = m
	}
	key := "cancel:" + c.ID + ":refund"
	if err := s.repo.InsertTransaction(ctx, tx, Transaction{ContractID: c.ID, Kind: KindRefund, Amount: refund, IdempotencyKey: &key}); err != nil {
		return err
	}
	c.RefundedAmount = c.RefundedAmount.Add(refund)
	c.Status = ContractRefunded
	if err := s.repo.UpdateContract(ctx, tx, c); err != nil {
		return err
	}
	return s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectContract,
		SubjectID:   c.ID,
		Type:        "CONTRACT_REFUNDED",
		ActorID:     actorID,
		Payload:     map[string]any{"refunded": refund.StringFixed(2), "reason": "booking cancelled"},
	})
}

// StatusByBookingTx reports the contract status of a booking, if any.
func (s *Service) StatusByBookingTx(ctx context.Context, tx pgx.Tx, bookingID string) (ContractStatus, bool, error) {
	c, ok, err := s.LockByBookingTx(ctx, tx, bookingID)
	if err != nil || !ok {
		return "", ok, err
	}
	return c.Status, true, nil
}

func (s *Service) cancelUnfunded(ctx context.Context, tx pgx.Tx, c Contract, actorID, reason string) (Contract, error) {
	if err := ContractMachine.Validate(c.Status, ContractCancelled); err != nil {
		return Contract{}, err
	}
	c.Status = ContractCancelled
	if err := s.repo.UpdateContract(ctx, tx, c); err != nil {
		return Contract{}, err
	}
	return c, s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectContract,
		SubjectID:   c.ID,
		Type:        "CONTRACT_CANCELLED",
		ActorID:     actorID,
		Payload:     map[string]any{"reason": reason},
	})
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, c Contract, actorID, eventType, topic string, payload map[string]any) error {
	if err := s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectContract,
		SubjectID:   c.ID,
		Type:        eventType,
		ActorID:     actorID,
		Payload:     payload,
	}); err != nil {
		return err
	}
	msg := map[string]any{
		"contract_id":     c.ID,
		"booking_id":      c.BookingID,
		"client_id":       c.ClientID,
		"professional_id": c.ProfessionalID,
		"status":          string(c.Status),
		"recipients":      activity.Recipients(c.ClientID, c.ProfessionalID),
	}
	for k, v := range payload {
		msg[k] = v
	}
	return s.recorder.Enqueue(ctx, tx, topic, msg)
}
