package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketflow/activity"
	"marketflow/activity/activitytest"
	"marketflow/apperr"
	"marketflow/auth"
	"marketflow/db/dbtest"
	"marketflow/statemachine"
)

const contractUUID = "6f1c2b9e-8a4d-4c7e-9f21-0d3b5a7c9e11"

var (
	client = auth.Principal{UserID: "client-1", Role: auth.RoleClient}
	pro    = auth.Principal{UserID: "pro-1", Role: auth.RoleProfessional}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	repo *fakeRepo
	pool *dbtest.Pool
	rec  *activitytest.Recorder
	svc  *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := &harness{repo: newFakeRepo(), pool: &dbtest.Pool{}, rec: &activitytest.Recorder{}}
	h.svc = NewService(h.repo, h.pool, h.rec, nil, logger)
	return h
}

func (h *harness) createContract(t *testing.T, total string, plans ...MilestonePlan) Contract {
	t.Helper()
	c, err := h.svc.CreateContract(context.Background(), &dbtest.Tx{}, CreateContractParams{
		BookingID:      "booking-1",
		ClientID:       client.UserID,
		ProfessionalID: pro.UserID,
		Total:          d(total),
		Milestones:     plans,
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	return c
}

func (h *harness) fund(t *testing.T, c Contract) Contract {
	t.Helper()
	funded, replayed, err := h.svc.Fund(context.Background(), PaymentEvent{
		EventID:    "evt-" + c.ID,
		ContractID: c.ID,
		Amount:     c.TotalAmount,
		Currency:   "usd",
	})
	if err != nil || replayed {
		t.Fatalf("fund: %v replayed=%v", err, replayed)
	}
	return funded
}

func TestCreateContract_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := CreateContractParams{BookingID: "b", ClientID: "c", ProfessionalID: "p"}

	cases := []struct {
		name   string
		mutate func(p *CreateContractParams)
		want   error
	}{
		{"zero total", func(p *CreateContractParams) { p.Total = decimal.Zero }, ErrInvalidAmount},
		{"three decimals", func(p *CreateContractParams) { p.Total = d("10.001") }, ErrInvalidAmount},
		{"sum mismatch", func(p *CreateContractParams) {
			p.Total = d("100")
			p.Milestones = []MilestonePlan{{Title: "a", Amount: d("40")}, {Title: "b", Amount: d("50")}}
		}, ErrMilestoneSum},
		{"negative milestone", func(p *CreateContractParams) {
			p.Total = d("100")
			p.Milestones = []MilestonePlan{{Title: "a", Amount: d("110")}, {Title: "b", Amount: d("-10")}}
		}, ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			if _, err := h.svc.CreateContract(ctx, &dbtest.Tx{}, p); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	c := h.createContract(t, "250.00")
	if len(c.Milestones) != 1 || !c.Milestones[0].Amount.Equal(d("250")) {
		t.Fatalf("expected single full-amount milestone, got %+v", c.Milestones)
	}
	if c.Status != ContractAwaitingFunding || c.Currency != "USD" {
		t.Fatalf("unexpected contract %+v", c)
	}
}

func TestFund_IdempotentOnEventID(t *testing.T) {
	h := newHarness(t)
	c := h.createContract(t, "100.00")
	ctx := context.Background()

	event := PaymentEvent{EventID: "evt-1", ContractID: c.ID, Amount: d("100"), Currency: "USD"}
	funded, replayed, err := h.svc.Fund(ctx, event)
	if err != nil || replayed {
		t.Fatalf("first fund: %v replayed=%v", err, replayed)
	}
	if funded.Status != ContractFunded || !funded.FundedAmount.Equal(d("100")) {
		t.Fatalf("unexpected funded contract %+v", funded)
	}

	again, replayed, err := h.svc.Fund(ctx, event)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replayed {
		t.Fatal("expected replay to be reported")
	}
	if !again.FundedAmount.Equal(d("100")) {
		t.Fatalf("expected funded amount unchanged, got %s", again.FundedAmount)
	}
	if h.pool.Last().Committed {
		t.Fatal("expected replay transaction not to commit")
	}
	if n := h.repo.ledgerCount(c.ID, KindFund); n != 1 {
		t.Fatalf("expected one fund entry, got %d", n)
	}

	_, _, err = h.svc.Fund(ctx, PaymentEvent{EventID: "evt-2", ContractID: c.ID, Amount: d("100"), Currency: "USD"})
	if !errors.Is(err, statemachine.ErrInvalidTransition) {
		t.Fatalf("expected second funding to be rejected, got %v", err)
	}
}

func TestFund_AmountAndCurrencyMustMatch(t *testing.T) {
	h := newHarness(t)
	c := h.createContract(t, "100.00")
	ctx := context.Background()

	if _, _, err := h.svc.Fund(ctx, PaymentEvent{EventID: "e1", ContractID: c.ID, Amount: d("99.99"), Currency: "USD"}); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if _, _, err := h.svc.Fund(ctx, PaymentEvent{EventID: "e2", ContractID: c.ID, Amount: d("100"), Currency: "EUR"}); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
	if _, _, err := h.svc.Fund(ctx, PaymentEvent{EventID: "e3", ContractID: "not-a-uuid", Amount: d("100"), Currency: "USD"}); !errors.Is(err, ErrInvalidPayment) {
		t.Fatalf("expected ErrInvalidPayment, got %v", err)
	}
}

func TestMilestoneFlow_SubmitRequestChangesApprove(t *testing.T) {
	h := newHarness(t)
	c := h.fund(t, h.createContract(t, "300.00",
		MilestonePlan{Title: "Rough-in", Amount: d("100")},
		MilestonePlan{Title: "Finish", Amount: d("200")},
	))
	ctx := context.Background()
	first, second := c.Milestones[0].ID, c.Milestones[1].ID

	if _, err := h.svc.ApproveMilestone(ctx, client, c.ID, first); !errors.Is(err, statemachine.ErrInvalidTransition) {
		t.Fatalf("expected approval of pending milestone to fail, got %v", err)
	}
	if _, err := h.svc.SubmitMilestone(ctx, client, c.ID, first); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected client submit to be forbidden, got %v", err)
	}
	if _, err := h.svc.SubmitMilestone(ctx, pro, c.ID, first); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := h.svc.RequestChanges(ctx, client, c.ID, first, "fix the valve")
	if err != nil {
		t.Fatalf("request changes: %v", err)
	}
	if got.Milestones[0].Status != MilestonePending || got.Milestones[0].SubmittedAt != nil {
		t.Fatalf("expected milestone back to pending, got %+v", got.Milestones[0])
	}
	msg, _ := h.rec.Last(activity.TopicMilestoneChanges)
	if msg.Payload["note"] != "fix the valve" {
		t.Fatalf("expected note in payload, got %+v", msg.Payload)
	}

	for _, id := range []string{first, second} {
		if _, err := h.svc.SubmitMilestone(ctx, pro, c.ID, id); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	if _, err := h.svc.ApproveMilestone(ctx, pro, c.ID, first); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected professional approval to be forbidden, got %v", err)
	}
	got, err = h.svc.ApproveMilestone(ctx, client, c.ID, first)
	if err != nil {
		t.Fatalf("approve first: %v", err)
	}
	if got.Status != ContractFunded || !got.ReleasedAmount.Equal(d("100")) {
		t.Fatalf("unexpected contract after first release %+v", got)
	}

	if _, err := h.svc.ApproveMilestone(ctx, client, c.ID, first); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased on double approval, got %v", err)
	}

	got, err = h.svc.ApproveMilestone(ctx, client, c.ID, second)
	if err != nil {
		t.Fatalf("approve second: %v", err)
	}
	if got.Status != ContractCompleted || !got.ReleasedAmount.Equal(d("300")) {
		t.Fatalf("expected completed contract with 300 released, got %+v", got)
	}
	if _, ok := h.rec.Last(activity.TopicEscrowCompleted); !ok {
		t.Fatal("expected escrow.completed message")
	}
	if n := h.repo.ledgerCount(c.ID, KindRelease); n != 2 {
		t.Fatalf("expected two release entries, got %d", n)
	}
}

func TestApproveMilestone_RequiresFunding(t *testing.T) {
	h := newHarness(t)
	c := h.createContract(t, "50.00")
	if _, err := h.svc.SubmitMilestone(context.Background(), pro, c.ID, c.Milestones[0].ID); !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected ErrNotFunded, got %v", err)
	}
}

func TestApproveMilestone_LockContention(t *testing.T) {
	h := newHarness(t)
	c := h.fund(t, h.createContract(t, "50.00"))
	ctx := context.Background()
	if _, err := h.svc.SubmitMilestone(ctx, pro, c.ID, c.Milestones[0].ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	h.svc.locker = &fakeLocker{err: ErrBusy}
	_, err := h.svc.ApproveMilestone(ctx, client, c.ID, c.Milestones[0].ID)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !apperr.Classify(err).Retryable {
		t.Fatal("expected busy error to be retryable")
	}

	locker := &fakeLocker{}
	h.svc.locker = locker
	if _, err := h.svc.ApproveMilestone(ctx, client, c.ID, c.Milestones[0].ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if locker.obtained != 1 || locker.released != 1 {
		t.Fatalf("expected lock obtained and released once, got %d/%d", locker.obtained, locker.released)
	}
	if locker.key != "escrow:contract:"+c.ID {
		t.Fatalf("unexpected lock key %q", locker.key)
	}

	h.svc.locker = &fakeLocker{err: errors.New("redis unreachable")}
	if _, err := h.svc.ApproveMilestone(ctx, client, c.ID, c.Milestones[0].ID); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected row-lock path to reject double release, got %v", err)
	}
}

func TestFreezeSettle(t *testing.T) {
	cases := []struct {
		name         string
		refund       string
		wantStatus   ContractStatus
		wantReleased string
		wantRefunded string
		wantMS       []MilestoneStatus
		wantPayouts  []string
	}{
		{"full refund", "300", ContractRefunded, "0", "300", []MilestoneStatus{MilestoneRefunded, MilestoneRefunded}, []string{"", ""}},
		{"release all", "0", ContractSettled, "300", "0", []MilestoneStatus{MilestoneReleased, MilestoneReleased}, []string{"100", "200"}},
		{"partial refund", "250", ContractSettled, "50", "250", []MilestoneStatus{MilestoneReleased, MilestoneRefunded}, []string{"50", ""}},
		{"refund splits a milestone", "150", ContractSettled, "150", "150", []MilestoneStatus{MilestoneReleased, MilestoneReleased}, []string{"100", "50"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.fund(t, h.createContract(t, "300.00",
				MilestonePlan{Title: "a", Amount: d("100")},
				MilestonePlan{Title: "b", Amount: d("200")},
			))
			ctx := context.Background()
			tx := &dbtest.Tx{}

			frozen, err := h.svc.Freeze(ctx, tx, c.ID, client.UserID)
			if err != nil {
				t.Fatalf("freeze: %v", err)
			}
			if frozen.Status != ContractDisputed || frozen.Milestones[0].Status != MilestoneDisputed {
				t.Fatalf("expected disputed contract, got %+v", frozen)
			}
			if _, err := h.svc.SubmitMilestone(ctx, pro, c.ID, c.Milestones[0].ID); !errors.Is(err, ErrNotFunded) {
				t.Fatalf("expected frozen contract to block submissions, got %v", err)
			}

			settled, err := h.svc.Settle(ctx, tx, c.ID, d(tc.refund), "admin-1")
			if err != nil {
				t.Fatalf("settle: %v", err)
			}
			if settled.Status != tc.wantStatus {
				t.Fatalf("expected %s got %s", tc.wantStatus, settled.Status)
			}
			if !settled.ReleasedAmount.Equal(d(tc.wantReleased)) || !settled.RefundedAmount.Equal(d(tc.wantRefunded)) {
				t.Fatalf("unexpected amounts released=%s refunded=%s", settled.ReleasedAmount, settled.RefundedAmount)
			}
			if !settled.Outstanding().IsZero() {
				t.Fatalf("expected nothing outstanding, got %s", settled.Outstanding())
			}
			for i, want := range tc.wantMS {
				if settled.Milestones[i].Status != want {
					t.Fatalf("milestone %d: expected %s got %s", i, want, settled.Milestones[i].Status)
				}
			}

			if missing := h.repo.releasedWithoutPayout(); len(missing) > 0 {
				t.Fatalf("released milestones without a release ledger entry: %v", missing)
			}
			total := decimal.Zero
			for i, want := range tc.wantPayouts {
				got, ok := h.repo.payout(settled.Milestones[i].ID)
				switch {
				case want == "" && ok:
					t.Fatalf("milestone %d: expected no payout, got %s", i, got)
				case want != "" && (!ok || !got.Equal(d(want))):
					t.Fatalf("milestone %d: expected payout %s, got %s (recorded=%v)", i, want, got, ok)
				}
				total = total.Add(got)
			}
			if !total.Equal(settled.ReleasedAmount) {
				t.Fatalf("milestone payouts sum to %s, contract released %s", total, settled.ReleasedAmount)
			}
			if n := h.repo.ledgerCount(c.ID, KindRefund); (n == 1) != d(tc.refund).IsPositive() {
				t.Fatalf("expected one aggregate refund row only when refunding, got %d", n)
			}
		})
	}
}

func TestSettle_AfterApprovedMilestone(t *testing.T) {
	h := newHarness(t)
	c := h.fund(t, h.createContract(t, "300.00",
		MilestonePlan{Title: "a", Amount: d("100")},
		MilestonePlan{Title: "b", Amount: d("200")},
	))
	ctx := context.Background()
	first := c.Milestones[0].ID
	if _, err := h.svc.SubmitMilestone(ctx, pro, c.ID, first); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.svc.ApproveMilestone(ctx, client, c.ID, first); err != nil {
		t.Fatalf("approve: %v", err)
	}

	tx := &dbtest.Tx{}
	if _, err := h.svc.Freeze(ctx, tx, c.ID, client.UserID); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	settled, err := h.svc.Settle(ctx, tx, c.ID, d("120"), "admin-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.ReleasedAmount.Equal(d("180")) || !settled.RefundedAmount.Equal(d("120")) {
		t.Fatalf("unexpected amounts released=%s refunded=%s", settled.ReleasedAmount, settled.RefundedAmount)
	}
	if missing := h.repo.releasedWithoutPayout(); len(missing) > 0 {
		t.Fatalf("released milestones without a release ledger entry: %v", missing)
	}
	if got, _ := h.repo.payout(first); !got.Equal(d("100")) {
		t.Fatalf("approved milestone payout changed to %s", got)
	}
	if got, _ := h.repo.payout(settled.Milestones[1].ID); !got.Equal(d("80")) {
		t.Fatalf("expected settled milestone payout 80, got %s", got)
	}
	if n := h.repo.ledgerCount(c.ID, KindRelease); n != 2 {
		t.Fatalf("expected one release row per milestone, got %d", n)
	}
}

func TestSettle_RejectsOversizedRefund(t *testing.T) {
	h := newHarness(t)
	c := h.fund(t, h.createContract(t, "100.00"))
	ctx := context.Background()
	tx := &dbtest.Tx{}

	if _, err := h.svc.Settle(ctx, tx, c.ID, d("10"), "a"); !errors.Is(err, statemachine.ErrInvalidTransition) {
		t.Fatalf("expected settle on undisputed contract to fail, got %v", err)
	}
	if _, err := h.svc.Freeze(ctx, tx, c.ID, "a"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := h.svc.Settle(ctx, tx, c.ID, d("100.01"), "a"); !errors.Is(err, ErrRefundTooLarge) {
		t.Fatalf("expected ErrRefundTooLarge, got %v", err)
	}
}

func TestUnfreezeRestoresMilestones(t *testing.T) {
	h := newHarness(t)
	c := h.fund(t, h.createContract(t, "300.00",
		MilestonePlan{Title: "a", Amount: d("100")},
		MilestonePlan{Title: "b", Amount: d("200")},
	))
	ctx := context.Background()
	if _, err := h.svc.SubmitMilestone(ctx, pro, c.ID, c.Milestones[0].ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	tx := &dbtest.Tx{}
	if _, err := h.svc.Freeze(ctx, tx, c.ID, client.UserID); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	got, err := h.svc.Unfreeze(ctx, tx, c.ID, client.UserID)
	if err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if got.Status != ContractFunded {
		t.Fatalf("expected funded, got %s", got.Status)
	}
	if got.Milestones[0].Status != MilestoneSubmitted || got.Milestones[1].Status != MilestonePending {
		t.Fatalf("unexpected milestone statuses %s/%s", got.Milestones[0].Status, got.Milestones[1].Status)
	}
}

func TestCancelForBooking(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	c := h.createContract(t, "80.00")
	if err := h.svc.CancelForBookingTx(ctx, &dbtest.Tx{}, "booking-1", client.UserID); err != nil {
		t.Fatalf("cancel unfunded: %v", err)
	}
	if got := h.repo.contracts[c.ID].Status; got != ContractCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}

	h = newHarness(t)
	c = h.fund(t, h.createContract(t, "80.00"))
	if err := h.svc.CancelForBookingTx(ctx, &dbtest.Tx{}, "booking-1", client.UserID); err != nil {
		t.Fatalf("cancel funded: %v", err)
	}
	got := h.repo.contracts[c.ID]
	if got.Status != ContractRefunded || !got.RefundedAmount.Equal(d("80")) {
		t.Fatalf("expected full refund, got %+v", got)
	}

	if err := h.svc.CancelForBookingTx(ctx, &dbtest.Tx{}, "booking-1", client.UserID); err != nil {
		t.Fatalf("repeat cancel of a refunded contract should be ignored, got %v", err)
	}
	if n := len(h.repo.ledger); n != 2 {
		t.Fatalf("expected fund and refund entries only, got %d", n)
	}

	if err := h.svc.CancelForBookingTx(ctx, &dbtest.Tx{}, "no-such-booking", client.UserID); err != nil {
		t.Fatalf("expected missing contract to be ignored, got %v", err)
	}
}

func TestGetContract_PartiesOnly(t *testing.T) {
	h := newHarness(t)
	c := h.createContract(t, "10.00")
	ctx := context.Background()

	if _, err := h.svc.GetContract(ctx, auth.Principal{UserID: "stranger", Role: auth.RoleClient}, c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := h.svc.GetContract(ctx, auth.Principal{UserID: "admin", Role: auth.RoleAdmin}, c.ID); err != nil {
		t.Fatalf("admin read: %v", err)
	}
	if _, err := h.svc.GetContractByBooking(ctx, client, "booking-1"); err != nil {
		t.Fatalf("client read by booking: %v", err)
	}
}

type fakeRepo struct {
	mu        sync.Mutex
	contracts map[string]Contract
	byBooking map[string]string
	keys      map[string]bool
	ledger    []Transaction
	nextID    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		contracts: make(map[string]Contract),
		byBooking: make(map[string]string),
		keys:      make(map[string]bool),
	}
}

func clone(c Contract) Contract {
	c.Milestones = append([]Milestone(nil), c.Milestones...)
	return c
}

func (f *fakeRepo) InsertIdempotencyKey(_ context.Context, _ pgx.Tx, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

func (f *fakeRepo) CreateContract(_ context.Context, _ pgx.Tx, c Contract) (Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byBooking[c.BookingID]; ok {
		return Contract{}, ErrContractExists
	}
	f.nextID++
	c.ID = contractUUID
	if f.nextID > 1 {
		c.ID = fmt.Sprintf("contract-%d", f.nextID)
	}
	c.CreatedAt = time.Now()
	for i := range c.Milestones {
		c.Milestones[i].ID = fmt.Sprintf("%s-m%d", c.ID, i+1)
		c.Milestones[i].ContractID = c.ID
	}
	f.contracts[c.ID] = clone(c)
	f.byBooking[c.BookingID] = c.ID
	return clone(c), nil
}

func (f *fakeRepo) get(id string) (Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return Contract{}, ErrNotFound
	}
	return clone(c), nil
}

func (f *fakeRepo) GetContract(_ context.Context, id string) (Contract, error) { return f.get(id) }

func (f *fakeRepo) GetContractByBooking(_ context.Context, bookingID string) (Contract, error) {
	return f.get(f.byBooking[bookingID])
}

func (f *fakeRepo) LockContract(_ context.Context, _ pgx.Tx, id string) (Contract, error) {
	return f.get(id)
}

func (f *fakeRepo) LockContractByBooking(_ context.Context, _ pgx.Tx, bookingID string) (Contract, error) {
	return f.get(f.byBooking[bookingID])
}

func (f *fakeRepo) UpdateContract(_ context.Context, _ pgx.Tx, c Contract) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.contracts[c.ID]
	if !ok {
		return ErrNotFound
	}
	c.Milestones = stored.Milestones
	f.contracts[c.ID] = c
	return nil
}

func (f *fakeRepo) UpdateMilestone(_ context.Context, _ pgx.Tx, m Milestone) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.contracts {
		for i := range c.Milestones {
			if c.Milestones[i].ID == m.ID {
				ms := append([]Milestone(nil), c.Milestones...)
				ms[i] = m
				c.Milestones = ms
				f.contracts[id] = c
				return nil
			}
		}
	}
	return ErrMilestoneNotFound
}

func (f *fakeRepo) InsertTransaction(_ context.Context, _ pgx.Tx, t Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.ledger {
		if t.Kind == KindRelease && t.MilestoneID != nil && existing.Kind == KindRelease &&
			existing.MilestoneID != nil && *existing.MilestoneID == *t.MilestoneID {
			return ErrAlreadyReleased
		}
	}
	f.ledger = append(f.ledger, t)
	return nil
}

func (f *fakeRepo) ledgerCount(contractID string, kind TransactionKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.ledger {
		if t.ContractID == contractID && t.Kind == kind {
			n++
		}
	}
	return n
}

// releasedWithoutPayout lists released milestones that have no release
// transaction of their own.
func (f *fakeRepo) releasedWithoutPayout() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var missing []string
	for _, c := range f.contracts {
		for _, m := range c.Milestones {
			if m.Status != MilestoneReleased {
				continue
			}
			found := false
			for _, t := range f.ledger {
				if t.Kind == KindRelease && t.MilestoneID != nil && *t.MilestoneID == m.ID {
					found = true
					break
				}
			}
			if !found {
				missing = append(missing, m.ID)
			}
		}
	}
	return missing
}

func (f *fakeRepo) payout(milestoneID string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.ledger {
		if t.Kind == KindRelease && t.MilestoneID != nil && *t.MilestoneID == milestoneID {
			return t.Amount, true
		}
	}
	return decimal.Zero, false
}

type fakeLocker struct {
	err      error
	key      string
	obtained int
	released int
}

func (l *fakeLocker) Obtain(_ context.Context, key string, _ time.Duration) (Unlocker, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.key = key
	l.obtained++
	return fakeUnlock{l}, nil
}

type fakeUnlock struct{ l *fakeLocker }

func (u fakeUnlock) Release(context.Context) error {
	u.l.released++
	return nil
}
