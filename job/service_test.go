package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketflow/activity"
	"marketflow/activity/activitytest"
	"marketflow/apperr"
	"marketflow/auth"
	"marketflow/booking"
	"marketflow/db/dbtest"
	"marketflow/escrow"
	"marketflow/statemachine"
)

var (
	owner = auth.Principal{UserID: "client-1", Role: auth.RoleClient}
	proA  = auth.Principal{UserID: "pro-a", Role: auth.RoleProfessional}
	proB  = auth.Principal{UserID: "pro-b", Role: auth.RoleProfessional}
	other = auth.Principal{UserID: "client-2", Role: auth.RoleClient}
)

type fakeRepo struct {
	mu      sync.Mutex
	seq     int
	jobs    map[string]Job
	quotes  map[string]Quote
	active  map[string]bool
	ordered []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[string]Job{}, quotes: map[string]Quote{}, active: map[string]bool{}}
}

func (r *fakeRepo) next(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *fakeRepo) Create(_ context.Context, _ pgx.Tx, j Job) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j.ID = r.next("job")
	r.jobs[j.ID] = j
	return j, nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (r *fakeRepo) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (Job, error) {
	return r.Get(ctx, id)
}

func (r *fakeRepo) List(_ context.Context, filters Filters) ([]Job, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Job{}
	for _, j := range r.jobs {
		if filters.Status != "" && j.Status != filters.Status {
			continue
		}
		if filters.Category != "" && j.Category != filters.Category {
			continue
		}
		if filters.ClientID != "" && j.ClientID != filters.ClientID {
			continue
		}
		out = append(out, j)
	}
	return out, len(out), nil
}

func (r *fakeRepo) UpdateStatus(_ context.Context, _ pgx.Tx, id string, status Status) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	j.Status = status
	r.jobs[id] = j
	return j, nil
}

func (r *fakeRepo) HasActiveBooking(_ context.Context, _ pgx.Tx, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[jobID], nil
}

func (r *fakeRepo) CreateQuote(_ context.Context, _ pgx.Tx, q Quote) (Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.quotes {
		if existing.JobID == q.JobID && existing.ProfessionalID == q.ProfessionalID && existing.Status == QuoteSubmitted {
			return Quote{}, ErrQuoteExists
		}
	}
	q.ID = r.next("quote")
	r.quotes[q.ID] = q
	r.ordered = append(r.ordered, q.ID)
	return q, nil
}

func (r *fakeRepo) GetQuote(_ context.Context, id string) (Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotes[id]
	if !ok {
		return Quote{}, ErrQuoteNotFound
	}
	return q, nil
}

func (r *fakeRepo) GetQuoteForUpdate(ctx context.Context, _ pgx.Tx, id string) (Quote, error) {
	return r.GetQuote(ctx, id)
}

func (r *fakeRepo) ListQuotes(_ context.Context, jobID, professionalID string) ([]Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Quote{}
	for _, id := range r.ordered {
		q := r.quotes[id]
		if q.JobID != jobID || (professionalID != "" && q.ProfessionalID != professionalID) {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

func (r *fakeRepo) UpdateQuoteStatus(_ context.Context, _ pgx.Tx, id string, status QuoteStatus) (Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotes[id]
	if !ok {
		return Quote{}, ErrQuoteNotFound
	}
	if status == QuoteAccepted {
		for _, other := range r.quotes {
			if other.JobID == q.JobID && other.ID != id && other.Status == QuoteAccepted {
				return Quote{}, ErrAlreadyTaken
			}
		}
	}
	q.Status = status
	r.quotes[id] = q
	return q, nil
}

func (r *fakeRepo) RejectOpenQuotes(_ context.Context, _ pgx.Tx, jobID, exceptID string) ([]Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Quote{}
	for _, id := range r.ordered {
		q := r.quotes[id]
		if q.JobID != jobID || q.ID == exceptID || q.Status != QuoteSubmitted {
			continue
		}
		q.Status = QuoteRejected
		r.quotes[id] = q
		out = append(out, q)
	}
	return out, nil
}

type fakeBookings struct {
	byQuote map[string]booking.Booking
}

func (f *fakeBookings) CreateFromQuoteTx(_ context.Context, _ pgx.Tx, p booking.QuoteParams) (booking.Booking, bool, error) {
	if f.byQuote == nil {
		f.byQuote = map[string]booking.Booking{}
	}
	if b, ok := f.byQuote[p.QuoteID]; ok {
		return b, false, nil
	}
	jobID, quoteID := p.JobID, p.QuoteID
	b := booking.Booking{
		ID:             "booking-for-" + p.QuoteID,
		JobID:          &jobID,
		QuoteID:        &quoteID,
		ClientID:       p.ClientID,
		ProfessionalID: p.ProfessionalID,
		Title:          p.Title,
		Amount:         p.Amount,
		Status:         booking.StatusPending,
	}
	f.byQuote[p.QuoteID] = b
	return b, true, nil
}

type fakeContracts struct {
	created []escrow.CreateContractParams
}

func (f *fakeContracts) CreateContract(_ context.Context, _ pgx.Tx, p escrow.CreateContractParams) (escrow.Contract, error) {
	f.created = append(f.created, p)
	return escrow.Contract{ID: "contract-" + p.BookingID}, nil
}

type harness struct {
	repo      *fakeRepo
	pool      *dbtest.Pool
	rec       *activitytest.Recorder
	bookings  *fakeBookings
	contracts *fakeContracts
	svc       *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := &harness{
		repo:      newFakeRepo(),
		pool:      &dbtest.Pool{},
		rec:       &activitytest.Recorder{},
		bookings:  &fakeBookings{},
		contracts: &fakeContracts{},
	}
	h.svc = NewService(h.repo, h.pool, h.rec, h.bookings, h.contracts, logger)
	return h
}

func (h *harness) postJob(t *testing.T) Job {
	t.Helper()
	j, err := h.svc.CreateJob(context.Background(), owner, CreateJobRequest{
		Title:    "Replace kitchen tap",
		Category: " Plumbing ",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func (h *harness) quote(t *testing.T, actor auth.Principal, jobID, amount string, plans ...escrow.MilestonePlan) Quote {
	t.Helper()
	q, err := h.svc.SubmitQuote(context.Background(), actor, jobID, SubmitQuoteRequest{
		Amount:     decimal.RequireFromString(amount),
		Milestones: plans,
	})
	if err != nil {
		t.Fatalf("submit quote: %v", err)
	}
	return q
}

func TestCreateJob(t *testing.T) {
	h := newHarness(t)
	j := h.postJob(t)
	if j.Status != StatusOpen || j.Category != "plumbing" {
		t.Fatalf("unexpected job %+v", j)
	}
	if _, err := h.svc.CreateJob(context.Background(), proA, CreateJobRequest{Title: "x", Category: "y"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("professional create: expected forbidden, got %v", err)
	}
	if _, err := h.svc.CreateJob(context.Background(), owner, CreateJobRequest{Category: "y"}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("missing title: expected invalid job, got %v", err)
	}
	negative := decimal.NewFromInt(-5)
	if _, err := h.svc.CreateJob(context.Background(), owner, CreateJobRequest{Title: "x", Category: "y", Budget: &negative}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("negative budget: expected invalid job, got %v", err)
	}
	if _, err := h.svc.ListJobs(context.Background(), Filters{Status: "archived"}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("unknown status filter: expected invalid job, got %v", err)
	}
}

func TestSubmitQuote_Rules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.postJob(t)
	h.quote(t, proA, j.ID, "150.00")

	cases := []struct {
		name  string
		actor auth.Principal
		req   SubmitQuoteRequest
		want  error
	}{
		{"duplicate active quote", proA, SubmitQuoteRequest{Amount: decimal.NewFromInt(140)}, ErrQuoteExists},
		{"client cannot quote", other, SubmitQuoteRequest{Amount: decimal.NewFromInt(140)}, ErrForbidden},
		{"zero amount", proB, SubmitQuoteRequest{}, ErrInvalidQuote},
		{"milestones must add up", proB, SubmitQuoteRequest{
			Amount: decimal.NewFromInt(100),
			Milestones: []escrow.MilestonePlan{
				{Title: "Parts", Amount: decimal.NewFromInt(40)},
				{Title: "Labour", Amount: decimal.NewFromInt(50)},
			},
		}, ErrMilestoneTotals},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.svc.SubmitQuote(ctx, tc.actor, j.ID, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if apperr.Classify(ErrQuoteExists).Category != apperr.Conflict {
		t.Fatal("duplicate quotes are conflicts")
	}
}

func TestWithdrawQuote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.postJob(t)
	q := h.quote(t, proA, j.ID, "90")

	if _, err := h.svc.WithdrawQuote(ctx, proB, q.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other professional: expected forbidden, got %v", err)
	}
	withdrawn, err := h.svc.WithdrawQuote(ctx, proA, q.ID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Status != QuoteWithdrawn {
		t.Fatalf("expected withdrawn, got %s", withdrawn.Status)
	}
	if _, err := h.svc.WithdrawQuote(ctx, proA, q.ID); !errors.Is(err, statemachine.ErrInvalidTransition) {
		t.Fatalf("second withdraw: expected invalid transition, got %v", err)
	}
	// A withdrawn quote frees the slot for a fresh one.
	h.quote(t, proA, j.ID, "85")
}

func TestListQuotes_Visibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.postJob(t)
	h.quote(t, proA, j.ID, "100")
	h.quote(t, proB, j.ID, "120")

	all, err := h.svc.ListQuotes(ctx, owner, j.ID)
	if err != nil || len(all) != 2 {
		t.Fatalf("owner: %d quotes, err=%v", len(all), err)
	}
	mine, err := h.svc.ListQuotes(ctx, proB, j.ID)
	if err != nil || len(mine) != 1 || mine[0].ProfessionalID != proB.UserID {
		t.Fatalf("professional: %+v err=%v", mine, err)
	}
	if _, err := h.svc.ListQuotes(ctx, other, j.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other client: expected forbidden, got %v", err)
	}
}

func TestAcceptQuote_OneTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.postJob(t)
	qa := h.quote(t, proA, j.ID, "300",
		escrow.MilestonePlan{Title: "Deposit", Amount: decimal.NewFromInt(100)},
		escrow.MilestonePlan{Title: "Finish", Amount: decimal.NewFromInt(200)},
	)
	qb := h.quote(t, proB, j.ID, "280")
	commitsBefore := h.pool.Commits()

	res, err := h.svc.AcceptQuote(ctx, owner, j.ID, qa.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Replayed || res.Job.Status != StatusAssigned || res.Quote.Status != QuoteAccepted {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Booking.Status != booking.StatusPending || res.ContractID == "" {
		t.Fatalf("expected pending booking with contract, got %+v", res)
	}
	if got := h.pool.Commits() - commitsBefore; got != 1 {
		t.Fatalf("expected a single commit, got %d", got)
	}
	if len(h.contracts.created) != 1 || len(h.contracts.created[0].Milestones) != 2 {
		t.Fatalf("contract should carry the quoted milestones: %+v", h.contracts.created)
	}
	if q, _ := h.repo.GetQuote(ctx, qb.ID); q.Status != QuoteRejected {
		t.Fatalf("competing quote should be rejected, got %s", q.Status)
	}

	rejected, ok := h.rec.Last(activity.TopicQuoteRejected)
	if !ok || !reflect.DeepEqual(rejected.Payload["recipients"], []string{proB.UserID}) {
		t.Fatalf("rejected professional should be notified, got %+v", rejected)
	}
	accepted, ok := h.rec.Last(activity.TopicQuoteAccepted)
	if !ok {
		t.Fatal("expected quote.accepted")
	}
	recipients := append([]string(nil), accepted.Payload["recipients"].([]string)...)
	sort.Strings(recipients)
	if !reflect.DeepEqual(recipients, []string{owner.UserID, proA.UserID}) {
		t.Fatalf("quote.accepted recipients = %v", recipients)
	}
}

func TestAcceptQuote_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.postJob(t)
	q := h.quote(t, proA, j.ID, "300")

	first, err := h.svc.AcceptQuote(ctx, owner, j.ID, q.ID)
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	second, err := h.svc.AcceptQuote(ctx, owner, j.ID, q.ID)
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if !second.Replayed || second.Booking.ID != first.Booking.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Booking.ID, second)
	}
	if len(h.contracts.created) != 1 {
		t.Fatalf("expected one contract, got %d", len(h.contracts.created))
	}
}

func TestAcceptQuote_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.postJob(t)
	qa := h.quote(t, proA, j.ID, "300")
	qb := h.quote(t, proB, j.ID, "250")
	otherJob := h.postJob(t)

	if _, err := h.svc.AcceptQuote(ctx, other, j.ID, qa.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-owner: expected forbidden, got %v", err)
	}
	if _, err := h.svc.AcceptQuote(ctx, owner, otherJob.ID, qa.ID); !errors.Is(err, ErrQuoteMismatch) {
		t.Fatalf("foreign quote: expected mismatch, got %v", err)
	}
	if _, err := h.svc.AcceptQuote(ctx, owner, j.ID, qa.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := h.svc.AcceptQuote(ctx, owner, j.ID, qb.ID); !errors.Is(err, statemachine.ErrInvalidTransition) {
		t.Fatalf("rejected quote: expected invalid transition, got %v", err)
	}
	if _, err := h.svc.SubmitQuote(ctx, auth.Principal{UserID: "pro-c", Role: auth.RoleProfessional}, j.ID, SubmitQuoteRequest{Amount: decimal.NewFromInt(10)}); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("quote on assigned job: expected not open, got %v", err)
	}
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.postJob(t)
	h.quote(t, proA, j.ID, "100")

	if _, err := h.svc.CancelJob(ctx, other, j.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-owner: expected forbidden, got %v", err)
	}
	h.repo.active[j.ID] = true
	if _, err := h.svc.CancelJob(ctx, owner, j.ID); !errors.Is(err, ErrActiveBooking) {
		t.Fatalf("active booking: expected conflict, got %v", err)
	}
	h.repo.active[j.ID] = false

	cancelled, err := h.svc.CancelJob(ctx, owner, j.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	quotes, _ := h.repo.ListQuotes(ctx, j.ID, "")
	if quotes[0].Status != QuoteRejected {
		t.Fatalf("open quotes should be rejected, got %s", quotes[0].Status)
	}
	if _, err := h.svc.CancelJob(ctx, owner, j.ID); !errors.Is(err, statemachine.ErrInvalidTransition) {
		t.Fatalf("second cancel: expected invalid transition, got %v", err)
	}
}

func TestBookingHooks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.postJob(t)
	q := h.quote(t, proA, j.ID, "300")
	if _, err := h.svc.AcceptQuote(ctx, owner, j.ID, q.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := h.svc.CompleteJobTx(ctx, &dbtest.Tx{}, j.ID, owner.UserID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got, _ := h.repo.Get(ctx, j.ID); got.Status != StatusClosed {
		t.Fatalf("expected closed, got %s", got.Status)
	}
	if err := h.svc.CompleteJobTx(ctx, &dbtest.Tx{}, j.ID, owner.UserID); err != nil {
		t.Fatalf("repeat complete should be a no-op: %v", err)
	}
	if err := h.svc.CancelJobTx(ctx, &dbtest.Tx{}, j.ID, owner.UserID); err != nil {
		t.Fatalf("cancel of a closed job should be a no-op: %v", err)
	}

	j2 := h.postJob(t)
	if err := h.svc.CancelJobTx(ctx, &dbtest.Tx{}, j2.ID, proA.UserID); err != nil {
		t.Fatalf("cancel open job: %v", err)
	}
	if got, _ := h.repo.Get(ctx, j2.ID); got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}
