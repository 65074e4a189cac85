package dispute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketflow/activity"
	"marketflow/activity/activitytest"
	"marketflow/assist"
	"marketflow/auth"
	"marketflow/booking"
	"marketflow/db/dbtest"
	"marketflow/escrow"
	"marketflow/evidence"
	"marketflow/statemachine"
)

var (
	client   = auth.Principal{UserID: "client-1", Role: auth.RoleClient}
	pro      = auth.Principal{UserID: "pro-1", Role: auth.RoleProfessional}
	stranger = auth.Principal{UserID: "someone", Role: auth.RoleClient}
	admin    = auth.Principal{UserID: "admin-1", Role: auth.RoleAdmin}
)

type fakeRepo struct {
	mu          sync.Mutex
	seq         int
	disputes    map[string]Record
	evidence    []Evidence
	resolutions []Resolution
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{disputes: map[string]Record{}}
}

func (r *fakeRepo) next(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *fakeRepo) Create(_ context.Context, _ pgx.Tx, rec Record) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.disputes {
		if existing.BookingID == rec.BookingID && !Machine.IsTerminal(existing.Status) {
			return Record{}, ErrAlreadyOpen
		}
	}
	rec.ID = r.next("dispute")
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	r.disputes[rec.ID] = rec
	return rec, nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.disputes[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (Record, error) {
	return r.Get(ctx, id)
}

func (r *fakeRepo) List(_ context.Context, filters Filters) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.disputes {
		if !filters.AsAdmin && !rec.IsParty(filters.UserID) {
			continue
		}
		if filters.Status != "" && rec.Status != filters.Status {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *fakeRepo) UpdateStatus(_ context.Context, _ pgx.Tx, id string, status Status, resolvedAt *time.Time) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.disputes[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Status = status
	if resolvedAt != nil {
		rec.ResolvedAt = resolvedAt
	}
	r.disputes[id] = rec
	return rec, nil
}

func (r *fakeRepo) InsertEvidence(_ context.Context, _ pgx.Tx, ev Evidence) (Evidence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = r.next("evidence")
	ev.CreatedAt = time.Now()
	r.evidence = append(r.evidence, ev)
	return ev, nil
}

func (r *fakeRepo) CountEvidence(_ context.Context, _ pgx.Tx, disputeID, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.evidence {
		if ev.DisputeID == disputeID && ev.SubmittedBy == userID {
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) GetEvidence(_ context.Context, disputeID, evidenceID string) (Evidence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.evidence {
		if ev.DisputeID == disputeID && ev.ID == evidenceID {
			return ev, nil
		}
	}
	return Evidence{}, ErrEvidenceNotFound
}

func (r *fakeRepo) ListEvidence(_ context.Context, disputeID string) ([]Evidence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Evidence
	for _, ev := range r.evidence {
		if ev.DisputeID == disputeID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *fakeRepo) InsertResolution(_ context.Context, _ pgx.Tx, res Resolution) (Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.Status == ResolutionPending {
		for _, existing := range r.resolutions {
			if existing.DisputeID == res.DisputeID && existing.Status == ResolutionPending {
				return Resolution{}, ErrPendingProposal
			}
		}
	}
	res.ID = r.next("resolution")
	res.CreatedAt = time.Now()
	r.resolutions = append(r.resolutions, res)
	return res, nil
}

func (r *fakeRepo) PendingResolution(_ context.Context, _ pgx.Tx, disputeID string) (Resolution, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.resolutions {
		if res.DisputeID == disputeID && res.Status == ResolutionPending {
			return res, true, nil
		}
	}
	return Resolution{}, false, nil
}

func (r *fakeRepo) UpdateResolution(_ context.Context, _ pgx.Tx, res Resolution) (Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.resolutions {
		if existing.ID == res.ID {
			r.resolutions[i] = res
			return res, nil
		}
	}
	return Resolution{}, ErrResolutionNotFound
}

func (r *fakeRepo) ListResolutions(_ context.Context, disputeID string) ([]Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Resolution
	for _, res := range r.resolutions {
		if res.DisputeID == disputeID {
			out = append(out, res)
		}
	}
	return out, nil
}

type outcome struct {
	next      booking.Status
	disputeID string
}

type fakeBookings struct {
	bookings map[string]booking.Booking
	outcomes []outcome
}

func (f *fakeBookings) Get(_ context.Context, _ auth.Principal, id string) (booking.Booking, error) {
	b, ok := f.bookings[id]
	if !ok {
		return booking.Booking{}, booking.ErrNotFound
	}
	return b, nil
}

func (f *fakeBookings) LockTx(ctx context.Context, _ pgx.Tx, id string) (booking.Booking, error) {
	return f.Get(ctx, auth.Principal{}, id)
}

func (f *fakeBookings) MarkDisputedTx(_ context.Context, _ pgx.Tx, id, _, _ string) (booking.Status, booking.Booking, error) {
	b := f.bookings[id]
	prior := b.Status
	b.Status = booking.StatusDisputed
	f.bookings[id] = b
	return prior, b, nil
}

func (f *fakeBookings) ApplyDisputeOutcomeTx(_ context.Context, _ pgx.Tx, id string, next booking.Status, _, disputeID string) (booking.Booking, error) {
	b := f.bookings[id]
	b.Status = next
	f.bookings[id] = b
	f.outcomes = append(f.outcomes, outcome{next: next, disputeID: disputeID})
	return b, nil
}

type settlement struct {
	contractID string
	refund     decimal.Decimal
}

type fakeEscrow struct {
	contracts map[string]escrow.Contract
	settled   []settlement
}

func (f *fakeEscrow) GetContract(_ context.Context, _ auth.Principal, id string) (escrow.Contract, error) {
	c, ok := f.contracts[id]
	if !ok {
		return escrow.Contract{}, escrow.ErrNotFound
	}
	return c, nil
}

func (f *fakeEscrow) LockTx(ctx context.Context, _ pgx.Tx, id string) (escrow.Contract, error) {
	return f.GetContract(ctx, auth.Principal{}, id)
}

func (f *fakeEscrow) LockByBookingTx(_ context.Context, _ pgx.Tx, bookingID string) (escrow.Contract, bool, error) {
	for _, c := range f.contracts {
		if c.BookingID == bookingID {
			return c, true, nil
		}
	}
	return escrow.Contract{}, false, nil
}

func (f *fakeEscrow) Freeze(_ context.Context, _ pgx.Tx, id, _ string) (escrow.Contract, error) {
	c := f.contracts[id]
	if c.Status == escrow.ContractFunded {
		c.Status = escrow.ContractDisputed
		f.contracts[id] = c
	}
	return c, nil
}

func (f *fakeEscrow) Unfreeze(_ context.Context, _ pgx.Tx, id, _ string) (escrow.Contract, error) {
	c := f.contracts[id]
	if c.Status == escrow.ContractDisputed {
		c.Status = escrow.ContractFunded
		f.contracts[id] = c
	}
	return c, nil
}

func (f *fakeEscrow) Settle(_ context.Context, _ pgx.Tx, id string, refund decimal.Decimal, _ string) (escrow.Contract, error) {
	c := f.contracts[id]
	c.RefundedAmount = c.RefundedAmount.Add(refund)
	c.ReleasedAmount = c.FundedAmount.Sub(c.RefundedAmount)
	c.Status = escrow.ContractSettled
	if c.ReleasedAmount.IsZero() {
		c.Status = escrow.ContractRefunded
	}
	f.contracts[id] = c
	f.settled = append(f.settled, settlement{contractID: id, refund: refund})
	return c, nil
}

type fakeStore struct {
	sizes map[string]int64
}

func (f *fakeStore) SignUpload(_ context.Context, key, contentType string, ttl time.Duration) (evidence.SignedURL, error) {
	return evidence.SignedURL{
		URL:       "https://storage.example/" + key,
		Method:    "PUT",
		Headers:   map[string]string{"Content-Type": contentType},
		ObjectKey: key,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (f *fakeStore) SignDownload(_ context.Context, key string, ttl time.Duration) (evidence.SignedURL, error) {
	return evidence.SignedURL{URL: "https://storage.example/" + key, Method: "GET", ObjectKey: key, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (f *fakeStore) Stat(_ context.Context, key string) (evidence.ObjectInfo, error) {
	size, ok := f.sizes[key]
	if !ok {
		return evidence.ObjectInfo{}, evidence.ErrObjectMissing
	}
	return evidence.ObjectInfo{Key: key, Size: size}, nil
}

type fakeSummarizer struct{ briefs []assist.Brief }

func (f *fakeSummarizer) Summarize(_ context.Context, brief assist.Brief) (string, error) {
	f.briefs = append(f.briefs, brief)
	return "both parties agree the work was late", nil
}

type harness struct {
	repo     *fakeRepo
	pool     *dbtest.Pool
	rec      *activitytest.Recorder
	bookings *fakeBookings
	escrow   *fakeEscrow
	store    *fakeStore
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := &harness{
		repo: newFakeRepo(),
		pool: &dbtest.Pool{},
		rec:  &activitytest.Recorder{},
		bookings: &fakeBookings{bookings: map[string]booking.Booking{
			"booking-1": {
				ID: "booking-1", ClientID: client.UserID, ProfessionalID: pro.UserID,
				Title: "Rewire the kitchen", Amount: decimal.NewFromInt(400), Status: booking.StatusInProgress,
			},
		}},
		escrow: &fakeEscrow{contracts: map[string]escrow.Contract{
			"contract-1": {
				ID: "contract-1", BookingID: "booking-1", ClientID: client.UserID, ProfessionalID: pro.UserID,
				Currency: "EUR", TotalAmount: decimal.NewFromInt(400), FundedAmount: decimal.NewFromInt(400),
				ReleasedAmount: decimal.NewFromInt(100), Status: escrow.ContractFunded,
			},
		}},
		store: &fakeStore{sizes: map[string]int64{}},
	}
	h.svc = NewService(h.repo, h.pool, h.rec, h.bookings, h.escrow, logger).WithStorage(h.store, time.Minute)
	return h
}

func (h *harness) open(t *testing.T) Record {
	t.Helper()
	rec, err := h.svc.Open(context.Background(), client, OpenRequest{
		BookingID:   "booking-1",
		Reason:      ReasonQuality,
		Description: "wiring fails inspection",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return rec
}

func (h *harness) propose(t *testing.T, actor auth.Principal, id string, o Outcome, refund string) Resolution {
	t.Helper()
	res, err := h.svc.ProposeResolution(context.Background(), actor, id, ProposalRequest{
		Outcome:      o,
		RefundAmount: decimal.RequireFromString(refund),
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return res
}

func TestOutcome_BookingStatus(t *testing.T) {
	cases := map[Outcome]booking.Status{
		OutcomeFullRefund:    booking.StatusCancelled,
		OutcomePartialRefund: booking.StatusCompleted,
		OutcomeRelease:       booking.StatusCompleted,
	}
	for o, want := range cases {
		if got := o.BookingStatus(); got != want {
			t.Errorf("%s.BookingStatus() = %s, want %s", o, got, want)
		}
	}
}

func TestOpen_FreezesEscrowAndMarksBooking(t *testing.T) {
	h := newHarness(t)
	rec := h.open(t)

	if rec.Status != StatusOpen || rec.RespondentID != pro.UserID {
		t.Fatalf("unexpected dispute %+v", rec)
	}
	if rec.PriorBookingStatus != booking.StatusInProgress {
		t.Fatalf("prior status = %s", rec.PriorBookingStatus)
	}
	if rec.ContractID == nil || *rec.ContractID != "contract-1" {
		t.Fatalf("expected contract link, got %v", rec.ContractID)
	}
	if got := h.bookings.bookings["booking-1"].Status; got != booking.StatusDisputed {
		t.Fatalf("booking status = %s", got)
	}
	if got := h.escrow.contracts["contract-1"].Status; got != escrow.ContractDisputed {
		t.Fatalf("contract status = %s", got)
	}
	msg, ok := h.rec.Last(activity.TopicDisputeOpened)
	if !ok {
		t.Fatal("expected dispute.opened")
	}
	if msg.Payload["user_id"] != pro.UserID || msg.Payload["contract_id"] != "contract-1" {
		t.Fatalf("unexpected payload %v", msg.Payload)
	}
	if h.pool.Commits() != 1 {
		t.Fatalf("expected one commit, got %d", h.pool.Commits())
	}
}

func TestOpen_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bookings.bookings["booking-2"] = booking.Booking{
		ID: "booking-2", ClientID: client.UserID, ProfessionalID: pro.UserID, Status: booking.StatusPending,
	}

	if _, err := h.svc.Open(ctx, stranger, OpenRequest{BookingID: "booking-1", Reason: ReasonOther}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger: expected forbidden, got %v", err)
	}
	if _, err := h.svc.Open(ctx, client, OpenRequest{BookingID: "booking-1", Reason: "bogus"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bad reason: expected invalid request, got %v", err)
	}
	if _, err := h.svc.Open(ctx, client, OpenRequest{BookingID: "booking-2", Reason: ReasonNoShow}); !errors.Is(err, ErrBookingState) {
		t.Fatalf("pending booking: expected booking state, got %v", err)
	}
	h.open(t)
	h.bookings.bookings["booking-1"] = booking.Booking{
		ID: "booking-1", ClientID: client.UserID, ProfessionalID: pro.UserID, Status: booking.StatusInProgress,
	}
	if _, err := h.svc.Open(ctx, pro, OpenRequest{BookingID: "booking-1", Reason: ReasonPayment}); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second dispute: expected already open, got %v", err)
	}
}

func TestSubmitEvidence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.open(t)

	if _, err := h.svc.SubmitEvidence(ctx, pro, rec.ID, EvidenceRequest{Kind: EvidenceText, Body: "  "}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("blank text: expected invalid request, got %v", err)
	}
	if _, err := h.svc.SubmitEvidence(ctx, pro, rec.ID, EvidenceRequest{Kind: EvidenceLink, Body: "not a url"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bad link: expected invalid request, got %v", err)
	}
	if _, err := h.svc.SubmitEvidence(ctx, stranger, rec.ID, EvidenceRequest{Kind: EvidenceText, Body: "hi"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger: expected forbidden, got %v", err)
	}
	if _, err := h.svc.SubmitEvidence(ctx, pro, rec.ID, EvidenceRequest{Kind: EvidenceFile, ObjectKey: "disputes/other/x-photo.png"}); !errors.Is(err, evidence.ErrKeyScope) {
		t.Fatalf("foreign key: expected scope error, got %v", err)
	}

	upload, err := h.svc.RequestUpload(ctx, pro, rec.ID, UploadRequest{FileName: "photo.png", ContentType: "image/png", Size: 2048})
	if err != nil {
		t.Fatalf("request upload: %v", err)
	}
	if _, err := h.svc.SubmitEvidence(ctx, pro, rec.ID, EvidenceRequest{Kind: EvidenceFile, ObjectKey: upload.ObjectKey}); !errors.Is(err, evidence.ErrObjectMissing) {
		t.Fatalf("missing upload: expected object missing, got %v", err)
	}
	h.store.sizes[upload.ObjectKey] = 2048
	file, err := h.svc.SubmitEvidence(ctx, pro, rec.ID, EvidenceRequest{Kind: EvidenceFile, ObjectKey: upload.ObjectKey})
	if err != nil {
		t.Fatalf("file evidence: %v", err)
	}
	link, err := h.svc.EvidenceURL(ctx, client, rec.ID, file.ID)
	if err != nil || link.Method != "GET" || link.ObjectKey != upload.ObjectKey {
		t.Fatalf("download url: %+v %v", link, err)
	}

	msg, ok := h.rec.Last(activity.TopicDisputeEvidence)
	if !ok || !reflect.DeepEqual(msg.Payload["recipients"], []string{client.UserID}) {
		t.Fatalf("expected evidence notice to the client, got %+v", msg)
	}
}

func TestSubmitEvidence_LimitPerParty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.open(t)

	for i := 0; i < MaxEvidencePerParty; i++ {
		if _, err := h.svc.SubmitEvidence(ctx, client, rec.ID, EvidenceRequest{Kind: EvidenceText, Body: fmt.Sprintf("note %d", i)}); err != nil {
			t.Fatalf("evidence %d: %v", i, err)
		}
	}
	if _, err := h.svc.SubmitEvidence(ctx, client, rec.ID, EvidenceRequest{Kind: EvidenceText, Body: "one more"}); !errors.Is(err, ErrEvidenceLimit) {
		t.Fatalf("expected evidence limit, got %v", err)
	}
	if _, err := h.svc.SubmitEvidence(ctx, pro, rec.ID, EvidenceRequest{Kind: EvidenceLink, Body: "https://example.com/photos"}); err != nil {
		t.Fatalf("other party still under the limit: %v", err)
	}
}

func TestProposeResolution_OutcomeAmounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.open(t)

	cases := []struct {
		name   string
		o      Outcome
		refund string
		want   error
	}{
		{"full refund short", OutcomeFullRefund, "100", ErrOutcomeAmount},
		{"partial equals balance", OutcomePartialRefund, "300", ErrOutcomeAmount},
		{"partial zero", OutcomePartialRefund, "0", ErrOutcomeAmount},
		{"release with refund", OutcomeRelease, "10", ErrOutcomeAmount},
		{"too large", OutcomePartialRefund, "301", ErrRefundTooLarge},
		{"three decimals", OutcomePartialRefund, "10.005", ErrOutcomeAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.ProposeResolution(ctx, pro, rec.ID, ProposalRequest{Outcome: tc.o, RefundAmount: decimal.RequireFromString(tc.refund)})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	full := h.propose(t, client, rec.ID, OutcomeFullRefund, "0")
	if !full.RefundAmount.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("full refund should default to the outstanding balance, got %s", full.RefundAmount)
	}
	if _, err := h.svc.ProposeResolution(ctx, pro, rec.ID, ProposalRequest{Outcome: OutcomeRelease}); !errors.Is(err, ErrPendingProposal) {
		t.Fatalf("second proposal: expected pending proposal, got %v", err)
	}
}

func TestRespond_AcceptAppliesOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.open(t)
	res := h.propose(t, pro, rec.ID, OutcomePartialRefund, "120.50")

	if _, err := h.svc.RespondToResolution(ctx, pro, rec.ID, res.ID, true); !errors.Is(err, ErrOwnProposal) {
		t.Fatalf("proposer accept: expected own proposal, got %v", err)
	}
	if _, err := h.svc.RespondToResolution(ctx, client, rec.ID, "resolution-999", true); !errors.Is(err, ErrStaleProposal) {
		t.Fatalf("unknown proposal: expected stale, got %v", err)
	}
	done, err := h.svc.RespondToResolution(ctx, client, rec.ID, res.ID, true)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if done.Status != StatusResolved || done.ResolvedAt == nil {
		t.Fatalf("unexpected dispute %+v", done)
	}
	if len(h.escrow.settled) != 1 || !h.escrow.settled[0].refund.Equal(decimal.RequireFromString("120.50")) {
		t.Fatalf("unexpected settlement %+v", h.escrow.settled)
	}
	if !reflect.DeepEqual(h.bookings.outcomes, []outcome{{next: booking.StatusCompleted, disputeID: rec.ID}}) {
		t.Fatalf("unexpected booking outcome %+v", h.bookings.outcomes)
	}
	if h.repo.resolutions[0].Status != ResolutionAccepted || h.repo.resolutions[0].DecidedBy == nil {
		t.Fatalf("resolution not accepted: %+v", h.repo.resolutions[0])
	}
	if _, err := h.svc.SubmitEvidence(ctx, client, rec.ID, EvidenceRequest{Kind: EvidenceText, Body: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("evidence after resolution: expected closed, got %v", err)
	}
}

func TestRespond_RejectReopens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.open(t)
	res := h.propose(t, client, rec.ID, OutcomeFullRefund, "300")

	reopened, err := h.svc.RespondToResolution(ctx, pro, rec.ID, res.ID, false)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if reopened.Status != StatusOpen {
		t.Fatalf("expected open, got %s", reopened.Status)
	}
	msg, ok := h.rec.Last(activity.TopicDisputeResolutionRejected)
	if !ok || !reflect.DeepEqual(msg.Payload["recipients"], []string{client.UserID}) {
		t.Fatalf("expected rejection notice to the proposer, got %+v", msg)
	}
	if len(h.escrow.settled) != 0 {
		t.Fatal("rejection must not move money")
	}
	h.propose(t, pro, rec.ID, OutcomeRelease, "0")
}

func TestEscalateAndDecide(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.open(t)
	h.propose(t, client, rec.ID, OutcomeFullRefund, "300")

	if _, err := h.svc.Escalate(ctx, stranger, rec.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger escalate: expected forbidden, got %v", err)
	}
	if _, err := h.svc.Decide(ctx, admin, rec.ID, ProposalRequest{Outcome: OutcomeRelease}); !errors.Is(err, ErrNotEscalated) {
		t.Fatalf("decide before escalation: expected not escalated, got %v", err)
	}
	escalated, err := h.svc.Escalate(ctx, pro, rec.ID, "we cannot agree")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if escalated.Status != StatusEscalated {
		t.Fatalf("expected escalated, got %s", escalated.Status)
	}
	if h.repo.resolutions[0].Status != ResolutionSuperseded {
		t.Fatalf("pending proposal should be superseded, got %s", h.repo.resolutions[0].Status)
	}
	if _, err := h.svc.Decide(ctx, client, rec.ID, ProposalRequest{Outcome: OutcomeRelease}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("client decide: expected forbidden, got %v", err)
	}

	done, err := h.svc.Decide(ctx, admin, rec.ID, ProposalRequest{Outcome: OutcomeFullRefund})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if done.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", done.Status)
	}
	if got := h.escrow.contracts["contract-1"].Status; got != escrow.ContractSettled {
		t.Fatalf("contract status = %s", got)
	}
	if !reflect.DeepEqual(h.bookings.outcomes, []outcome{{next: booking.StatusCancelled, disputeID: rec.ID}}) {
		t.Fatalf("unexpected booking outcome %+v", h.bookings.outcomes)
	}
	decision := h.repo.resolutions[1]
	if decision.Status != ResolutionAccepted || decision.ProposedBy != admin.UserID {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestWithdraw_RestoresBooking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.open(t)

	if _, err := h.svc.Withdraw(ctx, pro, rec.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("respondent withdraw: expected forbidden, got %v", err)
	}
	done, err := h.svc.Withdraw(ctx, client, rec.ID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if done.Status != StatusWithdrawn {
		t.Fatalf("expected withdrawn, got %s", done.Status)
	}
	if got := h.escrow.contracts["contract-1"].Status; got != escrow.ContractFunded {
		t.Fatalf("contract should be unfrozen, got %s", got)
	}
	if got := h.bookings.bookings["booking-1"].Status; got != booking.StatusInProgress {
		t.Fatalf("booking should return to in_progress, got %s", got)
	}
	if _, err := h.svc.Withdraw(ctx, client, rec.ID); !errors.Is(err, statemachine.ErrInvalidTransition) {
		t.Fatalf("second withdraw: expected invalid transition, got %v", err)
	}
}

func TestVisibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.open(t)

	if _, err := h.svc.Get(ctx, stranger, rec.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger get: expected forbidden, got %v", err)
	}
	if _, err := h.svc.Get(ctx, admin, rec.ID); err != nil {
		t.Fatalf("admin get: %v", err)
	}
	mine, err := h.svc.List(ctx, stranger, "")
	if err != nil || len(mine) != 0 {
		t.Fatalf("stranger list: %v %v", mine, err)
	}
	if _, err := h.svc.List(ctx, admin, "bogus"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bad status: expected invalid request, got %v", err)
	}
	open, err := h.svc.List(ctx, admin, string(StatusOpen))
	if err != nil || len(open) != 1 {
		t.Fatalf("admin list: %v %v", open, err)
	}
}

func TestSummarize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.open(t)

	if _, err := h.svc.Summarize(ctx, client, rec.ID); !errors.Is(err, assist.ErrAssistUnavailable) {
		t.Fatalf("no summarizer: expected unavailable, got %v", err)
	}
	summarizer := &fakeSummarizer{}
	h.svc.WithSummarizer(summarizer)
	if _, err := h.svc.SubmitEvidence(ctx, pro, rec.ID, EvidenceRequest{Kind: EvidenceText, Body: "passed inspection last week"}); err != nil {
		t.Fatalf("evidence: %v", err)
	}
	h.propose(t, pro, rec.ID, OutcomeRelease, "0")

	summary, err := h.svc.Summarize(ctx, admin, rec.ID)
	if err != nil || summary == "" {
		t.Fatalf("summarize: %q %v", summary, err)
	}
	brief := summarizer.briefs[0]
	if brief.Currency != "EUR" || brief.BookingTitle != "Rewire the kitchen" {
		t.Fatalf("unexpected brief %+v", brief)
	}
	if len(brief.Evidence) != 1 || brief.Evidence[0].Party != "professional" {
		t.Fatalf("unexpected evidence %+v", brief.Evidence)
	}
	if len(brief.Proposals) != 1 || brief.Proposals[0].Outcome != string(OutcomeRelease) {
		t.Fatalf("unexpected proposals %+v", brief.Proposals)
	}
}
