package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"marketflow/activity"
	"marketflow/apperr"
	"marketflow/auth"
	"marketflow/booking"
	"marketflow/dispute"
	"marketflow/escrow"
	"marketflow/job"
	"marketflow/outbox"
	"marketflow/profile"
)

// Stats counts actor outcomes. Rejections are expected under contention;
// failures are server-side errors, mostly from chaos.
type Stats struct {
	OK       atomic.Int64
	Rejected atomic.Int64
	Failed   atomic.Int64
}

func (s *Stats) record(err error) {
	switch {
	case err == nil:
		s.OK.Add(1)
	case apperr.Classify(err).Category == apperr.Server:
		s.Failed.Add(1)
	default:
		s.Rejected.Add(1)
	}
}

func (s *Stats) String() string {
	return fmt.Sprintf("ok=%d rejected=%d failed=%d", s.OK.Load(), s.Rejected.Load(), s.Failed.Load())
}

// World is the service graph the actors drive, built the way the API
// process builds it but without redis or external clients.
type World struct {
	Pool     *pgxpool.Pool
	Jobs     *job.Service
	Bookings *booking.Service
	Escrow   *escrow.Service
	Disputes *dispute.Service
	Relay    *outbox.Relay
	Stats    *Stats
}

func NewWorld(pool *pgxpool.Pool, logger logrus.FieldLogger) (*World, error) {
	recorder := activity.NewRecorder()
	profiles := profile.NewService(profile.NewRepository(pool), pool, recorder, nil, logger)
	escrowService := escrow.NewService(escrow.NewRepository(pool), pool, recorder, nil, logger)
	bookings := booking.NewService(booking.NewRepository(pool), pool, recorder, escrowService, profiles, logger)
	jobs := job.NewService(job.NewRepository(pool), pool, recorder, bookings, escrowService, logger)
	bookings.WithJobs(jobs)
	disputes := dispute.NewService(dispute.NewRepository(pool), pool, recorder, bookings, escrowService, logger)

	flaky := outbox.PublisherFunc{ID: "flaky", Fn: func(ctx context.Context, msg outbox.Message) error {
		if rand.Intn(10) == 0 {
			return apperr.NewTransient(apperr.Network, "stress: simulated publish failure")
		}
		return nil
	}}
	relay, err := outbox.NewRelay(outbox.NewStore(pool), []outbox.Publisher{flaky}, logger,
		outbox.WithBatchSize(25),
		outbox.WithBackoff(50*time.Millisecond, time.Second),
		outbox.WithLease(5*time.Second),
	)
	if err != nil {
		return nil, err
	}

	return &World{
		Pool:     pool,
		Jobs:     jobs,
		Bookings: bookings,
		Escrow:   escrowService,
		Disputes: disputes,
		Relay:    relay,
		Stats:    &Stats{},
	}, nil
}

// SeedUsers inserts clients and professionals directly.
func SeedUsers(ctx context.Context, pool *pgxpool.Pool, clients, pros int) ([]auth.Principal, []auth.Principal, error) {
	insert := func(role auth.Role, n int) ([]auth.Principal, error) {
		out := make([]auth.Principal, 0, n)
		for i := 0; i < n; i++ {
			var id string
			err := pool.QueryRow(ctx,
				`INSERT INTO users (email, full_name, role) VALUES ($1, $2, $3) RETURNING id`,
				fmt.Sprintf("%s-%s@stress.test", role, uuid.NewString()), fmt.Sprintf("Stress %s %d", role, i), string(role),
			).Scan(&id)
			if err != nil {
				return nil, fmt.Errorf("seed %s: %w", role, err)
			}
			if role == auth.RoleProfessional {
				if _, err := pool.Exec(ctx, `INSERT INTO professional_profiles (user_id, headline, categories) VALUES ($1, 'Stress pro', '{plumbing}')`, id); err != nil {
					return nil, fmt.Errorf("seed profile: %w", err)
				}
			}
			out = append(out, auth.Principal{UserID: id, Role: role})
		}
		return out, nil
	}
	c, err := insert(auth.RoleClient, clients)
	if err != nil {
		return nil, nil, err
	}
	p, err := insert(auth.RoleProfessional, pros)
	if err != nil {
		return nil, nil, err
	}
	return c, p, nil
}

func stopped(ctx context.Context, stop <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStopped
	default:
		return nil
	}
}

var errStopped = errors.New("stopped")

func loop(ctx context.Context, stop <-chan struct{}, pause time.Duration, step func() error) error {
	for {
		if err := stopped(ctx, stop); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		if err := step(); err != nil {
			return err
		}
		time.Sleep(pause + time.Duration(rand.Int63n(int64(pause)+1)))
	}
}

// Marketplace runs full job lifecycles for one client: competing quotes,
// racing accepts, replayed funding webhooks and racing milestone approvals.
func Marketplace(ctx context.Context, w *World, client auth.Principal, pros []auth.Principal, stop <-chan struct{}) error {
	return loop(ctx, stop, 20*time.Millisecond, func() error {
		w.lifecycle(ctx, client, pros)
		return nil
	})
}

func (w *World) lifecycle(ctx context.Context, client auth.Principal, pros []auth.Principal) {
	j, err := w.Jobs.CreateJob(ctx, client, job.CreateJobRequest{
		Title:    "Fix leaking sink",
		Category: "plumbing",
	})
	w.Stats.record(err)
	if err != nil {
		return
	}

	quotes := make([]job.Quote, len(pros))
	var g errgroup.Group
	for i, pro := range pros {
		g.Go(func() error {
			half := decimal.NewFromInt(int64(50 + rand.Intn(200)))
			q, err := w.Jobs.SubmitQuote(ctx, pro, j.ID, job.SubmitQuoteRequest{
				Amount:  half.Mul(decimal.NewFromInt(2)),
				Message: "Can start tomorrow",
				Milestones: []escrow.MilestonePlan{
					{Title: "Parts", Amount: half},
					{Title: "Labour", Amount: half},
				},
			})
			w.Stats.record(err)
			quotes[i] = q
			return nil
		})
	}
	_ = g.Wait()

	var (
		accepted atomic.Pointer[job.AcceptResult]
		ag       errgroup.Group
	)
	for _, q := range quotes {
		if q.ID == "" {
			continue
		}
		ag.Go(func() error {
			res, err := w.Jobs.AcceptQuote(ctx, client, j.ID, q.ID)
			w.Stats.record(err)
			if err == nil {
				accepted.CompareAndSwap(nil, &res)
			}
			return nil
		})
	}
	_ = ag.Wait()

	res := accepted.Load()
	if res == nil || res.ContractID == "" {
		return
	}
	pro := auth.Principal{UserID: res.Booking.ProfessionalID, Role: auth.RoleProfessional}

	c, err := w.Escrow.GetContract(ctx, client, res.ContractID)
	w.Stats.record(err)
	if err != nil {
		return
	}
	event := escrow.PaymentEvent{
		EventID:    "evt_" + uuid.NewString(),
		ContractID: c.ID,
		Amount:     c.TotalAmount,
		Currency:   c.Currency,
	}
	var fg errgroup.Group
	for i := 0; i < 3; i++ {
		fg.Go(func() error {
			_, _, err := w.Escrow.Fund(ctx, event)
			w.Stats.record(err)
			return nil
		})
	}
	_ = fg.Wait()

	for _, step := range []func(context.Context, auth.Principal, string) (booking.Booking, error){w.Bookings.Confirm, w.Bookings.Start} {
		_, err := step(ctx, pro, res.Booking.ID)
		w.Stats.record(err)
		if err != nil {
			return
		}
	}

	c, err = w.Escrow.GetContract(ctx, client, c.ID)
	if err != nil || len(c.Milestones) == 0 {
		return
	}
	m := c.Milestones[0]
	_, err = w.Escrow.SubmitMilestone(ctx, pro, c.ID, m.ID)
	w.Stats.record(err)
	if err != nil {
		return
	}
	var mg errgroup.Group
	for i := 0; i < 3; i++ {
		mg.Go(func() error {
			_, err := w.Escrow.ApproveMilestone(ctx, client, c.ID, m.ID)
			w.Stats.record(err)
			return nil
		})
	}
	_ = mg.Wait()
}

// Disputer opens disputes on in-progress bookings and settles or withdraws
// them, racing the marketplace actors for the same rows.
func Disputer(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 100*time.Millisecond, func() error {
		var bookingID, clientID, proID string
		err := w.Pool.QueryRow(ctx, `
            SELECT id, client_id, professional_id FROM bookings
            WHERE status = 'in_progress'
            ORDER BY random() LIMIT 1
        `).Scan(&bookingID, &clientID, &proID)
		if err != nil {
			return nil
		}
		client := auth.Principal{UserID: clientID, Role: auth.RoleClient}
		pro := auth.Principal{UserID: proID, Role: auth.RoleProfessional}

		rec, err := w.Disputes.Open(ctx, client, dispute.OpenRequest{
			BookingID:   bookingID,
			Reason:      dispute.ReasonQuality,
			Description: "Work not finished",
		})
		w.Stats.record(err)
		if err != nil {
			return nil
		}

		if rand.Intn(3) == 0 {
			_, err = w.Disputes.Withdraw(ctx, client, rec.ID)
			w.Stats.record(err)
			return nil
		}
		res, err := w.Disputes.ProposeResolution(ctx, client, rec.ID, w.proposal(ctx, client, rec))
		w.Stats.record(err)
		if err != nil {
			return nil
		}
		_, err = w.Disputes.RespondToResolution(ctx, pro, rec.ID, res.ID, rand.Intn(4) != 0)
		w.Stats.record(err)
		return nil
	})
}

// proposal picks a random outcome. Partial refunds take a random share of
// the outstanding balance so settlement splits milestones too.
func (w *World) proposal(ctx context.Context, client auth.Principal, rec dispute.Record) dispute.ProposalRequest {
	switch rand.Intn(3) {
	case 0:
		return dispute.ProposalRequest{Outcome: dispute.OutcomeFullRefund, Note: "Refund what is left"}
	case 1:
		if rec.ContractID == nil {
			break
		}
		c, err := w.Escrow.GetContract(ctx, client, *rec.ContractID)
		if err != nil {
			break
		}
		outstanding := c.Outstanding()
		cents := outstanding.Shift(2).IntPart()
		if cents < 2 {
			break
		}
		refund := decimal.New(1+rand.Int63n(cents-1), -2)
		return dispute.ProposalRequest{Outcome: dispute.OutcomePartialRefund, RefundAmount: refund, Note: "Refund part of it"}
	}
	return dispute.ProposalRequest{Outcome: dispute.OutcomeRelease, Note: "Pay for the work done"}
}

// RelayWorker drains the outbox through a publisher that fails one message
// in ten.
func RelayWorker(ctx context.Context, w *World, stop <-chan struct{}) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-runCtx.Done():
		}
	}()
	err := w.Relay.Run(runCtx, 100*time.Millisecond)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return nil
	}
	return err
}
