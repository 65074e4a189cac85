package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"marketflow/activity"
	"marketflow/auth"
	"marketflow/booking"
	"marketflow/dispute"
	"marketflow/escrow"
	"marketflow/job"
	"marketflow/notify"
	"marketflow/outbox"
	"marketflow/profile"
	"marketflow/realtime"
	"marketflow/review"
	"marketflow/risk"
)

// Server holds the services behind the HTTP API.
type Server struct {
	authenticator Authenticator
	authService   *auth.Service
	profiles      *profile.Service
	jobs          *job.Service
	bookings      *booking.Service
	escrow        *escrow.Service
	disputes      *dispute.Service
	reviews       *review.Service
	risk          *risk.Service
	notifications *notify.Service
	timeline      *activity.Timeline
	hub           *realtime.Hub
	relay         *outbox.Relay

	health        func(ctx context.Context) error
	webhookSecret string
	keepalive     time.Duration
	limiter       *limiter
	logger        logrus.FieldLogger
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, s.accessLog, s.recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/payments", s.handlePaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/auth/register", s.handleRegister)
			r.Post("/auth/login", s.handleLogin)
			r.Get("/profiles", s.handleListProfiles)
			r.Get("/profiles/{userID}", s.handleGetProfile)
			r.Get("/users/{userID}/reviews", s.handleListReviews)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate, s.rateLimit)

			r.Get("/auth/me", s.handleMe)
			r.Put("/profiles/me", s.handleUpsertProfile)

			r.Get("/jobs", s.handleListJobs)
			r.Post("/jobs", s.handleCreateJob)
			r.Get("/jobs/{jobID}", s.handleGetJob)
			r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
			r.Get("/jobs/{jobID}/quotes", s.handleListQuotes)
			r.Post("/jobs/{jobID}/quotes", s.handleSubmitQuote)
			r.Post("/jobs/{jobID}/quotes/{quoteID}/accept", s.handleAcceptQuote)
			r.Post("/quotes/{quoteID}/withdraw", s.handleWithdrawQuote)

			r.Get("/bookings", s.handleListBookings)
			r.Post("/bookings", s.handleCreateBooking)
			r.Get("/bookings/{bookingID}", s.handleGetBooking)
			r.Post("/bookings/{bookingID}/{action:confirm|start|complete|cancel}", s.handleBookingAction)
			r.Get("/bookings/{bookingID}/contract", s.handleBookingContract)
			r.Get("/bookings/{bookingID}/timeline", s.handleBookingTimeline)

			r.Get("/contracts/{contractID}", s.handleGetContract)
			r.Post("/contracts/{contractID}/milestones/{milestoneID}/{action:submit|request-changes|approve}", s.handleMilestoneAction)

			r.Get("/disputes", s.handleListDisputes)
			r.Post("/disputes", s.handleOpenDispute)
			r.Route("/disputes/{disputeID}", func(r chi.Router) {
				r.Get("/", s.handleGetDispute)
				r.Get("/evidence", s.handleListEvidence)
				r.Post("/evidence", s.handleSubmitEvidence)
				r.Post("/evidence/uploads", s.handleRequestUpload)
				r.Get("/evidence/{evidenceID}/url", s.handleEvidenceURL)
				r.Get("/resolutions", s.handleListResolutions)
				r.Post("/resolutions", s.handleProposeResolution)
				r.Post("/resolutions/{resolutionID}/{action:accept|reject}", s.handleRespondResolution)
				r.Post("/escalate", s.handleEscalate)
				r.Post("/withdraw", s.handleWithdrawDispute)
				r.Post("/summary", s.handleSummarizeDispute)
				r.Get("/timeline", s.handleDisputeTimeline)
			})

			r.Post("/reviews", s.handleCreateReview)
			r.Post("/reviews/{reviewID}/response", s.handleRespondReview)

			r.Get("/notifications", s.handleListNotifications)
			r.Post("/notifications/read-all", s.handleMarkAllRead)
			r.Post("/notifications/{notificationID}/read", s.handleMarkRead)

			r.Get("/events", s.handleEvents)
			r.Get("/users/{userID}/risk", s.handleRiskReport)

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/users/{userID}/suspend", s.handleSuspendUser)
				r.Post("/users/{userID}/reinstate", s.handleReinstateUser)
				r.Put("/profiles/{userID}/verified", s.handleVerifyProfile)
				r.Get("/risk/flags", s.handleListRiskFlags)
				r.Post("/risk/flags/{flagID}/resolve", s.handleResolveRiskFlag)
				r.Post("/risk/scan/{userID}", s.handleRiskScan)
				r.Get("/disputes", s.handleAdminDisputes)
				r.Post("/disputes/{disputeID}/decide", s.handleDecideDispute)
				r.Post("/outbox/requeue", s.handleRequeueOutbox)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
