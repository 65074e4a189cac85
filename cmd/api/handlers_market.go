package main

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"

	"marketflow/activity"
	"marketflow/booking"
	"marketflow/escrow"
	"marketflow/job"
)

const webhookSecretHeader = "X-Webhook-Secret"

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filters := job.Filters{
		Status:   job.Status(r.URL.Query().Get("status")),
		Category: r.URL.Query().Get("category"),
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "page_size", 20),
	}
	if queryBool(r, "mine") {
		filters.ClientID = principal(r).UserID
	}
	res, err := s.jobs.ListJobs(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total := res.Total
	writeJSON(w, http.StatusOK, listResponse[jobResponse]{Items: presentAll(res.Items, presentJob), Total: &total})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req job.CreateJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	j, err := s.jobs.CreateJob(r.Context(), principal(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, presentJob(j))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentJob(j))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.CancelJob(r.Context(), principal(r), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentJob(j))
}

func (s *Server) handleListQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.jobs.ListQuotes(r.Context(), principal(r), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[quoteResponse]{Items: presentAll(quotes, presentQuote)})
}

func (s *Server) handleSubmitQuote(w http.ResponseWriter, r *http.Request) {
	var req job.SubmitQuoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	q, err := s.jobs.SubmitQuote(r.Context(), principal(r), chi.URLParam(r, "jobID"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, presentQuote(q))
}

func (s *Server) handleWithdrawQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.jobs.WithdrawQuote(r.Context(), principal(r), chi.URLParam(r, "quoteID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentQuote(q))
}

func (s *Server) handleAcceptQuote(w http.ResponseWriter, r *http.Request) {
	res, err := s.jobs.AcceptQuote(r.Context(), principal(r), chi.URLParam(r, "jobID"), chi.URLParam(r, "quoteID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, acceptResponse{
		Job:        presentJob(res.Job),
		Quote:      presentQuote(res.Quote),
		Booking:    presentBooking(res.Booking),
		ContractID: res.ContractID,
		Replayed:   res.Replayed,
	})
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	res, err := s.bookings.List(r.Context(), principal(r), r.URL.Query().Get("status"), queryInt(r, "page", 1), queryInt(r, "page_size", 20))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total := res.Total
	writeJSON(w, http.StatusOK, listResponse[bookingResponse]{Items: presentAll(res.Items, presentBooking), Total: &total})
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req booking.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	b, err := s.bookings.Create(r.Context(), principal(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, presentBooking(b))
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.Get(r.Context(), principal(r), chi.URLParam(r, "bookingID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentBooking(b))
}

func (s *Server) handleBookingAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !s.decodeOptional(w, r, &req) {
		return
	}

	ctx, actor, id := r.Context(), principal(r), chi.URLParam(r, "bookingID")
	var (
		b   booking.Booking
		err error
	)
	switch chi.URLParam(r, "action") {
	case "confirm":
		b, err = s.bookings.Confirm(ctx, actor, id)
	case "start":
		b, err = s.bookings.Start(ctx, actor, id)
	case "complete":
		b, err = s.bookings.Complete(ctx, actor, id)
	case "cancel":
		b, err = s.bookings.Cancel(ctx, actor, id, req.Reason)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentBooking(b))
}

func (s *Server) handleBookingContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.escrow.GetContractByBooking(r.Context(), principal(r), chi.URLParam(r, "bookingID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentContract(c))
}

func (s *Server) handleBookingTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "bookingID")
	if _, err := s.bookings.Get(r.Context(), principal(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeTimeline(w, r, activity.SubjectBooking, id)
}

func (s *Server) writeTimeline(w http.ResponseWriter, r *http.Request, subjectType, subjectID string) {
	entries, err := s.timeline.ListTimeline(r.Context(), subjectType, subjectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[timelineResponse]{Items: presentAll(entries, presentTimeline)})
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.escrow.GetContract(r.Context(), principal(r), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentContract(c))
}

func (s *Server) handleMilestoneAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if !s.decodeOptional(w, r, &req) {
		return
	}

	ctx, actor := r.Context(), principal(r)
	contractID, milestoneID := chi.URLParam(r, "contractID"), chi.URLParam(r, "milestoneID")
	var (
		c   escrow.Contract
		err error
	)
	switch chi.URLParam(r, "action") {
	case "submit":
		c, err = s.escrow.SubmitMilestone(ctx, actor, contractID, milestoneID)
	case "request-changes":
		c, err = s.escrow.RequestChanges(ctx, actor, contractID, milestoneID, req.Note)
	case "approve":
		c, err = s.escrow.ApproveMilestone(ctx, actor, contractID, milestoneID)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentContract(c))
}

// handlePaymentWebhook accepts funding events from the payment provider.
// Requests must carry the shared secret; replays answer 200 with replayed set.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(webhookSecretHeader)
	if s.webhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
		s.writeError(w, r, errBadSignature)
		return
	}

	var event escrow.PaymentEvent
	if !s.decode(w, r, &event) {
		return
	}
	c, replayed, err := s.escrow.Fund(r.Context(), event)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Contract contractResponse `json:"contract"`
		Replayed bool             `json:"replayed"`
	}{presentContract(c), replayed})
}
