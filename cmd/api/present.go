package main

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"marketflow/activity"
	"marketflow/auth"
	"marketflow/booking"
	"marketflow/dispute"
	"marketflow/escrow"
	"marketflow/job"
	"marketflow/profile"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

type userResponse struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	FullName    string  `json:"full_name"`
	Phone       *string `json:"phone,omitempty"`
	Role        string  `json:"role"`
	SuspendedAt *string `json:"suspended_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func presentUser(u auth.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		FullName:    u.FullName,
		Phone:       u.Phone,
		Role:        string(u.Role),
		SuspendedAt: formatTimePtr(u.SuspendedAt),
		CreatedAt:   formatTime(u.CreatedAt),
	}
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type profileResponse struct {
	UserID        string          `json:"user_id"`
	FullName      string          `json:"full_name"`
	Headline      string          `json:"headline"`
	Categories    []string        `json:"categories"`
	HourlyRate    decimal.Decimal `json:"hourly_rate"`
	ServiceArea   string          `json:"service_area"`
	Verified      bool            `json:"verified"`
	RatingAvg     decimal.Decimal `json:"rating_avg"`
	RatingCount   int             `json:"rating_count"`
	CompletedJobs int             `json:"completed_jobs"`
	UpdatedAt     string          `json:"updated_at"`
}

func presentProfile(p profile.Profile) profileResponse {
	cats := p.Categories
	if cats == nil {
		cats = []string{}
	}
	return profileResponse{
		UserID:        p.UserID,
		FullName:      p.FullName,
		Headline:      p.Headline,
		Categories:    cats,
		HourlyRate:    p.HourlyRate,
		ServiceArea:   p.ServiceArea,
		Verified:      p.Verified,
		RatingAvg:     p.RatingAvg,
		RatingCount:   p.RatingCount,
		CompletedJobs: p.CompletedJobs,
		UpdatedAt:     formatTime(p.UpdatedAt),
	}
}

type jobResponse struct {
	ID          string           `json:"id"`
	ClientID    string           `json:"client_id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Category    string           `json:"category"`
	Budget      *decimal.Decimal `json:"budget,omitempty"`
	Status      string           `json:"status"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
}

func presentJob(j job.Job) jobResponse {
	return jobResponse{
		ID:          j.ID,
		ClientID:    j.ClientID,
		Title:       j.Title,
		Description: j.Description,
		Category:    j.Category,
		Budget:      j.Budget,
		Status:      string(j.Status),
		CreatedAt:   formatTime(j.CreatedAt),
		UpdatedAt:   formatTime(j.UpdatedAt),
	}
}

type quoteResponse struct {
	ID             string                 `json:"id"`
	JobID          string                 `json:"job_id"`
	ProfessionalID string                 `json:"professional_id"`
	Amount         decimal.Decimal        `json:"amount"`
	Message        string                 `json:"message"`
	Milestones     []escrow.MilestonePlan `json:"milestones"`
	Status         string                 `json:"status"`
	CreatedAt      string                 `json:"created_at"`
}

func presentQuote(q job.Quote) quoteResponse {
	ms := q.Milestones
	if ms == nil {
		ms = []escrow.MilestonePlan{}
	}
	return quoteResponse{
		ID:             q.ID,
		JobID:          q.JobID,
		ProfessionalID: q.ProfessionalID,
		Amount:         q.Amount,
		Message:        q.Message,
		Milestones:     ms,
		Status:         string(q.Status),
		CreatedAt:      formatTime(q.CreatedAt),
	}
}

type bookingResponse struct {
	ID             string          `json:"id"`
	JobID          *string         `json:"job_id,omitempty"`
	QuoteID        *string         `json:"quote_id,omitempty"`
	ClientID       string          `json:"client_id"`
	ProfessionalID string          `json:"professional_id"`
	Title          string          `json:"title"`
	ScheduledAt    *string         `json:"scheduled_at,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	CancelReason   *string         `json:"cancel_reason,omitempty"`
	CancelledBy    *string         `json:"cancelled_by,omitempty"`
	CompletedAt    *string         `json:"completed_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

func presentBooking(b booking.Booking) bookingResponse {
	return bookingResponse{
		ID:             b.ID,
		JobID:          b.JobID,
		QuoteID:        b.QuoteID,
		ClientID:       b.ClientID,
		ProfessionalID: b.ProfessionalID,
		Title:          b.Title,
		ScheduledAt:    formatTimePtr(b.ScheduledAt),
		Amount:         b.Amount,
		Status:         string(b.Status),
		CancelReason:   b.CancelReason,
		CancelledBy:    b.CancelledBy,
		CompletedAt:    formatTimePtr(b.CompletedAt),
		CreatedAt:      formatTime(b.CreatedAt),
		UpdatedAt:      formatTime(b.UpdatedAt),
	}
}

type acceptResponse struct {
	Job        jobResponse     `json:"job"`
	Quote      quoteResponse   `json:"quote"`
	Booking    bookingResponse `json:"booking"`
	ContractID string          `json:"contract_id"`
	Replayed   bool            `json:"replayed"`
}

type milestoneResponse struct {
	ID          string          `json:"id"`
	Position    int             `json:"position"`
	Title       string          `json:"title"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	SubmittedAt *string         `json:"submitted_at,omitempty"`
	ReleasedAt  *string         `json:"released_at,omitempty"`
}

type transactionResponse struct {
	ID          int64           `json:"id"`
	MilestoneID *string         `json:"milestone_id,omitempty"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   string          `json:"created_at"`
}

type contractResponse struct {
	ID             string                `json:"id"`
	BookingID      string                `json:"booking_id"`
	ClientID       string                `json:"client_id"`
	ProfessionalID string                `json:"professional_id"`
	Currency       string                `json:"currency"`
	TotalAmount    decimal.Decimal       `json:"total_amount"`
	FundedAmount   decimal.Decimal       `json:"funded_amount"`
	ReleasedAmount decimal.Decimal       `json:"released_amount"`
	RefundedAmount decimal.Decimal       `json:"refunded_amount"`
	Status         string                `json:"status"`
	FundedAt       *string               `json:"funded_at,omitempty"`
	Milestones     []milestoneResponse   `json:"milestones"`
	Transactions   []transactionResponse `json:"transactions"`
	UpdatedAt      string                `json:"updated_at"`
}

func presentContract(c escrow.Contract) contractResponse {
	out := contractResponse{
		ID:             c.ID,
		BookingID:      c.BookingID,
		ClientID:       c.ClientID,
		ProfessionalID: c.ProfessionalID,
		Currency:       c.Currency,
		TotalAmount:    c.TotalAmount,
		FundedAmount:   c.FundedAmount,
		ReleasedAmount: c.ReleasedAmount,
		RefundedAmount: c.RefundedAmount,
		Status:         string(c.Status),
		FundedAt:       formatTimePtr(c.FundedAt),
		Milestones:     make([]milestoneResponse, 0, len(c.Milestones)),
		Transactions:   make([]transactionResponse, 0, len(c.Transactions)),
		UpdatedAt:      formatTime(c.UpdatedAt),
	}
	for _, m := range c.Milestones {
		out.Milestones = append(out.Milestones, milestoneResponse{
			ID:          m.ID,
			Position:    m.Position,
			Title:       m.Title,
			Amount:      m.Amount,
			Status:      string(m.Status),
			SubmittedAt: formatTimePtr(m.SubmittedAt),
			ReleasedAt:  formatTimePtr(m.ReleasedAt),
		})
	}
	for _, t := range c.Transactions {
		out.Transactions = append(out.Transactions, transactionResponse{
			ID:          t.ID,
			MilestoneID: t.MilestoneID,
			Kind:        string(t.Kind),
			Amount:      t.Amount,
			CreatedAt:   formatTime(t.CreatedAt),
		})
	}
	return out
}

type disputeResponse struct {
	ID           string  `json:"id"`
	BookingID    string  `json:"booking_id"`
	ContractID   *string `json:"contract_id,omitempty"`
	OpenedBy     string  `json:"opened_by"`
	RespondentID string  `json:"respondent_id"`
	Reason       string  `json:"reason"`
	Description  string  `json:"description"`
	Status       string  `json:"status"`
	ResolvedAt   *string `json:"resolved_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func presentDispute(d dispute.Record) disputeResponse {
	return disputeResponse{
		ID:           d.ID,
		BookingID:    d.BookingID,
		ContractID:   d.ContractID,
		OpenedBy:     d.OpenedBy,
		RespondentID: d.RespondentID,
		Reason:       string(d.Reason),
		Description:  d.Description,
		Status:       string(d.Status),
		ResolvedAt:   formatTimePtr(d.ResolvedAt),
		CreatedAt:    formatTime(d.CreatedAt),
		UpdatedAt:    formatTime(d.UpdatedAt),
	}
}

type evidenceResponse struct {
	ID          string  `json:"id"`
	SubmittedBy string  `json:"submitted_by"`
	Kind        string  `json:"kind"`
	Body        string  `json:"body,omitempty"`
	ObjectKey   *string `json:"object_key,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func presentEvidence(e dispute.Evidence) evidenceResponse {
	return evidenceResponse{
		ID:          e.ID,
		SubmittedBy: e.SubmittedBy,
		Kind:        string(e.Kind),
		Body:        e.Body,
		ObjectKey:   e.ObjectKey,
		CreatedAt:   formatTime(e.CreatedAt),
	}
}

type resolutionResponse struct {
	ID           string          `json:"id"`
	ProposedBy   string          `json:"proposed_by"`
	Outcome      string          `json:"outcome"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Note         string          `json:"note,omitempty"`
	Status       string          `json:"status"`
	DecidedBy    *string         `json:"decided_by,omitempty"`
	DecidedAt    *string         `json:"decided_at,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

func presentResolution(r dispute.Resolution) resolutionResponse {
	return resolutionResponse{
		ID:           r.ID,
		ProposedBy:   r.ProposedBy,
		Outcome:      string(r.Outcome),
		RefundAmount: r.RefundAmount,
		Note:         r.Note,
		Status:       string(r.Status),
		DecidedBy:    r.DecidedBy,
		DecidedAt:    formatTimePtr(r.DecidedAt),
		CreatedAt:    formatTime(r.CreatedAt),
	}
}

type timelineResponse struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	ActorID   *string         `json:"actor_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func presentTimeline(e activity.TimelineEntry) timelineResponse {
	return timelineResponse{
		ID:        e.ID,
		Type:      e.Type,
		ActorID:   e.ActorID,
		Payload:   e.Payload,
		CreatedAt: formatTime(e.CreatedAt),
	}
}

func presentAll[T, R any](items []T, fn func(T) R) []R {
	out := make([]R, 0, len(items))
	for _, it := range items {
		out = append(out, fn(it))
	}
	return out
}
