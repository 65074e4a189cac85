package booking

import (
	"time"

	"github.com/shopspring/decimal"

	"marketflow/escrow"
	"marketflow/statemachine"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDisputed   Status = "disputed"
)

// Machine is the booking lifecycle. Edges out of disputed are only taken by
// dispute outcomes.
var Machine = statemachine.New("booking", map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusDisputed},
	StatusInProgress: {StatusCompleted, StatusDisputed},
	StatusDisputed:   {StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
})

var labels = map[Status]string{
	StatusPending:    "Pending",
	StatusConfirmed:  "Confirmed",
	StatusInProgress: "In progress",
	StatusCompleted:  "Completed",
	StatusCancelled:  "Cancelled",
	StatusDisputed:   "Disputed",
}

// StatusLabel returns the display label, or "Unknown".
func StatusLabel(s Status) string {
	if l, ok := labels[s]; ok {
		return l
	}
	return "Unknown"
}

// ParseStatus accepts only declared statuses.
func ParseStatus(raw string) (Status, bool) {
	s := Status(raw)
	return s, Machine.Known(s)
}

type Booking struct {
	ID             string
	JobID          *string
	QuoteID        *string
	ClientID       string
	ProfessionalID string
	Title          string
	ScheduledAt    *time.Time
	Amount         decimal.Decimal
	Status         Status
	CancelReason   *string
	CancelledBy    *string
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsParty reports whether userID is the client or the professional.
func (b Booking) IsParty(userID string) bool {
	return userID != "" && (userID == b.ClientID || userID == b.ProfessionalID)
}

// Counterparty returns the other side of the booking.
func (b Booking) Counterparty(userID string) string {
	if userID == b.ClientID {
		return b.ProfessionalID
	}
	return b.ClientID
}

// CreateRequest is a direct booking of a professional by a client.
type CreateRequest struct {
	ProfessionalID string                 `json:"professional_id" validate:"required"`
	Title          string                 `json:"title" validate:"required,max=140"`
	ScheduledAt    *time.Time             `json:"scheduled_at"`
	Amount         decimal.Decimal        `json:"amount"`
	Currency       string                 `json:"currency" validate:"omitempty,len=3"`
	Milestones     []escrow.MilestonePlan `json:"milestones" validate:"max=20,dive"`
}

// QuoteParams creates a booking for an accepted quote.
type QuoteParams struct {
	JobID          string
	QuoteID        string
	ClientID       string
	ProfessionalID string
	Title          string
	Amount         decimal.Decimal
	ScheduledAt    *time.Time
	ActorID        string
}

type Filter struct {
	UserID   string
	AsAdmin  bool
	Status   Status
	Page     int
	PageSize int
}

type ListResult struct {
	Items []Booking
	Total int
}

// Update carries the optional columns written with a status change.
type Update struct {
	CancelReason *string
	CancelledBy  *string
	CompletedAt  *time.Time
}
