package job

import (
	"time"

	"github.com/shopspring/decimal"

	"marketflow/booking"
	"marketflow/escrow"
	"marketflow/statemachine"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusAssigned  Status = "assigned"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

var Machine = statemachine.New("job", map[Status][]Status{
	StatusOpen:      {StatusAssigned, StatusCancelled},
	StatusAssigned:  {StatusClosed, StatusCancelled},
	StatusClosed:    {},
	StatusCancelled: {},
})

type QuoteStatus string

const (
	QuoteSubmitted QuoteStatus = "submitted"
	QuoteAccepted  QuoteStatus = "accepted"
	QuoteRejected  QuoteStatus = "rejected"
	QuoteWithdrawn QuoteStatus = "withdrawn"
)

var QuoteMachine = statemachine.New("quote", map[QuoteStatus][]QuoteStatus{
	QuoteSubmitted: {QuoteAccepted, QuoteRejected, QuoteWithdrawn},
	QuoteAccepted:  {},
	QuoteRejected:  {},
	QuoteWithdrawn: {},
})

type Job struct {
	ID          string
	ClientID    string
	Title       string
	Description string
	Category    string
	Budget      *decimal.Decimal
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Quote struct {
	ID             string
	JobID          string
	ProfessionalID string
	Amount         decimal.Decimal
	Message        string
	Milestones     []escrow.MilestonePlan
	Status         QuoteStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type CreateJobRequest struct {
	Title       string           `json:"title" validate:"required,max=140"`
	Description string           `json:"description" validate:"max=5000"`
	Category    string           `json:"category" validate:"required,max=64"`
	Budget      *decimal.Decimal `json:"budget"`
}

type SubmitQuoteRequest struct {
	Amount     decimal.Decimal        `json:"amount"`
	Message    string                 `json:"message" validate:"max=2000"`
	Milestones []escrow.MilestonePlan `json:"milestones" validate:"max=20,dive"`
}

type Filters struct {
	ClientID string
	Status   Status
	Category string
	Page     int
	PageSize int
}

type ListResult struct {
	Items []Job
	Total int
}

// AcceptResult is what accepting a quote produced. Replayed is set when the
// quote had already been accepted and nothing changed.
type AcceptResult struct {
	Job        Job
	Quote      Quote
	Booking    booking.Booking
	ContractID string
	Replayed   bool
}
