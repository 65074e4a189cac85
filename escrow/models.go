package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"marketflow/statemachine"
)

type ContractStatus string

const (
	ContractAwaitingFunding ContractStatus = "awaiting_funding"
	ContractFunded          ContractStatus = "funded"
	ContractDisputed        ContractStatus = "disputed"
	ContractCompleted       ContractStatus = "completed"
	ContractSettled         ContractStatus = "settled"
	ContractRefunded        ContractStatus = "refunded"
	ContractCancelled       ContractStatus = "cancelled"
)

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneReleased  MilestoneStatus = "released"
	MilestoneRefunded  MilestoneStatus = "refunded"
	MilestoneDisputed  MilestoneStatus = "disputed"
)

type TransactionKind string

const (
	KindFund    TransactionKind = "fund"
	KindRelease TransactionKind = "release"
	KindRefund  TransactionKind = "refund"
)

// ContractMachine allows funded -> refunded for cancellations before any
// dispute; settled and refunded are otherwise reached through disputes.
var ContractMachine = statemachine.New("escrow contract", map[ContractStatus][]ContractStatus{
	ContractAwaitingFunding: {ContractFunded, ContractCancelled},
	ContractFunded:          {ContractCompleted, ContractDisputed, ContractRefunded},
	ContractDisputed:        {ContractFunded, ContractSettled, ContractRefunded},
	ContractCompleted:       {},
	ContractSettled:         {},
	ContractRefunded:        {},
	ContractCancelled:       {},
})

var MilestoneMachine = statemachine.New("escrow milestone", map[MilestoneStatus][]MilestoneStatus{
	MilestonePending:   {MilestoneSubmitted, MilestoneDisputed, MilestoneRefunded},
	MilestoneSubmitted: {MilestoneReleased, MilestonePending, MilestoneDisputed, MilestoneRefunded},
	MilestoneDisputed:  {MilestonePending, MilestoneSubmitted, MilestoneReleased, MilestoneRefunded},
	MilestoneReleased:  {},
	MilestoneRefunded:  {},
})

// Contract holds a booking's funds and its milestones.
type Contract struct {
	ID             string
	BookingID      string
	ClientID       string
	ProfessionalID string
	Currency       string
	TotalAmount    decimal.Decimal
	FundedAmount   decimal.Decimal
	ReleasedAmount decimal.Decimal
	RefundedAmount decimal.Decimal
	Status         ContractStatus
	FundedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Milestones   []Milestone
	Transactions []Transaction
}

// Outstanding is the funded amount neither released nor refunded.
func (c Contract) Outstanding() decimal.Decimal {
	return c.FundedAmount.Sub(c.ReleasedAmount).Sub(c.RefundedAmount)
}

// IsParty reports whether userID is the client or the professional.
func (c Contract) IsParty(userID string) bool {
	return userID != "" && (userID == c.ClientID || userID == c.ProfessionalID)
}

func (c Contract) milestone(id string) (int, bool) {
	for i, m := range c.Milestones {
		if m.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (c Contract) allMilestonesTerminal() bool {
	for _, m := range c.Milestones {
		if !MilestoneMachine.IsTerminal(m.Status) {
			return false
		}
	}
	return true
}

type Milestone struct {
	ID          string
	ContractID  string
	Position    int
	Title       string
	Amount      decimal.Decimal
	Status      MilestoneStatus
	SubmittedAt *time.Time
	ReleasedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transaction is one ledger entry.
type Transaction struct {
	ID             int64
	ContractID     string
	MilestoneID    *string
	Kind           TransactionKind
	Amount         decimal.Decimal
	IdempotencyKey *string
	CreatedAt      time.Time
}

// MilestonePlan describes a milestone at contract creation.
type MilestonePlan struct {
	Title  string          `json:"title" validate:"required,max=140"`
	Amount decimal.Decimal `json:"amount"`
}

type CreateContractParams struct {
	BookingID      string
	ClientID       string
	ProfessionalID string
	Currency       string
	Total          decimal.Decimal
	Milestones     []MilestonePlan
	ActorID        string
}

// PaymentEvent is a normalized payment provider notification.
type PaymentEvent struct {
	EventID    string          `json:"event_id" validate:"required,max=200"`
	ContractID string          `json:"contract_id" validate:"required,uuid"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency" validate:"required,len=3"`
}

// ValidAmount reports whether d is positive with at most two decimal places.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Round(2))
}
