package dispute

import (
	"time"

	"github.com/shopspring/decimal"

	"marketflow/booking"
	"marketflow/statemachine"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen               Status = "open"
	StatusResolutionProposed Status = "resolution_proposed"
	StatusEscalated          Status = "escalated"
	StatusResolved           Status = "resolved"
	StatusWithdrawn          Status = "withdrawn"
)

var Machine = statemachine.New("dispute", map[Status][]Status{
	StatusOpen:               {StatusResolutionProposed, StatusEscalated, StatusWithdrawn},
	StatusResolutionProposed: {StatusOpen, StatusResolved, StatusEscalated},
	StatusEscalated:          {StatusResolved},
	StatusResolved:           {},
	StatusWithdrawn:          {},
})

type Reason string

const (
	ReasonQuality Reason = "quality"
	ReasonNoShow  Reason = "no_show"
	ReasonPayment Reason = "payment"
	ReasonScope   Reason = "scope"
	ReasonOther   Reason = "other"
)

type EvidenceKind string

const (
	EvidenceText EvidenceKind = "text"
	EvidenceFile EvidenceKind = "file"
	EvidenceLink EvidenceKind = "link"
)

type Outcome string

const (
	OutcomeFullRefund    Outcome = "full_refund"
	OutcomePartialRefund Outcome = "partial_refund"
	OutcomeRelease       Outcome = "release"
)

// BookingStatus is where an accepted outcome leaves the booking.
func (o Outcome) BookingStatus() booking.Status {
	if o == OutcomeFullRefund {
		return booking.StatusCancelled
	}
	return booking.StatusCompleted
}

type ResolutionStatus string

const (
	ResolutionPending    ResolutionStatus = "pending"
	ResolutionAccepted   ResolutionStatus = "accepted"
	ResolutionRejected   ResolutionStatus = "rejected"
	ResolutionSuperseded ResolutionStatus = "superseded"
)

// MaxEvidencePerParty caps evidence items per submitter per dispute.
const MaxEvidencePerParty = 20

// Record mirrors the disputes table.
type Record struct {
	ID                 string
	BookingID          string
	ContractID         *string
	OpenedBy           string
	RespondentID       string
	Reason             Reason
	Description        string
	Status             Status
	PriorBookingStatus booking.Status
	ResolvedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (r Record) IsParty(userID string) bool {
	return userID != "" && (userID == r.OpenedBy || userID == r.RespondentID)
}

// Other returns the opposite party.
func (r Record) Other(userID string) string {
	if userID == r.OpenedBy {
		return r.RespondentID
	}
	return r.OpenedBy
}

type Evidence struct {
	ID          string
	DisputeID   string
	SubmittedBy string
	Kind        EvidenceKind
	Body        string
	ObjectKey   *string
	CreatedAt   time.Time
}

type Resolution struct {
	ID           string
	DisputeID    string
	ProposedBy   string
	Outcome      Outcome
	RefundAmount decimal.Decimal
	Note         string
	Status       ResolutionStatus
	DecidedBy    *string
	DecidedAt    *time.Time
	CreatedAt    time.Time
}

type OpenRequest struct {
	BookingID   string `json:"booking_id" validate:"required"`
	Reason      Reason `json:"reason" validate:"required,oneof=quality no_show payment scope other"`
	Description string `json:"description" validate:"max=4000"`
}

type EvidenceRequest struct {
	Kind      EvidenceKind `json:"kind" validate:"required,oneof=text file link"`
	Body      string       `json:"body" validate:"max=4000"`
	ObjectKey string       `json:"object_key"`
}

type UploadRequest struct {
	FileName    string `json:"file_name" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"required"`
	Size        int64  `json:"size"`
}

// ProposalRequest is used both for party proposals and admin decisions.
type ProposalRequest struct {
	Outcome      Outcome         `json:"outcome" validate:"required,oneof=full_refund partial_refund release"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Note         string          `json:"note" validate:"max=2000"`
}

type Filters struct {
	UserID  string
	AsAdmin bool
	Status  Status
}
