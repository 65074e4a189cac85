package review

import "time"

const (
	MaxCommentLen = 2000
	ReviewWindow  = 30 * 24 * time.Hour
)

type Review struct {
	ID          string     `json:"id"`
	BookingID   string     `json:"booking_id"`
	ReviewerID  string     `json:"reviewer_id"`
	RevieweeID  string     `json:"reviewee_id"`
	Rating      int        `json:"rating"`
	Comment     string     `json:"comment"`
	Response    *string    `json:"response,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type CreateRequest struct {
	BookingID string `json:"booking_id" validate:"required"`
	Rating    int    `json:"rating" validate:"gte=1,lte=5"`
	Comment   string `json:"comment" validate:"max=2000"`
}

// Summary is one user's received reviews with their average rating.
type Summary struct {
	RevieweeID string   `json:"reviewee_id"`
	Average    float64  `json:"average"`
	Count      int      `json:"count"`
	Reviews    []Review `json:"reviews"`
}
