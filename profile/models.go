package profile

import (
	"time"

	"github.com/shopspring/decimal"
)

// Profile is a professional's public listing.
type Profile struct {
	UserID        string
	FullName      string
	Headline      string
	Categories    []string
	HourlyRate    decimal.Decimal
	ServiceArea   string
	Verified      bool
	RatingAvg     decimal.Decimal
	RatingCount   int
	CompletedJobs int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UpsertRequest is the owner-editable part of a profile.
type UpsertRequest struct {
	Headline    string          `json:"headline" validate:"required,max=140"`
	Categories  []string        `json:"categories" validate:"required,min=1,max=10,dive,required,max=40"`
	HourlyRate  decimal.Decimal `json:"hourly_rate"`
	ServiceArea string          `json:"service_area" validate:"max=200"`
}

// ListFilter narrows List.
type ListFilter struct {
	Category     string
	VerifiedOnly bool
	Limit        int
}

// Average is the mean of count ratings totalling sum, rounded to two places.
// Rounding happens once on the exact total so it never accumulates.
func Average(sum int64, count int) decimal.Decimal {
	if count <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(sum).Div(decimal.NewFromInt(int64(count))).Round(2)
}
