// Package risk raises rule-based flags on users from their marketplace
// history.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"marketflow/config"
)

type Code string

const (
	CodeHighDisputeRate         Code = "high_dispute_rate"
	CodeHighCancellationRate    Code = "high_cancellation_rate"
	CodeLowRating               Code = "low_rating"
	CodeNewAccountLargeContract Code = "new_account_large_contract"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Stats aggregates one user's history.
type Stats struct {
	UserID          string
	Bookings        int
	DisputesAgainst int
	Cancellations   int
	Reviews         int
	AverageRating   float64
	AccountCreated  time.Time
	LargestContract decimal.Decimal
}

// Finding is one rule that fired.
type Finding struct {
	Code     Code           `json:"code"`
	Severity Severity       `json:"severity"`
	Weight   int            `json:"weight"`
	Details  map[string]any `json:"details"`
}

// Evaluate applies rules to stats. It has no side effects.
func Evaluate(rules config.RiskConfig, st Stats, now time.Time) []Finding {
	var out []Finding

	if st.Bookings >= rules.DisputeMinBookings && st.Bookings > 0 {
		rate := float64(st.DisputesAgainst) / float64(st.Bookings)
		if rate >= rules.DisputeRate {
			out = append(out, Finding{
				Code:     CodeHighDisputeRate,
				Severity: SeverityHigh,
				Weight:   rules.DisputeWeight,
				Details:  map[string]any{"disputes": st.DisputesAgainst, "bookings": st.Bookings, "rate": round2(rate)},
			})
		}
	}

	if st.Bookings >= rules.CancelMinBookings && st.Bookings > 0 {
		rate := float64(st.Cancellations) / float64(st.Bookings)
		if rate >= rules.CancelRate {
			out = append(out, Finding{
				Code:     CodeHighCancellationRate,
				Severity: SeverityMedium,
				Weight:   rules.CancelWeight,
				Details:  map[string]any{"cancellations": st.Cancellations, "bookings": st.Bookings, "rate": round2(rate)},
			})
		}
	}

	if st.Reviews >= rules.LowRatingMinReviews && st.AverageRating < rules.LowRating {
		out = append(out, Finding{
			Code:     CodeLowRating,
			Severity: SeverityMedium,
			Weight:   rules.LowRatingWeight,
			Details:  map[string]any{"average": round2(st.AverageRating), "reviews": st.Reviews},
		})
	}

	age := now.Sub(st.AccountCreated)
	threshold := decimal.NewFromFloat(rules.LargeContractAmount)
	if !st.AccountCreated.IsZero() && age < time.Duration(rules.NewAccountDays)*24*time.Hour &&
		st.LargestContract.GreaterThanOrEqual(threshold) {
		out = append(out, Finding{
			Code:     CodeNewAccountLargeContract,
			Severity: SeverityHigh,
			Weight:   rules.NewAccountLargeWeight,
			Details: map[string]any{
				"account_age_hours": int(age.Hours()),
				"largest_contract":  st.LargestContract.StringFixed(2),
			},
		})
	}
	return out
}

// ComplianceScore is 100 minus the summed weights, floored at zero.
func ComplianceScore(weights ...int) int {
	score := 100
	for _, w := range weights {
		score -= w
	}
	if score < 0 {
		return 0
	}
	return score
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
