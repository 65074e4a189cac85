package activity

// Outbox topics. Consumers match on these strings.
const (
	TopicUserSuspended = "user.suspended"

	TopicProfileUpdated = "profile.updated"

	TopicJobCreated     = "job.created"
	TopicJobCancelled   = "job.cancelled"
	TopicQuoteSubmitted = "quote.submitted"
	TopicQuoteWithdrawn = "quote.withdrawn"
	TopicQuoteAccepted  = "quote.accepted"
	TopicQuoteRejected  = "quote.rejected"

	TopicBookingCreated   = "booking.created"
	TopicBookingConfirmed = "booking.confirmed"
	TopicBookingStarted   = "booking.started"
	TopicBookingCompleted = "booking.completed"
	TopicBookingCancelled = "booking.cancelled"

	TopicEscrowFunded       = "escrow.funded"
	TopicMilestoneSubmitted = "escrow.milestone_submitted"
	TopicMilestoneChanges   = "escrow.milestone_changes_requested"
	TopicMilestoneReleased  = "escrow.milestone_released"
	TopicEscrowCompleted    = "escrow.completed"

	TopicDisputeOpened             = "dispute.opened"
	TopicDisputeEvidence           = "dispute.evidence_submitted"
	TopicDisputeResolutionProposed = "dispute.resolution_proposed"
	TopicDisputeResolutionRejected = "dispute.resolution_rejected"
	TopicDisputeEscalated          = "dispute.escalated"
	TopicDisputeResolved           = "dispute.resolved"
	TopicDisputeWithdrawn          = "dispute.withdrawn"

	TopicReviewCreated   = "review.created"
	TopicReviewResponded = "review.responded"

	TopicRiskFlagRaised = "risk.flag_raised"
)

// Subject types used on timeline entries.
const (
	SubjectUser     = "user"
	SubjectJob      = "job"
	SubjectBooking  = "booking"
	SubjectContract = "escrow_contract"
	SubjectDispute  = "dispute"
	SubjectReview   = "review"
)

// Recipients builds the payload field consumers use to address users.
func Recipients(userIDs ...string) []string {
	out := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
