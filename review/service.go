package review

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"marketflow/activity"
	"marketflow/apperr"
	"marketflow/auth"
	"marketflow/booking"
	"marketflow/db"
)

var (
	ErrForbidden        = apperr.New(apperr.Permission, "review: not allowed for this user")
	ErrInvalidReview    = apperr.New(apperr.Validation, "review: invalid review")
	ErrNotCompleted     = apperr.New(apperr.Conflict, "review: booking is not completed")
	ErrWindowClosed     = apperr.New(apperr.Conflict, "review: review window has closed")
	ErrAlreadyResponded = apperr.New(apperr.Conflict, "review: review already has a response")
)

// Bookings locks the reviewed booking.
type Bookings interface {
	LockTx(ctx context.Context, tx pgx.Tx, id string) (booking.Booking, error)
}

// Ratings folds a professional's new rating into their profile.
type Ratings interface {
	ApplyRating(ctx context.Context, tx pgx.Tx, professionalID string, rating int) error
}

type Service struct {
	repo     Repository
	pool     db.TxBeginner
	recorder activity.Recorder
	bookings Bookings
	ratings  Ratings
	logger   logrus.FieldLogger
	validate *validator.Validate
	now      func() time.Time
}

func NewService(repo Repository, pool db.TxBeginner, recorder activity.Recorder, bookings Bookings, ratings Ratings, logger logrus.FieldLogger) *Service {
	return &Service{
		repo:     repo,
		pool:     pool,
		recorder: recorder,
		bookings: bookings,
		ratings:  ratings,
		logger:   logger.WithField("component", "review"),
		validate: validator.New(),
		now:      time.Now,
	}
}

// Create reviews the other party of a completed booking. Reviews of a
// professional update their profile rating in the same transaction.
func (s *Service) Create(ctx context.Context, actor auth.Principal, req CreateRequest) (Review, error) {
	req.Comment = strings.TrimSpace(req.Comment)
	if err := s.validate.Struct(req); err != nil {
		return Review{}, fmt.Errorf("%w: %v", ErrInvalidReview, err)
	}
	if utf8.RuneCountInString(req.Comment) > MaxCommentLen {
		return Review{}, fmt.Errorf("%w: comment too long", ErrInvalidReview)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Review{}, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Review{}, err
	}
	b, err := s.bookings.LockTx(ctx, tx, req.BookingID)
	if err != nil {
		return Review{}, err
	}
	if !b.IsParty(actor.UserID) {
		return Review{}, ErrForbidden
	}
	if b.Status != booking.StatusCompleted {
		return Review{}, ErrNotCompleted
	}
	completedAt := b.UpdatedAt
	if b.CompletedAt != nil {
		completedAt = *b.CompletedAt
	}
	if s.now().Sub(completedAt) > ReviewWindow {
		return Review{}, ErrWindowClosed
	}

	created, err := s.repo.Create(ctx, tx, Review{
		BookingID:  b.ID,
		ReviewerID: actor.UserID,
		RevieweeID: b.Counterparty(actor.UserID),
		Rating:     req.Rating,
		Comment:    req.Comment,
	})
	if err != nil {
		return Review{}, err
	}
	if created.RevieweeID == b.ProfessionalID {
		if err := s.ratings.ApplyRating(ctx, tx, b.ProfessionalID, created.Rating); err != nil {
			return Review{}, err
		}
	}
	if err := s.record(ctx, tx, created, b, actor.UserID, "REVIEW_CREATED", activity.TopicReviewCreated); err != nil {
		return Review{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Review{}, fmt.Errorf("review: commit create: %w", err)
	}
	return created, nil
}

// Respond lets the reviewee answer a review once.
func (s *Service) Respond(ctx context.Context, actor auth.Principal, id, response string) (Review, error) {
	response = strings.TrimSpace(response)
	if response == "" || utf8.RuneCountInString(response) > MaxCommentLen {
		return Review{}, fmt.Errorf("%w: response must be 1-%d characters", ErrInvalidReview, MaxCommentLen)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Review{}, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Review{}, err
	}
	rv, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Review{}, err
	}
	if rv.RevieweeID != actor.UserID {
		return Review{}, ErrForbidden
	}
	if rv.Response != nil {
		return Review{}, ErrAlreadyResponded
	}
	updated, err := s.repo.SetResponse(ctx, tx, rv.ID, response)
	if err != nil {
		return Review{}, err
	}
	if err := s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectReview,
		SubjectID:   updated.ID,
		Type:        "REVIEW_RESPONDED",
		ActorID:     actor.UserID,
	}); err != nil {
		return Review{}, err
	}
	if err := s.recorder.Enqueue(ctx, tx, activity.TopicReviewResponded, map[string]any{
		"review_id":  updated.ID,
		"booking_id": updated.BookingID,
		"user_id":    updated.ReviewerID,
		"recipients": activity.Recipients(updated.ReviewerID),
	}); err != nil {
		return Review{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Review{}, fmt.Errorf("review: commit response: %w", err)
	}
	return updated, nil
}

// ListForUser returns a page of reviews received by revieweeID along with
// the average over all of them.
func (s *Service) ListForUser(ctx context.Context, revieweeID string, page, pageSize int) (Summary, error) {
	if revieweeID == "" {
		return Summary{}, fmt.Errorf("%w: reviewee required", ErrInvalidReview)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	reviews, err := s.repo.ListForUser(ctx, revieweeID, pageSize, (page-1)*pageSize)
	if err != nil {
		return Summary{}, err
	}
	avg, count, err := s.repo.Stats(ctx, revieweeID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		RevieweeID: revieweeID,
		Average:    math.Round(avg*100) / 100,
		Count:      count,
		Reviews:    reviews,
	}, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, rv Review, b booking.Booking, actorID, eventType, topic string) error {
	if err := s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectReview,
		SubjectID:   rv.ID,
		Type:        eventType,
		ActorID:     actorID,
		Payload:     map[string]any{"booking_id": rv.BookingID, "rating": rv.Rating},
	}); err != nil {
		return err
	}
	return s.recorder.Enqueue(ctx, tx, topic, map[string]any{
		"review_id":       rv.ID,
		"booking_id":      rv.BookingID,
		"reviewer_id":     rv.ReviewerID,
		"reviewee_id":     rv.RevieweeID,
		"user_id":         rv.RevieweeID,
		"professional_id": b.ProfessionalID,
		"client_id":       b.ClientID,
		"rating":          rv.Rating,
		"recipients":      activity.Recipients(rv.RevieweeID),
	})
}
