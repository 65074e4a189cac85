package profile

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"marketflow/activity"
	"marketflow/apperr"
	"marketflow/auth"
	"marketflow/db"
)

var (
	ErrForbidden      = apperr.New(apperr.Permission, "profile: only professionals can edit a profile")
	ErrInvalidProfile = apperr.New(apperr.Validation, "profile: invalid profile")
)

// Service exposes business-level profile operations.
type Service struct {
	repo     Repository
	pool     db.TxBeginner
	recorder activity.Recorder
	cache    Cache
	logger   logrus.FieldLogger
	validate *validator.Validate
}

// NewService builds a Service. cache may be nil.
func NewService(repo Repository, pool db.TxBeginner, recorder activity.Recorder, cache Cache, logger logrus.FieldLogger) *Service {
	return &Service{
		repo:     repo,
		pool:     pool,
		recorder: recorder,
		cache:    cache,
		logger:   logger.WithField("component", "profile"),
		validate: validator.New(),
	}
}

// GetByID returns the profile, reading through the cache when configured.
// Cache failures are logged and fall back to the database.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	if s.cache != nil {
		p, ok, err := s.cache.Get(ctx, id)
		if err != nil {
			s.logger.WithError(err).WithField("user_id", id).Warn("profile cache read failed")
		} else if ok {
			return p, nil
		}
	}

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Profile{}, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, p); err != nil {
			s.logger.WithError(err).WithField("user_id", id).Warn("profile cache write failed")
		}
	}
	return p, nil
}

// List returns profiles matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Profile, error) {
	filter.Category = strings.TrimSpace(strings.ToLower(filter.Category))
	return s.repo.List(ctx, filter)
}

// Upsert creates or replaces the caller's own profile.
func (s *Service) Upsert(ctx context.Context, actor auth.Principal, req UpsertRequest) (Profile, error) {
	if actor.Role != auth.RoleProfessional {
		return Profile{}, ErrForbidden
	}
	for i, c := range req.Categories {
		req.Categories[i] = strings.TrimSpace(strings.ToLower(c))
	}
	if err := s.validate.Struct(req); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if req.HourlyRate.IsNegative() {
		return Profile{}, fmt.Errorf("%w: hourly_rate must not be negative", ErrInvalidProfile)
	}
	req.HourlyRate = req.HourlyRate.Round(2)

	return s.write(ctx, actor.UserID, "PROFILE_UPDATED", func(tx pgx.Tx) (Profile, error) {
		return s.repo.Upsert(ctx, tx, actor.UserID, req)
	})
}

// SetVerified marks a professional as verified. Admin only.
func (s *Service) SetVerified(ctx context.Context, actor auth.Principal, userID string, verified bool) (Profile, error) {
	if err := auth.RequireAdmin(actor); err != nil {
		return Profile{}, err
	}
	return s.write(ctx, actor.UserID, "PROFILE_VERIFICATION_CHANGED", func(tx pgx.Tx) (Profile, error) {
		return s.repo.SetVerified(ctx, tx, userID, verified)
	})
}

func (s *Service) write(ctx context.Context, actorID, eventType string, fn func(tx pgx.Tx) (Profile, error)) (Profile, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actorID); err != nil {
		return Profile{}, err
	}
	p, err := fn(tx)
	if err != nil {
		return Profile{}, err
	}
	if err := s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectUser,
		SubjectID:   p.UserID,
		Type:        eventType,
		ActorID:     actorID,
		Payload:     map[string]any{"verified": p.Verified},
	}); err != nil {
		return Profile{}, err
	}
	if err := s.recorder.Enqueue(ctx, tx, activity.TopicProfileUpdated, map[string]any{
		"professional_id": p.UserID,
	}); err != nil {
		return Profile{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Profile{}, fmt.Errorf("profile: commit: %w", err)
	}
	return p, nil
}

// ApplyRating is called by review inside its transaction.
func (s *Service) ApplyRating(ctx context.Context, tx pgx.Tx, professionalID string, rating int) error {
	return s.repo.ApplyRating(ctx, tx, professionalID, rating)
}

// IncrementCompleted is called by booking inside its transaction.
func (s *Service) IncrementCompleted(ctx context.Context, tx pgx.Tx, professionalID string) error {
	return s.repo.IncrementCompleted(ctx, tx, professionalID)
}
