package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"marketflow/activity"
	"marketflow/apperr"
	"marketflow/auth"
	"marketflow/config"
	"marketflow/db"
)

var (
	ErrForbidden       = apperr.New(apperr.Permission, "risk: not allowed for this user")
	ErrAlreadyResolved = apperr.New(apperr.Conflict, "risk: flag already resolved")
	ErrNoteRequired    = apperr.New(apperr.Validation, "risk: resolution note required")
)

// Report is a user's open flags and the resulting compliance score.
type Report struct {
	UserID string `json:"user_id"`
	Score  int    `json:"compliance_score"`
	Flags  []Flag `json:"flags"`
}

type Service struct {
	repo     Repository
	pool     db.TxBeginner
	recorder activity.Recorder
	rules    config.RiskConfig
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewService(repo Repository, pool db.TxBeginner, recorder activity.Recorder, rules config.RiskConfig, logger logrus.FieldLogger) *Service {
	return &Service{
		repo:     repo,
		pool:     pool,
		recorder: recorder,
		rules:    rules,
		logger:   logger.WithField("component", "risk"),
		now:      time.Now,
	}
}

// Evaluate loads the user's stats and applies the configured rules without
// persisting anything.
func (s *Service) Evaluate(ctx context.Context, userID string) ([]Finding, error) {
	st, err := s.repo.Stats(ctx, userID)
	if err != nil {
		return nil, err
	}
	return Evaluate(s.rules, st, s.now()), nil
}

// Scan evaluates userID and opens a flag for every finding that has no open
// flag yet. It returns the newly opened flags.
func (s *Service) Scan(ctx context.Context, userID string) ([]Flag, error) {
	findings, err := s.Evaluate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(findings) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var opened []Flag
	for _, f := range findings {
		flag, created, err := s.repo.InsertFlag(ctx, tx, userID, f)
		if err != nil {
			return nil, err
		}
		if !created {
			continue
		}
		opened = append(opened, flag)
		if err := s.raise(ctx, tx, flag); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("risk: commit scan: %w", err)
	}
	if len(opened) > 0 {
		s.logger.WithFields(logrus.Fields{"user_id": userID, "flags": len(opened)}).Info("risk flags raised")
	}
	return opened, nil
}

// ScanAll scans every active user, continuing past individual failures.
func (s *Service) ScanAll(ctx context.Context) (int, error) {
	ids, err := s.repo.UserIDs(ctx)
	if err != nil {
		return 0, err
	}
	raised := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return raised, err
		}
		flags, err := s.Scan(ctx, id)
		if err != nil {
			s.logger.WithError(err).WithField("user_id", id).Warn("risk scan failed")
			continue
		}
		raised += len(flags)
	}
	return raised, nil
}

// ListOpen returns open flags, optionally for one user. Admin only.
func (s *Service) ListOpen(ctx context.Context, actor auth.Principal, userID string) ([]Flag, error) {
	if err := auth.RequireAdmin(actor); err != nil {
		return nil, err
	}
	return s.repo.ListOpen(ctx, userID)
}

// Report scores a user from their open flags. Admins may view anyone; users
// may view themselves.
func (s *Service) Report(ctx context.Context, actor auth.Principal, userID string) (Report, error) {
	if !actor.IsAdmin() && actor.UserID != userID {
		return Report{}, ErrForbidden
	}
	flags, err := s.repo.ListOpen(ctx, userID)
	if err != nil {
		return Report{}, err
	}
	weights := make([]int, 0, len(flags))
	for _, f := range flags {
		weights = append(weights, f.Weight)
	}
	return Report{UserID: userID, Score: ComplianceScore(weights...), Flags: flags}, nil
}

func (s *Service) Resolve(ctx context.Context, actor auth.Principal, flagID, note string) (Flag, error) {
	if err := auth.RequireAdmin(actor); err != nil {
		return Flag{}, err
	}
	note = strings.TrimSpace(note)
	if note == "" {
		return Flag{}, ErrNoteRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Flag{}, fmt.Errorf("risk: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return Flag{}, err
	}
	flag, err := s.repo.GetForUpdate(ctx, tx, flagID)
	if err != nil {
		return Flag{}, err
	}
	if flag.Status != FlagOpen {
		return Flag{}, ErrAlreadyResolved
	}
	resolved, err := s.repo.Resolve(ctx, tx, flag.ID, actor.UserID, note)
	if err != nil {
		return Flag{}, err
	}
	if err := s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectUser,
		SubjectID:   resolved.UserID,
		Type:        "RISK_FLAG_RESOLVED",
		ActorID:     actor.UserID,
		Payload:     map[string]any{"flag_id": resolved.ID, "code": string(resolved.Code), "note": note},
	}); err != nil {
		return Flag{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Flag{}, fmt.Errorf("risk: commit resolve: %w", err)
	}
	return resolved, nil
}

func (s *Service) raise(ctx context.Context, tx pgx.Tx, flag Flag) error {
	if err := s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectUser,
		SubjectID:   flag.UserID,
		Type:        "RISK_FLAG_RAISED",
		Payload:     map[string]any{"flag_id": flag.ID, "code": string(flag.Code), "severity": string(flag.Severity)},
	}); err != nil {
		return err
	}
	return s.recorder.Enqueue(ctx, tx, activity.TopicRiskFlagRaised, map[string]any{
		"flag_id":  flag.ID,
		"user_id":  flag.UserID,
		"code":     string(flag.Code),
		"severity": string(flag.Severity),
		"weight":   flag.Weight,
	})
}
