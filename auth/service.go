package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"marketflow/activity"
	"marketflow/apperr"
	"marketflow/db"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = apperr.New(apperr.Auth, "auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = apperr.New(apperr.Validation, "auth: password must be at least 8 characters")
	// ErrInvalidRegistration wraps field validation failures.
	ErrInvalidRegistration = apperr.New(apperr.Validation, "auth: email and full_name are required")
	ErrInvalidRole         = apperr.New(apperr.Validation, "auth: invalid role")
	ErrAdminRegistration   = apperr.New(apperr.Permission, "auth: admin accounts cannot self-register")
	ErrInvalidToken        = apperr.New(apperr.Auth, "auth: invalid token")
	ErrSuspended           = apperr.New(apperr.Permission, "auth: account suspended")
	ErrForbidden           = apperr.New(apperr.Permission, "auth: admin role required")
)

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	validate  *validator.Validate
	pool      db.TxBeginner
	recorder  activity.Recorder
	now       func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

type Option func(*Service)

// WithTokenTTL overrides the 24h token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// WithAdmin enables the transactional admin operations.
func WithAdmin(pool db.TxBeginner, recorder activity.Recorder) Option {
	return func(s *Service) {
		s.pool = pool
		s.recorder = recorder
	}
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  24 * time.Hour,
		validate:  validator.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	req.Email = strings.TrimSpace(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleClient
	}
	if role == RoleAdmin {
		return nil, ErrAdminRegistration
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("%w %q", ErrInvalidRole, role)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	var phone *string
	if req.Phone != "" {
		phone = &req.Phone
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Phone:        phone,
		Role:         role,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	if user.Suspended() {
		return LoginResult{}, ErrSuspended
	}

	token, err := s.generateToken(user.ID, user.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT token and returns the user ID.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", "", fmt.Errorf("%w: user_id claim", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", fmt.Errorf("%w: role claim", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return "", "", fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	return userID, role, nil
}

// Authenticate verifies the token and rejects suspended accounts. The role
// is read from the user row so a role change takes effect immediately.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (Principal, error) {
	userID, _, err := s.VerifyToken(tokenString)
	if err != nil {
		return Principal{}, err
	}
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, err
	}
	if user.Suspended() {
		return Principal{}, ErrSuspended
	}
	return Principal{UserID: user.ID, Role: user.Role}, nil
}

// Suspend blocks login and token use for userID.
func (s *Service) Suspend(ctx context.Context, actor Principal, userID, reason string) (*User, error) {
	return s.setSuspended(ctx, actor, userID, reason, true)
}

// Reinstate lifts a suspension.
func (s *Service) Reinstate(ctx context.Context, actor Principal, userID string) (*User, error) {
	return s.setSuspended(ctx, actor, userID, "", false)
}

func (s *Service) setSuspended(ctx context.Context, actor Principal, userID, reason string, suspended bool) (*User, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if s.pool == nil || s.recorder == nil {
		return nil, fmt.Errorf("auth: admin operations not configured")
	}
	if actor.UserID == userID && suspended {
		return nil, apperr.New(apperr.Validation, "auth: admins cannot suspend themselves")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recorder.SetActor(ctx, tx, actor.UserID); err != nil {
		return nil, err
	}
	user, err := s.repo.SetSuspended(ctx, tx, userID, suspended)
	if err != nil {
		return nil, err
	}

	eventType := "USER_REINSTATED"
	if suspended {
		eventType = "USER_SUSPENDED"
	}
	if err := s.recorder.Append(ctx, tx, activity.Event{
		SubjectType: activity.SubjectUser,
		SubjectID:   userID,
		Type:        eventType,
		ActorID:     actor.UserID,
		Payload:     map[string]any{"reason": reason},
	}); err != nil {
		return nil, err
	}
	if suspended {
		if err := s.recorder.Enqueue(ctx, tx, activity.TopicUserSuspended, map[string]any{
			"user_id":    userID,
			"reason":     reason,
			"recipients": activity.Recipients(userID),
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("auth: commit suspension: %w", err)
	}
	return &user, nil
}

// generateToken creates a JWT token for the user.
func (s *Service) generateToken(userID string, role Role) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     now.Add(s.tokenTTL).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleClient, RoleProfessional, RoleAdmin:
		return true
	default:
		return false
	}
}

// RequireAdmin returns ErrForbidden unless p is an admin.
func RequireAdmin(p Principal) error {
	if !p.IsAdmin() {
		return ErrForbidden
	}
	return nil
}
