// Package auth handles signup, signin and bearer-token resolution for API
// users stored in the relational database.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/Ramkumar137/DesignMate/core"
	"github.com/Ramkumar137/DesignMate/db"
	"github.com/Ramkumar137/DesignMate/metrics"

	"go.uber.org/zap"
)

var (
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrMissingField       = errors.New("username and password are required")
	ErrEmailRegistered    = errors.New("email already registered")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("incorrect email or password")
)

// Detail is the client-facing message for err.
func Detail(err error) string {
	switch {
	case errors.Is(err, ErrEmailRegistered):
		return "Email already registered"
	case errors.Is(err, ErrUsernameTaken):
		return "Username already taken"
	case errors.Is(err, ErrInvalidCredentials):
		return "Incorrect email or password"
	case errors.Is(err, ErrInvalidToken):
		return "Could not validate credentials"
	case errors.Is(err, ErrInvalidEmail):
		return "Invalid email address"
	case errors.Is(err, ErrMissingField), errors.Is(err, ErrEmptyPassword):
		return "Username and password are required"
	case errors.Is(err, ErrPasswordTooLong):
		return "Password must be at most 72 bytes"
	}
	return err.Error()
}

// RateLimitError is returned by Signin while the caller's IP is blocked.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many signin attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

// UserStore is the subset of db.Repository the service needs.
type UserStore interface {
	CreateUser(ctx context.Context, u db.User) (db.User, error)
	GetUserByEmail(ctx context.Context, email string) (db.User, error)
	GetUserByID(ctx context.Context, id int64) (db.User, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)
}

type SignupRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type SigninRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is the body returned by signup and signin.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
}

type Service struct {
	users   UserStore
	tokens  *TokenIssuer
	limiter *RateLimiter
	cost    int
	metrics metrics.Recorder
	logger  *zap.Logger
}

type Option func(*Service)

// WithBcryptCost overrides DefaultCost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

func WithMetrics(rec metrics.Recorder) Option {
	return func(s *Service) { s.metrics = rec }
}

// NewService builds the service from config. An empty JWT secret is only
// accepted when the config allows an ephemeral one.
func NewService(cfg *core.Config, users UserStore, logger *zap.Logger, opts ...Option) (*Service, error) {
	secret := cfg.JWTSecret
	if secret == "" {
		if !cfg.EphemeralJWTSecret {
			return nil, core.ErrMissingSecret("JWT_SECRET")
		}
		var err error
		if secret, err = EphemeralSecret(); err != nil {
			return nil, err
		}
		logger.Warn("using an ephemeral token secret; tokens will not survive a restart")
	}

	s := &Service{
		users:   users,
		tokens:  NewTokenIssuer(secret, cfg.TokenTTL),
		limiter: NewRateLimiter(cfg.SigninMaxAttempts, cfg.SigninWindow, cfg.SigninBlockPeriod),
		cost:    DefaultCost,
		metrics: metrics.Nop{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Tokens() *TokenIssuer { return s.tokens }

func (s *Service) Limiter() *RateLimiter { return s.limiter }

func (s *Service) Signup(ctx context.Context, req SignupRequest) (TokenResponse, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return TokenResponse{}, err
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return TokenResponse{}, ErrMissingField
	}
	if len(req.Password) > MaxPasswordBytes {
		return TokenResponse{}, ErrPasswordTooLong
	}

	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return TokenResponse{}, ErrEmailRegistered
	} else if !errors.Is(err, db.ErrNotFound) {
		return TokenResponse{}, err
	}
	taken, err := s.users.UsernameTaken(ctx, username)
	if err != nil {
		return TokenResponse{}, err
	}
	if taken {
		return TokenResponse{}, ErrUsernameTaken
	}

	hash, err := HashPasswordWithCost(req.Password, s.cost)
	if err != nil {
		return TokenResponse{}, err
	}
	user, err := s.users.CreateUser(ctx, db.User{Email: email, Username: username, HashedPassword: hash})
	switch {
	case errors.Is(err, db.ErrDuplicateEmail):
		return TokenResponse{}, ErrEmailRegistered
	case errors.Is(err, db.ErrDuplicateUsername):
		return TokenResponse{}, ErrUsernameTaken
	case err != nil:
		return TokenResponse{}, err
	}

	s.metrics.RecordAuth(metrics.AuthSignup)
	s.logger.Info("user signed up", zap.Int64("user_id", user.ID), zap.String("username", user.Username))
	return s.issue(user)
}

// Signin checks credentials for the client at ip. Every call counts toward
// the ip's rate limit.
func (s *Service) Signin(ctx context.Context, ip string, req SigninRequest) (TokenResponse, error) {
	if ok, retry := s.limiter.Allow(ip); !ok {
		s.metrics.RecordAuth(metrics.AuthRateLimited)
		s.logger.Warn("signin rate limited", zap.String("ip", ip), zap.Duration("retry_after", retry))
		return TokenResponse{}, &RateLimitError{RetryAfter: retry}
	}

	user, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return TokenResponse{}, err
	}
	if err != nil || !user.IsActive || VerifyPassword(req.Password, user.HashedPassword) != nil {
		s.metrics.RecordAuth(metrics.AuthSigninFailure)
		s.logger.Info("signin failed", zap.String("ip", ip))
		return TokenResponse{}, ErrInvalidCredentials
	}

	s.metrics.RecordAuth(metrics.AuthSignin)
	return s.issue(user)
}

// Authenticate resolves a bearer token to an active user.
func (s *Service) Authenticate(ctx context.Context, token string) (db.User, error) {
	id, err := s.tokens.Parse(token)
	if err != nil {
		return db.User{}, err
	}
	user, err := s.users.GetUserByID(ctx, id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !user.IsActive) {
		return db.User{}, ErrInvalidToken
	}
	if err != nil {
		return db.User{}, err
	}
	return user, nil
}

func (s *Service) issue(user db.User) (TokenResponse, error) {
	token, _, err := s.tokens.Issue(user.ID)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		UserID:      user.ID,
		Username:    user.Username,
	}, nil
}

// normalizeEmail accepts a bare address only, not "Name <addr>".
func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw || !strings.Contains(raw[strings.LastIndex(raw, "@"):], ".") {
		return "", ErrInvalidEmail
	}
	return raw, nil
}
