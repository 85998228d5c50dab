package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fenwick-dev/rendezvous-server/internal/config"
	"github.com/fenwick-dev/rendezvous-server/internal/user"
)

// SessionRecorder records issued access tokens for audit/purge purposes. It is not consulted on the verify path: a
// session row going missing (e.g. after a purge) never invalidates an otherwise-valid token.
type SessionRecorder interface {
	Record(ctx context.Context, userID uuid.UUID, machineID *uuid.UUID, tokenHash string, expiresAt time.Time) error
}

// Service implements authentication business logic, keeping HTTP and gateway handlers thin and focused on request
// parsing / response formatting.
type Service struct {
	users    user.Repository
	sessions SessionRecorder
	config   *config.Config
	log      zerolog.Logger
	// dummyHash is a precomputed bcrypt hash used to keep login timing constant when a user is not found, preventing
	// email enumeration via response-time analysis.
	dummyHash string
}

// NewService creates a new authentication service. It returns an error if the bcrypt configuration is invalid, since
// password hashing is fundamental to every auth operation.
func NewService(users user.Repository, sessions SessionRecorder, cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	dummy, err := HashPassword("rendezvous-dummy-password", cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("generate dummy hash: %w", err)
	}
	return &Service{
		users:     users,
		sessions:  sessions,
		config:    cfg,
		log:       logger,
		dummyHash: dummy,
	}, nil
}

// AuthResult is the output for Register and Login.
type AuthResult struct {
	User        user.View
	AccessToken string
}

// Register validates inputs, creates the user, and returns an auth token.
func (s *Service) Register(ctx context.Context, email, username, password string) (*AuthResult, error) {
	normalizedEmail, err := ValidateEmail(email)
	if err != nil {
		return nil, err
	}
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password, s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	userID, err := s.users.Create(ctx, user.CreateParams{
		Email:        normalizedEmail,
		Username:     username,
		PasswordHash: hash,
	})
	if err != nil {
		if errors.Is(err, user.ErrAlreadyExists) {
			return nil, ErrEmailAlreadyTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.log.Debug().Str("user_id", userID.String()).Msg("user registered")

	token, err := s.issueAndRecord(ctx, userID, normalizedEmail, nil)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		User: user.View{
			ID:       userID.String(),
			Email:    normalizedEmail,
			Username: username,
		},
		AccessToken: token,
	}, nil
}

// Login verifies credentials and returns an auth token.
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	normalizedEmail, err := ValidateEmail(email)
	if err != nil {
		return nil, err
	}

	creds, err := s.users.GetByEmail(ctx, normalizedEmail)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			// Hash against a dummy value to prevent timing-based email enumeration. Without this, "user not found"
			// returns faster than "wrong password" because bcrypt is skipped.
			_, _ = VerifyPassword(password, s.dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	match, err := VerifyPassword(password, creds.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}

	token, err := s.issueAndRecord(ctx, creds.ID, creds.Email, nil)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		User:        creds.User.ToView(),
		AccessToken: token,
	}, nil
}

// IssueToken mints a signed access token for the given identity, without recording a session. issueAndRecord calls
// it and then records the session row.
func (s *Service) IssueToken(userID uuid.UUID, email string) (string, error) {
	return NewAccessToken(userID, email, s.config.JWTSecret, s.config.JWTExpiresIn, s.config.Issuer)
}

// VerifyToken validates a bearer token and returns the {userId, email} identity it carries.
func (s *Service) VerifyToken(token string) (userID uuid.UUID, email string, err error) {
	claims, err := ValidateAccessToken(token, s.config.JWTSecret, s.config.Issuer)
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}

	return id, claims.Email, nil
}

// issueAndRecord mints an access token and records a session audit row. Session-recording failures are logged but
// never fail the request: the session table is bookkeeping, not an authorization gate.
func (s *Service) issueAndRecord(ctx context.Context, userID uuid.UUID, email string, machineID *uuid.UUID) (string, error) {
	token, err := s.IssueToken(userID, email)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}

	if s.sessions != nil {
		hash := sha256.Sum256([]byte(token))
		expiresAt := time.Now().Add(s.config.JWTExpiresIn)
		if err := s.sessions.Record(ctx, userID, machineID, hex.EncodeToString(hash[:]), expiresAt); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to record session")
		}
	}

	return token, nil
}
