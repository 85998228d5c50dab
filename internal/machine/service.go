package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service wraps Repository with the ownership check that gates connection initiation. CanAccess is deliberately
// isolated behind its own method: today it is ownership-only, but the registry may later grow a team-sharing rule
// ("ownership OR shared via team") without the caller needing to change.
type Service struct {
	repo Repository
	log  zerolog.Logger
}

// NewService creates a new machine service.
func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, log: logger}
}

// Register upserts a machine for the given owner.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*Machine, error) {
	return s.repo.Register(ctx, params)
}

// SetOnline flips the is_online flag for a machine.
func (s *Service) SetOnline(ctx context.Context, id uuid.UUID, online bool) error {
	return s.repo.SetOnline(ctx, id, online)
}

// Heartbeat refreshes last_seen for a machine.
func (s *Service) Heartbeat(ctx context.Context, id uuid.UUID) error {
	return s.repo.Heartbeat(ctx, id)
}

// ListOwned returns every machine owned by a user.
func (s *Service) ListOwned(ctx context.Context, userID uuid.UUID) ([]*Machine, error) {
	return s.repo.ListOwned(ctx, userID)
}

// Get returns the machine matching the given ID, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Machine, error) {
	return s.repo.Get(ctx, id)
}

// CanAccess reports whether userID may initiate a connection to machineID. Ownership-only today; a future
// team-sharing rule would live here without changing the caller's contract.
func (s *Service) CanAccess(ctx context.Context, userID, machineID uuid.UUID) (bool, error) {
	m, err := s.repo.Get(ctx, machineID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check machine access: %w", err)
	}
	return m.UserID == userID, nil
}

// SweepStale marks machines whose heartbeat has lapsed as offline and returns the transitioned IDs.
func (s *Service) SweepStale(ctx context.Context, timeout time.Duration) ([]uuid.UUID, error) {
	return s.repo.SweepStale(ctx, timeout)
}

// Delete removes a machine scoped to its owner.
func (s *Service) Delete(ctx context.Context, userID, id uuid.UUID) (bool, error) {
	return s.repo.Delete(ctx, userID, id)
}

// Rename renames a machine scoped to its owner.
func (s *Service) Rename(ctx context.Context, userID, id uuid.UUID, newName string) (*Machine, bool, error) {
	return s.repo.Rename(ctx, userID, id, newName)
}
