// Package session records issued access tokens for audit and retention purposes. It is bookkeeping only: a missing
// or purged session row never invalidates an otherwise-valid JWT, since auth.Service.VerifyToken validates signature
// and expiry alone.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is a durable audit row for an issued access token.
type Record struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	MachineID *uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Repository defines the data-access contract for session bookkeeping.
type Repository interface {
	Record(ctx context.Context, userID uuid.UUID, machineID *uuid.UUID, tokenHash string, expiresAt time.Time) error
	PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error)
}
