// Package machine implements the registry of long-lived machines a user has registered for remote connection:
// upsert-on-register, presence flags, stale sweeping, and ownership checks.
package machine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the machine package.
var (
	ErrNotFound = errors.New("machine not found")
)

// Platform identifies the operating system a machine runs.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
)

// Capabilities describes optional tooling present on a registered machine.
type Capabilities struct {
	HasGit    bool `json:"hasGit"`
	HasNode   bool `json:"hasNode"`
	HasRust   bool `json:"hasRust"`
	HasPython bool `json:"hasPython"`
}

// Machine holds the durable fields read from the database.
type Machine struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Name         string
	Platform     Platform
	Capabilities Capabilities
	LastSeen     time.Time
	IsOnline     bool
	CreatedAt    time.Time
}

// Info is the externally visible projection of a Machine, safe to serialize in WS responses.
type Info struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Platform     Platform     `json:"platform"`
	Capabilities Capabilities `json:"capabilities"`
	IsOnline     bool         `json:"isOnline"`
	LastSeen     time.Time    `json:"lastSeen"`
	IsOwn        bool         `json:"isOwn"`
}

// ToInfo converts the internal machine struct to its externally visible projection. isOwn is always true for the
// listOwned path; the field exists to leave room for a future team-sharing view without changing the wire shape.
func (m *Machine) ToInfo() Info {
	return Info{
		ID:           m.ID.String(),
		Name:         m.Name,
		Platform:     m.Platform,
		Capabilities: m.Capabilities,
		IsOnline:     m.IsOnline,
		LastSeen:     m.LastSeen,
		IsOwn:        true,
	}
}

// RegisterParams groups the inputs for registering (or re-registering) a machine.
type RegisterParams struct {
	UserID       uuid.UUID
	Name         string
	Platform     Platform
	Capabilities Capabilities
}

// Repository defines the data-access contract for machine operations.
type Repository interface {
	Register(ctx context.Context, params RegisterParams) (*Machine, error)
	SetOnline(ctx context.Context, id uuid.UUID, online bool) error
	Heartbeat(ctx context.Context, id uuid.UUID) error
	ListOwned(ctx context.Context, userID uuid.UUID) ([]*Machine, error)
	Get(ctx context.Context, id uuid.UUID) (*Machine, error)
	SweepStale(ctx context.Context, timeout time.Duration) ([]uuid.UUID, error)
	Delete(ctx context.Context, userID, id uuid.UUID) (bool, error)
	Rename(ctx context.Context, userID, id uuid.UUID, newName string) (*Machine, bool, error)
}
