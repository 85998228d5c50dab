package user

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the user package.
var (
	ErrNotFound      = errors.New("user not found")
	ErrAlreadyExists = errors.New("email already registered")
)

// User holds the core identity fields read from the database.
type User struct {
	ID        uuid.UUID
	Email     string
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// View is the externally visible projection of a User, safe to serialize in HTTP/WS responses.
type View struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// ToView converts the internal user struct to its externally visible projection.
func (u *User) ToView() View {
	return View{
		ID:       u.ID.String(),
		Email:    u.Email,
		Username: u.Username,
	}
}

// Credentials extends User with the password hash. Only repository methods that serve the authentication path return
// this type; all other read methods return *User to prevent credential leakage at the type level.
type Credentials struct {
	User
	PasswordHash string
}

// CreateParams groups the inputs for creating a new user.
type CreateParams struct {
	Email        string
	Username     string
	PasswordHash string
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*Credentials, error)
}
