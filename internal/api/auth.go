package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/fenwick-dev/rendezvous-server/internal/auth"
	"github.com/fenwick-dev/rendezvous-server/internal/user"
)

// AuthHandler serves the HTTP authentication endpoints alongside the control channel's own `auth`/`register_user`
// messages, sharing the same auth.Service.
type AuthHandler struct {
	auth  *auth.Service
	users user.Repository
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(authSvc *auth.Service, users user.Repository) *AuthHandler {
	return &AuthHandler{auth: authSvc, users: users}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// authResponse is the literal shape pinned by the wire contract's AuthResponse.
type authResponse struct {
	Success bool      `json:"success"`
	User    user.View `json:"user,omitempty"`
	Token   string    `json:"token,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	var body loginRequest
	if err := c.Bind().Body(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(authResponse{Success: false, Error: "invalid request body"})
	}

	result, err := h.auth.Login(c.Context(), body.Email, body.Password)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(authResponse{Success: false, Error: loginErrorMessage(err)})
	}

	return c.JSON(authResponse{Success: true, User: result.User, Token: result.AccessToken})
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(c fiber.Ctx) error {
	var body registerRequest
	if err := c.Bind().Body(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(authResponse{Success: false, Error: "invalid request body"})
	}

	result, err := h.auth.Register(c.Context(), body.Email, body.Username, body.Password)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(authResponse{Success: false, Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(authResponse{Success: true, User: result.User, Token: result.AccessToken})
}

// Me handles GET /auth/me. auth.RequireAuth must run first to populate c.Locals("userID").
func (h *AuthHandler) Me(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	u, err := h.users.GetByID(c.Context(), userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		return c.SendStatus(fiber.StatusInternalServerError)
	}

	return c.JSON(u.ToView())
}

func loginErrorMessage(err error) string {
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return "invalid email or password"
	}
	return "login failed"
}
