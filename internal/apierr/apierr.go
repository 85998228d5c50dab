// Package apierr defines the stable error codes returned in HTTP error response bodies.
package apierr

// Code is a stable, machine-readable error identifier independent of HTTP status text.
type Code string

const (
	InternalError       Code = "INTERNAL_ERROR"
	ValidationError     Code = "VALIDATION_ERROR"
	InvalidBody         Code = "INVALID_BODY"
	Unauthorized        Code = "UNAUTHORIZED"
	TokenExpired        Code = "TOKEN_EXPIRED"
	InvalidToken        Code = "INVALID_TOKEN"
	InvalidCredentials  Code = "INVALID_CREDENTIALS"
	InvalidEmail        Code = "INVALID_EMAIL"
	InvalidUsername     Code = "INVALID_USERNAME"
	InvalidPassword     Code = "INVALID_PASSWORD"
	AlreadyExists       Code = "ALREADY_EXISTS"
	NotFound            Code = "NOT_FOUND"
	UnknownUser         Code = "UNKNOWN_USER"
)
