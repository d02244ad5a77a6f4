package auth

import "errors"

var (
	// ErrAuthDisabled is returned when no JWT secret is configured.
	ErrAuthDisabled = errors.New("auth disabled: no JWT secret configured")

	// ErrInvalidToken is returned for malformed, expired, or
	// wrongly-signed tokens.
	ErrInvalidToken = errors.New("invalid token")
)
