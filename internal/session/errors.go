package session

import (
	"errors"
	"fmt"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/callback"
)

// Sentinel errors for session failures.
// Use errors.Is(err, session.ErrStateMismatch) to check.
var (
	ErrNoCredentials           = errors.New("session: client id or secret not configured")
	ErrPortUnavailable         = callback.ErrPortUnavailable
	ErrStateMismatch           = errors.New("session: OAuth2 state mismatch (possible CSRF)")
	ErrAuthorizationDenied     = errors.New("session: authorization denied")
	ErrAuthorizationTimeout    = errors.New("session: authorization timed out")
	ErrTokenExchangeFailed     = errors.New("session: token exchange failed")
	ErrRefreshFailed           = errors.New("session: token refresh failed")
	ErrAuthenticationExhausted = errors.New("session: authentication exhausted")
	ErrTransientRequest        = errors.New("session: request failed after retries")
	ErrRequestFailed           = errors.New("session: request failed")
)

// Error carries the provider, the operation, and whatever the provider said
// about the failure.
type Error struct {
	Provider   string
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("session: %s %s", e.Provider, e.Op)

	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}

	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// mapAuthorizeError translates listener outcomes into session error kinds.
func mapAuthorizeError(err error) error {
	switch {
	case errors.Is(err, callback.ErrDenied):
		return fmt.Errorf("%w: %w", ErrAuthorizationDenied, err)
	case errors.Is(err, callback.ErrTimeout):
		return fmt.Errorf("%w: %w", ErrAuthorizationTimeout, err)
	default:
		return err
	}
}
