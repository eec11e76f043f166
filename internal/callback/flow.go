package callback

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// nonceBytes is the number of random bytes in a state nonce.
const nonceBytes = 32

// DefaultPath is the callback path registered with providers.
const DefaultPath = "/callback"

// DefaultTimeout bounds how long a flow waits for the redirect.
const DefaultTimeout = 60 * time.Second

// Flow is one interactive consent round-trip. It is created when
// authorization starts and discarded once the code is exchanged or the flow
// fails.
type Flow struct {
	ID           string
	State        string // CSRF nonce sent with the authorization request
	RedirectPath string
	Timeout      time.Duration
}

// NewFlow generates a flow with a fresh crypto/rand nonce. Empty path and
// non-positive timeout fall back to the defaults.
func NewFlow(path string, timeout time.Duration) (Flow, error) {
	state, err := generateState()
	if err != nil {
		return Flow{}, fmt.Errorf("callback: generating state nonce: %w", err)
	}

	if path == "" {
		path = DefaultPath
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return Flow{
		ID:           uuid.NewString(),
		State:        state,
		RedirectPath: path,
		Timeout:      timeout,
	}, nil
}

// generateState returns a URL-safe random string.
func generateState() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Result is what the provider's redirect carried.
type Result struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}
