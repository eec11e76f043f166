package classify

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for status classification.
// Use errors.Is(err, classify.ErrUnauthorized) to check.
var (
	ErrBadRequest   = errors.New("classify: bad request")
	ErrUnauthorized = errors.New("classify: unauthorized")
	ErrForbidden    = errors.New("classify: forbidden")
	ErrNotFound     = errors.New("classify: not found")
	ErrThrottled    = errors.New("classify: throttled")
	ErrServerError  = errors.New("classify: server error")
	ErrTransport    = errors.New("classify: transport failure")
	// ErrAPIStatus marks an HTTP 2xx reply whose body reports failure.
	ErrAPIStatus = errors.New("classify: api reported failure")
)

// APIError carries the HTTP status, the provider's in-body status (when the
// provider has one) and the extracted message.
type APIError struct {
	StatusCode int
	APIStatus  int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.APIStatus != 0 {
		return fmt.Sprintf("classify: HTTP %d (api status %d): %s", e.StatusCode, e.APIStatus, e.Message)
	}

	return fmt.Sprintf("classify: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes that have no sentinel, including 2xx.
func ClassifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// retryableStatus reports whether the given HTTP status code should be retried.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		// 509 Bandwidth Limit Exceeded.
		const statusBandwidthExceeded = 509
		return code == statusBandwidthExceeded
	}
}
