// Package classify decides whether a provider reply is an authentication
// failure, extracts a human-readable message from it, and turns in-band
// failures inside HTTP 2xx replies into typed errors. Providers encode
// failure differently, so each family gets its own Classifier value.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxBodyBytes caps how much of a reply is buffered.
const maxBodyBytes = 16 << 20

// Response is a fully-read HTTP reply, or the transport error that prevented
// one. Exactly one of StatusCode or Err is meaningful.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// FromHTTP buffers and closes resp.Body. A non-nil err produces a transport
// Response.
func FromHTTP(resp *http.Response, err error) *Response {
	if err != nil {
		return &Response{Err: err}
	}

	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if readErr != nil {
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Err:        fmt.Errorf("reading response body: %w", readErr),
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}
}

// Success reports a transport-level and HTTP-level success (2xx).
func (r *Response) Success() bool {
	return r.Err == nil && r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// jsonObject decodes the body as a JSON object, or returns nil.
func (r *Response) jsonObject() map[string]any {
	if len(r.Body) == 0 {
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal(r.Body, &obj); err != nil {
		return nil
	}

	return obj
}

// IsRetryable reports whether the reply is worth retrying after a backoff:
// transport failures other than cancellation, 408, 429, 5xx and 509.
func IsRetryable(r *Response) bool {
	if r.Err != nil {
		return !errors.Is(r.Err, context.Canceled) && !errors.Is(r.Err, context.DeadlineExceeded)
	}

	return retryableStatus(r.StatusCode)
}

// RetryAfter returns the server-requested delay from a Retry-After header,
// given either as delta-seconds or an HTTP date.
func RetryAfter(r *Response, now time.Time) (time.Duration, bool) {
	if r.Header == nil {
		return 0, false
	}

	ra := strings.TrimSpace(r.Header.Get("Retry-After"))
	if ra == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(ra); err == nil {
		if seconds <= 0 {
			return 0, false
		}

		return time.Duration(seconds) * time.Second, true
	}

	if at, err := http.ParseTime(ra); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
	}

	return 0, false
}

// stringField returns obj[key] as a string, formatting non-string scalars.
func stringField(obj map[string]any, key string) string {
	v, ok := obj[key]
	if !ok || v == nil {
		return ""
	}

	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]any:
		// {"error": {"message": "..."}} shape.
		if msg := stringField(val, "message"); msg != "" {
			return msg
		}

		return stringField(val, "code")
	default:
		return fmt.Sprint(val)
	}
}
