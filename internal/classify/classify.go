package classify

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Classifier inspects one provider reply. Implementations must be safe for
// concurrent use and must not retain r.
type Classifier interface {
	// IsAuthError reports whether the reply means the credentials were
	// rejected and a refresh or re-authorization could fix it.
	IsAuthError(r *Response) bool
	// Message extracts a human-readable failure message.
	Message(r *Response) string
	// Validate turns a 2xx reply that carries an in-band failure into an
	// error. Returns nil for replies that are really successful.
	Validate(r *Response) error
}

// Family names accepted by ByName.
const (
	FamilyStandard       = "standard"
	FamilyEmbeddedStatus = "embedded_status"
	FamilyWithings       = "withings"
)

// authPhrases mark token problems inside error bodies.
var authPhrases = []string{"invalid_token", "expired", "unauthorized"}

// maxMessageLen bounds a message built from a raw body.
const maxMessageLen = 512

// ByName returns the classifier for a configured family name.
func ByName(name string) (Classifier, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", FamilyStandard:
		return StandardHTTP{}, nil
	case FamilyEmbeddedStatus:
		return EmbeddedStatus{}, nil
	case FamilyWithings:
		return Withings(), nil
	default:
		return nil, fmt.Errorf("classify: unknown classifier family %q", name)
	}
}

func hasAuthPhrase(s string) bool {
	s = strings.ToLower(s)
	for _, p := range authPhrases {
		if strings.Contains(s, p) {
			return true
		}
	}

	return false
}

// StandardHTTP classifies providers that signal failure with HTTP status
// codes and RFC 6749 style error bodies.
type StandardHTTP struct{}

// IsAuthError is true on 401/403, or on any other failed reply whose JSON
// error fields mention a token problem. Transport failures are never auth
// errors.
func (StandardHTTP) IsAuthError(r *Response) bool {
	if r == nil || r.Err != nil || r.Success() {
		return false
	}

	if r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden {
		return true
	}

	obj := r.jsonObject()
	for _, key := range []string{"error", "error_description", "message"} {
		if hasAuthPhrase(stringField(obj, key)) {
			return true
		}
	}

	return false
}

// Message prefers error_description, then error, then message, then the raw
// body, then the status text.
func (StandardHTTP) Message(r *Response) string {
	if r == nil {
		return ""
	}

	if r.Err != nil {
		return r.Err.Error()
	}

	obj := r.jsonObject()
	for _, key := range []string{"error_description", "error", "message"} {
		if msg := stringField(obj, key); msg != "" {
			return msg
		}
	}

	if body := strings.TrimSpace(string(r.Body)); body != "" {
		if len(body) > maxMessageLen {
			body = body[:maxMessageLen] + "..."
		}

		return body
	}

	return http.StatusText(r.StatusCode)
}

// Validate always passes: a 2xx is a success for standard providers.
func (StandardHTTP) Validate(*Response) error {
	return nil
}

// EmbeddedStatus classifies providers that answer HTTP 200 with an internal
// status field, where 0 means success.
type EmbeddedStatus struct {
	StatusField string // default "status"
	ErrorField  string // default "error"
	// AuthStatuses are in-body codes that always mean rejected credentials.
	// Default {401}.
	AuthStatuses []int
}

// Withings returns the preset for the Withings API, whose 100..102 and 200
// codes also mean an invalid or expired token.
func Withings() EmbeddedStatus {
	return EmbeddedStatus{
		StatusField:  "status",
		ErrorField:   "error",
		AuthStatuses: []int{100, 101, 102, 200, 401},
	}
}

func (e EmbeddedStatus) statusField() string {
	if e.StatusField == "" {
		return "status"
	}

	return e.StatusField
}

func (e EmbeddedStatus) errorField() string {
	if e.ErrorField == "" {
		return "error"
	}

	return e.ErrorField
}

func (e EmbeddedStatus) authStatuses() []int {
	if len(e.AuthStatuses) == 0 {
		return []int{http.StatusUnauthorized}
	}

	return e.AuthStatuses
}

// embedded returns the in-body status and error text. ok is false when the
// body has no numeric status field.
func (e EmbeddedStatus) embedded(r *Response) (status int, errText string, ok bool) {
	if r == nil || r.Err != nil {
		return 0, "", false
	}

	obj := r.jsonObject()
	if obj == nil {
		return 0, "", false
	}

	raw, found := obj[e.statusField()].(float64)
	if !found {
		return 0, "", false
	}

	return int(raw), stringField(obj, e.errorField()), true
}

// IsAuthError applies the StandardHTTP checks, then looks for a non-zero
// in-body status that is a known auth code or whose error text mentions a
// token problem.
func (e EmbeddedStatus) IsAuthError(r *Response) bool {
	if (StandardHTTP{}).IsAuthError(r) {
		return true
	}

	status, errText, ok := e.embedded(r)
	if !ok || status == 0 {
		return false
	}

	return slices.Contains(e.authStatuses(), status) || hasAuthPhrase(errText)
}

// Message returns the in-body error text when the status is non-zero.
func (e EmbeddedStatus) Message(r *Response) string {
	if status, errText, ok := e.embedded(r); ok && status != 0 {
		if errText != "" {
			return errText
		}

		return fmt.Sprintf("api status %d", status)
	}

	return StandardHTTP{}.Message(r)
}

// Validate turns a 2xx reply with a non-zero in-body status into *APIError.
// Non-JSON bodies pass.
func (e EmbeddedStatus) Validate(r *Response) error {
	if r == nil || !r.Success() {
		return nil
	}

	status, errText, ok := e.embedded(r)
	if !ok || status == 0 {
		return nil
	}

	if errText == "" {
		errText = "unknown error"
	}

	sentinel := ErrAPIStatus
	if e.IsAuthError(r) {
		sentinel = ErrUnauthorized
	}

	return &APIError{
		StatusCode: r.StatusCode,
		APIStatus:  status,
		Message:    errText,
		Err:        sentinel,
	}
}
