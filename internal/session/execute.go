package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/classify"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/ledger"
)

// Retry and backoff constants.
const (
	baseBackoff    = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "healthauth/0.1"
)

// RequestSpec describes one API call. At most one of Body, JSON and Form is
// used; the body is rebuilt for every attempt so retries replay it.
type RequestSpec struct {
	Method string
	// Path is appended to the provider base URL. URL, when set, is used as is.
	Path   string
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte
	JSON   any
	Form   url.Values
}

func (s RequestSpec) target(baseURL string) (string, error) {
	raw := s.URL
	if raw == "" {
		if baseURL == "" {
			return "", fmt.Errorf("session: request path %q needs a provider base_url", s.Path)
		}

		raw = strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(s.Path, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("session: parsing request URL: %w", err)
	}

	if len(s.Query) > 0 {
		q := u.Query()
		for k, vs := range s.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}

		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

func (s RequestSpec) body() (io.Reader, string, error) {
	switch {
	case s.JSON != nil:
		b, err := json.Marshal(s.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("session: encoding JSON body: %w", err)
		}

		return bytes.NewReader(b), "application/json", nil
	case s.Form != nil:
		return strings.NewReader(s.Form.Encode()), "application/x-www-form-urlencoded", nil
	case s.Body != nil:
		return bytes.NewReader(s.Body), "", nil
	default:
		return nil, "", nil
	}
}

func (s RequestSpec) build(ctx context.Context, baseURL string, authorization string) (*http.Request, error) {
	method := s.Method
	if method == "" {
		method = http.MethodGet
	}

	target, err := s.target(baseURL)
	if err != nil {
		return nil, err
	}

	body, contentType, err := s.body()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("session: creating request: %w", err)
	}

	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	req.Header.Set("Authorization", authorization)

	return req, nil
}

// Execute performs an authenticated call. Rejected credentials are recovered
// by a forced refresh and then a full authorization, each followed by one
// retry, within the AuthRetries budget. Transient failures are retried with
// exponential backoff up to MaxRetries. The returned Response is fully read;
// on failure it is returned alongside the error when one was received.
func (d *Driver) Execute(ctx context.Context, spec RequestSpec) (*classify.Response, error) {
	if d.proactive.Load() {
		d.logger.Debug("refreshing ahead of request")

		if _, err := d.refresh(ctx); err != nil {
			// The cached token is still inside its window; carry on with it.
			d.proactive.Store(false)
		}
	}

	var (
		authAttempts     int
		transient        int
		refreshAttempted bool
	)

	for {
		tok, err := d.Token(ctx)
		if err != nil {
			return nil, err
		}

		req, err := spec.build(ctx, d.provider.BaseURL, tok.AuthorizationHeader())
		if err != nil {
			return nil, err
		}

		resp := classify.FromHTTP(d.httpClient.Do(req))

		if resp.Err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("session: request canceled: %w", ctx.Err())
		}

		var validateErr error
		if resp.Success() {
			validateErr = d.classifier.Validate(resp)
			if validateErr == nil {
				d.logger.Debug("request succeeded",
					slog.String("method", req.Method),
					slog.String("path", req.URL.Path),
					slog.Int("status", resp.StatusCode),
				)

				return resp, nil
			}
		}

		if d.classifier.IsAuthError(resp) {
			if authAttempts >= d.settings.AuthRetries {
				return resp, d.requestError(resp, fmt.Errorf("%w after %d recoveries", ErrAuthenticationExhausted, authAttempts))
			}

			authAttempts++

			d.logger.Warn("credentials rejected, recovering",
				slog.String("path", req.URL.Path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", authAttempts),
			)
			d.record(ctx, ledger.KindAuthRetry, d.classifier.Message(resp))

			if err := d.recover(ctx, tok.Refreshable() && !refreshAttempted); err != nil {
				return resp, d.requestError(resp, fmt.Errorf("%w: %w", ErrAuthenticationExhausted, err))
			}

			refreshAttempted = true

			continue
		}

		if validateErr != nil {
			return resp, d.requestError(resp, validateErr)
		}

		if classify.IsRetryable(resp) {
			if transient >= d.settings.MaxRetries {
				return resp, d.requestError(resp, ErrTransientRequest)
			}

			backoff := d.retryBackoff(resp, transient)
			d.logger.Warn("retrying after transient failure",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", transient+1),
				slog.Duration("backoff", backoff),
			)

			if err := d.sleepFunc(ctx, backoff); err != nil {
				return resp, fmt.Errorf("session: request canceled: %w", err)
			}

			transient++

			continue
		}

		return resp, d.requestError(resp, nil)
	}
}

// recover restores credentials after a rejection: a forced refresh when
// allowed, otherwise or on refresh failure a full authorization.
func (d *Driver) recover(ctx context.Context, tryRefresh bool) error {
	if tryRefresh {
		if _, err := d.refresh(ctx); err == nil {
			return nil
		}
	}

	return d.Authenticate(ctx)
}

// requestError wraps a failed reply. A nil cause picks a sentinel from the
// HTTP status. Transport failures always carry classify.ErrTransport.
func (d *Driver) requestError(resp *classify.Response, cause error) error {
	switch {
	case cause != nil && resp.Err != nil:
		cause = fmt.Errorf("%w: %w: %w", cause, classify.ErrTransport, resp.Err)
	case cause != nil:
	case resp.Err != nil:
		cause = fmt.Errorf("%w: %w: %w", ErrRequestFailed, classify.ErrTransport, resp.Err)
	default:
		cause = classify.ClassifyStatus(resp.StatusCode)
		if cause == nil {
			cause = ErrRequestFailed
		}
	}

	return &Error{
		Provider:   d.provider.Name,
		Op:         "execute",
		StatusCode: resp.StatusCode,
		Message:    d.classifier.Message(resp),
		Err:        cause,
	}
}

// retryBackoff honors Retry-After, otherwise backs off exponentially.
func (d *Driver) retryBackoff(resp *classify.Response, attempt int) time.Duration {
	if ra, ok := classify.RetryAfter(resp, d.store.Now()); ok {
		return ra
	}

	return calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for d or until ctx is done.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
