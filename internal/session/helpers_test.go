package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/callback"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/credstore"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/provider"
)

// testClock is a settable clock shared by the store and the driver.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mockProvider is an OAuth2 token endpoint plus an API under /api.
type mockProvider struct {
	srv *httptest.Server

	codeCalls    atomic.Int32
	refreshCalls atomic.Int32
	apiCalls     atomic.Int32
	issued       atomic.Int32

	mu           sync.Mutex
	lastForm     url.Values
	refreshFail  bool
	omitRefresh  bool
	refreshDelay time.Duration
	withings     bool
	api          http.HandlerFunc
}

func newMockProvider(t *testing.T) *mockProvider {
	t.Helper()

	m := &mockProvider{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", m.handleToken)
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		m.apiCalls.Add(1)

		m.mu.Lock()
		h := m.api
		m.mu.Unlock()

		if h == nil {
			w.WriteHeader(http.StatusOK)
			return
		}

		h(w, r)
	})

	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)

	return m
}

func (m *mockProvider) setAPI(h http.HandlerFunc) {
	m.mu.Lock()
	m.api = h
	m.mu.Unlock()
}

func (m *mockProvider) form() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastForm
}

func (m *mockProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.lastForm = r.PostForm
	refreshFail := m.refreshFail
	omitRefresh := m.omitRefresh
	delay := m.refreshDelay
	withings := m.withings
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if withings && r.PostForm.Get("action") != "requesttoken" {
		fmt.Fprint(w, `{"status":503,"error":"Invalid params"}`)
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		m.codeCalls.Add(1)

		if r.PostForm.Get("code") != "good-code" {
			m.tokenError(w, withings, "invalid_grant")
			return
		}

	case "refresh_token":
		m.refreshCalls.Add(1)

		if delay > 0 {
			time.Sleep(delay)
		}

		if refreshFail {
			m.tokenError(w, withings, "invalid_grant")
			return
		}

	default:
		m.tokenError(w, withings, "unsupported_grant_type")
		return
	}

	n := m.issued.Add(1)
	body := map[string]any{
		"access_token": fmt.Sprintf("access-%d", n),
		"token_type":   "Bearer",
		"expires_in":   3600,
	}

	if !omitRefresh {
		body["refresh_token"] = fmt.Sprintf("refresh-%d", n)
	}

	if withings {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": 0, "body": body})
		return
	}

	_ = json.NewEncoder(w).Encode(body)
}

func (m *mockProvider) tokenError(w http.ResponseWriter, withings bool, code string) {
	if withings {
		fmt.Fprintf(w, `{"status":601,"error":%q}`, code)
		return
	}

	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, `{"error":%q}`, code)
}

func (m *mockProvider) provider(family provider.Family) provider.Provider {
	return provider.Provider{
		Name:         "mock",
		Family:       family,
		AuthURL:      m.srv.URL + "/authorize",
		TokenURL:     m.srv.URL + "/token",
		BaseURL:      m.srv.URL + "/api",
		Scopes:       []string{"read:a", "read:b"},
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	}
}

// fakeAuthorizer stands in for the browser round-trip.
type fakeAuthorizer struct {
	calls atomic.Int32

	mu         sync.Mutex
	code       string
	forgeState bool
	err        error
	authURL    string
}

func (f *fakeAuthorizer) Authorize(
	_ context.Context,
	flow callback.Flow,
	buildURL func(string) string,
) (callback.Result, string, error) {
	f.calls.Add(1)

	const redirect = "http://localhost:8080/callback"

	f.mu.Lock()
	defer f.mu.Unlock()

	f.authURL = buildURL(redirect)

	if f.err != nil {
		return callback.Result{}, "", f.err
	}

	state := flow.State
	if f.forgeState {
		state = "forged-state"
	}

	return callback.Result{Code: f.code, State: state}, redirect, nil
}

type testEnv struct {
	mock   *mockProvider
	clock  *testClock
	store  *credstore.Store
	auth   *fakeAuthorizer
	driver *Driver
	sleeps []time.Duration
}

func newTestEnv(t *testing.T, family provider.Family, opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		mock:  newMockProvider(t),
		clock: newTestClock(),
		auth:  &fakeAuthorizer{code: "good-code"},
	}

	env.mock.withings = family == provider.FamilyWithings

	reg := credstore.NewRegistry(credstore.WithClock(env.clock.Now))
	env.store = reg.Store(filepath.Join(t.TempDir(), "tokens", "mock.json"))

	all := append([]Option{
		WithAuthorizer(env.auth),
		WithHTTPClient(env.mock.srv.Client()),
	}, opts...)

	d, err := New(env.mock.provider(family), env.store, all...)
	require.NoError(t, err)

	d.sleepFunc = func(_ context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		return nil
	}

	env.driver = d

	return env
}

// seed stores a token issued at the current clock time.
func (e *testEnv) seed(t *testing.T, tok credstore.Token) credstore.Token {
	t.Helper()

	saved, err := e.store.Save(tok)
	require.NoError(t, err)

	return saved
}

func bearer(access string) string {
	return "Bearer " + access
}
