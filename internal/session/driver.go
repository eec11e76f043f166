// Package session drives OAuth2 sessions against health APIs. A Driver hands
// out valid tokens, refreshing or re-authorizing as needed, and executes
// authenticated requests with transparent recovery from expired credentials
// and transient failures.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/callback"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/classify"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/credstore"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/ledger"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/provider"
)

// Defaults for Settings.
const (
	DefaultValidityWindow     = 90 * 24 * time.Hour
	DefaultRefreshBuffer      = 5 * time.Minute
	DefaultProactiveBuffer    = 2 * time.Hour
	DefaultTokenRefreshBuffer = 24 * time.Hour
	DefaultMaxRetries         = 3
	DefaultAuthRetries        = 2
	defaultHTTPTimeout        = 60 * time.Second
)

// Settings tunes token lifetimes and retry budgets.
type Settings struct {
	// ValidityWindow is how far a successful refresh or login pushes the
	// sliding window.
	ValidityWindow time.Duration
	// RefreshBuffer is the safety margin applied to expiry checks.
	RefreshBuffer time.Duration
	// ProactiveBuffer marks a refreshable token with a sliding window for
	// refresh before the next request once its provider lifetime is within
	// this margin of (or past) its end. Capped at half the lifetime.
	ProactiveBuffer time.Duration
	// TokenRefreshBuffer flags tokens as due for refresh in Status, and
	// marks a sliding window that is about to close for proactive refresh.
	TokenRefreshBuffer time.Duration
	// MaxRetries bounds retries of transient failures per Execute.
	MaxRetries int
	// AuthRetries bounds credential recoveries per Execute.
	AuthRetries int
	// CallbackTimeout bounds the wait for the consent redirect.
	CallbackTimeout time.Duration
}

// DefaultSettings returns the stock settings.
func DefaultSettings() Settings {
	return Settings{
		ValidityWindow:     DefaultValidityWindow,
		RefreshBuffer:      DefaultRefreshBuffer,
		ProactiveBuffer:    DefaultProactiveBuffer,
		TokenRefreshBuffer: DefaultTokenRefreshBuffer,
		MaxRetries:         DefaultMaxRetries,
		AuthRetries:        DefaultAuthRetries,
		CallbackTimeout:    callback.DefaultTimeout,
	}
}

// Recorder receives authentication events. *ledger.Ledger satisfies it.
type Recorder interface {
	Record(ctx context.Context, ev ledger.Event) error
}

// Option configures a Driver.
type Option func(*Driver)

// WithSettings replaces the settings. Zero fields keep their defaults.
func WithSettings(s Settings) Option {
	return func(d *Driver) {
		def := DefaultSettings()

		if s.ValidityWindow <= 0 {
			s.ValidityWindow = def.ValidityWindow
		}

		if s.RefreshBuffer < 0 {
			s.RefreshBuffer = def.RefreshBuffer
		}

		if s.ProactiveBuffer <= 0 {
			s.ProactiveBuffer = def.ProactiveBuffer
		}

		if s.TokenRefreshBuffer <= 0 {
			s.TokenRefreshBuffer = def.TokenRefreshBuffer
		}

		if s.MaxRetries < 0 {
			s.MaxRetries = def.MaxRetries
		}

		if s.AuthRetries <= 0 {
			s.AuthRetries = def.AuthRetries
		}

		if s.CallbackTimeout <= 0 {
			s.CallbackTimeout = def.CallbackTimeout
		}

		d.settings = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithHTTPClient sets the client for token and API requests.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Driver) { d.httpClient = c }
}

// WithAuthorizer replaces the browser authorizer.
func WithAuthorizer(a Authorizer) Option {
	return func(d *Driver) { d.authorizer = a }
}

// WithExchanger replaces the family exchanger.
func WithExchanger(e Exchanger) Option {
	return func(d *Driver) { d.exchanger = e }
}

// WithClassifier replaces the provider's classifier.
func WithClassifier(c classify.Classifier) Option {
	return func(d *Driver) { d.classifier = c }
}

// WithRecorder attaches an event recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Driver) { d.recorder = r }
}

// Driver is the session for one provider and one storage key. Safe for
// concurrent use.
type Driver struct {
	provider   provider.Provider
	store      *credstore.Store
	settings   Settings
	classifier classify.Classifier
	exchanger  Exchanger
	authorizer Authorizer
	recorder   Recorder
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc waits between retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error

	authFlight singleflight.Group
	proactive  atomic.Bool
}

// New builds a driver. It fails with ErrNoCredentials when the provider has
// no client id or secret.
func New(p provider.Provider, store *credstore.Store, opts ...Option) (*Driver, error) {
	if !p.HasCredentials() {
		return nil, &Error{Provider: p.Name, Op: "init", Err: ErrNoCredentials}
	}

	if store == nil {
		return nil, fmt.Errorf("session: %s: nil credential store", p.Name)
	}

	d := &Driver{
		provider:  p,
		store:     store,
		settings:  DefaultSettings(),
		sleepFunc: timeSleep,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		d.logger = slog.Default()
	}

	d.logger = d.logger.With(slog.String("provider", p.Name))

	if d.httpClient == nil {
		d.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	if d.classifier == nil {
		c, err := p.NewClassifier()
		if err != nil {
			return nil, fmt.Errorf("session: %s: %w", p.Name, err)
		}

		d.classifier = c
	}

	if d.exchanger == nil {
		d.exchanger = NewExchanger(p, d.httpClient)
	}

	if d.authorizer == nil {
		d.authorizer = &BrowserAuthorizer{
			Listen: callback.ListenConfig{
				BasePort:  callback.DefaultBasePort,
				PortRange: callback.DefaultPortRange,
			},
			Logger: d.logger,
		}
	}

	return d, nil
}

// Provider returns the provider definition.
func (d *Driver) Provider() provider.Provider {
	return d.provider
}

// ProactiveRefreshPending reports whether Token handed out a token that
// should be refreshed before the next request.
func (d *Driver) ProactiveRefreshPending() bool {
	return d.proactive.Load()
}

// Token returns a usable token. A cached token that is valid (through its
// provider lifetime or its sliding window) is returned without network I/O;
// when it is close to expiry it is marked for proactive refresh. Otherwise
// the token is refreshed, and if that fails, the operator is sent through
// the consent flow.
func (d *Driver) Token(ctx context.Context) (credstore.Token, error) {
	tok, ok := d.store.Current()
	if ok {
		now := d.store.Now()

		if !credstore.IsExpired(tok, now, d.settings.RefreshBuffer) {
			if d.refreshDue(tok, now) {
				d.proactive.Store(true)
			}

			return tok, nil
		}

		if tok.Refreshable() {
			if refreshed, err := d.refresh(ctx); err == nil {
				return refreshed, nil
			}
		}
	}

	if err := d.Authenticate(ctx); err != nil {
		if ctx.Err() != nil {
			return credstore.Token{}, err
		}

		return credstore.Token{}, &Error{
			Provider: d.provider.Name,
			Op:       "token",
			Err:      fmt.Errorf("%w: %w", ErrAuthenticationExhausted, err),
		}
	}

	tok, ok = d.store.Current()
	if !ok {
		return credstore.Token{}, &Error{Provider: d.provider.Name, Op: "token", Err: ErrAuthenticationExhausted}
	}

	return tok, nil
}

// refreshDue reports whether a still-usable token should be refreshed ahead
// of the next request: its provider lifetime ends within the proactive
// buffer (or already has), or the sliding window itself is about to close.
func (d *Driver) refreshDue(tok credstore.Token, now time.Time) bool {
	if !tok.Refreshable() || !tok.HasSlidingWindow() {
		return false
	}

	if credstore.StandardExpired(tok, now, d.proactiveBuffer(tok)) {
		return true
	}

	return !now.Add(d.settings.TokenRefreshBuffer).Before(tok.SlidingWindowExpiresAt)
}

// proactiveBuffer is ProactiveBuffer capped at half the token's provider
// lifetime. Without the cap a 1h token would be due the moment it is issued.
func (d *Driver) proactiveBuffer(tok credstore.Token) time.Duration {
	if half := tok.ExpiresIn / 2; half > 0 && half < d.settings.ProactiveBuffer {
		return half
	}

	return d.settings.ProactiveBuffer
}

// Refresh exchanges the refresh token for a new token and extends the
// sliding window. It reports false on any failure; failures are logged and
// recorded, never returned.
func (d *Driver) Refresh(ctx context.Context) bool {
	_, err := d.refresh(ctx)
	return err == nil
}

func (d *Driver) refresh(ctx context.Context) (credstore.Token, error) {
	cur, ok := d.store.Current()
	if !ok || !cur.Refreshable() {
		err := &Error{Provider: d.provider.Name, Op: "refresh", Message: "no refresh token", Err: ErrRefreshFailed}
		d.logger.Info("cannot refresh", slog.String("reason", "no refresh token"))

		return credstore.Token{}, err
	}

	staleAccess := cur.AccessToken

	tok, err := d.store.Serialize(ctx, func(ctx context.Context) (credstore.Token, error) {
		// Another process may have refreshed while this one waited.
		latest, ok := d.store.Reload()
		if ok && latest.AccessToken != staleAccess &&
			!credstore.StandardExpired(latest, d.store.Now(), d.settings.RefreshBuffer) {
			d.logger.Debug("adopting token refreshed elsewhere")
			return latest, nil
		}

		refreshToken := cur.RefreshToken
		if ok && latest.Refreshable() {
			refreshToken = latest.RefreshToken
		}

		resp, err := d.exchanger.Refresh(ctx, refreshToken)
		if err != nil {
			return credstore.Token{}, err
		}

		if resp.RefreshToken == "" {
			resp.RefreshToken = refreshToken
		}

		now := d.store.Now()

		return d.persist(credstore.Token{
			AccessToken:            resp.AccessToken,
			RefreshToken:           resp.RefreshToken,
			TokenType:              resp.TokenType,
			ExpiresIn:              resp.ExpiresIn,
			SlidingWindowExpiresAt: now.Add(d.settings.ValidityWindow),
			LastRefresh:            now,
		}), nil
	})
	if err != nil {
		d.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		d.record(ctx, ledger.KindRefreshFailed, err.Error())

		if errors.Is(err, ErrRefreshFailed) {
			return credstore.Token{}, err
		}

		return credstore.Token{}, &Error{Provider: d.provider.Name, Op: "refresh", Err: fmt.Errorf("%w: %w", ErrRefreshFailed, err)}
	}

	d.proactive.Store(false)
	d.logger.Info("token refreshed",
		slog.Time("standard_expiry", tok.StandardExpiry()),
		slog.Time("sliding_window_expires_at", tok.SlidingWindowExpiresAt),
	)
	d.record(ctx, ledger.KindRefreshed, "")

	return tok, nil
}

// persist saves tok. A failed disk write is logged; the in-memory token
// stays current either way.
func (d *Driver) persist(tok credstore.Token) credstore.Token {
	saved, err := d.store.Save(tok)
	if err != nil {
		d.logger.Error("failed to persist token, keeping it in memory",
			slog.String("path", d.store.Path()),
			slog.String("error", err.Error()),
		)
	}

	return saved
}

// Authenticate runs the interactive authorization-code flow and stores the
// resulting token. Concurrent callers share one flow.
func (d *Driver) Authenticate(ctx context.Context) error {
	_, err, _ := d.authFlight.Do("authenticate", func() (any, error) {
		return nil, d.authenticate(ctx)
	})

	return err
}

func (d *Driver) authenticate(ctx context.Context) error {
	flow, err := callback.NewFlow(d.provider.Redirect(), d.settings.CallbackTimeout)
	if err != nil {
		return &Error{Provider: d.provider.Name, Op: "authenticate", Err: err}
	}

	logger := d.logger.With(slog.String("flow_id", flow.ID))
	logger.Info("starting authorization flow")

	res, redirectURL, err := d.authorizer.Authorize(ctx, flow, func(redirectURL string) string {
		return d.exchanger.AuthCodeURL(flow.State, redirectURL)
	})
	if err != nil {
		logger.Warn("authorization failed", slog.String("error", err.Error()))
		return &Error{Provider: d.provider.Name, Op: "authenticate", Err: mapAuthorizeError(err)}
	}

	if subtle.ConstantTimeCompare([]byte(res.State), []byte(flow.State)) != 1 {
		logger.Warn("rejecting callback with mismatched state")
		return &Error{Provider: d.provider.Name, Op: "authenticate", Err: ErrStateMismatch}
	}

	if res.Code == "" {
		return &Error{Provider: d.provider.Name, Op: "authenticate", Message: "callback carried no code", Err: ErrTokenExchangeFailed}
	}

	resp, err := d.exchanger.Exchange(ctx, res.Code, redirectURL)
	if err != nil {
		logger.Warn("code exchange failed", slog.String("error", err.Error()))
		return err
	}

	tok := credstore.Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
	}

	// Without a refresh token there is nothing to extend the window with.
	if tok.Refreshable() {
		tok.SlidingWindowExpiresAt = d.store.Now().Add(d.settings.ValidityWindow)
	}

	saved := d.persist(tok)
	d.proactive.Store(false)

	logger.Info("authorization complete",
		slog.Time("standard_expiry", saved.StandardExpiry()),
		slog.Bool("refreshable", saved.Refreshable()),
	)
	d.record(ctx, ledger.KindAuthenticated, "")

	return nil
}

// Logout forgets the stored token.
func (d *Driver) Logout(ctx context.Context) error {
	if err := d.store.Clear(); err != nil {
		return &Error{Provider: d.provider.Name, Op: "logout", Err: err}
	}

	d.proactive.Store(false)
	d.record(ctx, ledger.KindCleared, "")

	return nil
}

// record writes an event when a recorder is attached. Failures are logged.
func (d *Driver) record(ctx context.Context, kind ledger.Kind, detail string) {
	if d.recorder == nil {
		return
	}

	ev := ledger.Event{Provider: d.provider.Name, Kind: kind, At: d.store.Now(), Detail: detail}
	if err := d.recorder.Record(context.WithoutCancel(ctx), ev); err != nil {
		d.logger.Warn("failed to record auth event",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}
