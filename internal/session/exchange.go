package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/classify"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/provider"
)

// TokenResponse is what a token endpoint granted.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
}

// Exchanger speaks one token-endpoint dialect.
type Exchanger interface {
	// AuthCodeURL builds the consent URL for state and redirectURL.
	AuthCodeURL(state, redirectURL string) string
	// Exchange trades an authorization code for tokens.
	Exchange(ctx context.Context, code, redirectURL string) (TokenResponse, error)
	// Refresh trades a refresh token for new tokens.
	Refresh(ctx context.Context, refreshToken string) (TokenResponse, error)
}

// NewExchanger returns the exchanger for the provider's family.
func NewExchanger(p provider.Provider, client *http.Client) Exchanger {
	if client == nil {
		client = http.DefaultClient
	}

	if p.Family == provider.FamilyWithings {
		return &WithingsExchanger{provider: p, client: client}
	}

	return &StandardExchanger{provider: p, client: client}
}

// oauthConfig builds an oauth2.Config that posts client credentials in the
// form body. Scopes are left empty so the scope parameter can use the
// provider's own separator.
func oauthConfig(p provider.Provider, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func authCodeURL(p provider.Provider, state, redirectURL string) string {
	var opts []oauth2.AuthCodeOption
	if scope := p.Scope(); scope != "" {
		opts = append(opts, oauth2.SetAuthURLParam("scope", scope))
	}

	return oauthConfig(p, redirectURL).AuthCodeURL(state, opts...)
}

// StandardExchanger implements RFC 6749 token requests with x/oauth2.
type StandardExchanger struct {
	provider provider.Provider
	client   *http.Client
}

// AuthCodeURL implements Exchanger.
func (e *StandardExchanger) AuthCodeURL(state, redirectURL string) string {
	return authCodeURL(e.provider, state, redirectURL)
}

// Exchange implements Exchanger.
func (e *StandardExchanger) Exchange(ctx context.Context, code, redirectURL string) (TokenResponse, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)

	tok, err := oauthConfig(e.provider, redirectURL).Exchange(ctx, code)
	if err != nil {
		return TokenResponse{}, e.wrap("exchange", err)
	}

	return e.convert("exchange", tok)
}

// Refresh implements Exchanger. A reply without a new refresh token keeps
// the old one.
func (e *StandardExchanger) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)

	src := oauthConfig(e.provider, "").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return TokenResponse{}, e.wrap("refresh", err)
	}

	return e.convert("refresh", tok)
}

func (e *StandardExchanger) convert(op string, tok *oauth2.Token) (TokenResponse, error) {
	expiresIn := time.Duration(tok.ExpiresIn) * time.Second
	if expiresIn <= 0 && !tok.Expiry.IsZero() {
		// x/oauth2 stamps Expiry from the wall clock for form-encoded replies.
		expiresIn = time.Until(tok.Expiry).Round(time.Second)
	}

	if tok.AccessToken == "" || expiresIn <= 0 {
		return TokenResponse{}, &Error{
			Provider: e.provider.Name,
			Op:       op,
			Message:  "token response missing access_token or expires_in",
			Err:      ErrTokenExchangeFailed,
		}
	}

	return TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    expiresIn,
	}, nil
}

func (e *StandardExchanger) wrap(op string, err error) error {
	out := &Error{Provider: e.provider.Name, Op: op, Err: ErrTokenExchangeFailed}

	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		if rErr.Response != nil {
			out.StatusCode = rErr.Response.StatusCode
		}

		switch {
		case rErr.ErrorDescription != "":
			out.Message = rErr.ErrorCode + ": " + rErr.ErrorDescription
		case rErr.ErrorCode != "":
			out.Message = rErr.ErrorCode
		default:
			out.Message = strings.TrimSpace(string(rErr.Body))
		}

		return out
	}

	out.Err = fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err)

	return out
}

// WithingsExchanger posts action=requesttoken and unwraps the
// {"status", "body", "error"} envelope.
type WithingsExchanger struct {
	provider provider.Provider
	client   *http.Client
}

type withingsEnvelope struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Body   struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	} `json:"body"`
}

// AuthCodeURL implements Exchanger.
func (e *WithingsExchanger) AuthCodeURL(state, redirectURL string) string {
	return authCodeURL(e.provider, state, redirectURL)
}

// Exchange implements Exchanger.
func (e *WithingsExchanger) Exchange(ctx context.Context, code, redirectURL string) (TokenResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURL},
	}

	return e.post(ctx, "exchange", form)
}

// Refresh implements Exchanger.
func (e *WithingsExchanger) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	resp, err := e.post(ctx, "refresh", form)
	if err != nil {
		return TokenResponse{}, err
	}

	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}

	return resp, nil
}

func (e *WithingsExchanger) post(ctx context.Context, op string, form url.Values) (TokenResponse, error) {
	form.Set("action", "requesttoken")
	form.Set("client_id", e.provider.ClientID)
	form.Set("client_secret", e.provider.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.provider.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("session: creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	r := classify.FromHTTP(e.client.Do(req))

	fail := func(status int, msg string) error {
		return &Error{Provider: e.provider.Name, Op: op, StatusCode: status, Message: msg, Err: ErrTokenExchangeFailed}
	}

	if r.Err != nil {
		return TokenResponse{}, &Error{
			Provider: e.provider.Name,
			Op:       op,
			Err:      fmt.Errorf("%w: %w", ErrTokenExchangeFailed, r.Err),
		}
	}

	if !r.Success() {
		return TokenResponse{}, fail(r.StatusCode, classify.Withings().Message(r))
	}

	var env withingsEnvelope
	if err := json.Unmarshal(r.Body, &env); err != nil {
		return TokenResponse{}, fail(r.StatusCode, "malformed token response: "+err.Error())
	}

	if env.Status != 0 {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("api status %d", env.Status)
		}

		return TokenResponse{}, fail(r.StatusCode, msg)
	}

	if env.Body.AccessToken == "" || env.Body.ExpiresIn <= 0 {
		return TokenResponse{}, fail(r.StatusCode, "token response missing access_token or expires_in")
	}

	return TokenResponse{
		AccessToken:  env.Body.AccessToken,
		RefreshToken: env.Body.RefreshToken,
		TokenType:    env.Body.TokenType,
		ExpiresIn:    time.Duration(env.Body.ExpiresIn) * time.Second,
	}, nil
}
