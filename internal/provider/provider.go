// Package provider describes the OAuth2 health APIs a session can talk to:
// endpoints, scopes, exchange family and error classifier.
package provider

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/classify"
)

// Family selects the token-endpoint dialect and default classifier.
type Family string

// Known families.
const (
	// FamilyStandard is RFC 6749 form posts with JSON token replies.
	FamilyStandard Family = "standard"
	// FamilyWithings adds action=requesttoken and wraps replies in
	// {"status", "body", "error"}.
	FamilyWithings Family = "withings"
)

// DefaultRedirectPath is the callback path registered with every provider.
const DefaultRedirectPath = "/callback"

// Provider is one configured OAuth2 API.
type Provider struct {
	Name     string
	Family   Family
	AuthURL  string
	TokenURL string
	BaseURL  string
	Scopes   []string
	// ScopeSeparator joins Scopes in the authorization URL. Default " ".
	ScopeSeparator string
	RedirectPath   string
	ClientID       string
	ClientSecret   string
	// Classifier names a classify family; empty follows Family.
	Classifier string
}

// Sentinel errors for provider validation.
var (
	ErrUnknownProvider = errors.New("provider: unknown provider")
	ErrInvalidProvider = errors.New("provider: invalid definition")
)

// Scope returns the scope parameter value.
func (p Provider) Scope() string {
	sep := p.ScopeSeparator
	if sep == "" {
		sep = " "
	}

	return strings.Join(p.Scopes, sep)
}

// Redirect returns the callback path, defaulting to /callback.
func (p Provider) Redirect() string {
	if p.RedirectPath == "" {
		return DefaultRedirectPath
	}

	return p.RedirectPath
}

// HasCredentials reports whether both client id and secret are set.
func (p Provider) HasCredentials() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// NewClassifier builds the error classifier for this provider.
func (p Provider) NewClassifier() (classify.Classifier, error) {
	name := p.Classifier
	if name == "" {
		switch p.Family {
		case FamilyWithings:
			name = classify.FamilyWithings
		default:
			name = classify.FamilyStandard
		}
	}

	return classify.ByName(name)
}

// Validate checks the endpoint definition. Credentials are checked by the
// session so that status and listing commands work without them.
func (p Provider) Validate() error {
	var errs []error

	if p.Name == "" {
		errs = append(errs, errors.New("name is empty"))
	}

	switch p.Family {
	case FamilyStandard, FamilyWithings:
	default:
		errs = append(errs, fmt.Errorf("unknown family %q (want %q or %q)", p.Family, FamilyStandard, FamilyWithings))
	}

	if p.AuthURL == "" {
		errs = append(errs, errors.New("auth_url is empty"))
	}

	if p.TokenURL == "" {
		errs = append(errs, errors.New("token_url is empty"))
	}

	if p.RedirectPath != "" && !strings.HasPrefix(p.RedirectPath, "/") {
		errs = append(errs, fmt.Errorf("redirect_path %q must start with /", p.RedirectPath))
	}

	if _, err := p.NewClassifier(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %w", ErrInvalidProvider, p.Name, errors.Join(errs...))
	}

	return nil
}

// Builtins returns fresh copies of the providers known without config.
func Builtins() map[string]Provider {
	return map[string]Provider{
		"whoop": {
			Name:     "whoop",
			Family:   FamilyStandard,
			AuthURL:  "https://api.prod.whoop.com/oauth/oauth2/auth",
			TokenURL: "https://api.prod.whoop.com/oauth/oauth2/token",
			BaseURL:  "https://api.prod.whoop.com/developer",
			Scopes: []string{
				"read:recovery", "read:cycles", "read:sleep",
				"read:workout", "read:profile", "offline",
			},
		},
		"withings": {
			Name:           "withings",
			Family:         FamilyWithings,
			AuthURL:        "https://account.withings.com/oauth2_user/authorize2",
			TokenURL:       "https://wbsapi.withings.net/v2/oauth2",
			BaseURL:        "https://wbsapi.withings.net",
			Scopes:         []string{"user.metrics", "user.activity", "user.sleepevents"},
			ScopeSeparator: ",",
		},
		"oura": {
			Name:     "oura",
			Family:   FamilyStandard,
			AuthURL:  "https://cloud.ouraring.com/oauth/authorize",
			TokenURL: "https://api.ouraring.com/oauth/token",
			BaseURL:  "https://api.ouraring.com/v2",
			Scopes:   []string{"personal", "daily", "heartrate", "workout", "session"},
		},
	}
}

// Catalog is a named set of providers.
type Catalog struct {
	providers map[string]Provider
}

// NewCatalog seeds a catalog with the built-ins.
func NewCatalog() *Catalog {
	return &Catalog{providers: Builtins()}
}

// Put adds or replaces a provider after validating it.
func (c *Catalog) Put(p Provider) error {
	p.Name = strings.ToLower(p.Name)
	if err := p.Validate(); err != nil {
		return err
	}

	c.providers[p.Name] = p

	return nil
}

// Lookup returns the provider by case-insensitive name.
func (c *Catalog) Lookup(name string) (Provider, error) {
	p, ok := c.providers[strings.ToLower(name)]
	if !ok {
		return Provider{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownProvider, name, strings.Join(c.Names(), ", "))
	}

	return p, nil
}

// Update applies fn to a stored provider, e.g. to attach credentials.
func (c *Catalog) Update(name string, fn func(*Provider)) {
	key := strings.ToLower(name)
	if p, ok := c.providers[key]; ok {
		fn(&p)
		c.providers[key] = p
	}
}

// Names returns provider names in sorted order.
func (c *Catalog) Names() []string {
	return slices.Sorted(maps.Keys(c.providers))
}
