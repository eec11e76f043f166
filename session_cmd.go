package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/callback"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/config"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/credstore"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/ledger"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/provider"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/session"
)

// errLoginRequired is returned by non-interactive commands when only a new
// consent flow could produce a usable token.
var errLoginRequired = errors.New("login required: run 'healthauth login <provider>'")

// loginRefused is the Authorizer used with --no-login.
type loginRefused struct{}

func (loginRefused) Authorize(context.Context, callback.Flow, func(string) string) (callback.Result, string, error) {
	return callback.Result{}, "", errLoginRequired
}

// sessionOptions tunes newSession for one command.
type sessionOptions struct {
	// interactive allows the browser consent flow.
	interactive bool
}

// cliSession bundles a driver with the resources it holds.
type cliSession struct {
	driver *session.Driver
	store  *credstore.Store
	ledger *ledger.Ledger
}

// Close releases the ledger, if one was opened.
func (s *cliSession) Close() {
	if s.ledger != nil {
		s.ledger.Close()
	}
}

// settings maps the resolved config onto session settings.
func (cc *CLIContext) settings() session.Settings {
	s := session.DefaultSettings()
	s.ValidityWindow = cc.Cfg.ValidityWindow
	s.TokenRefreshBuffer = cc.Cfg.TokenRefreshBuffer
	s.ProactiveBuffer = cc.Cfg.ProactiveBuffer
	s.MaxRetries = cc.Cfg.MaxRetries
	s.AuthRetries = cc.Cfg.AuthRetries
	s.CallbackTimeout = cc.Cfg.CallbackTimeout

	return s
}

// store returns the credential store for a provider, first moving a token
// file left in the home directory by older releases into token_dir.
func (cc *CLIContext) store(p provider.Provider) *credstore.Store {
	st := cc.Registry.Store(cc.Cfg.TokenPath(p.Name))

	if _, err := st.AdoptLegacy(cc.Cfg.LegacyTokenPath(p.Name)); err != nil {
		cc.Logger.Warn("legacy token file not migrated",
			slog.String("provider", p.Name),
			slog.String("error", err.Error()),
		)
	}

	return st
}

// openLedger opens the auth event ledger, or returns nil when it is disabled.
// A ledger that cannot be opened is logged and skipped: sessions do not
// depend on it.
func (cc *CLIContext) openLedger(ctx context.Context) *ledger.Ledger {
	if cc.Cfg.LedgerPath == "" {
		return nil
	}

	l, err := ledger.Open(ctx, cc.Cfg.LedgerPath, cc.Logger)
	if err != nil {
		cc.Logger.Warn("auth event ledger unavailable",
			slog.String("path", cc.Cfg.LedgerPath),
			slog.String("error", err.Error()),
		)

		return nil
	}

	return l
}

// newSession builds a session driver for the named provider. The caller
// must Close the result.
func (cc *CLIContext) newSession(ctx context.Context, name string, opts sessionOptions) (*cliSession, error) {
	p, err := cc.Cfg.Catalog.Lookup(name)
	if err != nil {
		return nil, err
	}

	if !p.HasCredentials() {
		idVar, secretVar := config.CredentialVars(p.Name)

		return nil, fmt.Errorf("%s: client credentials not configured (set %s and %s): %w",
			p.Name, idVar, secretVar, session.ErrNoCredentials)
	}

	store := cc.store(p)

	var authorizer session.Authorizer = loginRefused{}
	if opts.interactive {
		authorizer = &session.BrowserAuthorizer{
			Listen: callback.ListenConfig{
				BasePort:  cc.Cfg.CallbackPort,
				PortRange: cc.Cfg.CallbackPortRange,
			},
			OpenURL: cc.browserOpener(),
			Prompt:  cc.ErrOut,
			Logger:  cc.Logger,
		}
	}

	driverOpts := []session.Option{
		session.WithSettings(cc.settings()),
		session.WithLogger(cc.Logger),
		session.WithHTTPClient(cc.newHTTPClient()),
		session.WithAuthorizer(authorizer),
	}

	led := cc.openLedger(ctx)
	if led != nil {
		driverOpts = append(driverOpts, session.WithRecorder(led))
	}

	d, err := session.New(p, store, driverOpts...)
	if err != nil {
		if led != nil {
			led.Close()
		}

		return nil, err
	}

	return &cliSession{driver: d, store: store, ledger: led}, nil
}

// keepalivePIDPath is where a keepalive daemon for name records its PID.
func keepalivePIDPath(name string) string {
	return filepath.Join(config.DefaultDataDir(), "keepalive-"+strings.ToLower(name)+".pid")
}
