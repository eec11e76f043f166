package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/callback"
)

// Authorizer performs the interactive consent step of a flow: it obtains a
// redirect URL, sends the operator to the URL buildURL makes from it, and
// returns what the provider redirected back with.
type Authorizer interface {
	Authorize(ctx context.Context, flow callback.Flow, buildURL func(redirectURL string) string) (callback.Result, string, error)
}

// BrowserAuthorizer captures the redirect on a localhost listener and opens
// the operator's browser.
type BrowserAuthorizer struct {
	// Listen controls port selection. Path is taken from the flow.
	Listen callback.ListenConfig
	// OpenURL launches a browser. Nil or failing is not fatal: the URL is
	// always printed to Prompt.
	OpenURL func(string) error
	// Prompt receives the authorization URL. Defaults to os.Stderr.
	Prompt io.Writer
	Logger *slog.Logger
}

// Authorize implements Authorizer. The listener is closed on every exit
// path, including ctx cancellation.
func (b *BrowserAuthorizer) Authorize(
	ctx context.Context,
	flow callback.Flow,
	buildURL func(redirectURL string) string,
) (callback.Result, string, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := b.Listen
	cfg.Path = flow.RedirectPath
	cfg.Logger = logger

	l, err := callback.Listen(ctx, cfg)
	if err != nil {
		return callback.Result{}, "", err
	}
	defer l.Close()

	redirectURL := l.RedirectURL()
	authURL := buildURL(redirectURL)

	logger.Info("starting browser authorization",
		slog.String("flow_id", flow.ID),
		slog.String("redirect_url", redirectURL),
	)

	b.launchBrowser(authURL, logger)

	res, err := l.Await(ctx, flow.Timeout)

	return res, redirectURL, err
}

// launchBrowser prints the URL so it can be copied, then tries to open it.
func (b *BrowserAuthorizer) launchBrowser(authURL string, logger *slog.Logger) {
	prompt := b.Prompt
	if prompt == nil {
		prompt = os.Stderr
	}

	fmt.Fprintf(prompt, "Open this URL in your browser to authorize:\n%s\n", authURL)

	if b.OpenURL == nil {
		return
	}

	if err := b.OpenURL(authURL); err != nil {
		logger.Warn("failed to open browser", slog.String("error", err.Error()))
	}
}
