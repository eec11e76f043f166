package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/ledger"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/session"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <provider>",
		Short: "Authorize with a provider in the browser",
		Long: `Run the OAuth2 authorization code flow for a provider.

A local callback listener is started, the authorization URL is printed and
opened in the browser, and the tokens returned by the provider are saved to
the provider's token file.`,
		Args: cobra.ExactArgs(1),
		RunE: runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <provider>",
		Short: "Remove the saved token for a provider",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogout,
	}
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <provider>",
		Short: "Print a valid access token, refreshing it if needed",
		Long: `Print a valid access token for use by other tools, for example:

  curl -H "Authorization: Bearer $(healthauth token whoop)" ...

An expired token is refreshed first. When no refresh is possible the browser
login flow runs, unless --no-login is given.`,
		Args: cobra.ExactArgs(1),
		RunE: runToken,
	}

	cmd.Flags().Bool("no-login", false, "fail instead of starting the browser login flow")

	return cmd
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <provider>",
		Short: "Refresh the stored token now",
		Long: `Exchange the stored refresh token for a new access token.

If a keepalive process is running for the provider, it is signaled to
refresh instead, so that only one process talks to the token endpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: runRefresh,
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	sess, err := cc.newSession(ctx, args[0], sessionOptions{interactive: true})
	if err != nil {
		return err
	}
	defer sess.Close()

	name := sess.driver.Provider().Name
	cc.Logger.Info("login started", slog.String("provider", name))

	if err := sess.driver.Authenticate(ctx); err != nil {
		return err
	}

	st := sess.driver.Status()

	cc.Logger.Info("login successful", slog.String("provider", name))

	if cc.Flags.JSON {
		return printJSON(cc.Out, st)
	}

	cc.Statusf("Logged in to %s.\n", name)

	if st.Refreshable {
		cc.Statusf("Token valid until %s (renewable through %s).\n",
			formatTime(st.StandardExpiry), formatTime(st.SlidingWindowExpiresAt))
	} else {
		cc.Statusf("Token valid until %s. The provider issued no refresh token.\n",
			formatTime(st.StandardExpiry))
	}

	return nil
}

// runLogout clears the token file. Credentials are not required: a token
// can be forgotten even after the client secret has been removed.
func runLogout(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	p, err := cc.Cfg.Catalog.Lookup(args[0])
	if err != nil {
		return err
	}

	if p.HasCredentials() {
		sess, err := cc.newSession(ctx, p.Name, sessionOptions{})
		if err != nil {
			return err
		}
		defer sess.Close()

		if err := sess.driver.Logout(ctx); err != nil {
			return err
		}
	} else {
		store := cc.store(p)
		if err := store.Clear(); err != nil {
			return fmt.Errorf("%s: clearing token: %w", p.Name, err)
		}

		if led := cc.openLedger(ctx); led != nil {
			defer led.Close()

			ev := ledger.Event{Provider: p.Name, Kind: ledger.KindCleared, At: store.Now()}
			if err := led.Record(ctx, ev); err != nil {
				cc.Logger.Warn("failed to record auth event", slog.String("error", err.Error()))
			}
		}
	}

	cc.Logger.Info("logout successful", slog.String("provider", p.Name))
	cc.Statusf("Logged out of %s.\n", p.Name)

	return nil
}

// tokenOutput is the JSON schema for `token --json`. The refresh token is
// never printed.
type tokenOutput struct {
	Provider    string    `json:"provider"`
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func runToken(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	noLogin, err := cmd.Flags().GetBool("no-login")
	if err != nil {
		return err
	}

	sess, err := cc.newSession(ctx, args[0], sessionOptions{interactive: !noLogin})
	if err != nil {
		return err
	}
	defer sess.Close()

	tok, err := sess.driver.Token(ctx)
	if err != nil {
		return err
	}

	// Hand out a token that will last; the caller's requests bypass Execute.
	if sess.driver.ProactiveRefreshPending() {
		if sess.driver.Refresh(ctx) {
			if fresh, ok := sess.store.Current(); ok {
				tok = fresh
			}
		}
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, tokenOutput{
			Provider:    sess.driver.Provider().Name,
			AccessToken: tok.AccessToken,
			TokenType:   tok.Type(),
			ExpiresAt:   tok.StandardExpiry(),
		})
	}

	fmt.Fprintln(cc.Out, tok.AccessToken)

	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	p, err := cc.Cfg.Catalog.Lookup(args[0])
	if err != nil {
		return err
	}

	pid, sigErr := signalKeepalive(p.Name, keepalivePIDPath(p.Name))
	if sigErr == nil {
		cc.Statusf("Asked the keepalive process for %s (PID %d) to refresh.\n", p.Name, pid)

		return nil
	}

	if !errors.Is(sigErr, errNoKeepalive) {
		cc.Logger.Debug("keepalive not reachable, refreshing here", slog.String("error", sigErr.Error()))
	}

	sess, err := cc.newSession(ctx, p.Name, sessionOptions{})
	if err != nil {
		return err
	}
	defer sess.Close()

	if _, ok := sess.store.Current(); !ok {
		return fmt.Errorf("%s: no stored token: %w", p.Name, errLoginRequired)
	}

	if !sess.driver.Refresh(ctx) {
		st := sess.driver.Status()
		if !st.Refreshable {
			return fmt.Errorf("%s: stored token has no refresh token: %w", p.Name, errLoginRequired)
		}

		return fmt.Errorf("%s: %w (see log for details)", p.Name, session.ErrRefreshFailed)
	}

	st := sess.driver.Status()

	if cc.Flags.JSON {
		return printJSON(cc.Out, st)
	}

	cc.Statusf("Refreshed %s. Token valid until %s.\n", p.Name, formatTime(st.StandardExpiry))

	return nil
}
