package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// defaultKeepaliveInterval is how often a keepalive process checks the token.
const defaultKeepaliveInterval = 15 * time.Minute

// minKeepaliveInterval keeps the token endpoint from being polled.
const minKeepaliveInterval = time.Minute

// ledgerRetention is how long auth events survive a keepalive start.
const ledgerRetention = 180 * 24 * time.Hour

func newKeepaliveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keepalive <provider>",
		Short: "Keep a provider's token fresh in the background",
		Long: `Periodically check the stored token and refresh it before it or its
renewable window expires, so that batch jobs always find a valid token.

The token file is watched for changes made by other processes, such as a
login. Sending SIGHUP (or running 'healthauth refresh <provider>') forces an
immediate refresh. Never starts a browser login.`,
		Args: cobra.ExactArgs(1),
		RunE: runKeepalive,
	}

	cmd.Flags().Duration("interval", defaultKeepaliveInterval, "time between token checks")
	cmd.Flags().Bool("once", false, "run a single check and exit")

	return cmd
}

func runKeepalive(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	interval, err := cmd.Flags().GetDuration("interval")
	if err != nil {
		return err
	}

	if interval < minKeepaliveInterval {
		return fmt.Errorf("--interval must be at least %s, got %s", minKeepaliveInterval, interval)
	}

	once, err := cmd.Flags().GetBool("once")
	if err != nil {
		return err
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	sess, err := cc.newSession(ctx, args[0], sessionOptions{})
	if err != nil {
		return err
	}
	defer sess.Close()

	if once {
		return keepaliveCycle(ctx, cc, sess, false)
	}

	name := sess.driver.Provider().Name

	if !sess.driver.Status().HasToken {
		return fmt.Errorf("%s: no stored token: %w", name, errLoginRequired)
	}

	lock, err := acquireKeepalive(name, keepalivePIDPath(name))
	if err != nil {
		return err
	}
	defer lock.Release()

	pruneLedger(ctx, cc, sess)

	cc.Logger.Info("keepalive started",
		slog.String("provider", name),
		slog.Duration("interval", interval),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sess.store.Watch(gctx)
	})

	g.Go(func() error {
		return keepaliveLoop(gctx, cc, sess, interval)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	cc.Logger.Info("keepalive stopped", slog.String("provider", name))

	return nil
}

// pruneLedger drops auth events older than ledgerRetention. Failures are
// logged only.
func pruneLedger(ctx context.Context, cc *CLIContext, sess *cliSession) {
	if sess.ledger == nil {
		return
	}

	n, err := sess.ledger.Prune(ctx, time.Now().Add(-ledgerRetention))
	if err != nil {
		cc.Logger.Warn("pruning auth event ledger", slog.String("error", err.Error()))

		return
	}

	if n > 0 {
		cc.Logger.Info("pruned auth event ledger", slog.Int64("events", n))
	}
}

// keepaliveLoop runs a cycle at startup, on every tick, and on SIGHUP.
// Cycle failures are logged and retried on the next tick.
func keepaliveLoop(ctx context.Context, cc *CLIContext, sess *cliSession, interval time.Duration) error {
	hup, stop := refreshSignals()
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	force := false

	for {
		if err := keepaliveCycle(ctx, cc, sess, force); err != nil {
			cc.Logger.Warn("keepalive check failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			force = false
		case <-hup:
			cc.Logger.Info("refresh requested by signal")
			force = true
		}
	}
}

// keepaliveCycle refreshes the token when forced, or when handing it out
// marked it for proactive refresh: the access token has run out inside its
// renewable window, or the window itself is about to close.
func keepaliveCycle(ctx context.Context, cc *CLIContext, sess *cliSession, force bool) error {
	st := sess.driver.Status()
	if !st.HasToken {
		return fmt.Errorf("%s: no stored token: %w", st.Provider, errLoginRequired)
	}

	if !force {
		// Token applies the same expiry policy a request would.
		if _, err := sess.driver.Token(ctx); err != nil {
			return err
		}

		if !sess.driver.ProactiveRefreshPending() {
			cc.Logger.Debug("token fresh", slog.String("provider", st.Provider))

			return nil
		}
	}

	if !st.Refreshable {
		return fmt.Errorf("%s: token cannot be refreshed: %w", st.Provider, errLoginRequired)
	}

	if !sess.driver.Refresh(ctx) {
		return fmt.Errorf("%s: refresh failed", st.Provider)
	}

	after := sess.driver.Status()
	cc.Logger.Info("token refreshed",
		slog.String("provider", after.Provider),
		slog.Time("standard_expiry", after.StandardExpiry),
		slog.Int("days_remaining", after.DaysRemaining),
	)

	return nil
}
