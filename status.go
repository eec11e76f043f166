package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/ledger"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/provider"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/session"
)

// Token state constants for status reporting.
const (
	tokenStateMissing = "missing"
	tokenStateExpired = "expired"
	tokenStateValid   = "valid"
	tokenStateWindow  = "valid (window)"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [provider...]",
		Short: "Show token status for providers",
		Long: `Display the stored token state of every provider, or of the named ones.

Shows whether a token exists, when it expires, how long its renewable
window lasts, and whether it is due for refresh. Never contacts a provider
and never prints token material.`,
		RunE: runStatus,
	}

	cmd.Flags().Int("history", 0, "also show the last N auth events per provider from the ledger")

	return cmd
}

// statusProvider is the JSON schema for one entry of `status --json`.
type statusProvider struct {
	session.Status
	TokenState   string        `json:"token_state"`
	Credentials  bool          `json:"credentials_configured"`
	KeepalivePID int           `json:"keepalive_pid,omitempty"`
	History      []statusEvent `json:"history,omitempty"`
}

type statusEvent struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	history, err := cmd.Flags().GetInt("history")
	if err != nil {
		return err
	}

	names := args
	if len(names) == 0 {
		names = cc.Cfg.Catalog.Names()
	}

	var led *ledger.Ledger
	if history > 0 {
		led = cc.openLedger(ctx)
		if led == nil {
			cc.Statusf("Auth event ledger is disabled; set ledger_path or --ledger to record history.\n")
		} else {
			defer led.Close()
		}
	}

	out := make([]statusProvider, 0, len(names))

	for _, name := range names {
		p, err := cc.Cfg.Catalog.Lookup(name)
		if err != nil {
			return err
		}

		sp := cc.providerStatus(p)

		if led != nil {
			sp.History = loadHistory(ctx, led, p.Name, history, cc.Logger)
		}

		out = append(out, sp)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, out)
	}

	printStatusTable(cc, out)

	return nil
}

// providerStatus reads the token file without building a driver, so that
// providers without credentials are reported too.
func (cc *CLIContext) providerStatus(p provider.Provider) statusProvider {
	st := session.StatusOf(p.Name, cc.store(p), cc.settings(), false)

	sp := statusProvider{
		Status:      st,
		TokenState:  tokenState(st),
		Credentials: p.HasCredentials(),
	}

	if pid, ok := keepaliveRunning(keepalivePIDPath(p.Name)); ok {
		sp.KeepalivePID = pid
	}

	return sp
}

func tokenState(st session.Status) string {
	switch {
	case !st.HasToken:
		return tokenStateMissing
	case !st.Valid:
		return tokenStateExpired
	case st.StandardExpired:
		return tokenStateWindow
	default:
		return tokenStateValid
	}
}

func loadHistory(ctx context.Context, led *ledger.Ledger, name string, limit int, logger *slog.Logger) []statusEvent {
	events, err := led.Recent(ctx, name, limit)
	if err != nil {
		logger.Warn("reading auth history", slog.String("provider", name), slog.String("error", err.Error()))

		return nil
	}

	out := make([]statusEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, statusEvent{At: ev.At, Kind: string(ev.Kind), Detail: ev.Detail})
	}

	return out
}

func printStatusTable(cc *CLIContext, providers []statusProvider) {
	now := time.Now()
	headers := []string{"PROVIDER", "TOKEN", "EXPIRES IN", "WINDOW", "REFRESH DUE", "CREDENTIALS", "KEEPALIVE"}
	rows := make([][]string, 0, len(providers))

	for _, sp := range providers {
		keepalive := "-"
		if sp.KeepalivePID != 0 {
			keepalive = "pid " + strconv.Itoa(sp.KeepalivePID)
		}

		window := "-"
		if !sp.SlidingWindowExpiresAt.IsZero() {
			window = fmt.Sprintf("%dd left", sp.DaysRemaining)
		}

		rows = append(rows, []string{
			sp.Provider,
			sp.TokenState,
			formatRemaining(sp.StandardExpiry, now),
			window,
			yesNo(sp.DueForRefresh),
			yesNo(sp.Credentials),
			keepalive,
		})
	}

	printTable(cc.Out, headers, rows)

	for _, sp := range providers {
		if len(sp.History) == 0 {
			continue
		}

		fmt.Fprintf(cc.Out, "\n%s history:\n", sp.Provider)

		for _, ev := range sp.History {
			line := fmt.Sprintf("  %s  %s", formatTime(ev.At), ev.Kind)
			if ev.Detail != "" {
				line += "  " + ev.Detail
			}

			fmt.Fprintln(cc.Out, line)
		}
	}
}
