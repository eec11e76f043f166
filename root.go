package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/config"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/credstore"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath   string
	flagTokenDir     string
	flagLedger       string
	flagCallbackPort int
	flagJSON         bool
	flagVerbose      bool
	flagDebug        bool
	flagQuiet        bool
	flagNoBrowser    bool
)

// skipConfigAnnotation marks commands that run without a resolved config.
const skipConfigAnnotation = "skipConfig"

// CLIFlags is a snapshot of the persistent flags taken in PersistentPreRunE.
type CLIFlags struct {
	JSON      bool
	Verbose   bool
	Debug     bool
	Quiet     bool
	NoBrowser bool
}

// CLIContext carries everything a subcommand needs. It is built once per
// invocation and stored in the command's context.
type CLIContext struct {
	Flags    CLIFlags
	Logger   *slog.Logger
	Cfg      *config.Resolved
	Registry *credstore.Registry
	Out      io.Writer
	ErrOut   io.Writer
}

type cliContextKey struct{}

// cliContextFrom returns the CLIContext stored by PersistentPreRunE, or nil.
func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)

	return cc
}

// mustCLIContext returns the CLIContext or panics. Only commands that do not
// carry skipConfigAnnotation may call it.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not initialized by PersistentPreRunE")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "healthauth",
		Short: "OAuth2 sessions for health data APIs",
		Long: "Manage OAuth2 credentials for WHOOP, Oura, Withings and other health\n" +
			"data providers, and make authenticated API calls with automatic refresh.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagTokenDir, "token-dir", "", "directory holding token files")
	cmd.PersistentFlags().StringVar(&flagLedger, "ledger", "",
		`auth event ledger path ("default" for the data directory, empty to disable)`)
	cmd.PersistentFlags().IntVar(&flagCallbackPort, "callback-port", 0, "first port tried for the OAuth callback listener")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable info logging")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.PersistentFlags().BoolVar(&flagNoBrowser, "no-browser", false, "print the authorization URL without opening a browser")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newCallCmd())
	cmd.AddCommand(newProvidersCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newKeepaliveCmd())

	return cmd
}

// loadConfig reads .env, resolves the effective configuration from the
// four-layer override chain and stores a CLIContext in the command context.
func loadConfig(cmd *cobra.Command) error {
	boot := bootstrapLogger()

	if err := config.LoadDotEnv(config.DotEnvFile); err != nil {
		boot.Warn("ignoring unreadable .env file", slog.String("error", err.Error()))
	}

	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		TokenDir:   flagTokenDir,
	}

	// Only pass flags the user explicitly set, so lower layers still apply.
	if cmd.Flags().Changed("callback-port") {
		port := flagCallbackPort
		cli.CallbackPort = &port
	}

	if cmd.Flags().Changed("ledger") {
		ledgerPath := flagLedger
		cli.LedgerPath = &ledgerPath
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(resolved)

	cc := &CLIContext{
		Flags: CLIFlags{
			JSON:      flagJSON,
			Verbose:   flagVerbose,
			Debug:     flagDebug,
			Quiet:     flagQuiet,
			NoBrowser: flagNoBrowser,
		},
		Logger:   logger,
		Cfg:      resolved,
		Registry: credstore.NewRegistry(credstore.WithLogger(logger)),
		Out:      cmd.OutOrStdout(),
		ErrOut:   cmd.ErrOrStderr(),
	}

	logger.Debug("config resolved",
		slog.String("config_path", resolved.ConfigPath),
		slog.String("token_dir", resolved.TokenDir),
		slog.String("ledger_path", resolved.LedgerPath),
	)

	cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

	return nil
}

// bootstrapLogger is used before the config is resolved. Default level is
// Warn so that config loading stays silent unless asked.
func bootstrapLogger() *slog.Logger {
	level := slog.LevelWarn

	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose, --debug
// and --quiet override it because CLI flags always win.
func buildLogger(cfg *config.Resolved) *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newHTTPClient returns the client shared by token exchange and API calls.
func (cc *CLIContext) newHTTPClient() *http.Client {
	return &http.Client{Timeout: cc.Cfg.HTTPTimeout}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	exitOnErrorCode(err, 1)
}

// exitOnErrorCode is exitOnError with a specific exit status.
func exitOnErrorCode(err error, code int) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(code)
}
