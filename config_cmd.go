package main

import (
	"github.com/spf13/cobra"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Long: `Display the configuration that results from defaults, the config file,
environment variables and command-line flags. Client secrets are shown only
as set or unset.`,
		Args: cobra.NoArgs,
		RunE: runConfigShow,
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print the default config file path",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(config.DefaultConfigPath() + "\n"))

			return err
		},
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		names := cc.Cfg.Catalog.Names()
		providers := make([]providerOutput, 0, len(names))

		for _, name := range names {
			p, err := cc.Cfg.Catalog.Lookup(name)
			if err != nil {
				return err
			}

			providers = append(providers, describeProvider(cc.Cfg, p))
		}

		return printJSON(cc.Out, configOutput{
			ConfigPath:         cc.Cfg.ConfigPath,
			LogLevel:           cc.Cfg.LogLevel,
			TokenDir:           cc.Cfg.TokenDir,
			LedgerPath:         cc.Cfg.LedgerPath,
			ValidityWindow:     cc.Cfg.ValidityWindow.String(),
			TokenRefreshBuffer: cc.Cfg.TokenRefreshBuffer.String(),
			ProactiveBuffer:    cc.Cfg.ProactiveBuffer.String(),
			CallbackPort:       cc.Cfg.CallbackPort,
			CallbackPortRange:  cc.Cfg.CallbackPortRange,
			CallbackTimeout:    cc.Cfg.CallbackTimeout.String(),
			MaxRetries:         cc.Cfg.MaxRetries,
			AuthRetries:        cc.Cfg.AuthRetries,
			HTTPTimeout:        cc.Cfg.HTTPTimeout.String(),
			Providers:          providers,
		})
	}

	return config.RenderEffective(cc.Cfg, cc.Out)
}

// configOutput is the JSON schema for `config show --json`.
type configOutput struct {
	ConfigPath         string           `json:"config_path"`
	LogLevel           string           `json:"log_level"`
	TokenDir           string           `json:"token_dir"`
	LedgerPath         string           `json:"ledger_path"`
	ValidityWindow     string           `json:"validity_window"`
	TokenRefreshBuffer string           `json:"token_refresh_buffer"`
	ProactiveBuffer    string           `json:"proactive_buffer"`
	CallbackPort       int              `json:"callback_port"`
	CallbackPortRange  int              `json:"callback_port_range"`
	CallbackTimeout    string           `json:"callback_timeout"`
	MaxRetries         int              `json:"max_retries"`
	AuthRetries        int              `json:"auth_retries"`
	HTTPTimeout        string           `json:"http_timeout"`
	Providers          []providerOutput `json:"providers"`
}
