// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for healthauth. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
// Provider sections ([provider.NAME]) overlay the built-in catalog field by
// field, or define new providers outright.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	LogLevel   string `toml:"log_level"`
	TokenDir   string `toml:"token_dir"`
	LedgerPath string `toml:"ledger_path"`

	ValidityDays       int    `toml:"validity_days"`
	RefreshBufferHours int    `toml:"refresh_buffer_hours"`
	ProactiveBuffer    string `toml:"proactive_buffer"`

	CallbackPort      int    `toml:"callback_port"`
	CallbackPortRange int    `toml:"callback_port_range"`
	CallbackTimeout   string `toml:"callback_timeout"`

	MaxRetries  int    `toml:"max_retries"`
	AuthRetries int    `toml:"auth_retries"`
	HTTPTimeout string `toml:"http_timeout"`

	Providers map[string]ProviderConfig `toml:"provider"`
}

// ProviderConfig is one [provider.NAME] section. Empty fields keep the
// built-in value when NAME is a built-in provider.
type ProviderConfig struct {
	Family         string   `toml:"family"`
	Classifier     string   `toml:"classifier"`
	AuthURL        string   `toml:"auth_url"`
	TokenURL       string   `toml:"token_url"`
	BaseURL        string   `toml:"base_url"`
	Scopes         []string `toml:"scopes"`
	ScopeSeparator string   `toml:"scope_separator"`
	RedirectPath   string   `toml:"redirect_path"`
	TokenFile      string   `toml:"token_file"`
	ClientID       string   `toml:"client_id"`
	ClientSecret   string   `toml:"client_secret"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value": --callback-port=0 asks for an
// ephemeral port, which is different from not passing the flag.
type CLIOverrides struct {
	ConfigPath   string  // --config flag (empty = use default)
	TokenDir     string  // --token-dir flag
	LogLevel     string  // derived from --verbose / --quiet
	CallbackPort *int    // --callback-port flag
	LedgerPath   *string // --ledger flag; empty string disables the ledger
}
