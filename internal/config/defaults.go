package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultLogLevel           = "info"
	defaultTokenDir           = "~/.health_analyzer_tokens"
	defaultValidityDays       = 90
	defaultRefreshBufferHours = 24
	defaultProactiveBuffer    = "2h"
	defaultCallbackPort       = 8080
	defaultCallbackPortRange  = 10
	defaultCallbackTimeout    = "60s"
	defaultMaxRetries         = 3
	defaultAuthRetries        = 2
	defaultHTTPTimeout        = "60s"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:           defaultLogLevel,
		TokenDir:           defaultTokenDir,
		ValidityDays:       defaultValidityDays,
		RefreshBufferHours: defaultRefreshBufferHours,
		ProactiveBuffer:    defaultProactiveBuffer,
		CallbackPort:       defaultCallbackPort,
		CallbackPortRange:  defaultCallbackPortRange,
		CallbackTimeout:    defaultCallbackTimeout,
		MaxRetries:         defaultMaxRetries,
		AuthRetries:        defaultAuthRetries,
		HTTPTimeout:        defaultHTTPTimeout,
		Providers:          make(map[string]ProviderConfig),
	}
}
