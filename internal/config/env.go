package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/subosito/gotenv"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Environment variable names for overrides.
const (
	EnvConfig             = "HEALTHAUTH_CONFIG"
	EnvTokenDir           = "HEALTHAUTH_TOKEN_DIR"
	EnvLedger             = "HEALTHAUTH_LEDGER"
	EnvValidityDays       = "TOKEN_VALIDITY_DAYS"
	EnvRefreshBufferHours = "TOKEN_REFRESH_BUFFER_HOURS"
)

// Per-provider credential variables are {PREFIX}_CLIENT_ID and
// {PREFIX}_CLIENT_SECRET, where PREFIX comes from ProviderEnvPrefix.
const (
	envClientIDSuffix     = "_CLIENT_ID"
	envClientSecretSuffix = "_CLIENT_SECRET"
)

// DotEnvFile is the file LoadDotEnv reads from the working directory.
const DotEnvFile = ".env"

// EnvOverrides holds values derived from environment variables.
// These are resolved by ReadEnvOverrides and applied by Resolve.
type EnvOverrides struct {
	ConfigPath         string // HEALTHAUTH_CONFIG: override config file path
	TokenDir           string // HEALTHAUTH_TOKEN_DIR: token directory override
	LedgerPath         string // HEALTHAUTH_LEDGER: event ledger path
	ValidityDays       string // TOKEN_VALIDITY_DAYS
	RefreshBufferHours string // TOKEN_REFRESH_BUFFER_HOURS

	// Getenv looks up provider credentials. Nil means os.Getenv.
	Getenv func(key string) string
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:         os.Getenv(EnvConfig),
		TokenDir:           os.Getenv(EnvTokenDir),
		LedgerPath:         os.Getenv(EnvLedger),
		ValidityDays:       os.Getenv(EnvValidityDays),
		RefreshBufferHours: os.Getenv(EnvRefreshBufferHours),
		Getenv:             os.Getenv,
	}
}

func (e EnvOverrides) lookup(key string) string {
	if e.Getenv == nil {
		return os.Getenv(key)
	}

	return e.Getenv(key)
}

// ProviderCredentials returns the client id and secret set in the
// environment for the named provider.
func (e EnvOverrides) ProviderCredentials(name string) (clientID, clientSecret string) {
	prefix := ProviderEnvPrefix(name)

	return e.lookup(prefix + envClientIDSuffix), e.lookup(prefix + envClientSecretSuffix)
}

// ProviderEnvPrefix maps a provider name to its environment variable
// prefix: "whoop" -> "WHOOP", "my-ring" -> "MY_RING".
func ProviderEnvPrefix(name string) string {
	// Casers carry state and are not shared between goroutines.
	upper := cases.Upper(language.Und).String(name)

	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, upper)
}

// CredentialVars names the variables consulted for a provider's credentials.
func CredentialVars(name string) (idVar, secretVar string) {
	prefix := ProviderEnvPrefix(name)
	return prefix + envClientIDSuffix, prefix + envClientSecretSuffix
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	return nil
}
