package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/provider"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

// mapEnv returns an EnvOverrides whose credential lookups read vars.
func mapEnv(vars map[string]string) EnvOverrides {
	return EnvOverrides{Getenv: func(k string) string { return vars[k] }}
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
log_level = "debug"
token_dir = "/var/lib/healthauth/tokens"
ledger_path = "/var/lib/healthauth/events.db"
validity_days = 30
refresh_buffer_hours = 12
proactive_buffer = "90m"
callback_port = 9090
callback_port_range = 5
callback_timeout = "2m"
max_retries = 5
auth_retries = 1
http_timeout = "15s"

[provider.whoop]
scopes = ["read:recovery", "offline"]
token_file = "/tmp/whoop.json"

[provider.polar]
auth_url = "https://flow.polar.com/oauth2/authorization"
token_url = "https://polarremote.com/v2/oauth2/token"
base_url = "https://www.polaraccesslink.com/v3"
scopes = ["accesslink.read_all"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30, cfg.ValidityDays)
	assert.Equal(t, 12, cfg.RefreshBufferHours)
	assert.Equal(t, "90m", cfg.ProactiveBuffer)
	assert.Equal(t, 9090, cfg.CallbackPort)
	assert.Equal(t, 5, cfg.CallbackPortRange)
	assert.Equal(t, 1, cfg.AuthRetries)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, []string{"read:recovery", "offline"}, cfg.Providers["whoop"].Scopes)
	assert.Equal(t, "https://www.polaraccesslink.com/v3", cfg.Providers["polar"].BaseURL)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeTestConfig(t, `validity_days = 7`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ValidityDays)
	assert.Equal(t, defaultRefreshBufferHours, cfg.RefreshBufferHours)
	assert.Equal(t, defaultCallbackPort, cfg.CallbackPort)
	assert.Equal(t, defaultTokenDir, cfg.TokenDir)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTestConfig(t, `validity_days = `)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationCollectsAllErrors(t *testing.T) {
	path := writeTestConfig(t, `
log_level = "loud"
validity_days = 0
proactive_buffer = "soon"
callback_port = 70000
callback_timeout = "1s"
max_retries = 99

[provider.custom]
family = "graphql"
`)

	_, err := Load(path)
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"log_level", "validity_days", "proactive_buffer", "callback_port:",
		"callback_timeout", "max_retries", "provider.custom.family",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_Defaults(t *testing.T) {
	r, err := Resolve(mapEnv(nil), CLIOverrides{ConfigPath: filepath.Join(t.TempDir(), "none.toml")})
	require.NoError(t, err)

	assert.Equal(t, "info", r.LogLevel)
	assert.Equal(t, 90*24*time.Hour, r.ValidityWindow)
	assert.Equal(t, 24*time.Hour, r.TokenRefreshBuffer)
	assert.Equal(t, 2*time.Hour, r.ProactiveBuffer)
	assert.Equal(t, 60*time.Second, r.CallbackTimeout)
	assert.Equal(t, 8080, r.CallbackPort)
	assert.Equal(t, 10, r.CallbackPortRange)
	assert.Empty(t, r.LedgerPath)
	assert.Equal(t, []string{"oura", "whoop", "withings"}, r.Catalog.Names())

	p, err := r.Catalog.Lookup("whoop")
	require.NoError(t, err)
	assert.False(t, p.HasCredentials())
}

func TestResolve_LayerPrecedence(t *testing.T) {
	path := writeTestConfig(t, `
token_dir = "/from/file"
validity_days = 30
refresh_buffer_hours = 6
callback_port = 9000

[provider.whoop]
client_id = "file-id"
client_secret = "file-secret"
`)

	port := 0
	env := mapEnv(map[string]string{"WHOOP_CLIENT_ID": "env-id"})
	env.TokenDir = "/from/env"
	env.ValidityDays = "45"

	r, err := Resolve(env, CLIOverrides{
		ConfigPath:   path,
		TokenDir:     "/from/cli",
		CallbackPort: &port,
	})
	require.NoError(t, err)

	assert.Equal(t, path, r.ConfigPath)
	assert.Equal(t, "/from/cli", r.TokenDir)
	assert.Equal(t, 45*24*time.Hour, r.ValidityWindow)
	assert.Equal(t, 6*time.Hour, r.TokenRefreshBuffer)
	assert.Equal(t, 0, r.CallbackPort, "explicit --callback-port=0 wins")

	p, err := r.Catalog.Lookup("whoop")
	require.NoError(t, err)
	assert.Equal(t, "env-id", p.ClientID)
	assert.Equal(t, "file-secret", p.ClientSecret)
}

func TestResolve_ConfigPathFromEnv(t *testing.T) {
	path := writeTestConfig(t, `log_level = "warn"`)

	env := mapEnv(nil)
	env.ConfigPath = path

	r, err := Resolve(env, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "warn", r.LogLevel)

	r, err = Resolve(env, CLIOverrides{LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "debug", r.LogLevel)
}

func TestResolve_BadEnvNumber(t *testing.T) {
	env := mapEnv(nil)
	env.RefreshBufferHours = "a day"

	_, err := Resolve(env, CLIOverrides{ConfigPath: filepath.Join(t.TempDir(), "none.toml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvRefreshBufferHours)
}

func TestResolve_EnvValidatedLikeFile(t *testing.T) {
	env := mapEnv(nil)
	env.ValidityDays = "0"

	_, err := Resolve(env, CLIOverrides{ConfigPath: filepath.Join(t.TempDir(), "none.toml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validity_days")
}

func TestResolve_ProviderOverlayAndCustom(t *testing.T) {
	path := writeTestConfig(t, `
[provider.withings]
base_url = "https://wbsapi.eu.withings.net"

[provider.polar]
auth_url = "https://flow.polar.com/oauth2/authorization"
token_url = "https://polarremote.com/v2/oauth2/token"
scopes = ["accesslink.read_all"]
token_file = "~/polar.json"
`)

	r, err := Resolve(mapEnv(map[string]string{
		"POLAR_CLIENT_ID":     "pid",
		"POLAR_CLIENT_SECRET": "psecret",
	}), CLIOverrides{ConfigPath: path})
	require.NoError(t, err)

	withings, err := r.Catalog.Lookup("withings")
	require.NoError(t, err)
	assert.Equal(t, "https://wbsapi.eu.withings.net", withings.BaseURL)
	assert.Equal(t, provider.FamilyWithings, withings.Family, "overlay keeps built-in fields")
	assert.Equal(t, ",", withings.ScopeSeparator)

	polar, err := r.Catalog.Lookup("polar")
	require.NoError(t, err)
	assert.Equal(t, provider.FamilyStandard, polar.Family)
	assert.True(t, polar.HasCredentials())

	home, herr := os.UserHomeDir()
	if herr == nil {
		assert.Equal(t, filepath.Join(home, "polar.json"), r.TokenPath("polar"))
	}

	assert.Equal(t, filepath.Join(r.TokenDir, "oura_tokens.json"), r.TokenPath("oura"))

	assert.Empty(t, r.LegacyTokenPath("polar"), "explicit token_file is never migrated")

	if herr == nil {
		assert.Equal(t, filepath.Join(home, ".oura_tokens.json"), r.LegacyTokenPath("oura"))
	}
}

func TestResolve_IncompleteCustomProvider(t *testing.T) {
	path := writeTestConfig(t, `
[provider.polar]
base_url = "https://www.polaraccesslink.com/v3"
`)

	_, err := Resolve(mapEnv(nil), CLIOverrides{ConfigPath: path})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrInvalidProvider)
	assert.Contains(t, err.Error(), "auth_url")
	assert.Contains(t, err.Error(), "token_url")
}

func TestResolve_LedgerPath(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "none.toml")

	def := ledgerDefaultKeyword
	r, err := Resolve(mapEnv(nil), CLIOverrides{ConfigPath: cfgPath, LedgerPath: &def})
	require.NoError(t, err)
	assert.Equal(t, DefaultLedgerPath(), r.LedgerPath)

	env := mapEnv(nil)
	env.LedgerPath = "/tmp/events.db"

	r, err = Resolve(env, CLIOverrides{ConfigPath: cfgPath})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/events.db", r.LedgerPath)

	off := ""
	r, err = Resolve(env, CLIOverrides{ConfigPath: cfgPath, LedgerPath: &off})
	require.NoError(t, err)
	assert.Empty(t, r.LedgerPath, "--ledger= disables the ledger")
}
