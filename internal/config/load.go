package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/provider"
)

// ledgerDefaultKeyword selects DefaultLedgerPath for ledger_path.
const ledgerDefaultKeyword = "default"

// Resolved is the effective configuration after all four layers.
type Resolved struct {
	ConfigPath string
	LogLevel   string
	TokenDir   string
	// LedgerPath is empty when the event ledger is disabled.
	LedgerPath string

	ValidityWindow     time.Duration
	TokenRefreshBuffer time.Duration
	ProactiveBuffer    time.Duration

	CallbackPort      int
	CallbackPortRange int
	CallbackTimeout   time.Duration

	MaxRetries  int
	AuthRetries int
	HTTPTimeout time.Duration

	Catalog *provider.Catalog

	tokenFiles map[string]string
}

// TokenPath returns the token file for a provider: its token_file setting
// when present, otherwise {token_dir}/{name}_tokens.json.
func (r *Resolved) TokenPath(name string) string {
	if p, ok := r.tokenFiles[strings.ToLower(name)]; ok {
		return p
	}

	return filepath.Join(r.TokenDir, TokenFileName(name))
}

// LegacyTokenPath returns the per-provider file older releases kept in the
// home directory, ~/.{name}_tokens.json. Empty when token_file is set: an
// explicit path is never migrated.
func (r *Resolved) LegacyTokenPath(name string) string {
	if _, ok := r.tokenFiles[strings.ToLower(name)]; ok {
		return ""
	}

	return expandTilde("~/." + TokenFileName(name))
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. Zero-config use works as
// long as credentials come from the environment.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if err := applyEnv(cfg, env); err != nil {
		return nil, err
	}

	// 4. Apply CLI overrides
	if cli.TokenDir != "" {
		cfg.TokenDir = cli.TokenDir
	}

	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}

	if cli.CallbackPort != nil {
		cfg.CallbackPort = *cli.CallbackPort
	}

	if cli.LedgerPath != nil {
		cfg.LedgerPath = *cli.LedgerPath
	}

	// 5. Validate the final merged values
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return build(cfg, cfgPath, env)
}

// applyEnv copies environment overrides onto cfg. Malformed numbers are
// errors rather than silently ignored.
func applyEnv(cfg *Config, env EnvOverrides) error {
	if env.TokenDir != "" {
		cfg.TokenDir = env.TokenDir
	}

	if env.LedgerPath != "" {
		cfg.LedgerPath = env.LedgerPath
	}

	if env.ValidityDays != "" {
		n, err := strconv.Atoi(env.ValidityDays)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvValidityDays, err)
		}

		cfg.ValidityDays = n
	}

	if env.RefreshBufferHours != "" {
		n, err := strconv.Atoi(env.RefreshBufferHours)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRefreshBufferHours, err)
		}

		cfg.RefreshBufferHours = n
	}

	return nil
}

// build turns a validated Config into a Resolved. Durations were checked
// by Validate, so parse errors cannot occur here.
func build(cfg *Config, cfgPath string, env EnvOverrides) (*Resolved, error) {
	r := &Resolved{
		ConfigPath:         cfgPath,
		LogLevel:           cfg.LogLevel,
		TokenDir:           expandTilde(cfg.TokenDir),
		ValidityWindow:     time.Duration(cfg.ValidityDays) * 24 * time.Hour,
		TokenRefreshBuffer: time.Duration(cfg.RefreshBufferHours) * time.Hour,
		CallbackPort:       cfg.CallbackPort,
		CallbackPortRange:  cfg.CallbackPortRange,
		MaxRetries:         cfg.MaxRetries,
		AuthRetries:        cfg.AuthRetries,
		tokenFiles:         make(map[string]string),
	}

	r.ProactiveBuffer, _ = time.ParseDuration(cfg.ProactiveBuffer)
	r.CallbackTimeout, _ = time.ParseDuration(cfg.CallbackTimeout)
	r.HTTPTimeout, _ = time.ParseDuration(cfg.HTTPTimeout)

	switch cfg.LedgerPath {
	case "":
	case ledgerDefaultKeyword:
		r.LedgerPath = DefaultLedgerPath()
	default:
		r.LedgerPath = expandTilde(cfg.LedgerPath)
	}

	catalog, err := buildCatalog(cfg.Providers, env)
	if err != nil {
		return nil, err
	}

	r.Catalog = catalog

	for name, pc := range cfg.Providers {
		if pc.TokenFile != "" {
			r.tokenFiles[strings.ToLower(name)] = expandTilde(pc.TokenFile)
		}
	}

	return r, nil
}

// buildCatalog overlays provider sections on the built-ins and attaches
// credentials, environment winning over the config file.
func buildCatalog(sections map[string]ProviderConfig, env EnvOverrides) (*provider.Catalog, error) {
	catalog := provider.NewCatalog()
	builtins := provider.Builtins()

	var errs []error

	for name, pc := range sections {
		p, ok := builtins[strings.ToLower(name)]
		if !ok {
			p = provider.Provider{Name: name, Family: provider.FamilyStandard}
		}

		overlay(&p, pc)

		if err := catalog.Put(p); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	for _, name := range catalog.Names() {
		id, secret := env.ProviderCredentials(name)

		catalog.Update(name, func(p *provider.Provider) {
			if id != "" {
				p.ClientID = id
			}

			if secret != "" {
				p.ClientSecret = secret
			}
		})
	}

	return catalog, nil
}

// overlay copies the non-empty fields of pc onto p.
func overlay(p *provider.Provider, pc ProviderConfig) {
	if pc.Family != "" {
		p.Family = provider.Family(pc.Family)
	}

	if pc.Classifier != "" {
		p.Classifier = pc.Classifier
	}

	if pc.AuthURL != "" {
		p.AuthURL = pc.AuthURL
	}

	if pc.TokenURL != "" {
		p.TokenURL = pc.TokenURL
	}

	if pc.BaseURL != "" {
		p.BaseURL = pc.BaseURL
	}

	if len(pc.Scopes) > 0 {
		p.Scopes = pc.Scopes
	}

	if pc.ScopeSeparator != "" {
		p.ScopeSeparator = pc.ScopeSeparator
	}

	if pc.RedirectPath != "" {
		p.RedirectPath = pc.RedirectPath
	}

	if pc.ClientID != "" {
		p.ClientID = pc.ClientID
	}

	if pc.ClientSecret != "" {
		p.ClientSecret = pc.ClientSecret
	}
}
