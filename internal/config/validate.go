package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/classify"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/provider"
)

// Validation range constants.
const (
	maxPort            = 65535
	maxPortRange       = 100
	maxRetriesLimit    = 10
	maxAuthRetries     = 5
	minCallbackTimeout = 5 * time.Second
	maxCallbackTimeout = 30 * time.Minute
	minHTTPTimeout     = 1 * time.Second
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if !slices.Contains(validLogLevels, cfg.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level: must be one of %v, got %q", validLogLevels, cfg.LogLevel))
	}

	if cfg.TokenDir == "" {
		errs = append(errs, errors.New("token_dir: must not be empty"))
	}

	if cfg.ValidityDays < 1 {
		errs = append(errs, fmt.Errorf("validity_days: must be >= 1, got %d", cfg.ValidityDays))
	}

	if cfg.RefreshBufferHours < 1 {
		errs = append(errs, fmt.Errorf("refresh_buffer_hours: must be >= 1, got %d", cfg.RefreshBufferHours))
	}

	errs = append(errs, validateDuration("proactive_buffer", cfg.ProactiveBuffer, time.Minute, 0))
	errs = append(errs, validateDuration("callback_timeout", cfg.CallbackTimeout, minCallbackTimeout, maxCallbackTimeout))
	errs = append(errs, validateDuration("http_timeout", cfg.HTTPTimeout, minHTTPTimeout, 0))

	if cfg.CallbackPort < 0 || cfg.CallbackPort > maxPort {
		errs = append(errs, fmt.Errorf("callback_port: must be 0-%d, got %d", maxPort, cfg.CallbackPort))
	}

	if cfg.CallbackPortRange < 1 || cfg.CallbackPortRange > maxPortRange {
		errs = append(errs, fmt.Errorf("callback_port_range: must be 1-%d, got %d", maxPortRange, cfg.CallbackPortRange))
	}

	if cfg.MaxRetries < 0 || cfg.MaxRetries > maxRetriesLimit {
		errs = append(errs, fmt.Errorf("max_retries: must be 0-%d, got %d", maxRetriesLimit, cfg.MaxRetries))
	}

	if cfg.AuthRetries < 1 || cfg.AuthRetries > maxAuthRetries {
		errs = append(errs, fmt.Errorf("auth_retries: must be 1-%d, got %d", maxAuthRetries, cfg.AuthRetries))
	}

	for name, pc := range cfg.Providers {
		errs = append(errs, validateProviderSection(name, pc)...)
	}

	return errors.Join(errs...)
}

// validateDuration parses raw and checks it against [lo, hi]. A zero hi
// means no upper bound. Returns nil when valid.
func validateDuration(field, raw string, lo, hi time.Duration) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}

	if d < lo {
		return fmt.Errorf("%s: must be >= %s, got %s", field, lo, d)
	}

	if hi > 0 && d > hi {
		return fmt.Errorf("%s: must be <= %s, got %s", field, hi, d)
	}

	return nil
}

// validateProviderSection checks the fields a section sets. Completeness
// of a provider is checked once it is merged with its built-in.
func validateProviderSection(name string, pc ProviderConfig) []error {
	var errs []error

	if pc.Family != "" &&
		pc.Family != string(provider.FamilyStandard) &&
		pc.Family != string(provider.FamilyWithings) {
		errs = append(errs, fmt.Errorf("provider.%s.family: must be %q or %q, got %q",
			name, provider.FamilyStandard, provider.FamilyWithings, pc.Family))
	}

	if pc.Classifier != "" {
		if _, err := classify.ByName(pc.Classifier); err != nil {
			errs = append(errs, fmt.Errorf("provider.%s.classifier: %w", name, err))
		}
	}

	return errs
}
