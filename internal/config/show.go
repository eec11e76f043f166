package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command, giving
// users visibility into the effective values after all four override layers
// (defaults -> file -> env -> CLI) have been applied. Client secrets are
// never printed.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)

	renderGlobalSection(ew, r)

	for _, name := range r.Catalog.Names() {
		renderProviderSection(ew, r, name)
	}

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderGlobalSection(ew *errWriter, r *Resolved) {
	ledger := r.LedgerPath
	if ledger == "" {
		ledger = "(disabled)"
	}

	ew.printf("log_level            = %q\n", r.LogLevel)
	ew.printf("token_dir            = %q\n", r.TokenDir)
	ew.printf("ledger_path          = %q\n", ledger)
	ew.printf("validity_days        = %d\n", int(r.ValidityWindow.Hours()/24))
	ew.printf("refresh_buffer_hours = %d\n", int(r.TokenRefreshBuffer.Hours()))
	ew.printf("proactive_buffer     = %q\n", r.ProactiveBuffer)
	ew.printf("callback_port        = %d\n", r.CallbackPort)
	ew.printf("callback_port_range  = %d\n", r.CallbackPortRange)
	ew.printf("callback_timeout     = %q\n", r.CallbackTimeout)
	ew.printf("max_retries          = %d\n", r.MaxRetries)
	ew.printf("auth_retries         = %d\n", r.AuthRetries)
	ew.printf("http_timeout         = %q\n", r.HTTPTimeout)
}

func renderProviderSection(ew *errWriter, r *Resolved, name string) {
	p, err := r.Catalog.Lookup(name)
	if err != nil {
		return
	}

	idVar, secretVar := CredentialVars(name)

	ew.printf("\n[provider.%s]\n", name)
	ew.printf("  family        = %q\n", p.Family)
	ew.printf("  auth_url      = %q\n", p.AuthURL)
	ew.printf("  token_url     = %q\n", p.TokenURL)
	ew.printf("  base_url      = %q\n", p.BaseURL)
	ew.printf("  scopes        = [%s]\n", quoteJoin(p.Scopes))
	ew.printf("  redirect_path = %q\n", p.Redirect())
	ew.printf("  token_file    = %q\n", r.TokenPath(name))
	ew.printf("  client_id     = %s  # %s\n", presence(p.ClientID), idVar)
	ew.printf("  client_secret = %s  # %s\n", presence(p.ClientSecret), secretVar)
}

func presence(v string) string {
	if v == "" {
		return "(unset)"
	}

	return "(set)"
}

func quoteJoin(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}

	return strings.Join(quoted, ", ")
}
