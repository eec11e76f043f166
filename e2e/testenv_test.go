//go:build e2e

package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/newtonlabs/health-data-analyzer-sub000/internal/config"
	"github.com/newtonlabs/health-data-analyzer-sub000/internal/tokenfile"
	"github.com/newtonlabs/health-data-analyzer-sub000/testutil"
)

// testTokenDir holds the isolated token directory. Set by TestMain.
var testTokenDir string

// realHomeDir holds HOME before TestMain overrides it.
var realHomeDir string

// testCredentialDir holds the path to .testdata/. Tokens are read from here,
// never from production dirs.
var testCredentialDir string

// validateTestData checks that .testdata/ holds a readable token for the
// provider before any test starts.
func validateTestData(credDir, name string) {
	tokenPath := filepath.Join(credDir, config.TokenFileName(name))

	rec, err := tokenfile.Load(tokenPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: cannot load token file %s: %v\n", tokenPath, err)
		fmt.Fprintln(os.Stderr, "Run go run ./cmd/integration-bootstrap --provider "+name+" to create it.")
		os.Exit(1)
	}

	if rec.RefreshToken == nil || *rec.RefreshToken == "" {
		fmt.Fprintf(os.Stderr, "FATAL: token file %s has no refresh token\n", tokenPath)
		os.Exit(1)
	}
}

// setupIsolation points HOME, XDG dirs and HEALTHAUTH_* at a temp root and
// copies the provider's token from .testdata/. The returned cleanup copies
// the rotated token back and removes the temp root.
func setupIsolation() func() {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: cannot determine home dir: %v\n", err)
		os.Exit(1)
	}

	realHomeDir = home
	testCredentialDir = testutil.FindTestCredentialDir(testutil.FindModuleRoot(".."))
	validateTestData(testCredentialDir, providerName)

	for _, v := range []string{config.EnvConfig, config.EnvTokenDir, config.EnvLedger} {
		os.Unsetenv(v)
	}

	tempRoot, err := os.MkdirTemp("", "healthauth-e2e-isolation-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: creating isolation temp dir: %v\n", err)
		os.Exit(1)
	}

	tempHome := filepath.Join(tempRoot, "home")
	tempConfig := filepath.Join(tempRoot, "config")
	tempData := filepath.Join(tempRoot, "data")
	testTokenDir = filepath.Join(tempRoot, "tokens")

	for _, d := range []string{tempHome, tempConfig, tempData, testTokenDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: creating dir %s: %v\n", d, err)
			os.Exit(1)
		}
	}

	os.Setenv("HOME", tempHome)
	os.Setenv("XDG_CONFIG_HOME", tempConfig)
	os.Setenv("XDG_DATA_HOME", tempData)
	os.Setenv(config.EnvTokenDir, testTokenDir)
	os.Setenv(config.EnvLedger, filepath.Join(tempData, "events.db"))

	tokenName := config.TokenFileName(providerName)
	testutil.CopyFile(
		filepath.Join(testCredentialDir, tokenName),
		filepath.Join(testTokenDir, tokenName),
		0o600,
	)

	verifyIsolation(tempRoot)

	fmt.Fprintf(os.Stderr, "E2E isolation: HOME=%s %s=%s (credentials from .testdata/)\n",
		tempHome, config.EnvTokenDir, testTokenDir)

	return func() {
		// Providers rotate refresh tokens, so the copy in .testdata/ goes
		// stale after any refresh.
		rotated := filepath.Join(testTokenDir, tokenName)
		if data, err := os.ReadFile(rotated); err == nil {
			orig := filepath.Join(testCredentialDir, tokenName)
			if err := os.WriteFile(orig, data, 0o600); err != nil {
				fmt.Fprintf(os.Stderr, "WARNING: cannot write rotated token back to %s: %v\n", orig, err)
			}
		}

		os.RemoveAll(tempRoot)
	}
}

// verifyIsolation crashes the process if any production path could leak
// into test execution.
func verifyIsolation(tempRoot string) {
	crash := func(msg string) {
		fmt.Fprintf(os.Stderr, "FATAL: isolation check failed: %s\n", msg)
		os.Exit(1)
	}

	if os.Getenv(config.EnvConfig) != "" {
		crash(config.EnvConfig + " is set")
	}

	for _, v := range []string{"HOME", "XDG_DATA_HOME", "XDG_CONFIG_HOME", config.EnvTokenDir, config.EnvLedger} {
		if val := os.Getenv(v); val == "" || !strings.HasPrefix(val, tempRoot) {
			crash(v + " not overridden to temp dir")
		}
	}

	for _, dir := range []string{config.DefaultConfigDir(), config.DefaultDataDir()} {
		if !strings.HasPrefix(dir, tempRoot) {
			crash("default path " + dir + " resolves outside the temp root")
		}
	}

	if homeDir, _ := os.UserHomeDir(); !strings.HasPrefix(homeDir, tempRoot) {
		crash("os.UserHomeDir() = " + homeDir)
	}
}
