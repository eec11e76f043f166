// Package testutil provides shared environment helpers for the E2E suite.
package testutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/subosito/gotenv"
)

// AllowedProvidersVar lists the providers E2E tests may talk to.
const AllowedProvidersVar = "HEALTHAUTH_ALLOWED_TEST_PROVIDERS"

// LoadDotEnv loads KEY=VALUE pairs from a .env file. A missing file is not
// an error (CI sets env vars directly). Existing env vars take precedence.
func LoadDotEnv(envPath string) {
	err := gotenv.Load(envPath)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return
	}

	fmt.Fprintf(os.Stderr, "FATAL: parsing %s: %v\n", envPath, err)
	os.Exit(1)
}

// ValidateAllowlist crashes the process unless the provider named by
// providerEnvVar appears in HEALTHAUTH_ALLOWED_TEST_PROVIDERS. Returns the
// provider name.
func ValidateAllowlist(providerEnvVar string) string {
	allowlist := os.Getenv(AllowedProvidersVar)
	if allowlist == "" {
		fmt.Fprintln(os.Stderr, "FATAL: "+AllowedProvidersVar+" not set")
		fmt.Fprintln(os.Stderr, "Example: "+AllowedProvidersVar+"=withings,oura")

		os.Exit(1)
	}

	name := strings.ToLower(strings.TrimSpace(os.Getenv(providerEnvVar)))
	if name == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", providerEnvVar)
		os.Exit(1)
	}

	allowed := strings.Split(strings.ToLower(allowlist), ",")
	for i := range allowed {
		allowed[i] = strings.TrimSpace(allowed[i])
	}

	if !slices.Contains(allowed, name) {
		fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n", providerEnvVar, name, AllowedProvidersVar, allowlist)
		os.Exit(1)
	}

	return name
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// FindTestCredentialDir locates .testdata/ relative to the module root.
// Crashes if the directory does not exist.
func FindTestCredentialDir(moduleRoot string) string {
	dir := filepath.Join(moduleRoot, ".testdata")

	if _, err := os.Stat(dir); err != nil {
		fmt.Fprintln(os.Stderr, "FATAL: .testdata/ directory not found at "+dir)
		fmt.Fprintln(os.Stderr, "Run go run ./cmd/integration-bootstrap --provider <name> to create test credentials.")
		os.Exit(1)
	}

	return dir
}

// CopyFile copies a file from src to dst with the given permissions.
// Crashes on failure because tests cannot proceed without the file.
func CopyFile(src, dst string, perm os.FileMode) {
	data, err := os.ReadFile(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: cannot read %s: %v\n", src, err)
		os.Exit(1)
	}

	if err := os.WriteFile(dst, data, perm); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: writing %s: %v\n", dst, err)
		os.Exit(1)
	}
}
