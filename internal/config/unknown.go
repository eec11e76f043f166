package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// providerSection is the table holding per-provider settings.
const providerSection = "provider"

// knownGlobalKeys are the valid flat top-level keys in the config file.
var knownGlobalKeys = map[string]bool{
	"log_level": true, "token_dir": true, "ledger_path": true,
	"validity_days": true, "refresh_buffer_hours": true, "proactive_buffer": true,
	"callback_port": true, "callback_port_range": true, "callback_timeout": true,
	"max_retries": true, "auth_retries": true, "http_timeout": true,
	providerSection: true,
}

// knownProviderKeys are the valid keys inside a [provider.NAME] section.
var knownProviderKeys = map[string]bool{
	"family": true, "classifier": true, "auth_url": true, "token_url": true,
	"base_url": true, "scopes": true, "scope_separator": true,
	"redirect_path": true, "token_file": true, "client_id": true, "client_secret": true,
}

// sortedKeys is the sorted slice form of a key set for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates have
// the same edit distance.
func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

var (
	knownGlobalKeysList   = sortedKeys(knownGlobalKeys)
	knownProviderKeysList = sortedKeys(knownProviderKeys)
)

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		if len(key) >= 3 && key[0] == providerSection {
			errs = append(errs, buildProviderKeyError(key[1], key[2]))
			continue
		}

		errs = append(errs, buildGlobalKeyError(key[0]))
	}

	return errors.Join(slices.DeleteFunc(errs, func(err error) bool { return err == nil })...)
}

// buildGlobalKeyError creates a descriptive error for an unknown top-level
// key, optionally suggesting the closest known key.
func buildGlobalKeyError(fieldName string) error {
	if suggestion := closestMatch(fieldName, knownGlobalKeysList); suggestion != "" {
		return fmt.Errorf("unknown config key %q, did you mean %q?", fieldName, suggestion)
	}

	return fmt.Errorf("unknown config key %q", fieldName)
}

// buildProviderKeyError is buildGlobalKeyError for a provider section.
func buildProviderKeyError(name, fieldName string) error {
	if suggestion := closestMatch(fieldName, knownProviderKeysList); suggestion != "" {
		return fmt.Errorf("unknown key %q in [provider.%s], did you mean %q?", fieldName, name, suggestion)
	}

	return fmt.Errorf("unknown key %q in [provider.%s]", fieldName, name)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization: two rows instead of a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
