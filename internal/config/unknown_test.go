package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownKey_TopLevel(t *testing.T) {
	path := writeTestConfig(t, `
unknown_section = "value"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLoad_UnknownKey_Typo(t *testing.T) {
	path := writeTestConfig(t, "validity_day = 30\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
	assert.Contains(t, err.Error(), `did you mean "validity_days"`)
}

func TestLoad_UnknownKey_InProviderSection(t *testing.T) {
	path := writeTestConfig(t, `
[provider.whoop]
scoopes = ["read:sleep"]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[provider.whoop]")
	assert.Contains(t, err.Error(), `"scopes"`)
}

func TestLoad_UnknownKey_AllReported(t *testing.T) {
	path := writeTestConfig(t, `
log_lvl = "debug"

[provider.oura]
token_ur = "https://example.com/token"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "token_url")
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"scope", "scopes", 1},
		{"callbak_port", "callback_port", 1},
		{"completely_different", "xyz", 19},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.expected, levenshtein(tt.a, tt.b))
		})
	}
}

func TestClosestMatch_Found(t *testing.T) {
	assert.Equal(t, "token_dir", closestMatch("tokens_dir", knownGlobalKeysList))
	assert.Equal(t, "base_url", closestMatch("baseurl", knownProviderKeysList))
}

func TestClosestMatch_NotFound(t *testing.T) {
	assert.Equal(t, "", closestMatch("completely_unrelated", knownGlobalKeysList))
}
