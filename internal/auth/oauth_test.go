package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeRefreshRoundTrip(t *testing.T) {
	composite := FormatCompositeRefresh("1//refresh", "my-project", "managed-123")
	assert.Equal(t, "1//refresh|my-project|managed-123", composite)

	refresh, project, managed := ParseCompositeRefresh(composite)
	assert.Equal(t, "1//refresh", refresh)
	assert.Equal(t, "my-project", project)
	assert.Equal(t, "managed-123", managed)
}

func TestFormatCompositeRefreshOmitsEmptyTail(t *testing.T) {
	assert.Equal(t, "1//refresh", FormatCompositeRefresh("1//refresh", "", ""))
	assert.Equal(t, "1//refresh|proj", FormatCompositeRefresh("1//refresh", "proj", ""))
}

func TestParseCompositeRefreshBareToken(t *testing.T) {
	refresh, project, managed := ParseCompositeRefresh("1//refresh")
	assert.Equal(t, "1//refresh", refresh)
	assert.Empty(t, project)
	assert.Empty(t, managed)
}

func TestGeneratePKCE(t *testing.T) {
	pkce, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEmpty(t, pkce.Verifier)
	assert.NotEmpty(t, pkce.Challenge)
	assert.NotEqual(t, pkce.Verifier, pkce.Challenge)

	other, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, pkce.Verifier, other.Verifier)
}

func TestExtractCodeFromCallbackURL(t *testing.T) {
	result, err := ExtractCodeFromInput("http://localhost:51121/oauth/callback?code=4%2F0AbCdEf&state=xyz")
	require.NoError(t, err)
	assert.Equal(t, "4/0AbCdEf", result.Code)
	assert.Equal(t, "xyz", result.State)
}

func TestExtractCodeFromBareCode(t *testing.T) {
	result, err := ExtractCodeFromInput("  4/0AbCdEfGhIjKl  ")
	require.NoError(t, err)
	assert.Equal(t, "4/0AbCdEfGhIjKl", result.Code)
	assert.Empty(t, result.State)
}

func TestExtractCodeRejectsBadInput(t *testing.T) {
	_, err := ExtractCodeFromInput("")
	assert.Error(t, err)

	_, err = ExtractCodeFromInput("short")
	assert.Error(t, err)

	_, err = ExtractCodeFromInput("http://localhost:51121/oauth/callback?error=access_denied")
	assert.ErrorContains(t, err, "access_denied")

	_, err = ExtractCodeFromInput("http://localhost:51121/oauth/callback?state=xyz")
	assert.ErrorContains(t, err, "no authorization code")
}

func TestParseTierLabel(t *testing.T) {
	assert.Equal(t, "free", ParseTierLabel("free-tier"))
	assert.Equal(t, "pro", ParseTierLabel("standard-tier"))
	assert.Equal(t, "pro", ParseTierLabel("g1-pro"))
	assert.Equal(t, "ultra", ParseTierLabel("g1-ultra"))
	assert.Equal(t, "unknown", ParseTierLabel(""))
	assert.Equal(t, "unknown", ParseTierLabel("mystery-tier"))
}
