package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase host", "https://EXAMPLE.com/Path", "https://example.com/Path"},
		{"strip default port", "https://example.com:443/a", "https://example.com/a"},
		{"strip http port", "http://example.com:80/a", "http://example.com/a"},
		{"keep custom port", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"strip fragment", "https://example.com/a#section", "https://example.com/a"},
		{"strip tracking", "https://example.com/a?utm_source=x&id=1", "https://example.com/a?id=1"},
		{"sort query", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"root slash", "https://example.com/", "https://example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalizeInvalid(t *testing.T) {
	for _, in := range []string{"", "example.com/path", "ftp://example.com", "https://"} {
		_, err := Canonicalize(in)
		require.Error(t, err, "input %q", in)
		assert.Equal(t, fetcherr.CodeInvalidURL, fetcherr.CodeOf(err))
	}
}

func TestDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://www.example.com/a", "example.com"},
		{"https://api.example.co.uk/v1", "example.co.uk"},
		{"https://deep.sub.example.com", "example.com"},
		{"http://localhost:8080/x", "localhost"},
	}
	for _, tt := range tests {
		got, err := Domain(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestFingerprintStable(t *testing.T) {
	a, err := FingerprintURL("https://example.com/a?b=2&a=1", "")
	require.NoError(t, err)
	b, err := FingerprintURL("https://EXAMPLE.com/a?a=1&b=2&utm_source=mail", "")
	require.NoError(t, err)
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "a,b", a.QueryKeys)
	assert.Equal(t, "example.com", a.Domain)

	c, err := FingerprintURL("https://example.com/a?a=1&b=2", "article")
	require.NoError(t, err)
	assert.NotEqual(t, a.Key(), c.Key(), "content hint changes the key")
}
