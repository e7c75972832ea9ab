package stealth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDeterministic(t *testing.T) {
	a := Generate("example.com")
	b := Generate("example.com")
	assert.Equal(t, a, b, "same seed must yield identical fingerprints")

	c := Generate("other.org")
	// Different seeds should usually differ; at minimum the struct is valid.
	assert.NotEmpty(t, c.UserAgent)
	if a == c {
		t.Log("seed collision on small profile space, acceptable")
	}
}

func TestFingerprintConsistency(t *testing.T) {
	for _, seed := range []string{"example.com", "gov.example", "a", "z.co.uk"} {
		f := Generate(seed)
		switch f.Platform {
		case "Win32":
			assert.Contains(t, f.UserAgent, "Windows NT")
			assert.Contains(t, f.ClientHints.Platform, "Windows")
		case "MacIntel":
			assert.Contains(t, f.UserAgent, "Macintosh")
			assert.Contains(t, f.ClientHints.Platform, "macOS")
		case "Linux x86_64":
			assert.Contains(t, f.UserAgent, "Linux")
			assert.Contains(t, f.ClientHints.Platform, "Linux")
		default:
			t.Fatalf("unexpected platform %q", f.Platform)
		}
		assert.Contains(t, []float64{1, 1.25, 1.5, 2}, f.DeviceScaleFactor)
		require.NotEmpty(t, f.TimezoneID)
	}
}

func TestHeaders(t *testing.T) {
	f := Generate("example.com")
	h := f.Headers()
	assert.Equal(t, f.UserAgent, h["User-Agent"])

	lang := h["Accept-Language"]
	require.NotEmpty(t, lang)
	assert.True(t, strings.HasPrefix(lang, f.Locale), "Accept-Language %q should start with locale %q", lang, f.Locale)
	assert.Contains(t, lang, ";q=0.9")
}

func TestRandomDelay(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := RandomDelay(10*time.Millisecond, 20*time.Millisecond)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 20*time.Millisecond)
	}
	assert.Equal(t, 5*time.Millisecond, RandomDelay(5*time.Millisecond, time.Millisecond))
}

func TestJitteredDelayNeverNegative(t *testing.T) {
	for i := 0; i < 1000; i++ {
		assert.GreaterOrEqual(t, JitteredDelay(time.Millisecond, 2.0), time.Duration(0))
	}
	assert.Equal(t, time.Duration(0), JitteredDelay(-time.Second, 1.0))
}

func TestExponentialBackoffCap(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	for attempt := 5; attempt < 20; attempt++ {
		d := ExponentialBackoff(attempt, base, max)
		assert.LessOrEqual(t, d, time.Duration(float64(max)*1.3)+time.Millisecond, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(max)*0.7)-time.Millisecond, "attempt %d", attempt)
	}
	// Small attempts stay near base*2^n.
	d := ExponentialBackoff(0, base, max)
	assert.LessOrEqual(t, d, time.Duration(float64(base)*1.3)+time.Millisecond)
}
