package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skimmerhq/skimmer/internal/renderer"
)

func jsonGet(url string) renderer.NetworkRequest {
	return renderer.NetworkRequest{
		URL:          url,
		Method:       "GET",
		StatusCode:   200,
		ContentType:  "application/json",
		ResponseBody: `{"ok":true}`,
	}
}

func TestIsAPILike(t *testing.T) {
	assert.True(t, IsAPILike(jsonGet("https://example.com/api/users")))
	assert.True(t, IsAPILike(renderer.NetworkRequest{URL: "https://example.com/v2/things", ContentType: "text/html"}))
	assert.True(t, IsAPILike(renderer.NetworkRequest{URL: "https://example.com/data.json"}))
	assert.True(t, IsAPILike(renderer.NetworkRequest{URL: "https://example.com/graphql", Method: "POST"}))
	assert.False(t, IsAPILike(renderer.NetworkRequest{URL: "https://example.com/about", ContentType: "text/html"}))
}

func TestAnalyzeScoring(t *testing.T) {
	// 2xx(3) + json(2) + GET(2) + body(1) = 8 → high
	a := Analyze(jsonGet("https://example.com/api/users/1"))
	assert.Equal(t, 8, a.Score)
	assert.Equal(t, LevelHigh, a.Level)

	// Authenticated GET adds the auth point.
	req := jsonGet("https://example.com/api/users/1")
	req.RequestHeaders = map[string]string{"Authorization": "Bearer tok"}
	a = Analyze(req)
	assert.Equal(t, 9, a.Score)
	assert.Equal(t, "bearer", a.AuthKind)

	// Unauthenticated mutation: 2xx(3) + json(2) + body(1) = 6 → medium
	req = jsonGet("https://example.com/api/users")
	req.Method = "POST"
	req.StatusCode = 201
	a = Analyze(req)
	assert.Equal(t, 6, a.Score)
	assert.Equal(t, LevelMedium, a.Level)

	// Authenticated mutation with REST-compliant status regains the method points.
	req.RequestHeaders = map[string]string{"X-API-Key": "k"}
	a = Analyze(req)
	assert.Equal(t, 9, a.Score)
	assert.Equal(t, LevelHigh, a.Level)

	// Failed call scores low.
	req = jsonGet("https://example.com/api/users")
	req.StatusCode = 500
	req.ResponseBody = ""
	a = Analyze(req)
	assert.Equal(t, LevelMedium, a.Level) // json(2)+GET(2)=4
}

func TestDegradeForTier(t *testing.T) {
	lvl, ok := DegradeForTier(LevelHigh, renderer.TierPlaywright)
	require.True(t, ok)
	assert.Equal(t, LevelHigh, lvl)

	lvl, ok = DegradeForTier(LevelHigh, renderer.TierLightweight)
	require.True(t, ok)
	assert.Equal(t, LevelMedium, lvl)

	lvl, ok = DegradeForTier(LevelHigh, renderer.TierIntelligence)
	require.True(t, ok)
	assert.Equal(t, LevelMedium, lvl)

	_, ok = DegradeForTier(LevelMedium, renderer.TierIntelligence)
	assert.False(t, ok, "non-high intelligence captures are dropped")
}

func TestPatternFromCapture(t *testing.T) {
	req := jsonGet("https://api.example.com/api/users/12345")
	p, ok := PatternFromCapture("t1", req, renderer.TierPlaywright)
	require.True(t, ok)

	assert.Equal(t, "example.com", p.Domain)
	assert.Equal(t, "https://api.example.com/api/users/{user}", p.EndpointTemplate)
	require.Len(t, p.Extractors, 1)
	assert.Equal(t, "user", p.Extractors[0].Name)
	assert.Equal(t, "observed", p.DiscoverySource)
	assert.InDelta(t, 0.5, p.Metrics.Confidence, 1e-9)
	assert.False(t, p.Eligible(p.CreatedAt), "observed patterns start ineligible")

	// The generated regex matches sibling resources.
	assert.Regexp(t, p.URLPatterns[0], "https://api.example.com/api/users/999")
}

func TestParameterCount(t *testing.T) {
	assert.Equal(t, 0, ParameterCount("https://api.example.com/v1/users"))
	assert.Equal(t, 1, ParameterCount("https://api.example.com/v1/users/7"))
	assert.Equal(t, 2, ParameterCount("https://api.example.com/v1/users/7?include=profile"))
	assert.Equal(t, 2, ParameterCount("https://api.example.com/search?q=ada&page=2"))
}

func TestPatternFromCaptureDropped(t *testing.T) {
	req := jsonGet("https://api.example.com/api/users/1")
	req.Method = "POST" // medium grade
	req.StatusCode = 200
	_, ok := PatternFromCapture("t1", req, renderer.TierIntelligence)
	assert.False(t, ok, "medium intelligence capture dropped")

	_, ok = PatternFromCapture("t1", renderer.NetworkRequest{URL: "https://example.com/about", ContentType: "text/html"}, renderer.TierPlaywright)
	assert.False(t, ok)
}
