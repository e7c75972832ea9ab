package discovery

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skimmerhq/skimmer/internal/pattern"
)

func TestTemplateToRegex(t *testing.T) {
	re := regexp.MustCompile(templateToRegex("https://api.example.com/v1", "/users/{id}/posts"))
	assert.True(t, re.MatchString("https://api.example.com/v1/users/42/posts"))
	assert.True(t, re.MatchString("https://api.example.com/v1/users/42/posts/"))
	assert.False(t, re.MatchString("https://api.example.com/v1/users/42"))
	assert.False(t, re.MatchString("https://api.example.com/v1/users/42/posts/7"))
	assert.False(t, re.MatchString("https://evil.example/https://api.example.com/v1/users/42/posts"))
}

func TestExtractorsFor(t *testing.T) {
	ex := extractorsFor("/users/{userId}/posts/{postId}", []string{"userId", "postId", "page"})
	require.Len(t, ex, 3)

	assert.Equal(t, "userId", ex[0].Name)
	assert.Equal(t, pattern.SourcePath, ex[0].Source)
	re := regexp.MustCompile(ex[0].Pattern)
	m := re.FindStringSubmatch("https://api.example.com/users/alice/posts/9")
	require.NotNil(t, m)
	assert.Equal(t, "alice", m[1])

	assert.Equal(t, "postId", ex[1].Name)

	// Declared but absent from the path template means query string.
	assert.Equal(t, "page", ex[2].Name)
	assert.Equal(t, pattern.SourceQuery, ex[2].Source)
	m = regexp.MustCompile(ex[2].Pattern).FindStringSubmatch("https://x.example/users?page=3&limit=10")
	require.NotNil(t, m)
	assert.Equal(t, "3", m[1])
}

func TestCompilePatterns(t *testing.T) {
	spec := &ParsedSpec{
		BaseURL: "https://api.example.com",
		Endpoints: []Endpoint{
			{Method: "get", Path: "users/{id}", PathParams: []string{"id"}, ResponseContentType: "application/json"},
			{Method: "POST", Path: "/users", RequestContentType: "application/json"},
		},
	}
	patterns := CompilePatterns("t1", "openapi", PriorOpenAPI, "example.com", spec)
	require.Len(t, patterns, 2)

	p := patterns[0]
	assert.Equal(t, "t1", p.TenantID)
	assert.Equal(t, "GET", p.Method)
	assert.Equal(t, "https://api.example.com/users/{id}", p.EndpointTemplate)
	assert.Equal(t, PriorOpenAPI, p.Metrics.Confidence)
	assert.Equal(t, specBackedSuccesses, p.Metrics.SuccessCount)
	require.Len(t, p.Extractors, 1)

	assert.Equal(t, "application/json", patterns[1].Headers["Content-Type"])
}

func TestPatternIDStable(t *testing.T) {
	a := PatternID("openapi", "example.com", "GET", "/users/{id}")
	b := PatternID("openapi", "example.com", "GET", "/users/{id}")
	c := PatternID("raml", "example.com", "GET", "/users/{id}")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^pat_[0-9a-f]{20}$`, a)
}
