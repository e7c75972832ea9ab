package discovery

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLinkHeaderBasic(t *testing.T) {
	links := ParseLinkHeader(`<https://api.example.com/users?page=2>; rel="next", <https://api.example.com/users?page=9>; rel="last"`)
	require.Len(t, links, 2)
	assert.Equal(t, "https://api.example.com/users?page=2", links[0].Href)
	assert.Equal(t, "next", links[0].Rel)
	assert.Equal(t, "last", links[1].Rel)
}

func TestParseLinkHeaderMultiRel(t *testing.T) {
	links := ParseLinkHeader(`</api>; rel="alternate describedby"; type="application/json"`)
	require.Len(t, links, 2)
	assert.Equal(t, "alternate", links[0].Rel)
	assert.Equal(t, "describedby", links[1].Rel)
	for _, l := range links {
		assert.Equal(t, "/api", l.Href)
		assert.Equal(t, "application/json", l.Type)
	}
}

func TestParseLinkHeaderEscapedQuotes(t *testing.T) {
	links := ParseLinkHeader(`</docs>; rel="help"; title="say \"hi\""`)
	require.Len(t, links, 1)
	assert.Equal(t, `say "hi"`, links[0].Attrs["title"])
}

func TestParseLinkHeaderUnquotedToken(t *testing.T) {
	links := ParseLinkHeader(`</next>; rel=next`)
	require.Len(t, links, 1)
	assert.Equal(t, "next", links[0].Rel)
}

func TestParseLinkHeaderMalformed(t *testing.T) {
	assert.Empty(t, ParseLinkHeader(""))
	assert.Empty(t, ParseLinkHeader("no-brackets; rel=next"))
	assert.Empty(t, ParseLinkHeader("<unterminated"))
}

// Serializing parsed links and reparsing must reproduce the same structures.
func TestLinkHeaderRoundTrip(t *testing.T) {
	cases := [][]Link{
		{{Href: "https://a.example/x", Rel: "next"}},
		{{Href: "/rel/path", Rel: "self", Type: "application/hal+json"}},
		{
			{Href: "https://a.example/1", Rel: "first"},
			{Href: "https://a.example/9", Rel: "last", Attrs: map[string]string{"title": "end"}},
		},
		{{Href: "https://a.example/q?a=1&b=2", Rel: "item", Attrs: map[string]string{"anchor": "#frag"}}},
	}
	for _, want := range cases {
		parts := make([]string, len(want))
		for i, l := range want {
			parts[i] = l.String()
		}
		got := ParseLinkHeader(strings.Join(parts, ", "))
		assert.Equal(t, want, got)
	}
}

func TestDetectHypermedia(t *testing.T) {
	cases := []struct {
		name string
		body any
		want HypermediaFormat
	}{
		{"hal", map[string]any{"_links": map[string]any{"self": map[string]any{"href": "/x"}}}, FormatHAL},
		{"jsonapi object", map[string]any{"data": map[string]any{"type": "users", "id": "1"}}, FormatJSONAPI},
		{"jsonapi array", map[string]any{"data": []any{map[string]any{"type": "users", "id": "1"}}}, FormatJSONAPI},
		{"siren", map[string]any{"class": []any{"user"}, "links": []any{}}, FormatSiren},
		{"collection+json", map[string]any{"collection": map[string]any{"href": "/api"}}, FormatCollectionJSON},
		{"hydra", map[string]any{"@context": "http://www.w3.org/ns/hydra/context.jsonld"}, FormatHydra},
		{"plain object", map[string]any{"name": "x"}, FormatUnknown},
		{"non-object", []any{1, 2}, FormatUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectHypermedia(tc.body))
		})
	}
}

func TestHypermediaLinksHAL(t *testing.T) {
	body := map[string]any{"_links": map[string]any{
		"self": map[string]any{"href": "/users/1"},
		"next": map[string]any{"href": "/users?page=2"},
	}}
	links := hypermediaLinks(body, FormatHAL)
	assert.Len(t, links, 2)
}

func TestParseHTMLLinks(t *testing.T) {
	html := `<html><head>
		<link rel="alternate" type="application/json" href="/api/page.json">
		<link rel="stylesheet" href="/main.css">
	</head></html>`
	links := parseHTMLLinks(html)
	require.Len(t, links, 2)
	assert.Equal(t, "/api/page.json", links[0].Href)

	filtered := filterAPILinks(links)
	require.Len(t, filtered, 1)
	assert.Equal(t, "alternate", filtered[0].Rel)
}
