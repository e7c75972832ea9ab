package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBlueprint = `FORMAT: 1A
HOST: https://api.example.com/

# Inventory API

## Products [/products{?page,per_page}]

### List Products [GET]

### Create Product [POST]

## Product [/products/{id}]

### Retrieve Product [GET]

### Remove [DELETE /products/{id}/archive]
`

func TestParseBlueprint(t *testing.T) {
	spec, ok := ParseBlueprint(sampleBlueprint)
	require.True(t, ok)
	assert.Equal(t, "Inventory API", spec.Title)
	assert.Equal(t, "https://api.example.com", spec.BaseURL)
	require.Len(t, spec.Endpoints, 4)

	assert.Equal(t, "GET", spec.Endpoints[0].Method)
	assert.Equal(t, "/products", spec.Endpoints[0].Path)
	assert.Equal(t, []string{"page", "per_page"}, spec.Endpoints[0].QueryParams)

	assert.Equal(t, "POST", spec.Endpoints[1].Method)

	assert.Equal(t, "/products/{id}", spec.Endpoints[2].Path)
	assert.Equal(t, []string{"id"}, spec.Endpoints[2].PathParams)

	// An action with an inline path overrides the resource path.
	assert.Equal(t, "DELETE", spec.Endpoints[3].Method)
	assert.Equal(t, "/products/{id}/archive", spec.Endpoints[3].Path)
}

func TestParseBlueprintRequiresFormatPreamble(t *testing.T) {
	_, ok := ParseBlueprint("# Just Markdown\n\n## Heading [/path]\n")
	assert.False(t, ok)
}

const sampleRAML = `#%RAML 1.0
title: Orders API
version: 2
baseUri: https://api.example.com/{version}
/orders:
  get:
    queryParameters:
      status:
      page:
  post:
  /{orderId}:
    get:
    /items:
      get:
`

func TestParseRAML(t *testing.T) {
	spec, err := ParseRAML([]byte(sampleRAML))
	require.NoError(t, err)
	assert.Equal(t, "Orders API", spec.Title)
	assert.Equal(t, "v2", spec.Version)
	assert.Equal(t, "https://api.example.com/v2", spec.BaseURL)
	require.Len(t, spec.Endpoints, 4)

	assert.Equal(t, "/orders", spec.Endpoints[0].Path)
	assert.Equal(t, "GET", spec.Endpoints[0].Method)
	assert.Equal(t, []string{"page", "status"}, spec.Endpoints[0].QueryParams)
	assert.Equal(t, "POST", spec.Endpoints[1].Method)
	assert.Equal(t, "/orders/{orderId}", spec.Endpoints[2].Path)
	assert.Equal(t, []string{"orderId"}, spec.Endpoints[2].PathParams)
	assert.Equal(t, "/orders/{orderId}/items", spec.Endpoints[3].Path)
}

const sampleWADL = `<?xml version="1.0"?>
<application xmlns="http://wadl.dev.java.net/2009/02">
  <!-- generated -->
  <resources base="https://api.example.com/rest/">
    <resource path="catalog">
      <param style="query" name="lang"/>
      <resource path="items">
        <method name="GET">
          <request>
            <param style="query" name="page"/>
          </request>
        </method>
        <method name="POST"/>
      </resource>
      <resource path="items/{itemId}">
        <method name="GET"/>
        <method name="DELETE"/>
      </resource>
    </resource>
    <resource path="ping">
      <method name="GET"/>
    </resource>
  </resources>
</application>
`

func TestParseWADL(t *testing.T) {
	spec, ok := ParseWADL(sampleWADL)
	require.True(t, ok)
	assert.Equal(t, "https://api.example.com/rest", spec.BaseURL)
	require.Len(t, spec.Endpoints, 5)

	assert.Equal(t, "/catalog/items", spec.Endpoints[0].Path)
	assert.Equal(t, "GET", spec.Endpoints[0].Method)
	// Resource-level params accumulate down the stack; method-level params
	// attach to the emitted endpoint.
	assert.ElementsMatch(t, []string{"lang", "page"}, spec.Endpoints[0].QueryParams)

	assert.Equal(t, "POST", spec.Endpoints[1].Method)
	assert.ElementsMatch(t, []string{"lang"}, spec.Endpoints[1].QueryParams)

	assert.Equal(t, "/catalog/items/{itemId}", spec.Endpoints[2].Path)
	assert.Equal(t, []string{"itemId"}, spec.Endpoints[2].PathParams)

	assert.Equal(t, "/ping", spec.Endpoints[4].Path)
	assert.Empty(t, spec.Endpoints[4].QueryParams)
}

func TestParseWADLRejectsNonWADL(t *testing.T) {
	_, ok := ParseWADL(`<?xml version="1.0"?><html><body/></html>`)
	assert.False(t, ok)
}

func TestParseWADLSelfClosingResource(t *testing.T) {
	doc := `<application><resources base="https://x.example">
	  <resource path="empty"/>
	  <resource path="users"><method name="GET"/></resource>
	</resources></application>`
	spec, ok := ParseWADL(doc)
	require.True(t, ok)
	require.Len(t, spec.Endpoints, 1)
	assert.Equal(t, "/users", spec.Endpoints[0].Path)
}

const sampleOpenAPI = `{
  "openapi": "3.0.0",
  "info": {"title": "Pets", "version": "1.0.0"},
  "servers": [{"url": "https://api.example.com/v1"}],
  "paths": {
    "/pets": {
      "get": {
        "parameters": [{"name": "limit", "in": "query", "schema": {"type": "integer"}}],
        "responses": {"200": {"description": "ok", "content": {"application/json": {}}}}
      }
    },
    "/pets/{petId}": {
      "get": {
        "parameters": [{"name": "petId", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {"200": {"description": "ok", "content": {"application/json": {}}}}
      }
    }
  }
}`

func TestParseOpenAPI(t *testing.T) {
	spec, err := ParseOpenAPI([]byte(sampleOpenAPI), "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "Pets", spec.Title)
	assert.Equal(t, "https://api.example.com/v1", spec.BaseURL)
	require.Len(t, spec.Endpoints, 2)

	byPath := map[string]Endpoint{}
	for _, ep := range spec.Endpoints {
		byPath[ep.Path] = ep
	}
	assert.Equal(t, []string{"limit"}, byPath["/pets"].QueryParams)
	assert.Equal(t, []string{"petId"}, byPath["/pets/{petId}"].PathParams)
	assert.Equal(t, "application/json", byPath["/pets"].ResponseContentType)
}
