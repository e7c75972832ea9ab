package discovery

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// OpenAPISource probes the well-known OpenAPI/Swagger document locations and
// compiles every operation into a pattern.
type OpenAPISource struct{}

var openAPILocations = []string{
	"/openapi.json",
	"/openapi.yaml",
	"/swagger.json",
	"/.well-known/openapi",
	"/api/openapi.json",
	"/api-docs",
	"/v3/api-docs",
}

func (s *OpenAPISource) Name() string   { return "openapi" }
func (s *OpenAPISource) Prior() float64 { return PriorOpenAPI }

func (s *OpenAPISource) Discover(ctx context.Context, client *http.Client, domain string) Result {
	res := Result{Source: s.Name(), Confidence: s.Prior()}

	for _, loc := range openAPILocations {
		probe := "https://" + domain + loc
		res.ProbedLocations = append(res.ProbedLocations, probe)

		data, err := fetchBody(ctx, client, probe, "application/json, application/yaml")
		if err != nil {
			res.Error = err.Error()
			continue
		}
		if data == nil {
			continue // non-200, not an error
		}

		spec, err := ParseOpenAPI(data, domain)
		if err != nil || len(spec.Endpoints) == 0 {
			continue
		}
		res.Found = true
		res.Error = ""
		res.Patterns = CompilePatterns("", s.Name(), s.Prior(), domain, spec)
		res.Metadata = map[string]any{
			"title":    spec.Title,
			"version":  spec.Version,
			"baseUrl":  spec.BaseURL,
			"location": probe,
		}
		return res
	}
	return res
}

// ParseOpenAPI parses an OpenAPI 3 document into the format-independent spec.
func ParseOpenAPI(data []byte, domain string) (*ParsedSpec, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, err
	}

	spec := &ParsedSpec{}
	if doc.Info != nil {
		spec.Title = doc.Info.Title
		spec.Version = doc.Info.Version
	}
	if len(doc.Servers) > 0 {
		spec.BaseURL = doc.Servers[0].URL
	}
	if spec.BaseURL == "" || strings.HasPrefix(spec.BaseURL, "/") {
		spec.BaseURL = "https://" + domain + spec.BaseURL
	}

	if doc.Paths == nil {
		return spec, nil
	}
	paths := doc.Paths.Map()
	ordered := make([]string, 0, len(paths))
	for p := range paths {
		ordered = append(ordered, p)
	}
	sort.Strings(ordered)

	for _, path := range ordered {
		item := paths[path]
		if item == nil {
			continue
		}
		for method, op := range item.Operations() {
			if op == nil {
				continue
			}
			ep := Endpoint{Method: method, Path: path}
			collectParams(&ep, item.Parameters)
			collectParams(&ep, op.Parameters)
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				ep.RequestContentType = firstContentType(op.RequestBody.Value.Content)
			}
			if op.Responses != nil {
				for _, ref := range op.Responses.Map() {
					if ref != nil && ref.Value != nil {
						if ct := firstContentType(ref.Value.Content); ct != "" {
							ep.ResponseContentType = ct
							break
						}
					}
				}
			}
			spec.Endpoints = append(spec.Endpoints, ep)
		}
	}
	return spec, nil
}

func collectParams(ep *Endpoint, params openapi3.Parameters) {
	for _, ref := range params {
		if ref == nil || ref.Value == nil {
			continue
		}
		switch ref.Value.In {
		case openapi3.ParameterInPath:
			ep.PathParams = append(ep.PathParams, ref.Value.Name)
		case openapi3.ParameterInQuery:
			ep.QueryParams = append(ep.QueryParams, ref.Value.Name)
		}
	}
}

func firstContentType(content openapi3.Content) string {
	for ct := range content {
		if strings.Contains(ct, "json") {
			return ct
		}
	}
	for ct := range content {
		return ct
	}
	return ""
}

// fetchBody GETs a probe location. A non-200 answer returns (nil, nil): the
// location simply does not exist. Transport errors return err.
func fetchBody(ctx context.Context, client *http.Client, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}
