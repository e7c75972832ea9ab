package discovery

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RAMLSource probes for RAML API descriptions. RAML is YAML: resources are
// keys starting with "/", nested arbitrarily, with uriParameters and method
// keys underneath.
type RAMLSource struct{}

var ramlLocations = []string{"/api.raml", "/api/api.raml", "/raml/api.raml"}

func (s *RAMLSource) Name() string   { return "raml" }
func (s *RAMLSource) Prior() float64 { return PriorRAML }

func (s *RAMLSource) Discover(ctx context.Context, client *http.Client, domain string) Result {
	res := Result{Source: s.Name(), Confidence: s.Prior()}

	for _, loc := range ramlLocations {
		probe := "https://" + domain + loc
		res.ProbedLocations = append(res.ProbedLocations, probe)

		data, err := fetchBody(ctx, client, probe, "application/raml+yaml, application/yaml")
		if err != nil {
			res.Error = err.Error()
			continue
		}
		if data == nil {
			continue
		}
		spec, err := ParseRAML(data)
		if err != nil || len(spec.Endpoints) == 0 {
			continue
		}
		if spec.BaseURL == "" {
			spec.BaseURL = "https://" + domain
		}
		res.Found = true
		res.Error = ""
		res.Patterns = CompilePatterns("", s.Name(), s.Prior(), domain, spec)
		res.Metadata = map[string]any{"title": spec.Title, "version": spec.Version, "location": probe}
		return res
	}
	return res
}

var ramlMethods = map[string]bool{
	"get": true, "post": true, "put": true, "patch": true, "delete": true, "head": true, "options": true,
}

// ParseRAML parses a RAML document. RAML's `{param}` URI template syntax
// matches the compiler's, so paths pass through unchanged.
func ParseRAML(data []byte) (*ParsedSpec, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	spec := &ParsedSpec{}
	if t, ok := doc["title"].(string); ok {
		spec.Title = t
	}
	switch v := doc["version"].(type) {
	case string:
		spec.Version = v
	case int:
		spec.Version = "v" + strconv.Itoa(v)
	}
	if b, ok := doc["baseUri"].(string); ok {
		spec.BaseURL = strings.ReplaceAll(b, "{version}", spec.Version)
	}

	collectRAMLResources(doc, "", spec)
	sort.Slice(spec.Endpoints, func(i, j int) bool {
		if spec.Endpoints[i].Path != spec.Endpoints[j].Path {
			return spec.Endpoints[i].Path < spec.Endpoints[j].Path
		}
		return spec.Endpoints[i].Method < spec.Endpoints[j].Method
	})
	return spec, nil
}

func collectRAMLResources(node map[string]any, prefix string, spec *ParsedSpec) {
	for key, value := range node {
		if !strings.HasPrefix(key, "/") {
			continue
		}
		path := prefix + key
		child, ok := value.(map[string]any)
		if !ok {
			continue
		}

		pathParams := templateParams(path)
		var queryParams []string
		for mk, mv := range child {
			if !ramlMethods[strings.ToLower(mk)] {
				continue
			}
			queryParams = nil
			if mm, ok := mv.(map[string]any); ok {
				if qp, ok := mm["queryParameters"].(map[string]any); ok {
					for q := range qp {
						queryParams = append(queryParams, q)
					}
					sort.Strings(queryParams)
				}
			}
			spec.Endpoints = append(spec.Endpoints, Endpoint{
				Method:              strings.ToUpper(mk),
				Path:                path,
				PathParams:          pathParams,
				QueryParams:         queryParams,
				ResponseContentType: "application/json",
			})
		}
		collectRAMLResources(child, path, spec)
	}
}

// templateParams lists the {param} names in a path.
func templateParams(path string) []string {
	var out []string
	for _, m := range templateParamRe.FindAllStringSubmatch(path, -1) {
		out = append(out, m[1])
	}
	return out
}
