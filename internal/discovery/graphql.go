package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/skimmerhq/skimmer/internal/pattern"
)

// GraphQLSource POSTs the standard introspection query to common GraphQL
// paths, classifies the schema's query fields, and emits one query-api
// pattern per field.
type GraphQLSource struct{}

var graphqlPaths = []string{"/graphql", "/api/graphql", "/v1/graphql", "/query"}

// introspectionQuery is the minimal schema introspection: query type fields
// with their argument names and return types.
const introspectionQuery = `query IntrospectionQuery {
  __schema {
    queryType { name }
    types {
      kind
      name
      fields {
        name
        args { name }
        type { kind name ofType { kind name } }
      }
    }
  }
}`

func (s *GraphQLSource) Name() string   { return "graphql" }
func (s *GraphQLSource) Prior() float64 { return PriorGraphQL }

type introspectionResponse struct {
	Data struct {
		Schema struct {
			QueryType struct {
				Name string `json:"name"`
			} `json:"queryType"`
			Types []struct {
				Kind   string `json:"kind"`
				Name   string `json:"name"`
				Fields []struct {
					Name string `json:"name"`
					Args []struct {
						Name string `json:"name"`
					} `json:"args"`
					Type struct {
						Kind   string `json:"kind"`
						Name   string `json:"name"`
						OfType *struct {
							Kind string `json:"kind"`
							Name string `json:"name"`
						} `json:"ofType"`
					} `json:"type"`
				} `json:"fields"`
			} `json:"types"`
		} `json:"__schema"`
	} `json:"data"`
}

func (s *GraphQLSource) Discover(ctx context.Context, client *http.Client, domain string) Result {
	res := Result{Source: s.Name(), Confidence: s.Prior()}

	payload, _ := json.Marshal(map[string]string{"query": introspectionQuery})

	for _, path := range graphqlPaths {
		endpoint := "https://" + domain + path
		res.ProbedLocations = append(res.ProbedLocations, endpoint)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			res.Error = err.Error()
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			continue
		}

		var intro introspectionResponse
		if err := json.Unmarshal(body, &intro); err != nil {
			continue
		}
		queryType := intro.Data.Schema.QueryType.Name
		if queryType == "" {
			continue
		}

		res.Found = true
		res.Error = ""
		res.Patterns = s.patternsFromSchema(domain, endpoint, &intro)
		res.Metadata = map[string]any{
			"endpoint":  endpoint,
			"queryType": queryType,
		}
		return res
	}
	return res
}

// patternsFromSchema emits one pattern per root query field. Fields returning
// a connection-style type ("FooConnection", list wrappers) are classified as
// listing queries; the rest as entity lookups.
func (s *GraphQLSource) patternsFromSchema(domain, endpoint string, intro *introspectionResponse) []*pattern.APIPattern {
	queryType := intro.Data.Schema.QueryType.Name
	var patterns []*pattern.APIPattern

	for _, typ := range intro.Data.Schema.Types {
		if typ.Name != queryType || typ.Kind != "OBJECT" {
			continue
		}
		for _, field := range typ.Fields {
			kind := "entity"
			retName := field.Type.Name
			if field.Type.OfType != nil && retName == "" {
				retName = field.Type.OfType.Name
			}
			if strings.HasSuffix(retName, "Connection") || field.Type.Kind == "LIST" ||
				(field.Type.OfType != nil && field.Type.OfType.Kind == "LIST") {
				kind = "connection"
			}

			p := &pattern.APIPattern{
				ID:               PatternID(s.Name(), domain, "POST", "/graphql#"+field.Name),
				Domain:           domain,
				TemplateType:     pattern.TemplateGraphQL,
				EndpointTemplate: endpoint,
				URLPatterns:      []string{`^https://` + strings.ReplaceAll(domain, ".", `\.`) + `/.*$`},
				Method:           "POST",
				Headers:          map[string]string{"Content-Type": "application/json"},
				ResponseFormat:   pattern.FormatJSON,
				ContentMapping:   pattern.ContentMapping{Body: "data." + field.Name},
				Validation:       pattern.Validation{RequiredFields: []string{"data"}},
				DiscoverySource:  s.Name(),
				Metrics: pattern.Metrics{
					Confidence:    s.Prior(),
					SuccessCount:  specBackedSuccesses,
					SourceDomains: []string{domain},
				},
			}
			p.BodyTemplate = buildQueryEnvelope(field.Name, kind)
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// buildQueryEnvelope renders the JSON body for a root-field query. Both
// entity and connection fields select __typename so the call is valid without
// knowing the schema's scalar fields up front; invokers widen the selection
// once the field's shape is learned.
func buildQueryEnvelope(field, kind string) string {
	query := "query { " + field + " { __typename } }"
	if kind == "connection" {
		query = "query { " + field + "(first: 10) { __typename } }"
	}
	env, _ := json.Marshal(map[string]string{"query": query})
	return string(env)
}
