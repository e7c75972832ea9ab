package discovery

import (
	"context"
	"net/http"
	"sort"
	"strings"
)

// WADLSource probes for WADL application descriptions. WADL nests <resource>
// elements to build paths, so the parser keeps an explicit path stack and
// matches open/close tags rather than trying to regex the nesting.
type WADLSource struct{}

var wadlLocations = []string{"/application.wadl", "/api/application.wadl", "/rest/application.wadl"}

func (s *WADLSource) Name() string   { return "wadl" }
func (s *WADLSource) Prior() float64 { return PriorRAML }

func (s *WADLSource) Discover(ctx context.Context, client *http.Client, domain string) Result {
	res := Result{Source: s.Name(), Confidence: s.Prior()}

	for _, loc := range wadlLocations {
		probe := "https://" + domain + loc
		res.ProbedLocations = append(res.ProbedLocations, probe)

		data, err := fetchBody(ctx, client, probe, "application/vnd.sun.wadl+xml, application/xml")
		if err != nil {
			res.Error = err.Error()
			continue
		}
		if data == nil {
			continue
		}
		spec, ok := ParseWADL(string(data))
		if !ok || len(spec.Endpoints) == 0 {
			continue
		}
		if spec.BaseURL == "" {
			spec.BaseURL = "https://" + domain
		}
		res.Found = true
		res.Error = ""
		res.Patterns = CompilePatterns("", s.Name(), s.Prior(), domain, spec)
		res.Metadata = map[string]any{"location": probe}
		return res
	}
	return res
}

// wadlToken is one tag event from the scanner.
type wadlToken struct {
	name        string
	attrs       map[string]string
	closing     bool // </name>
	selfClosing bool // <name ... />
}

// ParseWADL parses a WADL document into endpoints. Returns false when the
// document has no <application> root. Nested <resource path="..."> elements
// concatenate onto the enclosing path; <method name="GET"> elements emit an
// endpoint for the current stack.
func ParseWADL(doc string) (*ParsedSpec, bool) {
	spec := &ParsedSpec{}
	sawApplication := false

	var stack []string            // resource path segments
	var queryStack [][]string     // query params accumulated per open resource
	depthAtMethod := -1           // guards <param> attribution inside <method>

	flushPath := func() string {
		joined := strings.Join(stack, "/")
		return "/" + strings.Trim(joined, "/")
	}

	for _, tok := range scanWADLTokens(doc) {
		switch tok.name {
		case "application":
			if !tok.closing {
				sawApplication = true
			}
		case "resources":
			if !tok.closing {
				if base := tok.attrs["base"]; base != "" {
					spec.BaseURL = strings.TrimRight(base, "/")
				}
			}
		case "resource":
			if tok.closing {
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
					queryStack = queryStack[:len(queryStack)-1]
				}
				continue
			}
			path := strings.Trim(tok.attrs["path"], "/")
			stack = append(stack, path)
			queryStack = append(queryStack, nil)
			if tok.selfClosing {
				stack = stack[:len(stack)-1]
				queryStack = queryStack[:len(queryStack)-1]
			}
		case "method":
			if tok.closing {
				depthAtMethod = -1
				continue
			}
			name := strings.ToUpper(tok.attrs["name"])
			if name == "" || len(stack) == 0 {
				continue
			}
			path := flushPath()
			spec.Endpoints = append(spec.Endpoints, Endpoint{
				Method:              name,
				Path:                path,
				PathParams:          templateParams(path),
				QueryParams:         collectedQueryParams(queryStack),
				ResponseContentType: "application/json",
			})
			if !tok.selfClosing {
				depthAtMethod = len(stack)
			}
		case "param":
			if tok.closing || len(queryStack) == 0 {
				continue
			}
			if tok.attrs["style"] != "query" {
				continue
			}
			pname := tok.attrs["name"]
			if pname == "" {
				continue
			}
			if depthAtMethod >= 0 {
				// Param declared inside a <method>: attach to the endpoint
				// just emitted.
				last := len(spec.Endpoints) - 1
				if last >= 0 {
					spec.Endpoints[last].QueryParams = appendUnique(spec.Endpoints[last].QueryParams, pname)
				}
				continue
			}
			top := len(queryStack) - 1
			queryStack[top] = appendUnique(queryStack[top], pname)
		}
	}

	sort.Slice(spec.Endpoints, func(i, j int) bool {
		if spec.Endpoints[i].Path != spec.Endpoints[j].Path {
			return spec.Endpoints[i].Path < spec.Endpoints[j].Path
		}
		return spec.Endpoints[i].Method < spec.Endpoints[j].Method
	})
	return spec, sawApplication
}

// scanWADLTokens walks the document byte by byte and yields tag events.
// Comments, processing instructions, and CDATA are skipped; namespaces are
// stripped from element names.
func scanWADLTokens(doc string) []wadlToken {
	var tokens []wadlToken
	i := 0
	n := len(doc)

	for i < n {
		open := strings.IndexByte(doc[i:], '<')
		if open < 0 {
			break
		}
		i += open
		switch {
		case strings.HasPrefix(doc[i:], "<!--"):
			end := strings.Index(doc[i:], "-->")
			if end < 0 {
				return tokens
			}
			i += end + 3
			continue
		case strings.HasPrefix(doc[i:], "<![CDATA["):
			end := strings.Index(doc[i:], "]]>")
			if end < 0 {
				return tokens
			}
			i += end + 3
			continue
		case strings.HasPrefix(doc[i:], "<?"):
			end := strings.Index(doc[i:], "?>")
			if end < 0 {
				return tokens
			}
			i += end + 2
			continue
		case strings.HasPrefix(doc[i:], "<!"):
			end := strings.IndexByte(doc[i:], '>')
			if end < 0 {
				return tokens
			}
			i += end + 1
			continue
		}

		end := strings.IndexByte(doc[i:], '>')
		if end < 0 {
			break
		}
		raw := doc[i+1 : i+end]
		i += end + 1

		tok := wadlToken{attrs: map[string]string{}}
		if strings.HasPrefix(raw, "/") {
			tok.closing = true
			raw = strings.TrimPrefix(raw, "/")
		}
		if strings.HasSuffix(raw, "/") {
			tok.selfClosing = true
			raw = strings.TrimSuffix(raw, "/")
		}

		fields := splitTag(raw)
		if len(fields) == 0 {
			continue
		}
		tok.name = localName(fields[0])
		for _, f := range fields[1:] {
			eq := strings.IndexByte(f, '=')
			if eq < 0 {
				continue
			}
			key := localName(f[:eq])
			val := strings.Trim(f[eq+1:], `"'`)
			tok.attrs[key] = val
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// splitTag splits tag contents on whitespace, keeping quoted attribute values
// intact.
func splitTag(raw string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := byte(0)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case inQuote != 0:
			cur.WriteByte(c)
			if c == inQuote {
				inQuote = 0
			}
		case c == '"' || c == '\'':
			inQuote = c
			cur.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

func localName(qualified string) string {
	if idx := strings.LastIndexByte(qualified, ':'); idx >= 0 {
		return qualified[idx+1:]
	}
	return qualified
}

// collectedQueryParams flattens every open resource level's query params.
func collectedQueryParams(queryStack [][]string) []string {
	var out []string
	for _, level := range queryStack {
		for _, q := range level {
			out = appendUnique(out, q)
		}
	}
	return out
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
