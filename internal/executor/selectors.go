package executor

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/skimmerhq/skimmer/internal/pattern"
	"github.com/skimmerhq/skimmer/internal/trace"
)

// simpleSelector is the supported CSS subset: a tag name optionally
// qualified by one class or one id ("h1", ".bio", "#main", "h1.title").
// Selectors outside this subset are skipped in the trace, never counted as
// failures against the chain.
type simpleSelector struct {
	tag   string
	id    string
	class string
}

func parseSelector(expr string) (simpleSelector, bool) {
	expr = strings.TrimSpace(expr)
	if expr == "" || strings.ContainsAny(expr, " >+~,[]():*") {
		return simpleSelector{}, false
	}
	var sel simpleSelector
	i := strings.IndexAny(expr, "#.")
	if i < 0 {
		sel.tag = expr
		return sel, true
	}
	sel.tag = expr[:i]
	qualifier := expr[i+1:]
	if qualifier == "" || strings.ContainsAny(qualifier, "#.") {
		return simpleSelector{}, false
	}
	if expr[i] == '#' {
		sel.id = qualifier
	} else {
		sel.class = qualifier
	}
	return sel, true
}

func (s simpleSelector) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && attrValue(n, "id") != s.id {
		return false
	}
	if s.class != "" {
		for _, c := range strings.Fields(attrValue(n, "class")) {
			if c == s.class {
				return true
			}
		}
		return false
	}
	return true
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findAll(root *html.Node, sel simpleSelector, limit int) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if limit > 0 && len(out) >= limit {
			return
		}
		if sel.matches(n) {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// nodeText collects the node's visible text, skipping script and style
// subtrees.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// selectorOutcome ties a tried selector back to its chain for the store's
// confidence accounting.
type selectorOutcome struct {
	chainID  string
	selector string
	matched  bool
}

// chainExtraction is the result of running learned selector chains over one
// rendered document.
type chainExtraction struct {
	attempts []trace.SelectorAttempt
	titles   []trace.TitleAttempt
	outcomes []selectorOutcome
	title    string
	body     string
	bodySel  string
}

// applySelectorChains walks each chain in order and stops at the first
// selector that yields text. Unsupported selectors are traced with a skip
// reason and excluded from the outcome counters.
func applySelectorChains(chains []*pattern.SelectorChain, doc, docTitle string) *chainExtraction {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil
	}

	ce := &chainExtraction{}
	for _, chain := range chains {
		fired := false
		for _, entry := range chain.Selectors {
			att := trace.SelectorAttempt{
				Selector:   entry.Selector,
				Source:     chain.Purpose,
				Confidence: entryConfidence(entry),
			}
			if fired {
				att.SkipReason = "prior selector matched"
				ce.attempts = append(ce.attempts, att)
				continue
			}
			if entry.Kind != "css" {
				att.SkipReason = "unsupported selector kind " + entry.Kind
				ce.attempts = append(ce.attempts, att)
				continue
			}
			sel, ok := parseSelector(entry.Selector)
			if !ok {
				att.SkipReason = "unsupported selector"
				ce.attempts = append(ce.attempts, att)
				continue
			}

			text := matchText(root, sel, chain.Purpose)
			if text == "" {
				ce.outcomes = append(ce.outcomes, selectorOutcome{chain.ID, entry.Selector, false})
				if chain.Purpose == "title" {
					ce.titles = append(ce.titles, trace.TitleAttempt{Source: "selector:" + entry.Selector})
				}
				ce.attempts = append(ce.attempts, att)
				continue
			}

			fired = true
			att.Matched = true
			att.ContentLength = len(text)
			att.Selected = true
			ce.outcomes = append(ce.outcomes, selectorOutcome{chain.ID, entry.Selector, true})
			ce.attempts = append(ce.attempts, att)

			switch chain.Purpose {
			case "title":
				selected := ce.title == ""
				if selected {
					ce.title = text
				}
				ce.titles = append(ce.titles, trace.TitleAttempt{
					Source: "selector:" + entry.Selector, Value: text, Found: true, Selected: selected,
				})
			case "body":
				if ce.body == "" {
					ce.body = text
					ce.bodySel = entry.Selector
				}
			}
		}
	}

	ce.titles = append(ce.titles, trace.TitleAttempt{
		Source:   "document",
		Value:    docTitle,
		Found:    docTitle != "",
		Selected: ce.title == "" && docTitle != "",
	})
	return ce
}

// matchText extracts text for one selector. List chains concatenate every
// match; title and body chains take the first.
func matchText(root *html.Node, sel simpleSelector, purpose string) string {
	limit := 1
	if purpose == "listItems" {
		limit = 0
	}
	nodes := findAll(root, sel, limit)
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if t := nodeText(n); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

func entryConfidence(e pattern.SelectorEntry) float64 {
	total := e.SuccessCount + e.FailureCount
	if total == 0 {
		return 0
	}
	return float64(e.SuccessCount) / float64(total)
}
