package renderer

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
)

// maxDocumentBytes caps how much of an origin response the basic renderer
// will read.
const maxDocumentBytes = 4 << 20

// Basic serves the intelligence tier with a plain HTTP fetch and an HTML
// text extraction pass. It backs deployments that have no external render
// service; lightweight and playwright tiers are simply absent.
type Basic struct {
	client *http.Client
}

// NewBasic returns a Basic renderer. A nil client uses a default with the
// intelligence tier timeout.
func NewBasic(client *http.Client) *Basic {
	if client == nil {
		client = &http.Client{Timeout: TierIntelligence.Timeout()}
	}
	return &Basic{client: client}
}

func (b *Basic) Tiers() []Tier { return []Tier{TierIntelligence} }

func (b *Basic) Render(ctx context.Context, req Request) (*Result, error) {
	if req.Tier != TierIntelligence {
		return nil, fetcherr.New(fetcherr.CodeRenderFailed, "basic renderer serves only %s", TierIntelligence)
	}

	started := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.CodeRenderFailed, err, "build request for %s", req.URL)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fetcherr.Wrap(fetcherr.CodeFetchTimeout, err, "fetch %s timed out", req.URL)
		}
		return nil, fetcherr.Wrap(fetcherr.CodeRenderFailed, err, "fetch %s", req.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return &Result{FinalURL: resp.Request.URL.String(), BotDetected: true}, nil
	}
	if resp.StatusCode >= 400 {
		return nil, fetcherr.New(fetcherr.CodeRenderFailed, "origin returned %d for %s", resp.StatusCode, req.URL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.CodeRenderFailed, err, "read %s", req.URL)
	}

	res := &Result{
		FinalURL: resp.Request.URL.String(),
		HTML:     string(body),
		NetworkLog: []NetworkRequest{{
			URL:         resp.Request.URL.String(),
			Method:      http.MethodGet,
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Duration:    time.Since(started),
		}},
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "html") {
		// Non-HTML payloads pass through as text.
		res.Text = string(body)
		res.Markdown = res.Text
		return res, nil
	}

	res.Title, res.Text = extractText(string(body))
	res.Markdown = res.Text
	return res, nil
}

// extractText pulls the document title and the visible text, dropping
// script and style subtrees.
func extractText(doc string) (title, text string) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", doc
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "title":
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
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
	walk(root)
	return title, sb.String()
}
