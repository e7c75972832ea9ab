// Package renderer defines the Renderer capability the fetch core escalates
// through. Renderers are external processes (a lightweight HTML/JS parser, a
// headless browser); the core talks to them over HTTP and treats each tier as
// a bounded, breaker-protected resource.
package renderer

import (
	"context"
	"time"
)

// Tier is a named strategy for producing content from a URL, ordered by
// increasing cost.
type Tier string

const (
	// TierPatternInvoke bypasses rendering entirely via a learned API
	// pattern. Synthetic: it has no Renderer behind it.
	TierPatternInvoke Tier = "pattern-invoke"
	TierIntelligence  Tier = "intelligence"
	TierLightweight   Tier = "lightweight"
	TierPlaywright    Tier = "playwright"
)

// RealTiers are the tiers backed by a Renderer, cheapest first.
var RealTiers = []Tier{TierIntelligence, TierLightweight, TierPlaywright}

// Timeout returns the per-tier render deadline.
func (t Tier) Timeout() time.Duration {
	switch t {
	case TierIntelligence:
		return 5 * time.Second
	case TierLightweight:
		return 10 * time.Second
	case TierPlaywright:
		return 30 * time.Second
	default:
		return 10 * time.Second
	}
}

// Cost orders tiers for max-cost-tier truncation. Higher is more expensive.
func (t Tier) Cost() int {
	switch t {
	case TierPatternInvoke:
		return 0
	case TierIntelligence:
		return 1
	case TierLightweight:
		return 2
	case TierPlaywright:
		return 3
	default:
		return 4
	}
}

// ExpectedLatency is the planning estimate per tier.
func (t Tier) ExpectedLatency() time.Duration {
	switch t {
	case TierPatternInvoke:
		return 300 * time.Millisecond
	case TierIntelligence:
		return 800 * time.Millisecond
	case TierLightweight:
		return 2 * time.Second
	case TierPlaywright:
		return 8 * time.Second
	default:
		return 2 * time.Second
	}
}

// Session is an opaque browser session blob forwarded to renderers.
type Session struct {
	Cookies      []Cookie          `json:"cookies,omitempty"`
	LocalStorage map[string]string `json:"localStorage,omitempty"`
}

// Cookie is a single browser cookie.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Request asks a renderer to produce content for a URL.
type Request struct {
	URL          string            `json:"url"`
	Tier         Tier              `json:"tier"`
	WaitStrategy string            `json:"waitStrategy,omitempty"`
	ScrollToLoad bool              `json:"scrollToLoad,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Session      *Session          `json:"session,omitempty"`
}

// NetworkRequest is one captured origin-side HTTP exchange observed during a
// render. It feeds the API analyzer.
type NetworkRequest struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	StatusCode      int               `json:"statusCode"`
	ContentType     string            `json:"contentType"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	Duration        time.Duration     `json:"duration,omitempty"`
}

// Table is one extracted HTML table.
type Table struct {
	Headers []string   `json:"headers,omitempty"`
	Rows    [][]string `json:"rows"`
}

// Result is a renderer's output for one URL.
type Result struct {
	FinalURL   string           `json:"finalUrl"`
	Title      string           `json:"title"`
	HTML       string           `json:"html,omitempty"`
	Markdown   string           `json:"markdown"`
	Text       string           `json:"text"`
	Tables     []Table          `json:"tables,omitempty"`
	NetworkLog []NetworkRequest `json:"networkLog,omitempty"`
	// BotDetected is set when the renderer recognized an anti-bot
	// interstitial instead of content.
	BotDetected bool `json:"botDetected,omitempty"`
}

// Renderer produces content for a URL at one or more tiers.
type Renderer interface {
	// Render blocks until the tier produced content or ctx expires.
	Render(ctx context.Context, req Request) (*Result, error)
	// Tiers lists the tiers this renderer serves.
	Tiers() []Tier
}
