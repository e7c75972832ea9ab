package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
)

// HTTPClient talks to an external renderer service. The service exposes one
// endpoint per tier (POST /render/{tier}) taking a Request and returning a
// Result.
type HTTPClient struct {
	baseURL string
	tiers   []Tier
	client  *http.Client
}

// NewHTTPClient builds a renderer client for the given tiers.
func NewHTTPClient(baseURL string, tiers []Tier) *HTTPClient {
	if len(tiers) == 0 {
		tiers = RealTiers
	}
	return &HTTPClient{
		baseURL: baseURL,
		tiers:   tiers,
		// Per-request deadlines come from the caller; the transport-level
		// timeout is a backstop against leaked connections.
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Tiers lists the tiers the remote service was configured with.
func (c *HTTPClient) Tiers() []Tier { return c.tiers }

// Render invokes the remote renderer for one tier.
func (c *HTTPClient) Render(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal render request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/render/%s", c.baseURL, req.Tier), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fetcherr.Wrap(fetcherr.CodeFetchTimeout, err, "render %s timed out", req.Tier)
		}
		return nil, fetcherr.Wrap(fetcherr.CodeRenderFailed, err, "render %s", req.Tier)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fetcherr.New(fetcherr.CodeRenderFailed,
			"renderer %s returned %d: %s", req.Tier, resp.StatusCode, string(b))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fetcherr.Wrap(fetcherr.CodeRenderFailed, err, "decode render result")
	}
	return &result, nil
}
