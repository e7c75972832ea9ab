package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Webhook header names.
const (
	headerWebhookEvent     = "X-Webhook-Event"
	headerWebhookSignature = "X-Webhook-Signature"
	headerWebhookTimestamp = "X-Webhook-Timestamp"
	headerWebhookTest      = "X-Webhook-Test"
)

// Notifier pushes signed event envelopes to a configured endpoint. A nil
// Notifier drops events silently.
type Notifier struct {
	endpoint string
	secret   []byte
	client   *http.Client
}

// NewNotifier returns a notifier, or nil when no endpoint is configured.
func NewNotifier(endpoint, secret string) *Notifier {
	if endpoint == "" {
		return nil
	}
	return &Notifier{
		endpoint: endpoint,
		secret:   []byte(secret),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers one event. Delivery failures are logged, never surfaced:
// webhooks are a side channel.
func (n *Notifier) Send(ctx context.Context, event string, payload any, test bool) {
	if n == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("webhook payload marshal failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerWebhookEvent, event)
	req.Header.Set(headerWebhookSignature, "sha256="+Sign(n.secret, body))
	req.Header.Set(headerWebhookTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	if test {
		req.Header.Set(headerWebhookTest, "true")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("webhook delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("event", event).Msg("webhook rejected")
	}
}

// Sign computes the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Webhook-Signature header value against the
// body in constant time.
func VerifySignature(secret, body []byte, header string) bool {
	want, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	wantRaw, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), wantRaw)
}
