package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
)

// API key prefixes. The prefix marks the environment; webhook events from
// test keys carry X-Webhook-Test.
const (
	keyPrefixLive = "sk_live_"
	keyPrefixTest = "sk_test_"
)

// defaultRateLimit is requests per key per minute.
const defaultRateLimit = 120

type ctxKey int

const (
	ctxTenant ctxKey = iota
	ctxTestEnv
)

// TenantFrom returns the authenticated tenant on a request context.
func TenantFrom(ctx context.Context) string {
	t, _ := ctx.Value(ctxTenant).(string)
	return t
}

// TestEnvFrom reports whether the request used a test-environment key.
func TestEnvFrom(ctx context.Context) bool {
	b, _ := ctx.Value(ctxTestEnv).(bool)
	return b
}

// keyWindow is a fixed one-minute quota window for one API key.
type keyWindow struct {
	count int
	reset time.Time
}

// authenticator validates bearer keys and enforces per-key quotas.
type authenticator struct {
	keys  map[string]string
	limit int

	mu      sync.Mutex
	windows map[string]*keyWindow
	now     func() time.Time
}

func newAuthenticator(keys map[string]string, limit int) *authenticator {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	return &authenticator{
		keys:    keys,
		limit:   limit,
		windows: make(map[string]*keyWindow),
		now:     time.Now,
	}
}

// middleware authenticates the request and applies the key's quota.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerKey(r)
		if !ok {
			writeError(w, fetcherr.New(fetcherr.CodeUnauthorized, "missing bearer token"))
			return
		}
		tenant, ok := a.keys[key]
		if !ok {
			writeError(w, fetcherr.New(fetcherr.CodeUnauthorized, "unknown API key"))
			return
		}

		remaining, reset, allowed := a.take(key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(a.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(reset).Seconds())+1))
			writeError(w, fetcherr.New(fetcherr.CodeRateLimited, "rate limit exceeded"))
			return
		}

		ctx := context.WithValue(r.Context(), ctxTenant, tenant)
		ctx = context.WithValue(ctx, ctxTestEnv, strings.HasPrefix(key, keyPrefixTest))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerKey extracts a well-prefixed key from the Authorization header.
func bearerKey(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if !strings.HasPrefix(h, scheme) {
		return "", false
	}
	key := strings.TrimSpace(h[len(scheme):])
	if !strings.HasPrefix(key, keyPrefixLive) && !strings.HasPrefix(key, keyPrefixTest) {
		return "", false
	}
	return key, true
}

// take consumes one request from the key's window.
func (a *authenticator) take(key string) (remaining int, reset time.Time, allowed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	win := a.windows[key]
	if win == nil || !now.Before(win.reset) {
		win = &keyWindow{reset: now.Truncate(time.Minute).Add(time.Minute)}
		a.windows[key] = win
	}
	if win.count >= a.limit {
		return 0, win.reset, false
	}
	win.count++
	return a.limit - win.count, win.reset, true
}
