// Package skills abstracts successful workflows into reusable, semantically
// searchable skills. Descriptions are embedded so new tasks can be matched
// to known skills by meaning rather than by exact wording.
package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Embedding is a dense vector over a skill description.
type Embedding []float32

// Cosine is the cosine similarity of two embeddings, zero when the
// dimensions disagree or either vector is empty.
func Cosine(a, b Embedding) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Embedder turns text into embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
	Dimension() int
	ModelName() string
}

// Cache defaults.
const (
	defaultCacheSize = 1000
	defaultCacheTTL  = time.Hour
)

// cacheEntry is one cached embedding.
type cacheEntry struct {
	key       string
	embedding Embedding
	storedAt  time.Time
}

// embedCache is a small LRU with TTL. Embedding the same description twice
// is common: skills are re-embedded on merge and matched on every query.
type embedCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   []*cacheEntry
	maxSize int
	ttl     time.Duration
	hits    int64
	misses  int64
}

func newEmbedCache(maxSize int, ttl time.Duration) *embedCache {
	return &embedCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func cacheKey(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func (c *embedCache) get(text string) Embedding {
	key := cacheKey(text)
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	if time.Since(e.storedAt) > c.ttl {
		c.misses++
		c.removeLocked(key)
		return nil
	}
	c.hits++
	c.touchLocked(e)
	return e.embedding
}

func (c *embedCache) put(text string, emb Embedding) {
	key := cacheKey(text)
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.embedding = emb
		e.storedAt = time.Now()
		c.touchLocked(e)
		return
	}
	for len(c.entries) >= c.maxSize && len(c.order) > 0 {
		c.removeLocked(c.order[0].key)
	}
	e := &cacheEntry{key: key, embedding: emb, storedAt: time.Now()}
	c.entries[key] = e
	c.order = append(c.order, e)
}

func (c *embedCache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for i, o := range c.order {
		if o == e {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *embedCache) touchLocked(e *cacheEntry) {
	for i, o := range c.order {
		if o == e {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, e)
}

// CacheStats report embedding cache effectiveness.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

func (c *embedCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
}

// HTTPEmbedderConfig configures the HTTP embedder.
type HTTPEmbedderConfig struct {
	// Host of an Ollama-compatible embedding endpoint.
	Host  string
	Model string
	// Timeout per request. Default 30s.
	Timeout time.Duration
	// CacheSize below zero disables caching.
	CacheSize int
	CacheTTL  time.Duration
}

// HTTPEmbedder calls an Ollama-compatible /api/embeddings endpoint and
// caches results.
type HTTPEmbedder struct {
	host      string
	model     string
	client    *http.Client
	cache     *embedCache
	mu        sync.Mutex
	dimension int
}

// NewHTTPEmbedder returns an embedder against cfg.Host.
func NewHTTPEmbedder(cfg HTTPEmbedderConfig) *HTTPEmbedder {
	if cfg.Host == "" {
		cfg.Host = "http://127.0.0.1:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	var cache *embedCache
	if cfg.CacheSize >= 0 {
		size := cfg.CacheSize
		if size == 0 {
			size = defaultCacheSize
		}
		ttl := cfg.CacheTTL
		if ttl == 0 {
			ttl = defaultCacheTTL
		}
		cache = newEmbedCache(size, ttl)
	}
	return &HTTPEmbedder{
		host:   strings.TrimRight(cfg.Host, "/"),
		model:  cfg.Model,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
	}
}

// Embed returns the embedding for text, from cache when possible.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	if e.cache != nil {
		if cached := e.cache.get(text); cached != nil {
			return cached, nil
		}
	}

	body, err := json.Marshal(map[string]any{"model": e.model, "prompt": text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedder returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}

	emb := make(Embedding, len(out.Embedding))
	for i, v := range out.Embedding {
		emb[i] = float32(v)
	}

	e.mu.Lock()
	if e.dimension != len(emb) {
		e.dimension = len(emb)
	}
	e.mu.Unlock()

	if e.cache != nil {
		e.cache.put(text, emb)
	}
	log.Trace().Int("dim", len(emb)).Int("textLen", len(text)).Msg("embedded description")
	return emb, nil
}

// Dimension is the last observed embedding size, zero before first use.
func (e *HTTPEmbedder) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dimension
}

// ModelName names the embedding model.
func (e *HTTPEmbedder) ModelName() string { return e.model }

// CacheStats reports cache effectiveness, zero when caching is off.
func (e *HTTPEmbedder) CacheStats() CacheStats {
	if e.cache == nil {
		return CacheStats{}
	}
	return e.cache.stats()
}
