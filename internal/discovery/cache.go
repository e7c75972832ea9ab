package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache stores merged discovery results per (tenant, domain) with a TTL, and
// tracks per-(source, domain) probe failures in a cooldown table. Both are
// tenant-isolated by key namespace.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// DefaultTTL is how long a merged discovery result stays fresh.
const DefaultTTL = time.Hour

// cooldownSteps is the exponential backoff ladder for failed probes. Repeat
// failures past the ladder stay at the cap.
var cooldownSteps = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// NewCache wraps a redis client. Zero ttl means DefaultTTL.
func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

func resultKey(tenantID, domain string) string {
	return fmt.Sprintf("disc:%s:result:%s", tenantID, domain)
}

func failKey(tenantID, source, domain string) string {
	return fmt.Sprintf("disc:%s:fail:%s:%s", tenantID, source, domain)
}

func cooldownKey(tenantID, source, domain string) string {
	return fmt.Sprintf("disc:%s:cooldown:%s:%s", tenantID, source, domain)
}

// Get returns the cached discovery result, or nil on a miss.
func (c *Cache) Get(ctx context.Context, tenantID, domain string) (*DomainDiscovery, error) {
	data, err := c.rdb.Get(ctx, resultKey(tenantID, domain)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("discovery cache get: %w", err)
	}
	var d DomainDiscovery
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("discovery cache decode: %w", err)
	}
	return &d, nil
}

// Put caches a merged discovery result for the TTL.
func (c *Cache) Put(ctx context.Context, tenantID string, d *DomainDiscovery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, resultKey(tenantID, d.Domain), data, c.ttl).Err()
}

// Invalidate drops the cached result for a domain.
func (c *Cache) Invalidate(ctx context.Context, tenantID, domain string) error {
	return c.rdb.Del(ctx, resultKey(tenantID, domain)).Err()
}

// InCooldown reports whether probes for (source, domain) are currently
// suppressed. Errors fail open: a broken cache must not block discovery.
func (c *Cache) InCooldown(ctx context.Context, tenantID, source, domain string) bool {
	n, err := c.rdb.Exists(ctx, cooldownKey(tenantID, source, domain)).Result()
	if err != nil {
		log.Warn().Err(err).Str("component", "discovery").Msg("cooldown check failed, allowing probe")
		return false
	}
	return n > 0
}

// RecordFailure bumps the failure counter for (source, domain) and arms the
// next cooldown step. Returns the applied cooldown.
func (c *Cache) RecordFailure(ctx context.Context, tenantID, source, domain string) (time.Duration, error) {
	count, err := c.rdb.Incr(ctx, failKey(tenantID, source, domain)).Result()
	if err != nil {
		return 0, fmt.Errorf("record discovery failure: %w", err)
	}
	// Keep the counter from living forever after the domain recovers.
	c.rdb.Expire(ctx, failKey(tenantID, source, domain), 24*time.Hour)

	step := int(count) - 1
	if step >= len(cooldownSteps) {
		step = len(cooldownSteps) - 1
	}
	cooldown := cooldownSteps[step]
	if err := c.rdb.Set(ctx, cooldownKey(tenantID, source, domain), count, cooldown).Err(); err != nil {
		return 0, fmt.Errorf("arm discovery cooldown: %w", err)
	}
	return cooldown, nil
}

// ClearFailures resets the failure ladder after a successful probe.
func (c *Cache) ClearFailures(ctx context.Context, tenantID, source, domain string) {
	if err := c.rdb.Del(ctx, failKey(tenantID, source, domain), cooldownKey(tenantID, source, domain)).Err(); err != nil {
		log.Warn().Err(err).Str("component", "discovery").Msg("failed to clear cooldown state")
	}
}
