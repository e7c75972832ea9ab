package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCache(rdb, time.Hour), mr
}

func TestCacheRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	got, err := c.Get(ctx, "t1", "example.com")
	require.NoError(t, err)
	assert.Nil(t, got)

	d := &DomainDiscovery{Domain: "example.com", Found: true, DiscoveredAt: time.Now().UTC()}
	require.NoError(t, c.Put(ctx, "t1", d))

	got, err = c.Get(ctx, "t1", "example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Found)

	// Tenant isolation.
	other, err := c.Get(ctx, "t2", "example.com")
	require.NoError(t, err)
	assert.Nil(t, other)

	// Entries expire after the TTL.
	mr.FastForward(2 * time.Hour)
	got, err = c.Get(ctx, "t1", "example.com")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheInvalidate(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "t1", &DomainDiscovery{Domain: "example.com"}))
	require.NoError(t, c.Invalidate(ctx, "t1", "example.com"))

	got, err := c.Get(ctx, "t1", "example.com")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCooldownLadder(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	want := []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 2 * time.Hour}
	for i, expected := range want {
		cd, err := c.RecordFailure(ctx, "t1", "openapi", "down.example")
		require.NoError(t, err)
		assert.Equal(t, expected, cd, "failure %d", i+1)
	}
	assert.True(t, c.InCooldown(ctx, "t1", "openapi", "down.example"))
}

func TestCooldownExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, err := c.RecordFailure(ctx, "t1", "openapi", "down.example")
	require.NoError(t, err)
	assert.True(t, c.InCooldown(ctx, "t1", "openapi", "down.example"))

	mr.FastForward(90 * time.Second)
	assert.False(t, c.InCooldown(ctx, "t1", "openapi", "down.example"))

	// The failure counter survives the cooldown, so the next failure climbs
	// the ladder.
	cd, err := c.RecordFailure(ctx, "t1", "openapi", "down.example")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cd)
}

func TestClearFailuresResetsLadder(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.RecordFailure(ctx, "t1", "graphql", "flaky.example")
		require.NoError(t, err)
	}
	c.ClearFailures(ctx, "t1", "graphql", "flaky.example")
	assert.False(t, c.InCooldown(ctx, "t1", "graphql", "flaky.example"))

	cd, err := c.RecordFailure(ctx, "t1", "graphql", "flaky.example")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cd)
}

func TestCooldownIsPerSourceAndTenant(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.RecordFailure(ctx, "t1", "openapi", "d.example")
	require.NoError(t, err)

	assert.True(t, c.InCooldown(ctx, "t1", "openapi", "d.example"))
	assert.False(t, c.InCooldown(ctx, "t1", "graphql", "d.example"))
	assert.False(t, c.InCooldown(ctx, "t2", "openapi", "d.example"))
}
