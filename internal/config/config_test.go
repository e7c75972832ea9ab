package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skimmer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 120, cfg.Server.RateLimit)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, time.Hour, cfg.Redis.CacheTTL)
	assert.Equal(t, 3*time.Second, cfg.Discovery.ProbeInterval)
	assert.Equal(t, 5, cfg.Discovery.ProbeBurst)
	assert.False(t, cfg.GC.Enabled)
	assert.Equal(t, "nomic-embed-text", cfg.Embedder.Model)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
  rate_limit: 30
  api_keys:
    sk_live_abc: acme
store:
  path: /tmp/skimmer-test.db
redis:
  addr: redis.internal:6379
  cache_ttl: 30m
gc:
  enabled: true
  max_age: 720h
  max_confidence: 0.4
logging:
  level: debug
  format: json
`)
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30, cfg.Server.RateLimit)
	assert.Equal(t, map[string]string{"sk_live_abc": "acme"}, cfg.Server.APIKeys)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Redis.CacheTTL)
	assert.True(t, cfg.GC.Enabled)
	assert.Equal(t, 720*time.Hour, cfg.GC.MaxAge)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Discovery.ProbeBurst)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SKIMMER_SERVER_ADDR", ":7070")
	t.Setenv("SKIMMER_REDIS_ADDR", "override:6379")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "override:6379", cfg.Redis.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"bad key prefix", func(c *Config) { c.Server.APIKeys = map[string]string{"pk_live_x": "t"} }, "sk_live_"},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit = -1 }, "rate_limit"},
		{"empty store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"gc without max age", func(c *Config) { c.GC.Enabled = true; c.GC.MaxAge = 0 }, "gc.max_age"},
		{"confidence out of range", func(c *Config) { c.GC.MaxConfidence = 1.5 }, "max_confidence"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "skimmer.yaml")
	cfg := Default()
	cfg.Server.Addr = ":1234"
	cfg.Server.APIKeys = map[string]string{"sk_test_q": "qa"}
	require.NoError(t, cfg.SaveToPath(path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, ":1234", loaded.Server.Addr)
	assert.Equal(t, "qa", loaded.Server.APIKeys["sk_test_q"])
}
