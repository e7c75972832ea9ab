// Package config loads skimmer's configuration from skimmer.yaml with
// SKIMMER_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all service configuration. It is loaded from skimmer.yaml
// and can be overridden by environment variables, e.g.
// SKIMMER_SERVER_ADDR or SKIMMER_REDIS_ADDR.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Renderer  RendererConfig  `mapstructure:"renderer" yaml:"renderer"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Embedder  EmbedderConfig  `mapstructure:"embedder" yaml:"embedder"`
	Verify    VerifyConfig    `mapstructure:"verify" yaml:"verify"`
	GC        GCConfig        `mapstructure:"gc" yaml:"gc"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `mapstructure:"addr" yaml:"addr"`
	// APIKeys maps bearer keys (sk_live_/sk_test_ prefixed) to tenant IDs.
	APIKeys map[string]string `mapstructure:"api_keys" yaml:"api_keys"`
	// RateLimit is requests per key per minute. Zero uses the built-in default.
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`
	// WebhookURL receives signed fetch.completed envelopes when set.
	WebhookURL    string `mapstructure:"webhook_url" yaml:"webhook_url,omitempty"`
	WebhookSecret string `mapstructure:"webhook_secret" yaml:"webhook_secret,omitempty"`
	// ShutdownTimeout bounds graceful drain on SIGTERM.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StoreConfig configures the sqlite-backed durable state.
type StoreConfig struct {
	// Path is the sqlite database file. ":memory:" is valid for throwaway runs.
	Path string `mapstructure:"path" yaml:"path"`
}

// RedisConfig configures the discovery cache and cooldown backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	// CacheTTL is how long discovery results stay fresh.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// RendererConfig configures the render tier backends.
type RendererConfig struct {
	// BaseURL is the render service endpoint. Empty selects the built-in
	// HTTP-only renderer, which serves the intelligence tier directly.
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	// QueueSize bounds each tier's pending queue; renders beyond it are
	// skipped rather than queued.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// DiscoveryConfig paces active probing.
type DiscoveryConfig struct {
	// ProbeInterval is the minimum spacing between probes per domain.
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	// ProbeBurst is the per-domain burst allowance.
	ProbeBurst int `mapstructure:"probe_burst" yaml:"probe_burst"`
	// HTTPTimeout bounds individual probe requests.
	HTTPTimeout time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
}

// EmbedderConfig configures the skill-template embedding backend.
type EmbedderConfig struct {
	// Host is an Ollama-compatible embeddings endpoint.
	Host string `mapstructure:"host" yaml:"host"`
	// Model is the embedding model name.
	Model string `mapstructure:"model" yaml:"model"`
	// CacheSize is the embedding cache capacity. Negative disables caching.
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size"`
}

// VerifyConfig configures the verification preset catalog.
type VerifyConfig struct {
	// PresetsPath overlays the shipped preset catalog when set.
	PresetsPath string `mapstructure:"presets_path" yaml:"presets_path,omitempty"`
}

// GCConfig configures stale-pattern garbage collection. Disabled unless
// Enabled is set; `skimmer gc` runs one pass with these thresholds.
type GCConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// MaxAge removes patterns whose last success is older than this.
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age"`
	// MaxConfidence removes only patterns at or below this confidence.
	MaxConfidence float64 `mapstructure:"max_confidence" yaml:"max_confidence"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "console" or "json".
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			APIKeys:         map[string]string{},
			RateLimit:       120,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path: "skimmer.db",
		},
		Redis: RedisConfig{
			Addr:     "127.0.0.1:6379",
			CacheTTL: time.Hour,
		},
		Renderer: RendererConfig{
			QueueSize: 32,
		},
		Discovery: DiscoveryConfig{
			ProbeInterval: 3 * time.Second,
			ProbeBurst:    5,
			HTTPTimeout:   10 * time.Second,
		},
		Embedder: EmbedderConfig{
			Host:      "http://127.0.0.1:11434",
			Model:     "nomic-embed-text",
			CacheSize: 1000,
		},
		GC: GCConfig{
			Enabled:       false,
			MaxAge:        90 * 24 * time.Hour,
			MaxConfidence: 0.3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads skimmer.yaml from the working directory, falling back to
// defaults when the file does not exist.
func Load() (*Config, error) {
	return LoadFromPath("skimmer.yaml")
}

// LoadFromPath reads configuration from path and merges environment
// overrides. A missing file is not an error; defaults apply.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// SKIMMER_SERVER_ADDR overrides server.addr, and so on.
	v.SetEnvPrefix("SKIMMER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Store.Path = expandPath(cfg.Store.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers defaults so env-only overrides work without a file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.rate_limit", cfg.Server.RateLimit)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.cache_ttl", cfg.Redis.CacheTTL)
	v.SetDefault("renderer.queue_size", cfg.Renderer.QueueSize)
	v.SetDefault("discovery.probe_interval", cfg.Discovery.ProbeInterval)
	v.SetDefault("discovery.probe_burst", cfg.Discovery.ProbeBurst)
	v.SetDefault("discovery.http_timeout", cfg.Discovery.HTTPTimeout)
	v.SetDefault("embedder.host", cfg.Embedder.Host)
	v.SetDefault("embedder.model", cfg.Embedder.Model)
	v.SetDefault("embedder.cache_size", cfg.Embedder.CacheSize)
	v.SetDefault("gc.enabled", cfg.GC.Enabled)
	v.SetDefault("gc.max_age", cfg.GC.MaxAge)
	v.SetDefault("gc.max_confidence", cfg.GC.MaxConfidence)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}

// SaveToPath writes the configuration to a YAML file.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for common mistakes.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	for key := range c.Server.APIKeys {
		if !strings.HasPrefix(key, "sk_live_") && !strings.HasPrefix(key, "sk_test_") {
			return fmt.Errorf("api key %q must start with sk_live_ or sk_test_", key)
		}
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit cannot be negative")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	if c.GC.Enabled && c.GC.MaxAge <= 0 {
		return fmt.Errorf("gc.max_age must be positive when gc is enabled")
	}
	if c.GC.MaxConfidence < 0 || c.GC.MaxConfidence > 1 {
		return fmt.Errorf("gc.max_confidence must be within [0,1]")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format %q, must be console or json", c.Logging.Format)
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
