// Command skimmer runs the intelligent web-fetch service.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/skimmerhq/skimmer/internal/config"
	"github.com/skimmerhq/skimmer/internal/discovery"
	"github.com/skimmerhq/skimmer/internal/executor"
	"github.com/skimmerhq/skimmer/internal/logging"
	"github.com/skimmerhq/skimmer/internal/metrics"
	"github.com/skimmerhq/skimmer/internal/pattern"
	"github.com/skimmerhq/skimmer/internal/planner"
	"github.com/skimmerhq/skimmer/internal/predictor"
	"github.com/skimmerhq/skimmer/internal/renderer"
	"github.com/skimmerhq/skimmer/internal/server"
	"github.com/skimmerhq/skimmer/internal/skills"
	"github.com/skimmerhq/skimmer/internal/trace"
	"github.com/skimmerhq/skimmer/internal/verifier"
	"github.com/skimmerhq/skimmer/internal/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var cfgPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "skimmer",
		Short: "Tiered web fetching with learned API bypass",
		Long: `Skimmer fetches web content for automated agents through an
escalating tier cascade, learns API patterns behind pages, and serves the
result over an HTTP API.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "skimmer.yaml", "config file path")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(gcCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromPath(cfgPath)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP fetch service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := sql.Open("sqlite", cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
			}
			defer db.Close()

			patterns, err := pattern.NewStore(db)
			if err != nil {
				return err
			}
			workflows, err := workflow.NewStore(db)
			if err != nil {
				return err
			}
			skillStore, err := skills.NewStore(db)
			if err != nil {
				return err
			}
			pred, err := predictor.New(db)
			if err != nil {
				return err
			}

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()
			cache := discovery.NewCache(rdb, cfg.Redis.CacheTTL)

			var rend renderer.Renderer
			if cfg.Renderer.BaseURL != "" {
				rend = renderer.NewHTTPClient(cfg.Renderer.BaseURL, nil)
			} else {
				log.Warn().Msg("no renderer.base_url configured, serving the intelligence tier only")
				rend = renderer.NewBasic(nil)
			}
			slots := map[renderer.Tier]int{}
			for _, tier := range rend.Tiers() {
				slots[tier] = cfg.Renderer.QueueSize
			}
			pool := renderer.NewPool(rend, renderer.PoolConfig{SlotsPerTier: slots})

			presets, err := verifier.LoadCatalog(cfg.Verify.PresetsPath)
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector())
			m := metrics.New(registry)

			discoveryCfg := discovery.Config{
				ProbeInterval:   cfg.Discovery.ProbeInterval,
				ProbeBurst:      cfg.Discovery.ProbeBurst,
				HTTPTimeout:     cfg.Discovery.HTTPTimeout,
				Instrumentation: m,
			}
			embedder := skills.NewHTTPEmbedder(skills.HTTPEmbedderConfig{
				Host:      cfg.Embedder.Host,
				Model:     cfg.Embedder.Model,
				CacheSize: cfg.Embedder.CacheSize,
			})

			srv := server.New(server.Config{
				Addr:            cfg.Server.Addr,
				APIKeys:         cfg.Server.APIKeys,
				RateLimit:       cfg.Server.RateLimit,
				WebhookURL:      cfg.Server.WebhookURL,
				WebhookSecret:   cfg.Server.WebhookSecret,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
			}, server.Deps{
				Planner:      planner.New(patterns, cache),
				Executor:     executor.New(pool, patterns, verifier.New(), nil, pred, trace.NewStats()).WithInstrumentation(m),
				Patterns:     patterns,
				Orchestrator: discovery.NewOrchestrator(cache, patterns, discoveryCfg),
				Fuzzer:       discovery.NewFuzzer(patterns, discoveryCfg),
				Workflows:    workflows,
				Generalizer:  skills.NewGeneralizer(skillStore, embedder),
				Predictor:    pred,
				Presets:      presets,
				Metrics:      m,
				Registry:     registry,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Start(ctx)
		},
	}
}

func gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove stale low-confidence patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.GC.Enabled {
				return fmt.Errorf("pattern gc is disabled; set gc.enabled in %s", cfgPath)
			}

			db, err := sql.Open("sqlite", cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
			}
			defer db.Close()

			patterns, err := pattern.NewStore(db)
			if err != nil {
				return err
			}
			removed, err := patterns.GC(context.Background(), cfg.GC.MaxAge, cfg.GC.MaxConfidence)
			if err != nil {
				return err
			}
			log.Info().Int64("removed", removed).
				Dur("maxAge", cfg.GC.MaxAge).
				Float64("maxConfidence", cfg.GC.MaxConfidence).
				Msg("pattern gc complete")
			return nil
		},
	}
}
