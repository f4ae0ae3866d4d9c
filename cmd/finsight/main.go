package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/finsight-labs/finsight/config"
	"github.com/finsight-labs/finsight/internal/cache"
	"github.com/finsight-labs/finsight/internal/provider"
	"github.com/finsight-labs/finsight/internal/provider/openai"
	"github.com/finsight-labs/finsight/internal/ranking"
	"github.com/finsight-labs/finsight/internal/ratelimit"
	"github.com/finsight-labs/finsight/internal/search"
	"github.com/finsight-labs/finsight/internal/server"
	"github.com/finsight-labs/finsight/internal/session"
	"github.com/finsight-labs/finsight/internal/telemetry"
)

func main() {
	root := &cobra.Command{Use: "finsight"}
	root.AddCommand(serveCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCMD() *cobra.Command {
	var cfgPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")
	return serve
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.Providers) == 0 {
		return fmt.Errorf("no providers configured (providers.<name> in config)")
	}

	providerLogger := log.New(log.Writer(), "[PROVIDER] ", log.LstdFlags)
	registry := provider.NewRegistry(providerLogger)
	for name, pc := range cfg.Providers {
		client := openai.New(pc.APIKey, pc.BaseURL, pc.Model, pc.EmbeddingModel, float32(pc.Temperature), pc.MaxTokens, pc.Timeout)
		registry.Register(provider.Descriptor{
			Name:       name,
			Endpoint:   pc.BaseURL,
			Model:      pc.Model,
			DailyQuota: pc.DailyQuota,
			Priority:   pc.Priority,
		}, client, pc.RequestsPerSecond)
	}
	registry.StartDailyReset(ctx)
	manager := provider.NewManager(registry, providerLogger)

	redisClient := cache.Connect(ctx, cfg.Cache.Redis.Addr(), cfg.Cache.Redis.Password, cfg.Cache.Redis.DB, cfg.Cache.Redis.Timeout)
	store := cache.New(redisClient, cfg.Cache.SchemaVersion, log.New(log.Writer(), "[CACHE] ", log.LstdFlags))
	limiter := ratelimit.New(redisClient, log.New(log.Writer(), "[RATE] ", log.LstdFlags))

	tele := telemetry.New(cfg.Telemetry)
	engine := ranking.NewEngine(manager, log.New(log.Writer(), "[RANK] ", log.LstdFlags))
	searcher := search.NewSerper(cfg.Search.APIKey, cfg.Search.Endpoint, cfg.Search.MaxResults)

	orch := session.NewOrchestrator(searcher, engine, store, limiter, manager, tele, session.Config{
		TopSources:     cfg.Stream.TopSources,
		FragmentDelay:  cfg.Stream.FragmentDelay,
		ReplayDelay:    cfg.Stream.ReplayDelay,
		ReplayWords:    cfg.Stream.ReplayWords,
		MetricsTimeout: cfg.Stream.MetricsTimeout,
		QueryTTL:       cfg.Cache.QueryTTL,
		AnalysisTTL:    cfg.Cache.AnalysisTTL,
		ProviderProfile: ratelimit.Profile{
			Name:   "provider",
			Limit:  cfg.RateLimit.Provider.Limit,
			Window: cfg.RateLimit.Provider.Window,
		},
	}, log.New(log.Writer(), "[SESSION] ", log.LstdFlags))

	srv := server.New(cfg.Server, server.Deps{
		Orchestrator: orch,
		Limiter:      limiter,
		Telemetry:    tele,
		RateLimits:   cfg.RateLimit,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
