package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/cartodb-layer/internal/cache/redisstore"
	"github.com/mohammed-shakir/cartodb-layer/internal/core/bounds"
	"github.com/mohammed-shakir/cartodb-layer/internal/core/config"
	"github.com/mohammed-shakir/cartodb-layer/internal/core/health"
	"github.com/mohammed-shakir/cartodb-layer/internal/core/httpclient"
	"github.com/mohammed-shakir/cartodb-layer/internal/core/observability"
	"github.com/mohammed-shakir/cartodb-layer/internal/core/server"
	"github.com/mohammed-shakir/cartodb-layer/internal/hitevents"
	"github.com/mohammed-shakir/cartodb-layer/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/cartodb-layer/internal/logger"
	"github.com/mohammed-shakir/cartodb-layer/internal/metrics"
)

func newServeCmd(_ *layerFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /tilejson, /bounds and /events (configured from the environment)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			if addr != "" {
				cfg.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "cartolayer",
		Component: "server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting cartolayer",
		"addr", cfg.Addr,
		"version", Version,
		"domain", cfg.Carto.Domain)

	if cfg.Metrics.Enabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    cfg.Metrics.Addr,
			Path:    cfg.Metrics.Path,
			Version: Version,
		})
		go func() {
			if err := p.Serve(ctx, appLog); err != nil {
				appLog.Error("metrics server exited", "err", err)
			}
		}()
	}

	fetcher := bounds.NewFetcher(appLog, httpclient.NewOutbound(cfg.BoundsTimeout), cfg.Carto.Scheme, cfg.Carto.Domain)
	ready := map[string]health.Check{}

	var store bounds.Store
	if cfg.ExtentCache.RedisEnabled {
		rc, err := redisstore.New(ctx, cfg.ExtentCache.RedisAddr)
		if err != nil {
			return fmt.Errorf("extent cache: %w", err)
		}
		defer func() { _ = rc.Close() }()
		store = rc
		ready["redis"] = rc.Ping
	}

	extents, err := bounds.NewCached(appLog, fetcher, store, bounds.CacheConfig{
		Size:      cfg.ExtentCache.LRUSize,
		TTL:       cfg.ExtentCache.TTL,
		OpTimeout: cfg.ExtentCache.OpTimeout,
	})
	if err != nil {
		return err
	}

	deps := server.Deps{Bounds: extents, Ready: ready}

	if cfg.Events.Enabled {
		pub, err := hitevents.NewPublisher(appLog, cfg.KafkaBrokers, cfg.Events.Topic, cfg.Events.QueueSize)
		if err != nil {
			return err
		}
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Warn("close event publisher", "err", err)
			}
		}()
		deps.Events = pub
	}

	if cfg.Invalidation.Enabled {
		kcfg := kafkaconsumer.DefaultConfig(cfg.KafkaBrokers, cfg.Invalidation.Topic, cfg.Invalidation.GroupID)
		czl := logger.Build(logger.Config{
			Level:     cfg.LogLevel,
			Console:   cfg.LogConsole,
			Service:   "cartolayer",
			Component: "kafka_consumer",
		}, os.Stdout)
		cons := kafkaconsumer.New(kcfg, logger.NewSlog(&czl), &czl, extents)
		go func() {
			if err := cons.Start(ctx); err != nil {
				appLog.Error("invalidation consumer exited", "err", err)
			}
		}()
	}

	if err := server.Run(ctx, cfg, appLog, deps); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	appLog.Info("server stopped")
	return nil
}
