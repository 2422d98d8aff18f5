package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/recall/config"
	"github.com/mohammad-safakhou/recall/internal/chunker"
	"github.com/mohammad-safakhou/recall/internal/embedder"
	"github.com/mohammad-safakhou/recall/internal/indexer"
	"github.com/mohammad-safakhou/recall/internal/queue/streams"
	"github.com/mohammad-safakhou/recall/internal/runtime"
	"github.com/mohammad-safakhou/recall/internal/store"
	"github.com/mohammad-safakhou/recall/internal/telegram"
	"github.com/mohammad-safakhou/recall/internal/worker"
	"github.com/mohammad-safakhou/recall/provider"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var cmd = &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone indexing worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			return runWorker(cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}

// runWorker owns a worker process end to end: it connects storage, joins the
// consumer group under a unique name, and drains jobs until SIGINT/SIGTERM.
func runWorker(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)

	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     runtime.BuildRedisAddr(cfg),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", runtime.BuildRedisAddr(cfg), err)
	}
	defer func() { _ = rdb.Close() }()

	prov, err := provider.NewProvider(provider.OpenAI, cfg.Embedding, cfg.LLM)
	if err != nil {
		return err
	}
	cipher, err := runtime.NewSessionCipher(cfg.Server.SessionKey)
	if err != nil {
		return fmt.Errorf("server.session_key: %w", err)
	}
	vault := runtime.NewSessionVault(st, cipher)
	bridge := telegram.NewBridge(cfg.Telegram, logger)

	registry, err := streams.NewRegistry()
	if err != nil {
		return err
	}

	workerCfg := cfg.Worker.Normalize()
	workerCfg.Consumer = fmt.Sprintf("%s-%s", workerCfg.Consumer, uuid.NewString()[:8])

	if err := streams.EnsureGroup(ctx, rdb, workerCfg.Stream, workerCfg.Group); err != nil {
		return err
	}
	consumer := streams.NewConsumer(rdb, registry, workerCfg.Group, workerCfg.Consumer)

	telemetry, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "recall-worker",
		ServiceVersion: "dev",
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = telemetry.Shutdown(context.Background()) }()

	embCfg := cfg.Embedding.Normalize()
	pipeline := embedder.New(embedder.Config{
		BatchSize:    embCfg.BatchSize,
		Concurrency:  embCfg.Concurrency,
		MaxRetries:   embCfg.MaxRetries,
		QueueCeiling: embCfg.QueueCeiling,
	}, prov, st, nil)
	coordinator := indexer.New(st, bridge, vault, pipeline, chunker.ConfigFrom(cfg.Chunking), nil)
	processor := worker.NewProcessor(logger, coordinator, consumer, workerCfg, meter, tracer)

	if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
