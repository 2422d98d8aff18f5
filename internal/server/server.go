package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/recall/config"
	"github.com/mohammad-safakhou/recall/internal/answer"
	"github.com/mohammad-safakhou/recall/internal/chunker"
	"github.com/mohammad-safakhou/recall/internal/embedder"
	"github.com/mohammad-safakhou/recall/internal/fault"
	"github.com/mohammad-safakhou/recall/internal/indexer"
	"github.com/mohammad-safakhou/recall/internal/queue/streams"
	"github.com/mohammad-safakhou/recall/internal/runtime"
	"github.com/mohammad-safakhou/recall/internal/search"
	"github.com/mohammad-safakhou/recall/internal/store"
	"github.com/mohammad-safakhou/recall/internal/telegram"
	"github.com/mohammad-safakhou/recall/internal/worker"
	"github.com/mohammad-safakhou/recall/provider"
)

// Run builds the full service from config and serves HTTP until the listener
// stops. With worker.enabled an embedded stream consumer runs in-process, and
// with scheduler.enabled the cron evaluator does too.
func Run(cfg *config.Config) error {
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = errorHandler(logger)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	registerDocs(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: %w", err)
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

	prov, err := provider.NewProvider(provider.OpenAI, cfg.Embedding, cfg.LLM)
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	cipher, err := runtime.NewSessionCipher(cfg.Server.SessionKey)
	if err != nil {
		return fmt.Errorf("server.session_key: %w", err)
	}
	vault := runtime.NewSessionVault(st, cipher)
	bridge := telegram.NewBridge(cfg.Telegram, nil)

	registry, err := streams.NewRegistry()
	if err != nil {
		return err
	}
	publisher := streams.NewPublisher(rdb, registry)

	retrieval := cfg.Retrieval.Normalize()
	engine := search.NewEngine(st, prov, retrieval, nil)
	composer := answer.New(engine, prov, st, retrieval, nil)

	workerCfg := cfg.Worker.Normalize()

	telemetry, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "recall-api",
		ServiceVersion: "dev",
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = telemetry.Shutdown(context.Background()) }()

	api := e.Group("/api")
	api.Use(runtime.EchoAuthMiddleware(secret))
	api.Use(RateLimit(rdb, cfg.Server.RateLimitPerMinutePerTenant, logger))

	(&SessionHandler{Store: st, Cipher: cipher}).Register(api)
	(&ChatsHandler{Store: st, Sessions: vault, Bridge: bridge}).Register(api)
	NewJobsHandler(st, publisher, workerCfg.Stream, logger).Register(api)
	NewQueryHandler(st, composer, engine, retrieval).Register(api)
	NewTimelinesHandler(st, composer, retrieval).Register(api)
	NewSchedulesHandler(st).Register(api)

	if cfg.Worker.Enabled {
		if err := streams.EnsureGroup(ctx, rdb, workerCfg.Stream, workerCfg.Group); err != nil {
			return err
		}
		consumer := streams.NewConsumer(rdb, registry, workerCfg.Group, workerCfg.Consumer)
		embCfg := cfg.Embedding.Normalize()
		pipeline := embedder.New(embedder.Config{
			BatchSize:    embCfg.BatchSize,
			Concurrency:  embCfg.Concurrency,
			MaxRetries:   embCfg.MaxRetries,
			QueueCeiling: embCfg.QueueCeiling,
		}, prov, st, nil)
		coordinator := indexer.New(st, bridge, vault, pipeline, chunker.ConfigFrom(cfg.Chunking), nil)
		processor := worker.NewProcessor(nil, coordinator, consumer, workerCfg, meter, tracer)
		go func() {
			if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("ERROR: embedded worker stopped: %v", err)
			}
		}()
	}

	if cfg.Scheduler.Enabled {
		sched := NewScheduler(st, rdb, publisher, workerCfg.Stream, cfg.Scheduler.Tick, logger)
		sched.Start()
		defer sched.StopWait()
	}

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10010"
	}
	logger.Printf("listening on %s", addr)
	return e.Start(addr)
}

// errorHandler maps fault kinds onto HTTP statuses and renders the uniform
// error envelope. Echo's own HTTPErrors pass through with their code.
func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		} else {
			code = statusOf(fault.KindOf(err))
			if code == http.StatusInternalServerError {
				// internals stay out of response bodies
				msg = "internal error"
			}
		}
		if ra := fault.RetryAfterOf(err); ra > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(ra/time.Second)))
		}

		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)

		if !c.Response().Committed {
			if req.Method == http.MethodHead {
				_ = c.NoContent(code)
			} else {
				_ = c.JSON(code, HTTPError{Error: msg})
			}
		}
	}
}

func statusOf(kind fault.Kind) int {
	switch kind {
	case fault.InvalidQuery, fault.SuspiciousQuery:
		return http.StatusBadRequest
	case fault.Unauthorized:
		return http.StatusUnauthorized
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Conflict:
		return http.StatusConflict
	case fault.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case fault.RateLimited:
		return http.StatusTooManyRequests
	case fault.UpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
