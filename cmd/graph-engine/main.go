// Package main is the entry point for the graph engine service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/api"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/auth"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/batch"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/config"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/events"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/execstate"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/invoker"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/itemstore"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/nodes"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/processor"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/queue"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/registry"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/stats"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/tracing"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/validator"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("graph engine failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting graph engine",
		slog.String("port", cfg.Port),
		slog.String("item_store", cfg.ItemStore),
		slog.String("queue", cfg.Queue),
		slog.Int("workers", cfg.ProcessorWorkers),
	)

	// Tracing
	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "mentatlab-graph-engine",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTelEndpoint,
		Enabled:        cfg.OTelEnabled,
		SampleRate:     cfg.OTelSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	// Redis is shared by every Redis-backed component
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		redisCfg := itemstore.DefaultRedisConfig()
		redisCfg.URL = cfg.RedisURL
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		rdb, err = itemstore.NewRedisClient(redisCfg)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		logger.Info("connected to redis", slog.String("url", cfg.RedisURL))
	}

	// Item store tables
	backend, err := openBackend(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer backend.Close()

	graphs, err := itemstore.Open[*graph.Graph](ctx, backend, itemstore.TableGraphs)
	if err != nil {
		return fmt.Errorf("open %s: %w", itemstore.TableGraphs, err)
	}
	states, err := itemstore.Open[*execstate.State](ctx, backend, itemstore.TableGraphExecutions)
	if err != nil {
		return fmt.Errorf("open %s: %w", itemstore.TableGraphExecutions, err)
	}
	batches, err := itemstore.Open[*batch.BatchProcess](ctx, backend, itemstore.TableBatchProcess)
	if err != nil {
		return fmt.Errorf("open %s: %w", itemstore.TableBatchProcess, err)
	}

	// Queue
	var q queue.Queue
	if cfg.Queue == "redis" {
		q = queue.NewRedisQueue(rdb, cfg.RedisPrefix)
	} else {
		q = queue.NewMemoryQueue()
	}
	defer q.Close()

	// Events
	sink, history, closeEvents := buildEvents(cfg, rdb, logger)
	defer closeEvents()
	emitter := events.NewEmitter(sink, logger)

	// Node kinds
	reg := registry.New()
	if err := nodes.RegisterBuiltins(reg); err != nil {
		return fmt.Errorf("register node kinds: %w", err)
	}

	collector := stats.NewCollector(logger)
	proc := processor.New(q, states, reg, &processor.Config{
		Workers: cfg.ProcessorWorkers,
		Emitter: emitter,
		Stats:   collector,
		Tracer:  tp.Tracer(),
		Logger:  logger,
	})

	// Drop cached stats and retained events when a session is deleted.
	states.OnDeleted(func(id string) {
		collector.Reset(id)
		if bus, ok := history.(*events.Bus); ok {
			bus.Forget(id)
		}
	})

	inv := invoker.New(&invoker.Services{
		Graphs:    graphs,
		States:    states,
		Queue:     q,
		Processor: proc,
		Registry:  reg,
		Emitter:   emitter,
		Logger:    logger,
	})
	// Stop, not the signal, ends in-flight invocations.
	if err := inv.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	defer inv.Stop()

	mgr := batch.NewManager(batches, inv, logger)

	v, err := validator.New()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}

	middleware, err := buildMiddleware(ctx, cfg, logger)
	if err != nil {
		return err
	}

	handlers := api.NewHandlers(inv, mgr, history, v, cfg, logger)
	server := api.NewServer(handlers, middleware...)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: otelhttp.NewHandler(server.Router(), "graph-engine",
			otelhttp.WithTracerProvider(tp.TracerProvider()),
		),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	logger.Info("server stopped")
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, rdb *redis.Client) (*itemstore.Backend, error) {
	backend := &itemstore.Backend{Kind: cfg.ItemStore}

	switch cfg.ItemStore {
	case itemstore.BackendSQLite:
		db, err := itemstore.OpenSQLite(itemstore.DefaultSQLiteConfig(cfg.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		backend.DB = db
	case itemstore.BackendRedis:
		backend.Redis = rdb
		backend.RedisPrefix = cfg.RedisPrefix
		backend.TTL = cfg.ItemStoreTTL
	case itemstore.BackendS3:
		client, err := itemstore.NewS3Client(ctx, &itemstore.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UseSSL:          cfg.S3UseSSL,
			PathPrefix:      cfg.S3Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		backend.S3 = client
		backend.Bucket = cfg.S3Bucket
		backend.S3Prefix = cfg.S3Prefix
	}
	return backend, nil
}

// buildEvents fans events out to every configured sink and picks the sink
// that serves replay and subscriptions.
func buildEvents(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (events.Sink, events.History, func()) {
	var (
		sinks   events.Multi
		history events.History
		closers []func()
	)
	for _, name := range cfg.EventSinks {
		switch name {
		case "bus":
			bus := events.NewBus()
			sinks = append(sinks, bus)
			closers = append(closers, func() { _ = bus.Close() })
			if cfg.EventHistory == "bus" {
				history = bus
			}
		case "redis":
			rs := events.NewRedisSink(rdb, cfg.RedisPrefix, cfg.EventMaxLen, cfg.EventTTL, logger)
			sinks = append(sinks, rs)
			if cfg.EventHistory == "redis" {
				history = rs
			}
		case "log":
			sinks = append(sinks, events.NewLogSink(logger, slog.LevelDebug))
		}
	}
	return sinks, history, func() {
		for _, c := range closers {
			c()
		}
	}
}

func buildMiddleware(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]mux.MiddlewareFunc, error) {
	var mws []mux.MiddlewareFunc

	if cfg.RateLimitRPS > 0 {
		rl := auth.NewPerIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go rl.Run(ctx)
		mws = append(mws, rl.Handler)
	}

	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:           cfg.OIDCIssuer,
			ClientID:         cfg.OIDCClientID,
			UserInfoFallback: true,
		})
		if err != nil {
			return nil, fmt.Errorf("init oidc: %w", err)
		}
		mws = append(mws, auth.NewMiddleware(provider, &auth.MiddlewareConfig{Enabled: true}).Handler)
		logger.Info("oidc authentication enabled", slog.String("issuer", cfg.OIDCIssuer))
	}
	return mws, nil
}
