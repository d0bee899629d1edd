package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/d60-Lab/pubqueue/config"
	_ "github.com/d60-Lab/pubqueue/docs"
	"github.com/d60-Lab/pubqueue/internal/adapter"
	"github.com/d60-Lab/pubqueue/internal/api"
	"github.com/d60-Lab/pubqueue/internal/api/handler"
	"github.com/d60-Lab/pubqueue/internal/broker"
	"github.com/d60-Lab/pubqueue/internal/model"
	"github.com/d60-Lab/pubqueue/internal/repository"
	"github.com/d60-Lab/pubqueue/internal/service"
	"github.com/d60-Lab/pubqueue/pkg/database"
	"github.com/d60-Lab/pubqueue/pkg/logger"
	"github.com/d60-Lab/pubqueue/pkg/redisclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := logger.Init(cfg.Log.Level); err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.Server.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Server.SentryDSN}); err != nil {
			logger.Warn("sentry init failed", zap.Error(err))
		}
	}

	shutdownTracer, err := initTracer(cfg)
	if err != nil {
		logger.Fatal("init tracer", zap.Error(err))
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		logger.Fatal("init database", zap.Error(err))
	}
	if err := db.AutoMigrate(&model.QueueItem{}, &model.Post{}, &model.OutboxEvent{}); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redisclient.New(cfg)
	if err != nil {
		logger.Fatal("init redis", zap.Error(err))
	}

	items := repository.NewQueueItemRepository(db)
	posts := repository.NewPostRepository(db)
	outbox := repository.NewOutboxRepository(db)

	var publisher adapter.Publisher
	if cfg.Adapter.Mode == "http" {
		publisher = adapter.NewHTTPPublisher(cfg.Adapter.Endpoints, cfg.Adapter.Timeout)
	} else {
		publisher = adapter.NewSimulatedPublisher(0)
	}

	worker := service.NewPublishWorker(items, posts, outbox, publisher,
		service.WithPublishTimeout(cfg.Worker.PublishTimeout),
		service.WithPlatformRate(cfg.Worker.PlatformRate, cfg.Worker.PlatformBurst),
	)

	b := broker.NewRedisBroker(rdb, cfg.Broker.Namespace,
		broker.WithMaxAttempts(cfg.Broker.MaxAttempts),
		broker.WithBackoff(cfg.Broker.BackoffBase, cfg.Broker.BackoffCap),
		broker.WithPollTimeout(cfg.Broker.PollTimeout),
		broker.WithPromoteInterval(cfg.Broker.PromoteEvery),
		broker.WithStaleThreshold(cfg.Broker.StaleThreshold),
		broker.WithDeadHook(worker.RecordFailure),
	)

	dispatcher := service.NewDispatcher(b, cfg.Broker.Queue)
	admission := service.NewAdmissionService(items, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := worker.Start(ctx, b, cfg.Broker.Queue, cfg.Worker.Concurrency); err != nil {
		logger.Fatal("start worker pool", zap.Error(err))
	}

	h := handler.NewHandler(admission, dispatcher, items, posts, outbox, b, cfg.Broker.Queue)
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: api.NewRouter(h, cfg)}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	if err := b.Stop(shutdownCtx); err != nil {
		logger.Warn("broker stop", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	sentry.Flush(cfg.Server.ShutdownTimeout)
}

func initTracer(cfg *config.Config) (func(context.Context) error, error) {
	if cfg.Telemetry.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(cfg.Telemetry.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.Telemetry.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
