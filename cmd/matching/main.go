package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CheetahExchange/gitbitex-new/internal/config"
	"github.com/CheetahExchange/gitbitex-new/internal/consumer"
	"github.com/CheetahExchange/gitbitex-new/internal/engine"
	"github.com/CheetahExchange/gitbitex-new/internal/pubsub"
	"github.com/CheetahExchange/gitbitex-new/internal/service"
	"github.com/CheetahExchange/gitbitex-new/internal/storage"
	"github.com/CheetahExchange/gitbitex-new/libs/health"
	"github.com/CheetahExchange/gitbitex-new/libs/httpmiddleware"
	"github.com/CheetahExchange/gitbitex-new/libs/kafka"
	"github.com/CheetahExchange/gitbitex-new/libs/logging"
	"github.com/CheetahExchange/gitbitex-new/libs/metrics"
	"github.com/CheetahExchange/gitbitex-new/libs/trace"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"log/slog"
)

func main() {
	configPath := os.Getenv("GBX_CONFIG")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	engineMetrics := service.NewEngineMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)
	httpServer := buildHTTPServer(cfg, ready, registry, logger)

	store, err := storage.Open(cfg.Store.Dir)
	if err != nil {
		logger.Error("state store open failed", "dir", cfg.Store.Dir, "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	asyncProducer, err := kafka.NewAsyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer asyncProducer.Close()

	producer := pubsub.NewKafkaProducer(asyncProducer, pubsub.Topics{
		Accounts: cfg.Kafka.Topics.Accounts,
		Orders:   cfg.Kafka.Topics.Orders,
		Trades:   cfg.Kafka.Topics.Trades,
	}, logger)
	feed := pubsub.NewRedisFeed(redisClient, logger)

	matchingEngine, err := engine.New(store, producer, feed, engine.Config{
		PendingQueueSize:   cfg.Engine.PendingQueueSize,
		PublishWorkers:     cfg.Engine.PublishWorkers,
		PublishQueue:       cfg.Engine.PublishQueue,
		DrainInterval:      cfg.Engine.DrainInterval,
		CheckpointInterval: cfg.Engine.CheckpointInterval,
		L2PublishInterval:  cfg.Engine.L2PublishInterval,
		L2Depth:            cfg.Engine.L2Depth,
		L2SequenceGap:      cfg.Engine.L2SequenceGap,
	}, logger, engineMetrics)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(1)
	}

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	consumerGroup.WithDLQ(asyncProducer, cfg.Kafka.Topics.DeadLetter)
	defer consumerGroup.Close()

	commandConsumer := consumer.NewCommandConsumer(matchingEngine, logger)

	ready.SetReady(true)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	// a handler error on the command path is fatal: re-marking and moving
	// on would silently drop a sequenced command
	consumerErr := make(chan error, 1)
	go func() {
		logger.Info("command consumer starting", "topic", cfg.Kafka.Topics.Commands)
		consumerErr <- consumerGroup.Consume(consumerCtx, []string{cfg.Kafka.Topics.Commands}, commandConsumer)
	}()

	go func() {
		logger.Info("matching http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	exitCode := waitForShutdown(consumerErr, httpServer, ready, consumerCancel, matchingEngine, logger)
	os.Exit(exitCode)
}

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(consumerErr <-chan error, httpServer *http.Server, ready *health.Manager,
	cancel context.CancelFunc, matchingEngine *engine.Engine, logger *slog.Logger) int {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-stop:
		logger.Info("shutdown started")
	case err := <-consumerErr:
		if err != nil && err != context.Canceled {
			logger.Error("command consumer halted", "error", err)
			exitCode = 1
		} else {
			logger.Info("command consumer stopped")
		}
	}

	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	// the engine owns the state store and closes it on shutdown
	matchingEngine.Shutdown()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
	return exitCode
}
