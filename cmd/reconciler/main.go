package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/joao-fontenele/orderflow-connect/internal/cache"
	"github.com/joao-fontenele/orderflow-connect/internal/config"
	"github.com/joao-fontenele/orderflow-connect/internal/fulfillment"
	"github.com/joao-fontenele/orderflow-connect/internal/messaging"
	"github.com/joao-fontenele/orderflow-connect/internal/notify"
	"github.com/joao-fontenele/orderflow-connect/internal/orders"
	"github.com/joao-fontenele/orderflow-connect/internal/payment"
	"github.com/joao-fontenele/orderflow-connect/internal/reconcile"
	"github.com/joao-fontenele/orderflow-connect/internal/telemetry"
)

const sweepTimeout = 50 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.RequirePostgres(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if err := cfg.RequireProviders(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	schedule := os.Getenv("RECONCILE_SCHEDULE")
	if schedule == "" {
		schedule = "0 * * * * *"
	}

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "reconciler", "0.1.0")
	if err != nil {
		logger.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	db, err := telemetry.OpenDB("postgres", cfg.PostgresURL, cfg.DBSchema)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	redisClient := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer func() { _ = redisClient.Close() }()

	producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.NotificationTopic)
	defer func() { _ = producer.Close() }()
	dispatcher := notify.NewDispatcher(producer, notify.DefaultQueueSize, logger)

	providerClient := telemetry.NewHTTPClient(cfg.ProviderTimeout)
	engine := orders.NewEngine(orders.Deps{
		Store:       orders.NewOrderRepository(db),
		Payments:    payment.NewClient(cfg.Payment.BaseURL, cfg.Payment.SecretKey, providerClient),
		Fulfillment: fulfillment.NewClient(cfg.Fulfillment.BaseURL, cfg.Fulfillment.AccessCode, providerClient),
		Notifier:    dispatcher,
		Cache:       cache.New(redisClient, nil, logger),
		Currency:    cfg.Currency,
		ClaimTTL:    cfg.ActivationClaimTTL,
		Logger:      logger,
	})

	sweeper := reconcile.NewSweeper(engine, redisClient, reconcile.DefaultBatchSize, logger)

	scheduler := cron.New(cron.WithSeconds())
	_, err = scheduler.AddFunc(schedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := sweeper.Sweep(sweepCtx); err != nil {
			logger.Error("reconcile sweep failed", "error", err)
		}
	})
	if err != nil {
		logger.Error("invalid reconcile schedule", "error", err, "schedule", schedule)
		os.Exit(1)
	}

	scheduler.Start()
	logger.Info("starting reconciler", "schedule", schedule)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("sweep still running at shutdown")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error("notification queue not drained", "error", err)
	}
}
