package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/joao-fontenele/orderflow-connect/internal/cache"
	"github.com/joao-fontenele/orderflow-connect/internal/config"
	"github.com/joao-fontenele/orderflow-connect/internal/fulfillment"
	"github.com/joao-fontenele/orderflow-connect/internal/messaging"
	"github.com/joao-fontenele/orderflow-connect/internal/notify"
	"github.com/joao-fontenele/orderflow-connect/internal/orders"
	"github.com/joao-fontenele/orderflow-connect/internal/payment"
	"github.com/joao-fontenele/orderflow-connect/internal/telemetry"
)

const serviceVersion = "0.1.0"

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

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "orders", serviceVersion)
	if err != nil {
		logger.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("orders", serviceVersion)
	if err != nil {
		logger.Error("failed to init meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

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
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, reads fall through to the database", "error", err)
	}
	orderCache := cache.New(redisClient, cache.NewRecorder(cache.DefaultRecorderCapacity), logger)

	producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.NotificationTopic)
	defer func() { _ = producer.Close() }()
	dispatcher := notify.NewDispatcher(producer, notify.DefaultQueueSize, logger)

	providerClient := telemetry.NewHTTPClient(cfg.ProviderTimeout)

	engine := orders.NewEngine(orders.Deps{
		Store:             orders.NewOrderRepository(db),
		Payments:          payment.NewClient(cfg.Payment.BaseURL, cfg.Payment.SecretKey, providerClient),
		Fulfillment:       fulfillment.NewClient(cfg.Fulfillment.BaseURL, cfg.Fulfillment.AccessCode, providerClient),
		Notifier:          dispatcher,
		Cache:             orderCache,
		PaymentVerifier:   payment.NewVerifier(cfg.Payment.WebhookSecret),
		FulfillmentSecret: cfg.Fulfillment.WebhookSecret,
		Currency:          cfg.Currency,
		ClaimTTL:          cfg.ActivationClaimTTL,
		Logger:            logger,
	})
	if cfg.Payment.WebhookSecret == "" {
		logger.Warn("PAYMENT_WEBHOOK_SECRET not set, payment webhooks are accepted unsigned")
	}

	mux := http.NewServeMux()
	orders.NewHandler(engine, logger).Register(mux)

	cacheHandler := cache.NewHandler(orderCache, logger)
	mux.HandleFunc("POST /admin/cache/invalidate", telemetry.WithHTTPRoute(cacheHandler.HandleInvalidate))
	mux.HandleFunc("DELETE /admin/cache/metrics", telemetry.WithHTTPRoute(cacheHandler.HandleClearMetrics))
	mux.HandleFunc("GET /admin/cache/health", telemetry.WithHTTPRoute(cacheHandler.HandleHealth))
	mux.HandleFunc("GET /admin/cache/stats", telemetry.WithHTTPRoute(cacheHandler.HandleStats))
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      telemetry.NewServerHandler(mux, "orders"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting orders service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error("notification queue not drained", "error", err)
	}
}
