package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joao-fontenele/orderflow-connect/internal/messaging"
	"github.com/joao-fontenele/orderflow-connect/internal/telemetry"
	"github.com/joao-fontenele/orderflow-connect/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	senderURL := os.Getenv("SENDER_SERVICE_URL")
	if senderURL == "" {
		logger.Error("SENDER_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	topic := os.Getenv("NOTIFICATION_TOPIC")
	if topic == "" {
		topic = "order.notifications"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "worker", "0.1.0")
	if err != nil {
		logger.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	brokers := strings.Split(kafkaBrokers, ",")
	consumer := messaging.NewConsumer(brokers, topic, "notification-worker")
	defer func() { _ = consumer.Close() }()

	notificationHandler := worker.NewNotificationHandler(senderURL, telemetry.NewHTTPClient(10*time.Second), logger)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting notification worker", "brokers", brokers, "topic", topic)

	if err := consumer.Consume(ctx, notificationHandler.Handle); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
