package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

const (
	DefaultQueueSize = 256
	publishAttempts  = 3
	publishTimeout   = 5 * time.Second
)

// Publisher hands a notification to the transport.
type Publisher interface {
	Publish(ctx context.Context, key, eventType string, event any) error
}

// Dispatcher publishes notification events in the background. Notify never
// blocks the caller: when the queue is full the event is dropped and logged.
type Dispatcher struct {
	publisher Publisher
	logger    *slog.Logger
	queue     chan queued
	backoff   time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	results metric.Int64Counter
}

type queued struct {
	ctx   context.Context
	event domain.NotificationEvent
}

func NewDispatcher(publisher Publisher, queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	results, err := otel.Meter("orderflow/notify").Int64Counter("orderflow.notifications",
		metric.WithDescription("Notification publish outcomes by kind"),
	)
	if err != nil {
		logger.Warn("failed to create notification counter", "error", err)
	}

	d := &Dispatcher{
		publisher: publisher,
		logger:    logger,
		queue:     make(chan queued, queueSize),
		backoff:   200 * time.Millisecond,
		done:      make(chan struct{}),
		results:   results,
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(ctx context.Context, event domain.NotificationEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("notification dropped after shutdown", "order_id", event.OrderID, "kind", event.Kind)
		d.count(ctx, event.Kind, "dropped")
		return
	}

	select {
	case d.queue <- queued{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		d.logger.Error("notification queue full, dropping", "order_id", event.OrderID, "kind", event.Kind)
		d.count(ctx, event.Kind, "dropped")
	}
}

// Close stops accepting events and waits for queued ones to be published, or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for q := range d.queue {
		d.publish(q.ctx, q.event)
	}
}

func (d *Dispatcher) publish(ctx context.Context, event domain.NotificationEvent) {
	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err = d.publisher.Publish(pctx, event.OrderID, string(event.Kind), event)
		cancel()
		if err == nil {
			d.logger.Info("notification published", "order_id", event.OrderID, "kind", event.Kind, "attempt", attempt)
			d.count(ctx, event.Kind, "published")
			return
		}
		if attempt < publishAttempts {
			time.Sleep(d.backoff * time.Duration(attempt))
		}
	}
	d.logger.Error("failed to publish notification", "error", err, "order_id", event.OrderID, "kind", event.Kind)
	d.count(ctx, event.Kind, "failed")
}

func (d *Dispatcher) count(ctx context.Context, kind domain.NotificationKind, result string) {
	if d.results == nil {
		return
	}
	d.results.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("result", result),
	))
}
