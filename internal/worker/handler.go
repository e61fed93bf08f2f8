package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
	"github.com/joao-fontenele/orderflow-connect/internal/messaging"
)

const (
	sendAttempts = 3

	// IdempotencyKeyHeader lets the sender drop redelivered messages.
	IdempotencyKeyHeader = "Idempotency-Key"
)

// NotificationHandler renders notification events and delivers them through the
// sender service, by email and, when a phone number is known, by SMS.
type NotificationHandler struct {
	senderURL  string
	httpClient *http.Client
	logger     *slog.Logger
	backoff    time.Duration
}

func NewNotificationHandler(senderURL string, client *http.Client, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		senderURL:  senderURL,
		httpClient: client,
		logger:     logger,
		backoff:    500 * time.Millisecond,
	}
}

type sendRequest struct {
	Channel domain.Channel `json:"channel"`
	To      string         `json:"to"`
	Subject string         `json:"subject,omitempty"`
	Body    string         `json:"body"`
}

// Handle processes one delivery. Malformed or unknown events are logged and
// skipped; only delivery failures are returned so the message is retried.
func (h *NotificationHandler) Handle(ctx context.Context, d messaging.Delivery) error {
	var event domain.NotificationEvent
	if err := json.Unmarshal(d.Payload, &event); err != nil {
		h.logger.Error("skipping undecodable notification", "error", err, "key", d.Key)
		return nil
	}
	if event.Kind == "" {
		event.Kind = domain.NotificationKind(d.EventType)
	}

	msg, err := Render(event)
	if err != nil {
		h.logger.Error("skipping notification", "error", err, "order_id", event.OrderID)
		return nil
	}

	h.logger.Info("processing notification", "order_id", event.OrderID, "kind", event.Kind)

	var requests []sendRequest
	if event.Email != "" {
		requests = append(requests, sendRequest{Channel: domain.ChannelEmail, To: event.Email, Subject: msg.Subject, Body: msg.Body})
	}
	if event.Phone != "" {
		requests = append(requests, sendRequest{Channel: domain.ChannelSMS, To: event.Phone, Body: msg.SMS})
	}
	if len(requests) == 0 {
		h.logger.Warn("notification has no recipient", "order_id", event.OrderID, "kind", event.Kind)
		return nil
	}

	for _, req := range requests {
		key := fmt.Sprintf("%s:%s:%s", event.OrderID, event.Kind, req.Channel)
		if err := h.sendWithRetry(ctx, key, req); err != nil {
			h.logger.Error("failed to deliver notification", "error", err, "order_id", event.OrderID, "channel", req.Channel)
			return fmt.Errorf("deliver %s notification: %w", req.Channel, err)
		}
	}

	h.logger.Info("notification delivered", "order_id", event.OrderID, "kind", event.Kind, "channels", len(requests))
	return nil
}

func (h *NotificationHandler) sendWithRetry(ctx context.Context, key string, req sendRequest) error {
	var err error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if err = h.send(ctx, key, req); err == nil {
			return nil
		}
		if attempt == sendAttempts {
			break
		}
		h.logger.Warn("send failed, retrying", "error", err, "attempt", attempt, "channel", req.Channel)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.backoff * time.Duration(attempt)):
		}
	}
	return err
}

func (h *NotificationHandler) send(ctx context.Context, key string, body sendRequest) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.senderURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyKeyHeader, key)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sender service returned status %d", resp.StatusCode)
	}

	return nil
}
