package payment

import (
	"encoding/json"
	"fmt"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

type EventKind string

const (
	EventIntentSucceeded EventKind = "payment_intent.succeeded"
	EventIntentFailed    EventKind = "payment_intent.payment_failed"
	EventIntentCanceled  EventKind = "payment_intent.canceled"
)

type Event struct {
	ID      string    `json:"id"`
	Type    EventKind `json:"type"`
	Created int64     `json:"created"`
	Data    struct {
		Object Intent `json:"object"`
	} `json:"data"`
}

func ParseEvent(body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: decode payment event: %v", domain.ErrValidation, err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: payment event without type", domain.ErrValidation)
	}
	return &event, nil
}

// OrderID is the local order id the intent was created for.
func (e *Event) OrderID() string {
	return e.Data.Object.Metadata["order_id"]
}

func (e *Event) IntentID() string {
	return e.Data.Object.ID
}

// FailureReason is the provider's customer-safe decline message, if any.
func (e *Event) FailureReason() string {
	if e.Data.Object.LastPaymentError == nil {
		return ""
	}
	return e.Data.Object.LastPaymentError.Message
}
