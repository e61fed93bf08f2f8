package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

func TestClient_CreateIntent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payment_intents" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			t.Errorf("unexpected authorization: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get(IdempotencyKeyHeader) != "order-o-1" {
			t.Errorf("unexpected idempotency key: %s", r.Header.Get(IdempotencyKeyHeader))
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if amount, _ := body["amount"].(float64); amount != 9000 {
			t.Errorf("unexpected amount: %v", body["amount"])
		}
		metadata, _ := body["metadata"].(map[string]any)
		if metadata["order_id"] != "o-1" {
			t.Errorf("unexpected metadata: %v", metadata)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","status":"requires_payment_method","amount":9000,"currency":"usd","client_secret":"pi_123_secret"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk_test", server.Client())
	intent, err := client.CreateIntent(context.Background(), CreateIntentParams{
		Amount:         9000,
		Currency:       "usd",
		OrderID:        "o-1",
		OrderNumber:    "ORD-1",
		IdempotencyKey: "order-o-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intent.ID != "pi_123" || intent.ClientSecret != "pi_123_secret" {
		t.Errorf("unexpected intent: %+v", intent)
	}
}

func TestClient_CreateRefund(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/refunds" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			if r.Header.Get(IdempotencyKeyHeader) != "refund-r-1" {
				t.Errorf("unexpected idempotency key: %s", r.Header.Get(IdempotencyKeyHeader))
			}
			_, _ = w.Write([]byte(`{"id":"re_1","status":"succeeded","amount":9000,"payment_intent":"pi_1"}`))
		}))
		defer server.Close()

		client := NewClient(server.URL, "sk_test", server.Client())
		refund, err := client.CreateRefund(context.Background(), "pi_1", 9000, "refund-r-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if refund.ID != "re_1" || refund.Amount != 9000 {
			t.Errorf("unexpected refund: %+v", refund)
		}
	})

	t.Run("provider error is wrapped", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"Charge has already been refunded."}}`))
		}))
		defer server.Close()

		client := NewClient(server.URL, "sk_test", server.Client())
		_, err := client.CreateRefund(context.Background(), "pi_1", 9000, "refund-r-1")
		if !errors.Is(err, domain.ErrProvider) {
			t.Fatalf("expected provider error, got %v", err)
		}
		var perr *domain.ProviderError
		if !errors.As(err, &perr) || perr.Provider != domain.ProviderPayment || perr.Op != "create refund" {
			t.Errorf("unexpected provider error: %+v", perr)
		}
	})
}

func TestClient_CancelIntent_Unreachable(t *testing.T) {
	client := NewClient("http://localhost:99999", "sk_test", &http.Client{})
	if err := client.CancelIntent(context.Background(), "pi_1"); !errors.Is(err, domain.ErrProvider) {
		t.Errorf("expected provider error, got %v", err)
	}
}
