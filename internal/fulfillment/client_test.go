package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

func newProviderServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(AccessCodeHeader) != "ac_test" {
			t.Errorf("unexpected access code: %s", r.Header.Get(AccessCodeHeader))
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestClient_CreateOrder(t *testing.T) {
	t.Run("returns provider order number", func(t *testing.T) {
		var received map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
				t.Errorf("failed to decode request: %v", err)
			}
			_, _ = w.Write([]byte(`{"success":true,"obj":{"orderNo":"B2601010001","qrCodeUrl":"https://qr/1"}}`))
		}))
		defer server.Close()

		client := NewClient(server.URL, "ac_test", server.Client())
		res, err := client.CreateOrder(context.Background(), CreateOrderParams{TransactionID: "ORD-1", PackageCode: "EU-5GB", Count: 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.ProviderOrderID != "B2601010001" || res.QRCode != "https://qr/1" {
			t.Errorf("unexpected provisioning: %+v", res)
		}
		if received["transactionId"] != "ORD-1" {
			t.Errorf("expected transaction id ORD-1, got %v", received["transactionId"])
		}
	})

	t.Run("unsuccessful envelope is a provider error", func(t *testing.T) {
		server := newProviderServer(t, map[string]string{
			"/api/v1/open/esim/order": `{"success":false,"errorCode":"200005","errorMsg":"package out of stock"}`,
		})
		defer server.Close()

		client := NewClient(server.URL, "ac_test", server.Client())
		_, err := client.CreateOrder(context.Background(), CreateOrderParams{TransactionID: "ORD-1", PackageCode: "EU-5GB", Count: 1})
		var perr *domain.ProviderError
		if !errors.As(err, &perr) || perr.Provider != domain.ProviderFulfillment {
			t.Fatalf("expected fulfillment provider error, got %v", err)
		}
	})
}

func TestClient_Activate(t *testing.T) {
	server := newProviderServer(t, map[string]string{
		"/api/v1/open/esim/activate": `{"success":true,"obj":{"esimTranNo":"T-1","iccid":"8944000000000000001","ac":"LPA:1$smdp$code","activateTime":"2026-01-01T10:00:00Z","expiredTime":"2026-01-31T10:00:00Z"}}`,
	})
	defer server.Close()

	client := NewClient(server.URL, "ac_test", server.Client())
	res, err := client.Activate(context.Background(), "B1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderOrderID != "B1" || res.ProviderProductID != "T-1" || res.ProductCode != "8944000000000000001" {
		t.Errorf("unexpected provisioning: %+v", res)
	}
	if res.QRCode != "LPA:1$smdp$code" {
		t.Errorf("expected activation code as QR fallback, got %s", res.QRCode)
	}
	if res.ExpiresAt == nil || !res.ExpiresAt.Equal(time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected expiry: %v", res.ExpiresAt)
	}
	if len(res.Payload) == 0 {
		t.Error("expected raw payload to be kept")
	}
}

func TestClient_QueryUsage(t *testing.T) {
	server := newProviderServer(t, map[string]string{
		"/api/v1/open/esim/usage/query": `{"success":true,"obj":{"esimUsageList":[{"esimTranNo":"T-1","dataUsage":1048576,"totalData":5242880,"lastUpdateTime":"2026-01-02T00:00:00Z"}]}}`,
	})
	defer server.Close()

	client := NewClient(server.URL, "ac_test", server.Client())
	usage, err := client.QueryUsage(context.Background(), "T-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usage.UsedMB != 1 || usage.TotalMB != 5 {
		t.Errorf("unexpected usage: %+v", usage)
	}

	if _, err := client.QueryUsage(context.Background(), "T-404"); !errors.Is(err, domain.ErrProvider) {
		t.Errorf("expected provider error for unknown product, got %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, "ac_test", &http.Client{Timeout: 20 * time.Millisecond})
	if _, err := client.Activate(context.Background(), "B1"); !errors.Is(err, domain.ErrProvider) {
		t.Errorf("expected provider error on timeout, got %v", err)
	}
}
