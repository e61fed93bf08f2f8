package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newHandler(orders, catalog *ServiceProxy) *Handler {
	return NewHandler(orders, catalog, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func unused() *ServiceProxy {
	return NewServiceProxy("http://unused", http.DefaultClient)
}

func TestHandler_HandleOrders(t *testing.T) {
	t.Run("proxies GET /orders/{id} with identity", func(t *testing.T) {
		ordersServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/orders/o-1" {
				t.Errorf("expected /orders/o-1, got %s", r.URL.Path)
			}
			if r.Header.Get("X-User-ID") != "user-1" {
				t.Errorf("expected X-User-ID forwarded, got %q", r.Header.Get("X-User-ID"))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":{"id":"o-1"}}`))
		}))
		defer ordersServer.Close()

		handler := newHandler(NewServiceProxy(ordersServer.URL, ordersServer.Client()), unused())

		req := httptest.NewRequest(http.MethodGet, "/orders/o-1", nil)
		req.Header.Set("X-User-ID", "user-1")
		rec := httptest.NewRecorder()

		handler.HandleOrders(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
		if rec.Header().Get("Content-Type") != "application/json" {
			t.Errorf("expected application/json, got %s", rec.Header().Get("Content-Type"))
		}
		if rec.Body.String() != `{"data":{"id":"o-1"}}` {
			t.Errorf("unexpected body: %s", rec.Body.String())
		}
	})

	t.Run("passes webhook body and signature through untouched", func(t *testing.T) {
		const payload = `{"id":"evt_1","type":"payment_intent.succeeded"}`
		ordersServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			if string(body) != payload {
				t.Errorf("unexpected body: %s", body)
			}
			if r.Header.Get("Payment-Signature") != "t=1,v1=abc" {
				t.Errorf("expected signature forwarded, got %q", r.Header.Get("Payment-Signature"))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
		}))
		defer ordersServer.Close()

		handler := newHandler(NewServiceProxy(ordersServer.URL, ordersServer.Client()), unused())

		req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(payload))
		req.Header.Set("Payment-Signature", "t=1,v1=abc")
		rec := httptest.NewRecorder()

		handler.HandleOrders(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
	})

	t.Run("returns 502 when orders service unavailable", func(t *testing.T) {
		handler := newHandler(NewServiceProxy("http://localhost:99999", &http.Client{}), unused())

		req := httptest.NewRequest(http.MethodGet, "/orders/o-1", nil)
		rec := httptest.NewRecorder()

		handler.HandleOrders(rec, req)

		if rec.Code != http.StatusBadGateway {
			t.Errorf("expected status 502, got %d", rec.Code)
		}

		var resp struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Error.Message != "service unavailable" {
			t.Errorf("expected 'service unavailable', got %s", resp.Error.Message)
		}
	})
}

func TestHandler_HandleCatalog(t *testing.T) {
	t.Run("forwards query string to catalog service", func(t *testing.T) {
		catalogServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/plans" {
				t.Errorf("expected /plans, got %s", r.URL.Path)
			}
			if r.URL.Query().Get("region") != "EU" {
				t.Errorf("expected region=EU, got %s", r.URL.RawQuery)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"data":[]}`))
		}))
		defer catalogServer.Close()

		handler := newHandler(unused(), NewServiceProxy(catalogServer.URL, catalogServer.Client()))

		req := httptest.NewRequest(http.MethodGet, "/plans?region=EU", nil)
		rec := httptest.NewRecorder()

		handler.HandleCatalog(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
	})

	t.Run("preserves downstream error status", func(t *testing.T) {
		catalogServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"plan not found"}}`))
		}))
		defer catalogServer.Close()

		handler := newHandler(unused(), NewServiceProxy(catalogServer.URL, catalogServer.Client()))

		req := httptest.NewRequest(http.MethodGet, "/plans/unknown", nil)
		rec := httptest.NewRecorder()

		handler.HandleCatalog(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rec.Code)
		}
	})
}

func TestHandler_Routes(t *testing.T) {
	var ordersHits, catalogHits atomic.Int32
	ordersServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ordersHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ordersServer.Close()
	catalogServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		catalogHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer catalogServer.Close()

	handler := newHandler(
		NewServiceProxy(ordersServer.URL, ordersServer.Client()),
		NewServiceProxy(catalogServer.URL, catalogServer.Client()),
	)
	mux := http.NewServeMux()
	for pattern, fn := range handler.Routes() {
		mux.HandleFunc(pattern, fn)
	}

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/orders"},
		{http.MethodPost, "/webhooks/fulfillment"},
		{http.MethodGet, "/users/user-1/orders"},
		{http.MethodGet, "/plans"},
		{http.MethodGet, "/plans/eu-5gb"},
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s %s: expected status 200, got %d", tc.method, tc.path, rec.Code)
		}
	}
	if ordersHits.Load() != 3 || catalogHits.Load() != 2 {
		t.Errorf("expected 3 orders and 2 catalog hits, got %d and %d", ordersHits.Load(), catalogHits.Load())
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inventory", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected unknown route 404, got %d", rec.Code)
	}
}
