package sender

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestHandler(t *testing.T) (*Handler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := NewHandler(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.latency = func() time.Duration { return 0 }
	return h, mr
}

func status(rec *httptest.ResponseRecorder) string {
	var resp sendResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	return resp.Status
}

func send(h *Handler, body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.HandleSend(rec, req)
	return rec
}

func TestHandler_HandleSend(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "email", body: `{"channel":"email","to":"sam@example.com","subject":"hi","body":"hello"}`, wantStatus: http.StatusOK},
		{name: "channel defaults to email", body: `{"to":"sam@example.com","body":"hello"}`, wantStatus: http.StatusOK},
		{name: "sms", body: `{"channel":"sms","to":"+15550001111","body":"hello"}`, wantStatus: http.StatusOK},
		{name: "malformed", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "unknown channel", body: `{"channel":"fax","to":"x","body":"hello"}`, wantStatus: http.StatusBadRequest},
		{name: "bad email", body: `{"channel":"email","to":"nope","body":"hello"}`, wantStatus: http.StatusBadRequest},
		{name: "bad phone", body: `{"channel":"sms","to":"5550001111","body":"hello"}`, wantStatus: http.StatusBadRequest},
		{name: "empty body", body: `{"channel":"email","to":"sam@example.com"}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t)
			rec := send(h, tt.body, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_Idempotency(t *testing.T) {
	body := `{"channel":"email","to":"sam@example.com","body":"hello"}`

	t.Run("repeat within the window is dropped", func(t *testing.T) {
		h, mr := newTestHandler(t)

		if got := status(send(h, body, "o-1:order_completed:email")); got != "sent" {
			t.Errorf("expected sent, got %s", got)
		}
		if got := status(send(h, body, "o-1:order_completed:email")); got != "duplicate" {
			t.Errorf("expected duplicate, got %s", got)
		}
		if ttl := mr.TTL("send:o-1:order_completed:email"); ttl != dedupeWindow {
			t.Errorf("expected key to expire after %s, got %s", dedupeWindow, ttl)
		}

		mr.FastForward(dedupeWindow + time.Second)
		if got := status(send(h, body, "o-1:order_completed:email")); got != "sent" {
			t.Errorf("expected key forgotten after the window, got %s", got)
		}
	})

	t.Run("handlers sharing redis share seen keys", func(t *testing.T) {
		first, mr := newTestHandler(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		second := NewHandler(client, first.logger)
		second.latency = first.latency

		if got := status(send(first, body, "o-2:order_completed:email")); got != "sent" {
			t.Errorf("expected sent, got %s", got)
		}
		if got := status(send(second, body, "o-2:order_completed:email")); got != "duplicate" {
			t.Errorf("expected a restarted or second replica to see the key, got %s", got)
		}
	})

	t.Run("redis outage still delivers", func(t *testing.T) {
		h, mr := newTestHandler(t)
		mr.Close()

		if got := status(send(h, body, "o-3:order_completed:email")); got != "sent" {
			t.Errorf("expected sent when redis is down, got %s", got)
		}
	})
}
