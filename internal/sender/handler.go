package sender

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

const (
	dedupeWindow = 24 * time.Hour
	dedupePrefix = "send:"
)

// Handler is the delivery stub for email and SMS. It logs messages instead of
// talking to a real gateway, and drops repeats of an idempotency key. Seen keys
// live in Redis so every replica and restart shares them.
type Handler struct {
	client   redis.UniversalClient
	logger   *slog.Logger
	validate *validator.Validate
	latency  func() time.Duration
}

func NewHandler(client redis.UniversalClient, logger *slog.Logger) *Handler {
	return &Handler{
		client:   client,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		latency:  func() time.Duration { return time.Duration(50+rand.IntN(151)) * time.Millisecond },
	}
}

type sendRequest struct {
	Channel domain.Channel `json:"channel" validate:"required,oneof=email sms"`
	To      string         `json:"to" validate:"required"`
	Subject string         `json:"subject"`
	Body    string         `json:"body" validate:"required,max=4000"`
}

type sendResponse struct {
	Status string `json:"status"`
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Channel == "" {
		req.Channel = domain.ChannelEmail
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Channel == domain.ChannelEmail {
		if err := h.validate.Var(req.To, "email"); err != nil {
			h.writeError(w, http.StatusBadRequest, "to must be an email address")
			return
		}
	} else if err := h.validate.Var(req.To, "e164"); err != nil {
		h.writeError(w, http.StatusBadRequest, "to must be an E.164 phone number")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" && !h.firstDelivery(r.Context(), key) {
		h.logger.Info("duplicate send ignored", "key", key, "channel", req.Channel)
		h.writeJSON(w, http.StatusOK, sendResponse{Status: "duplicate"})
		return
	}

	time.Sleep(h.latency())

	h.logger.Info("message sent", "channel", req.Channel, "to", req.To, "subject", req.Subject)
	h.writeJSON(w, http.StatusOK, sendResponse{Status: "sent"})
}

// firstDelivery records key and reports whether it was unseen within the window.
// When Redis is unreachable the message is delivered; a duplicate beats a loss.
func (h *Handler) firstDelivery(ctx context.Context, key string) bool {
	first, err := h.client.SetNX(ctx, dedupePrefix+key, 1, dedupeWindow).Result()
	if err != nil {
		h.logger.Warn("idempotency check failed, delivering anyway", "error", err, "key", key)
		return true
	}
	return first
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
