package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

const IdempotencyKeyHeader = "Idempotency-Key"

// Client talks to the payment provider's REST API.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewClient(baseURL, secretKey string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: httpClient,
	}
}

type Intent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	ClientSecret     string            `json:"client_secret,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error,omitempty"`
}

type CreateIntentParams struct {
	Amount         int64
	Currency       string
	OrderID        string
	OrderNumber    string
	ReceiptEmail   string
	IdempotencyKey string
}

type Refund struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	PaymentIntent string `json:"payment_intent"`
}

func (c *Client) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	body := map[string]any{
		"amount":        p.Amount,
		"currency":      p.Currency,
		"receipt_email": p.ReceiptEmail,
		"metadata": map[string]string{
			"order_id":     p.OrderID,
			"order_number": p.OrderNumber,
		},
	}

	var intent Intent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", body, p.IdempotencyKey, &intent); err != nil {
		return nil, domain.NewProviderError(domain.ProviderPayment, "create intent", err)
	}
	return &intent, nil
}

func (c *Client) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	var intent Intent
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, "", &intent); err != nil {
		return nil, domain.NewProviderError(domain.ProviderPayment, "retrieve intent", err)
	}
	return &intent, nil
}

func (c *Client) CancelIntent(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id)+"/cancel", nil, "", nil); err != nil {
		return domain.NewProviderError(domain.ProviderPayment, "cancel intent", err)
	}
	return nil
}

// CreateRefund refunds amount of the intent. The idempotency key makes a retried
// call return the original refund instead of issuing a second one.
func (c *Client) CreateRefund(ctx context.Context, intentID string, amount int64, idempotencyKey string) (*Refund, error) {
	body := map[string]any{
		"payment_intent": intentID,
		"amount":         amount,
	}

	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", body, idempotencyKey, &refund); err != nil {
		return nil, domain.NewProviderError(domain.ProviderPayment, "create refund", err)
	}
	return &refund, nil
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error.Code)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
