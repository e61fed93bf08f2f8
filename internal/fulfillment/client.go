package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

const AccessCodeHeader = "RT-AccessCode"

// Client talks to the fulfillment provider's open API. Every response is wrapped
// in an envelope whose success flag decides the outcome, independent of HTTP status.
type Client struct {
	baseURL    string
	accessCode string
	httpClient *http.Client
}

func NewClient(baseURL, accessCode string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		accessCode: accessCode,
		httpClient: httpClient,
	}
}

type envelope struct {
	Success   bool            `json:"success"`
	ErrorCode string          `json:"errorCode"`
	ErrorMsg  string          `json:"errorMsg"`
	Obj       json.RawMessage `json:"obj"`
}

type CreateOrderParams struct {
	TransactionID string
	PackageCode   string
	Count         int
}

type packageInfo struct {
	PackageCode string `json:"packageCode"`
	Count       int    `json:"count"`
}

type profile struct {
	OrderNo     string `json:"orderNo"`
	EsimTranNo  string `json:"esimTranNo"`
	ICCID       string `json:"iccid"`
	AC          string `json:"ac"`
	QRCodeURL   string `json:"qrCodeUrl"`
	ActivatedAt string `json:"activateTime"`
	ExpiredTime string `json:"expiredTime"`
}

// CreateOrder allocates a product for the transaction. The transaction id is the
// local order number, so a repeated call is deduplicated by the provider.
func (c *Client) CreateOrder(ctx context.Context, p CreateOrderParams) (*domain.Provisioning, error) {
	body := map[string]any{
		"transactionId":   p.TransactionID,
		"packageInfoList": []packageInfo{{PackageCode: p.PackageCode, Count: p.Count}},
	}

	raw, err := c.call(ctx, "/api/v1/open/esim/order", body)
	if err != nil {
		return nil, domain.NewProviderError(domain.ProviderFulfillment, "create order", err)
	}

	var obj profile
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, domain.NewProviderError(domain.ProviderFulfillment, "create order", fmt.Errorf("decode obj: %w", err))
	}
	if obj.OrderNo == "" {
		return nil, domain.NewProviderError(domain.ProviderFulfillment, "create order", errors.New("response without orderNo"))
	}
	return toProvisioning(obj, raw), nil
}

// Activate activates the product allocated under the provider order number.
func (c *Client) Activate(ctx context.Context, providerOrderNo string) (*domain.Provisioning, error) {
	raw, err := c.call(ctx, "/api/v1/open/esim/activate", map[string]string{"orderNo": providerOrderNo})
	if err != nil {
		return nil, domain.NewProviderError(domain.ProviderFulfillment, "activate", err)
	}

	var obj profile
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, domain.NewProviderError(domain.ProviderFulfillment, "activate", fmt.Errorf("decode obj: %w", err))
	}
	if obj.OrderNo == "" {
		obj.OrderNo = providerOrderNo
	}
	return toProvisioning(obj, raw), nil
}

func (c *Client) Cancel(ctx context.Context, productID string) error {
	if _, err := c.call(ctx, "/api/v1/open/esim/cancel", map[string]string{"esimTranNo": productID}); err != nil {
		return domain.NewProviderError(domain.ProviderFulfillment, "cancel", err)
	}
	return nil
}

type usageEntry struct {
	EsimTranNo     string `json:"esimTranNo"`
	DataUsage      int64  `json:"dataUsage"`
	TotalData      int64  `json:"totalData"`
	LastUpdateTime string `json:"lastUpdateTime"`
}

func (c *Client) QueryUsage(ctx context.Context, productID string) (*domain.Usage, error) {
	raw, err := c.call(ctx, "/api/v1/open/esim/usage/query", map[string][]string{"esimTranNoList": {productID}})
	if err != nil {
		return nil, domain.NewProviderError(domain.ProviderFulfillment, "query usage", err)
	}

	var obj struct {
		EsimUsageList []usageEntry `json:"esimUsageList"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, domain.NewProviderError(domain.ProviderFulfillment, "query usage", fmt.Errorf("decode obj: %w", err))
	}
	for _, u := range obj.EsimUsageList {
		if u.EsimTranNo != productID {
			continue
		}
		usage := &domain.Usage{
			ProductID: u.EsimTranNo,
			TotalMB:   u.TotalData / (1024 * 1024),
			UsedMB:    u.DataUsage / (1024 * 1024),
		}
		if ts := parseTime(u.LastUpdateTime); ts != nil {
			usage.UpdatedAt = *ts
		}
		return usage, nil
	}
	return nil, domain.NewProviderError(domain.ProviderFulfillment, "query usage", fmt.Errorf("no usage for %s", productID))
}

func (c *Client) call(ctx context.Context, path string, body any) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AccessCodeHeader, c.accessCode)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("error code %s", env.ErrorCode)
	}
	return env.Obj, nil
}

func toProvisioning(p profile, raw json.RawMessage) *domain.Provisioning {
	qr := p.QRCodeURL
	if qr == "" {
		qr = p.AC
	}
	return &domain.Provisioning{
		ProviderOrderID:   p.OrderNo,
		ProviderProductID: p.EsimTranNo,
		ProductCode:       p.ICCID,
		QRCode:            qr,
		ActivatedAt:       parseTime(p.ActivatedAt),
		ExpiresAt:         parseTime(p.ExpiredTime),
		Payload:           raw,
	}
}

var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05-0700", "2006-01-02 15:04:05"}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
