package fulfillment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

const (
	NotifyOrderStatus   = "ORDER_STATUS"
	NotifyEsimStatus    = "ESIM_STATUS"
	NotifyDataUsage     = "DATA_USAGE"
	NotifyValidityUsage = "VALIDITY_USAGE"
	NotifyCheckHealth   = "CHECK_HEALTH"
	esimStatusInUse     = "IN_USE"
	esimStatusUsedUp    = "USED_UP"
	esimStatusUsedExp   = "USED_EXPIRED"
	esimStatusUnusedExp = "UNUSED_EXPIRED"
	esimStatusCancelled = "CANCEL"
	esimStatusRevoked   = "REVOKED"
)

type Event struct {
	NotifyType string          `json:"notifyType"`
	Content    json.RawMessage `json:"content"`
}

// Content carries the correlation ids and status codes of a callback. The provider
// may send its own order number, the transaction id we supplied, or both.
type Content struct {
	OrderNo       string `json:"orderNo"`
	TransactionID string `json:"transactionId"`
	EsimTranNo    string `json:"esimTranNo"`
	ICCID         string `json:"iccid"`
	OrderStatus   string `json:"orderStatus"`
	EsimStatus    string `json:"esimStatus"`
	SmdpStatus    string `json:"smdpStatus"`
	QRCodeURL     string `json:"qrCodeUrl"`
	AC            string `json:"ac"`
	ExpiredTime   string `json:"expiredTime"`
}

func ParseEvent(body []byte) (*Event, *Content, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, nil, fmt.Errorf("%w: decode fulfillment event: %v", domain.ErrValidation, err)
	}

	var content Content
	if len(event.Content) > 0 && string(event.Content) != "null" {
		if err := json.Unmarshal(event.Content, &content); err != nil {
			return nil, nil, fmt.Errorf("%w: decode fulfillment content: %v", domain.ErrValidation, err)
		}
	}
	return &event, &content, nil
}

// Update maps the provider status codes we act on onto order fields. Codes outside
// that subset only contribute to the stored payload.
func (c *Content) Update(raw json.RawMessage, now time.Time) domain.FulfillmentUpdate {
	sum := sha256.Sum256(raw)
	upd := domain.FulfillmentUpdate{
		ProviderOrderID: c.OrderNo,
		Fingerprint:     hex.EncodeToString(sum[:]),
		Payload:         raw,
		ProductCode:     c.ICCID,
		QRCode:          c.QRCodeURL,
		ExpiresAt:       parseTime(c.ExpiredTime),
	}
	if upd.QRCode == "" {
		upd.QRCode = c.AC
	}

	switch c.EsimStatus {
	case esimStatusInUse:
		at := now.UTC()
		upd.ActivatedAt = &at
	case esimStatusUsedUp, esimStatusUsedExp, esimStatusUnusedExp:
		upd.DeactivatePlan = true
	case esimStatusCancelled, esimStatusRevoked:
		upd.ProvisioningState = domain.ProvisioningCancelled
		upd.DeactivatePlan = true
	}
	return upd
}
