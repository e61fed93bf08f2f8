package domain

import (
	"encoding/json"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRefunded  OrderStatus = "REFUNDED"
)

// Terminal reports whether no further engine-driven transition is expected.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled || s == OrderStatusRefunded
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

// ProvisioningState tracks the fulfillment side of an order explicitly instead of
// inferring it from which provider fields happen to be set.
type ProvisioningState string

const (
	ProvisioningNotRequired ProvisioningState = "NOT_REQUIRED"
	ProvisioningPending     ProvisioningState = "PENDING"
	ProvisioningCreated     ProvisioningState = "CREATED"
	ProvisioningActivating  ProvisioningState = "ACTIVATING"
	ProvisioningActive      ProvisioningState = "ACTIVE"
	ProvisioningFailed      ProvisioningState = "FAILED"
	ProvisioningCancelled   ProvisioningState = "CANCELLED"
)

// Claimable reports whether an activation attempt may start from this state.
func (s ProvisioningState) Claimable() bool {
	return s == ProvisioningPending || s == ProvisioningCreated || s == ProvisioningFailed
}

type BillingDetails struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type Order struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	UserID      string `json:"user_id"`

	PlanID      string         `json:"plan_id"`
	Quantity    int            `json:"quantity"`
	UnitPrice   int64          `json:"unit_price"`
	Discount    int64          `json:"discount"`
	FinalAmount int64          `json:"final_amount"`
	Currency    string         `json:"currency"`
	PromoCode   *string        `json:"promo_code,omitempty"`
	Billing     BillingDetails `json:"billing"`

	PaymentIntentID *string       `json:"payment_intent_id,omitempty"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	PaidAt          *time.Time    `json:"paid_at,omitempty"`

	ProvisioningState     ProvisioningState `json:"provisioning_state"`
	ProviderOrderID       *string           `json:"provider_order_id,omitempty"`
	ProvisioningPayload   json.RawMessage   `json:"-"`
	ProductCode           *string           `json:"product_code,omitempty"`
	QRCode                *string           `json:"qr_code,omitempty"`
	ActivatedAt           *time.Time        `json:"activated_at,omitempty"`
	ExpiresAt             *time.Time        `json:"expires_at,omitempty"`
	ProvisioningClaimedAt *time.Time        `json:"-"`
	ProvisioningAttempts  int               `json:"-"`
	ProvisioningError     *string           `json:"-"`

	Status    OrderStatus `json:"status"`
	Version   int64       `json:"-"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Provisionable reports whether the order needs a product from the fulfillment provider.
func (o *Order) Provisionable() bool {
	return o.ProvisioningState != ProvisioningNotRequired
}

type UserPlan struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	OrderID           string     `json:"order_id"`
	PlanID            string     `json:"plan_id"`
	ProviderProductID *string    `json:"provider_product_id,omitempty"`
	ActivatedAt       time.Time  `json:"activated_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         time.Time  `json:"created_at"`
}

type Provider string

const (
	ProviderPayment     Provider = "payment"
	ProviderFulfillment Provider = "fulfillment"
)

// ProviderRef maps a local order to one identifier an external provider uses for it.
type ProviderRef struct {
	OrderID    string
	Provider   Provider
	ExternalID string
}

// Provisioning is what the fulfillment provider returned for an order.
type Provisioning struct {
	ProviderOrderID   string
	ProviderProductID string
	ProductCode       string
	QRCode            string
	ActivatedAt       *time.Time
	ExpiresAt         *time.Time
	Payload           json.RawMessage
}

// FulfillmentUpdate is the subset of a fulfillment callback that maps onto order fields.
// Fingerprint identifies the callback itself so a redelivery is applied once.
type FulfillmentUpdate struct {
	ProviderOrderID   string
	Fingerprint       string
	Payload           json.RawMessage
	ProductCode       string
	QRCode            string
	ProvisioningState ProvisioningState
	ActivatedAt       *time.Time
	ExpiresAt         *time.Time
	DeactivatePlan    bool
}

type Usage struct {
	ProductID string    `json:"product_id"`
	TotalMB   int64     `json:"total_mb"`
	UsedMB    int64     `json:"used_mb"`
	UpdatedAt time.Time `json:"updated_at"`
}
