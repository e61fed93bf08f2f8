package orders

import (
	"context"
	"time"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
	"github.com/joao-fontenele/orderflow-connect/internal/fulfillment"
	"github.com/joao-fontenele/orderflow-connect/internal/payment"
)

// Store is the persistent order store. Lookups return nil, nil when the row does
// not exist. Every transition is a conditional write that reports whether it won,
// so concurrent deliveries of the same event cannot both apply it.
type Store interface {
	GetPlan(ctx context.Context, id string) (*domain.Plan, error)
	GetPromo(ctx context.Context, code string) (*domain.Promo, error)

	// CreateOrder inserts the order and registers its order number as a
	// fulfillment reference.
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByRef(ctx context.Context, provider domain.Provider, externalID string) (*domain.Order, error)
	AddProviderRef(ctx context.Context, ref domain.ProviderRef) error
	ListOrdersByUser(ctx context.Context, userID string, status domain.OrderStatus, page, limit int) ([]domain.Order, error)

	AttachPaymentIntent(ctx context.Context, orderID, intentID string) error
	// AttachProvisioning records a pre-created provisioning order, moving
	// PENDING to CREATED. It is a no-op for any other state.
	AttachProvisioning(ctx context.Context, orderID string, p *domain.Provisioning) (bool, error)

	// ClaimPaymentSuccess moves paymentStatus to COMPLETED from PENDING or FAILED.
	// In the same transaction it consumes promo usage and stock, completes the
	// order when it needs no provisioning and inserts plan when given.
	ClaimPaymentSuccess(ctx context.Context, orderID string, paidAt time.Time, plan *domain.UserPlan) (bool, error)
	MarkPaymentFailed(ctx context.Context, orderID, reason string) (bool, error)
	MarkPaymentCancelled(ctx context.Context, orderID string) (bool, error)

	// ClaimActivation moves a paid order into ACTIVATING. Claims made before
	// staleBefore are considered abandoned and can be taken over.
	ClaimActivation(ctx context.Context, orderID string, staleBefore time.Time) (*ActivationClaim, error)
	CompleteActivation(ctx context.Context, orderID string, p *domain.Provisioning, plan *domain.UserPlan) (bool, error)
	// ReleaseActivation hands a claim back in state. A non-empty providerOrderID
	// is kept so the provider order is reused on the next attempt.
	ReleaseActivation(ctx context.Context, orderID string, state domain.ProvisioningState, providerOrderID, reason string) error
	MergeFulfillment(ctx context.Context, orderID string, upd domain.FulfillmentUpdate) (bool, error)
	GetUserPlanByOrder(ctx context.Context, orderID string) (*domain.UserPlan, error)

	CancelOrder(ctx context.Context, orderID string) (bool, error)

	// CreateRefund returns domain.ErrConflict when the order already has a
	// PENDING refund.
	CreateRefund(ctx context.Context, refund *domain.Refund) error
	GetRefund(ctx context.Context, id string) (*domain.Refund, error)
	ApproveRefund(ctx context.Context, refundID, reviewer, externalRefundID string, at time.Time) (bool, error)
	RejectRefund(ctx context.Context, refundID, reviewer, note string) (bool, error)

	// RecordNotification inserts the ledger row for (orderID, kind) and reports
	// whether it was new.
	RecordNotification(ctx context.Context, orderID string, kind domain.NotificationKind) (bool, error)

	ListStalledActivations(ctx context.Context, staleBefore time.Time, limit int) ([]string, error)
	DeactivateExpiredPlans(ctx context.Context, now time.Time) (int, error)
}

// ActivationClaim is a won activation claim together with the provisioning state
// the order was in before it, so a failed attempt can put it back.
type ActivationClaim struct {
	Order    *domain.Order
	Previous domain.ProvisioningState
}

type PaymentProvider interface {
	CreateIntent(ctx context.Context, p payment.CreateIntentParams) (*payment.Intent, error)
	CancelIntent(ctx context.Context, id string) error
	CreateRefund(ctx context.Context, intentID string, amount int64, idempotencyKey string) (*payment.Refund, error)
}

type FulfillmentProvider interface {
	CreateOrder(ctx context.Context, p fulfillment.CreateOrderParams) (*domain.Provisioning, error)
	Activate(ctx context.Context, providerOrderNo string) (*domain.Provisioning, error)
	Cancel(ctx context.Context, productID string) error
	QueryUsage(ctx context.Context, productID string) (*domain.Usage, error)
}

// Notifier hands a notification off for delivery. It must not block on the
// transport and has no error to report.
type Notifier interface {
	Notify(ctx context.Context, event domain.NotificationEvent)
}
