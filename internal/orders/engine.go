package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/orderflow-connect/internal/cache"
	"github.com/joao-fontenele/orderflow-connect/internal/domain"
	"github.com/joao-fontenele/orderflow-connect/internal/fulfillment"
	"github.com/joao-fontenele/orderflow-connect/internal/payment"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Deps are the collaborators of an Engine.
type Deps struct {
	Store             Store
	Payments          PaymentProvider
	Fulfillment       FulfillmentProvider
	Notifier          Notifier
	Cache             *cache.Cache
	PaymentVerifier   *payment.Verifier
	FulfillmentSecret string
	Currency          string
	ClaimTTL          time.Duration
	Logger            *slog.Logger
}

// Engine drives orders to a terminal state from checkout commands and provider
// webhooks. Every mutation is a conditional write on the store; provider calls,
// cache invalidation and notifications happen only after that write committed.
type Engine struct {
	store             Store
	payments          PaymentProvider
	fulfillment       FulfillmentProvider
	notifier          Notifier
	cache             *cache.Cache
	verifier          *payment.Verifier
	fulfillmentSecret string
	currency          string
	claimTTL          time.Duration
	validate          *validatorv10.Validate
	logger            *slog.Logger
	now               func() time.Time

	tracer        trace.Tracer
	webhookEvents metric.Int64Counter
	activations   metric.Int64Counter
}

func NewEngine(d Deps) *Engine {
	meter := otel.Meter("orderflow/orders")
	webhookEvents, err := meter.Int64Counter("orderflow.webhook.events",
		metric.WithDescription("Provider webhook deliveries by provider, type and outcome"),
	)
	if err != nil {
		d.Logger.Warn("failed to create webhook counter", "error", err)
	}
	activations, err := meter.Int64Counter("orderflow.fulfillment.activations",
		metric.WithDescription("Fulfillment activation attempts by outcome"),
	)
	if err != nil {
		d.Logger.Warn("failed to create activation counter", "error", err)
	}

	verifier := d.PaymentVerifier
	if verifier == nil {
		verifier = payment.NewVerifier("")
	}
	claimTTL := d.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}

	return &Engine{
		store:             d.Store,
		payments:          d.Payments,
		fulfillment:       d.Fulfillment,
		notifier:          d.Notifier,
		cache:             d.Cache,
		verifier:          verifier,
		fulfillmentSecret: d.FulfillmentSecret,
		currency:          d.Currency,
		claimTTL:          claimTTL,
		validate:          newValidator(),
		logger:            d.Logger,
		now:               time.Now,
		tracer:            otel.Tracer("orderflow/orders"),
		webhookEvents:     webhookEvents,
		activations:       activations,
	}
}

// Checkout is the result of CreateOrder. ClientSecret lets the browser confirm
// the payment intent.
type Checkout struct {
	Order        *domain.Order `json:"order"`
	ClientSecret string        `json:"client_secret,omitempty"`
}

func (e *Engine) CreateOrder(ctx context.Context, in CreateOrderInput) (*Checkout, error) {
	in.PromoCode = strings.ToUpper(strings.TrimSpace(in.PromoCode))
	if err := validate(e.validate, in); err != nil {
		return nil, err
	}

	plan, err := e.store.GetPlan(ctx, in.PlanID)
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil || !plan.IsActive {
		return nil, fmt.Errorf("%w: %s", domain.ErrPlanUnavailable, in.PlanID)
	}
	if plan.Stock < in.Quantity {
		return nil, fmt.Errorf("%w: %d requested, %d available", domain.ErrInsufficientStock, in.Quantity, plan.Stock)
	}

	var promo *domain.Promo
	if in.PromoCode != "" {
		promo, err = e.store.GetPromo(ctx, in.PromoCode)
		if err != nil {
			return nil, fmt.Errorf("get promo: %w", err)
		}
		if promo == nil {
			return nil, fmt.Errorf("%w: unknown promo code %s", domain.ErrValidation, in.PromoCode)
		}
	}

	now := e.now().UTC()
	quote, err := Price(plan, in.Quantity, promo, now)
	if err != nil {
		return nil, err
	}

	currency := plan.Currency
	if currency == "" {
		currency = e.currency
	}
	order := &domain.Order{
		ID:                uuid.NewString(),
		OrderNumber:       newOrderNumber(now),
		UserID:            in.UserID,
		PlanID:            plan.ID,
		Quantity:          in.Quantity,
		UnitPrice:         quote.UnitPrice,
		Discount:          quote.Discount,
		FinalAmount:       quote.FinalAmount,
		Currency:          currency,
		Billing:           domain.BillingDetails(in.Billing),
		PaymentStatus:     domain.PaymentStatusPending,
		ProvisioningState: domain.ProvisioningNotRequired,
		Status:            domain.OrderStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if promo != nil {
		order.PromoCode = &promo.Code
	}
	if plan.Provisionable() {
		order.ProvisioningState = domain.ProvisioningPending
	}

	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	e.invalidateOrder(ctx, order)

	intent, err := e.payments.CreateIntent(ctx, payment.CreateIntentParams{
		Amount:         order.FinalAmount,
		Currency:       strings.ToLower(order.Currency),
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		ReceiptEmail:   order.Billing.Email,
		IdempotencyKey: "order-" + order.ID,
	})
	if err != nil {
		e.logger.Error("failed to create payment intent", "error", err, "order_id", order.ID)
		if cancelled, cerr := e.store.CancelOrder(ctx, order.ID); cerr != nil {
			e.logger.Warn("failed to cancel order without payment intent", "error", cerr, "order_id", order.ID)
		} else if cancelled {
			e.invalidateOrder(ctx, order)
		}
		return nil, err
	}
	if err := e.store.AttachPaymentIntent(ctx, order.ID, intent.ID); err != nil {
		return nil, fmt.Errorf("attach payment intent: %w", err)
	}
	order.PaymentIntentID = &intent.ID

	if plan.Provisionable() {
		e.precreateProvisioning(ctx, order, plan)
	}

	e.invalidateOrder(ctx, order)
	e.logger.Info("order created",
		"order_id", order.ID,
		"order_number", order.OrderNumber,
		"plan_id", order.PlanID,
		"final_amount", order.FinalAmount,
	)
	return &Checkout{Order: order, ClientSecret: intent.ClientSecret}, nil
}

// precreateProvisioning reserves the product at the fulfillment provider so its
// QR code can be shown early. Failures are retried at payment success.
func (e *Engine) precreateProvisioning(ctx context.Context, order *domain.Order, plan *domain.Plan) {
	created, err := e.fulfillment.CreateOrder(ctx, fulfillment.CreateOrderParams{
		TransactionID: order.OrderNumber,
		PackageCode:   plan.ProviderPackageCode,
		Count:         order.Quantity,
	})
	if err != nil {
		e.logger.Warn("provisioning pre-create failed, will retry after payment", "error", err, "order_id", order.ID)
		return
	}

	attached, err := e.store.AttachProvisioning(ctx, order.ID, created)
	if err != nil {
		e.logger.Error("failed to record pre-created provisioning", "error", err, "order_id", order.ID)
		return
	}
	if attached {
		order.ProvisioningState = domain.ProvisioningCreated
		order.ProviderOrderID = &created.ProviderOrderID
		if created.QRCode != "" {
			order.QRCode = &created.QRCode
		}
	}
}

// HandlePaymentWebhook verifies and applies one payment provider event. Replays
// and unknown events are acknowledged; only signature, decoding and store
// failures are returned.
func (e *Engine) HandlePaymentWebhook(ctx context.Context, body []byte, signature string) error {
	if e.verifier.Enabled() {
		if err := e.verifier.Verify(body, signature); err != nil {
			e.countWebhook(ctx, domain.ProviderPayment, "", "rejected")
			e.logger.Warn("payment webhook signature rejected", "error", err)
			return err
		}
	}

	event, err := payment.ParseEvent(body)
	if err != nil {
		return err
	}

	ctx, span := e.tracer.Start(ctx, "orders.HandlePaymentWebhook", trace.WithAttributes(
		attribute.String("payment.event_type", string(event.Type)),
		attribute.String("payment.intent_id", event.IntentID()),
	))
	defer span.End()

	var result string
	switch event.Type {
	case payment.EventIntentSucceeded:
		result, err = e.paymentSucceeded(ctx, event)
	case payment.EventIntentFailed:
		result, err = e.paymentFailed(ctx, event)
	case payment.EventIntentCanceled:
		result, err = e.paymentCanceled(ctx, event)
	default:
		e.logger.Info("ignoring payment event", "event_type", event.Type, "event_id", event.ID)
		result = "ignored"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result = "error"
	}
	e.countWebhook(ctx, domain.ProviderPayment, string(event.Type), result)
	return err
}

func (e *Engine) paymentOrder(ctx context.Context, event *payment.Event) (*domain.Order, error) {
	if id := event.OrderID(); id != "" {
		order, err := e.store.GetOrder(ctx, id)
		if err != nil || order != nil {
			return order, err
		}
	}
	if intentID := event.IntentID(); intentID != "" {
		return e.store.FindOrderByRef(ctx, domain.ProviderPayment, intentID)
	}
	return nil, nil
}

func (e *Engine) paymentSucceeded(ctx context.Context, event *payment.Event) (string, error) {
	order, err := e.paymentOrder(ctx, event)
	if err != nil {
		return "", fmt.Errorf("find order: %w", err)
	}
	if order == nil {
		e.logger.Warn("payment succeeded for unknown order", "intent_id", event.IntentID(), "event_id", event.ID)
		return "unmatched", nil
	}

	if order.PaymentStatus == domain.PaymentStatusCompleted || order.PaymentStatus == domain.PaymentStatusRefunded {
		// A replay never re-notifies, but it may finish an activation that an
		// earlier delivery could not.
		if order.Status == domain.OrderStatusPending && order.Provisionable() && order.ProvisioningState != domain.ProvisioningActive {
			e.activateQuietly(ctx, order.ID)
		}
		return "replay", nil
	}

	var userPlan *domain.UserPlan
	if !order.Provisionable() {
		plan, err := e.store.GetPlan(ctx, order.PlanID)
		if err != nil {
			return "", fmt.Errorf("get plan: %w", err)
		}
		userPlan = e.newUserPlan(order, plan, nil)
	}

	claimed, err := e.store.ClaimPaymentSuccess(ctx, order.ID, e.now().UTC(), userPlan)
	if err != nil {
		return "", fmt.Errorf("claim payment success: %w", err)
	}
	if !claimed {
		return "replay", nil
	}

	e.invalidateOrder(ctx, order)
	e.invalidatePlan(ctx, order.PlanID)

	order, err = e.store.GetOrder(ctx, order.ID)
	if err != nil {
		return "", fmt.Errorf("reload order: %w", err)
	}
	e.logger.Info("payment completed", "order_id", order.ID, "intent_id", event.IntentID())

	if order.Status == domain.OrderStatusCancelled {
		e.logger.Error("payment captured for cancelled order, manual refund required", "order_id", order.ID, "intent_id", event.IntentID())
		return "applied", nil
	}
	if !order.Provisionable() {
		e.notify(ctx, order, domain.NotificationOrderCompleted, nil)
		return "applied", nil
	}

	e.activateQuietly(ctx, order.ID)
	return "applied", nil
}

func (e *Engine) paymentFailed(ctx context.Context, event *payment.Event) (string, error) {
	order, err := e.paymentOrder(ctx, event)
	if err != nil {
		return "", fmt.Errorf("find order: %w", err)
	}
	if order == nil {
		return "unmatched", nil
	}

	reason := event.FailureReason()
	changed, err := e.store.MarkPaymentFailed(ctx, order.ID, reason)
	if err != nil {
		return "", fmt.Errorf("mark payment failed: %w", err)
	}
	if !changed {
		return "replay", nil
	}

	e.invalidateOrder(ctx, order)
	e.logger.Info("payment failed", "order_id", order.ID, "reason", reason)
	if order.Status.Terminal() {
		return "applied", nil
	}
	e.notify(ctx, order, domain.NotificationPaymentFailed, map[string]string{"reason": reason})
	return "applied", nil
}

func (e *Engine) paymentCanceled(ctx context.Context, event *payment.Event) (string, error) {
	order, err := e.paymentOrder(ctx, event)
	if err != nil {
		return "", fmt.Errorf("find order: %w", err)
	}
	if order == nil {
		return "unmatched", nil
	}

	changed, err := e.store.MarkPaymentCancelled(ctx, order.ID)
	if err != nil {
		return "", fmt.Errorf("mark payment cancelled: %w", err)
	}
	if !changed {
		return "replay", nil
	}

	e.invalidateOrder(ctx, order)
	e.logger.Info("payment cancelled", "order_id", order.ID)
	return "applied", nil
}

// HandleFulfillmentWebhook merges a fulfillment provider callback into the order
// it refers to. Callbacks that match no order are acknowledged.
func (e *Engine) HandleFulfillmentWebhook(ctx context.Context, body []byte, signature string) error {
	if fulfillment.ShouldVerify(signature, e.fulfillmentSecret) {
		if err := fulfillment.Verify(body, signature, e.fulfillmentSecret); err != nil {
			e.countWebhook(ctx, domain.ProviderFulfillment, "", "rejected")
			e.logger.Warn("fulfillment webhook signature rejected", "error", err)
			return err
		}
	}

	event, content, err := fulfillment.ParseEvent(body)
	if err != nil {
		return err
	}
	if event.NotifyType == fulfillment.NotifyCheckHealth {
		e.countWebhook(ctx, domain.ProviderFulfillment, event.NotifyType, "ignored")
		return nil
	}

	result, err := e.applyFulfillment(ctx, body, content)
	if err != nil {
		result = "error"
	}
	e.countWebhook(ctx, domain.ProviderFulfillment, event.NotifyType, result)
	return err
}

func (e *Engine) applyFulfillment(ctx context.Context, body []byte, content *fulfillment.Content) (string, error) {
	order, err := e.fulfillmentOrder(ctx, content)
	if err != nil {
		return "", fmt.Errorf("find order: %w", err)
	}
	if order == nil {
		e.logger.Debug("fulfillment event without matching order",
			"provider_order_id", content.OrderNo,
			"transaction_id", content.TransactionID,
		)
		return "unmatched", nil
	}

	if content.OrderNo != "" && order.ProviderOrderID == nil {
		ref := domain.ProviderRef{OrderID: order.ID, Provider: domain.ProviderFulfillment, ExternalID: content.OrderNo}
		if err := e.store.AddProviderRef(ctx, ref); err != nil {
			e.logger.Warn("failed to record provider reference", "error", err, "order_id", order.ID)
		}
	}

	changed, err := e.store.MergeFulfillment(ctx, order.ID, content.Update(body, e.now()))
	if err != nil {
		return "", fmt.Errorf("merge fulfillment payload: %w", err)
	}
	if !changed {
		return "replay", nil
	}

	e.invalidateOrder(ctx, order)
	e.logger.Info("fulfillment update applied", "order_id", order.ID, "esim_status", content.EsimStatus)
	return "applied", nil
}

func (e *Engine) fulfillmentOrder(ctx context.Context, content *fulfillment.Content) (*domain.Order, error) {
	for _, id := range []string{content.OrderNo, content.TransactionID, content.EsimTranNo} {
		if id == "" {
			continue
		}
		order, err := e.store.FindOrderByRef(ctx, domain.ProviderFulfillment, id)
		if err != nil || order != nil {
			return order, err
		}
	}
	return nil, nil
}

// ActivateFulfillment provisions a paid order and grants its user plan. It is
// safe to call any number of times and from concurrent callers: an active order
// is returned as is, and only the caller that wins the activation claim talks to
// the provider.
func (e *Engine) ActivateFulfillment(ctx context.Context, orderID string) (*domain.Order, error) {
	ctx, span := e.tracer.Start(ctx, "orders.ActivateFulfillment", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	order, err := e.activate(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return order, err
}

func (e *Engine) activate(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}

	switch {
	case order.ProvisioningState == domain.ProvisioningActive, !order.Provisionable():
		return order, nil
	case order.PaymentStatus != domain.PaymentStatusCompleted:
		return nil, fmt.Errorf("%w: order %s is not paid", domain.ErrConflict, orderID)
	case order.Status != domain.OrderStatusPending:
		return nil, fmt.Errorf("%w: order %s is %s", domain.ErrConflict, orderID, order.Status)
	}

	claim, err := e.store.ClaimActivation(ctx, orderID, e.now().Add(-e.claimTTL))
	if err != nil {
		return nil, fmt.Errorf("claim activation: %w", err)
	}
	if claim == nil {
		e.countActivation(ctx, "in_progress")
		return order, nil
	}

	plan, err := e.store.GetPlan(ctx, claim.Order.PlanID)
	if err != nil {
		e.release(ctx, claim, claim.Previous, nil, err)
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil || !plan.Provisionable() {
		cause := fmt.Errorf("plan %s has no provider package", claim.Order.PlanID)
		e.release(ctx, claim, domain.ProvisioningFailed, nil, cause)
		e.countActivation(ctx, "failed")
		return nil, fmt.Errorf("%w: %v", domain.ErrConflict, cause)
	}

	created, activated, err := e.provision(ctx, claim.Order, plan)
	if err != nil {
		e.release(ctx, claim, claim.Previous, created, err)
		e.countActivation(ctx, "failed")
		e.notify(ctx, claim.Order, domain.NotificationFulfillmentDelayed, nil)
		return nil, err
	}

	done, err := e.store.CompleteActivation(ctx, orderID, activated, e.newUserPlan(claim.Order, plan, activated))
	if err != nil {
		// The claim goes stale and the reconciler retries the activation.
		e.logger.Error("failed to record activation", "error", err, "order_id", orderID)
		return nil, fmt.Errorf("complete activation: %w", err)
	}

	e.invalidateOrder(ctx, claim.Order)
	order, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("reload order: %w", err)
	}
	if !done {
		e.countActivation(ctx, "superseded")
		return order, nil
	}

	e.countActivation(ctx, "activated")
	e.logger.Info("fulfillment activated", "order_id", orderID, "provider_order_id", activated.ProviderOrderID)
	e.notify(ctx, order, domain.NotificationOrderCompleted, nil)
	return order, nil
}

// provision creates the provider order when none exists yet and activates it.
// created is returned even when activation fails so the attempt is not repeated.
func (e *Engine) provision(ctx context.Context, order *domain.Order, plan *domain.Plan) (created, activated *domain.Provisioning, err error) {
	providerOrderNo := ""
	if order.ProviderOrderID != nil {
		providerOrderNo = *order.ProviderOrderID
	}

	if providerOrderNo == "" {
		created, err = e.fulfillment.CreateOrder(ctx, fulfillment.CreateOrderParams{
			TransactionID: order.OrderNumber,
			PackageCode:   plan.ProviderPackageCode,
			Count:         order.Quantity,
		})
		if err != nil {
			return nil, nil, err
		}
		providerOrderNo = created.ProviderOrderID
	}

	activated, err = e.fulfillment.Activate(ctx, providerOrderNo)
	if err != nil {
		return created, nil, err
	}
	if activated.ProviderOrderID == "" {
		activated.ProviderOrderID = providerOrderNo
	}
	return created, activated, nil
}

// release hands a failed claim back. The order returns to the state it had
// before the claim, keeping a provider order that was created on the way.
func (e *Engine) release(ctx context.Context, claim *ActivationClaim, state domain.ProvisioningState, created *domain.Provisioning, cause error) {
	if !state.Claimable() {
		state = domain.ProvisioningPending
		if claim.Order.ProviderOrderID != nil {
			state = domain.ProvisioningCreated
		}
	}

	if created != nil {
		if state == domain.ProvisioningPending {
			state = domain.ProvisioningCreated
		}
		attachedRef := domain.ProviderRef{OrderID: claim.Order.ID, Provider: domain.ProviderFulfillment, ExternalID: created.ProviderOrderID}
		if err := e.store.AddProviderRef(ctx, attachedRef); err != nil {
			e.logger.Warn("failed to record provider reference", "error", err, "order_id", claim.Order.ID)
		}
	}

	providerOrderID := ""
	if created != nil {
		providerOrderID = created.ProviderOrderID
	}
	if err := e.store.ReleaseActivation(ctx, claim.Order.ID, state, providerOrderID, cause.Error()); err != nil {
		e.logger.Error("failed to release activation claim", "error", err, "order_id", claim.Order.ID)
		return
	}
	e.logger.Warn("fulfillment activation failed",
		"error", cause,
		"order_id", claim.Order.ID,
		"attempt", claim.Order.ProvisioningAttempts,
		"state", state,
	)
}

func (e *Engine) activateQuietly(ctx context.Context, orderID string) {
	if _, err := e.ActivateFulfillment(ctx, orderID); err != nil {
		e.logger.Warn("activation deferred", "error", err, "order_id", orderID)
	}
}

func (e *Engine) newUserPlan(order *domain.Order, plan *domain.Plan, p *domain.Provisioning) *domain.UserPlan {
	now := e.now().UTC()
	up := &domain.UserPlan{
		ID:          uuid.NewString(),
		UserID:      order.UserID,
		OrderID:     order.ID,
		PlanID:      order.PlanID,
		ActivatedAt: now,
		IsActive:    true,
		CreatedAt:   now,
	}
	if p != nil {
		if p.ProviderProductID != "" {
			id := p.ProviderProductID
			up.ProviderProductID = &id
		}
		if p.ActivatedAt != nil {
			up.ActivatedAt = *p.ActivatedAt
		}
		up.ExpiresAt = p.ExpiresAt
	}
	if up.ExpiresAt == nil && plan != nil && plan.ValidityDays > 0 {
		exp := up.ActivatedAt.AddDate(0, 0, plan.ValidityDays)
		up.ExpiresAt = &exp
	}
	return up
}

// CancelOrder cancels an unpaid order. Cancelling an already cancelled order
// returns it unchanged.
func (e *Engine) CancelOrder(ctx context.Context, orderID string, actor domain.Actor) (*domain.Order, error) {
	order, err := e.ownedOrder(ctx, orderID, actor)
	if err != nil {
		return nil, err
	}

	cancelled, err := e.store.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if !cancelled {
		current, err := e.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("get order: %w", err)
		}
		if current != nil && current.Status == domain.OrderStatusCancelled {
			return current, nil
		}
		return nil, fmt.Errorf("%w: order %s cannot be cancelled once payment is %s", domain.ErrConflict, orderID, order.PaymentStatus)
	}
	e.invalidateOrder(ctx, order)

	if order.PaymentIntentID != nil {
		if err := e.payments.CancelIntent(ctx, *order.PaymentIntentID); err != nil {
			e.logger.Warn("failed to cancel payment intent", "error", err, "order_id", orderID)
		}
	}

	order, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("reload order: %w", err)
	}
	e.logger.Info("order cancelled", "order_id", orderID, "by", actor.UserID)
	e.notify(ctx, order, domain.NotificationOrderCancelled, nil)
	return order, nil
}

func (e *Engine) RequestRefund(ctx context.Context, orderID string, in RefundInput, actor domain.Actor) (*domain.Refund, error) {
	if err := validate(e.validate, in); err != nil {
		return nil, err
	}
	order, err := e.ownedOrder(ctx, orderID, actor)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus != domain.PaymentStatusCompleted {
		return nil, fmt.Errorf("%w: order %s payment is %s", domain.ErrConflict, orderID, order.PaymentStatus)
	}

	refund := &domain.Refund{
		ID:          uuid.NewString(),
		OrderID:     order.ID,
		RequestedBy: actor.UserID,
		Reason:      strings.TrimSpace(in.Reason),
		Status:      domain.RefundStatusPending,
		Amount:      order.FinalAmount,
		CreatedAt:   e.now().UTC(),
	}
	if err := e.store.CreateRefund(ctx, refund); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: order %s already has a pending refund", domain.ErrConflict, orderID)
		}
		return nil, fmt.Errorf("create refund: %w", err)
	}

	e.logger.Info("refund requested", "order_id", orderID, "refund_id", refund.ID)
	e.notify(ctx, order, domain.NotificationRefundRequested, map[string]string{"refund_id": refund.ID})
	return refund, nil
}

// ApproveRefund refunds the stored final amount at the payment provider and only
// then marks the refund and its order. A provider failure changes nothing.
func (e *Engine) ApproveRefund(ctx context.Context, refundID string, in ReviewInput, actor domain.Actor) (*domain.Refund, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: approving refunds requires the admin role", domain.ErrForbidden)
	}
	if err := validate(e.validate, in); err != nil {
		return nil, err
	}

	refund, order, err := e.pendingRefund(ctx, refundID)
	if err != nil || refund.Status == domain.RefundStatusApproved {
		return refund, err
	}
	if order.PaymentStatus != domain.PaymentStatusCompleted || order.PaymentIntentID == nil {
		return nil, fmt.Errorf("%w: order %s payment is %s", domain.ErrConflict, order.ID, order.PaymentStatus)
	}

	providerRefund, err := e.payments.CreateRefund(ctx, *order.PaymentIntentID, order.FinalAmount, "refund-"+refund.ID)
	if err != nil {
		e.logger.Error("provider refund failed", "error", err, "refund_id", refundID, "order_id", order.ID)
		return nil, err
	}

	approved, err := e.store.ApproveRefund(ctx, refundID, actor.UserID, providerRefund.ID, e.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("approve refund: %w", err)
	}
	if !approved {
		return nil, fmt.Errorf("%w: refund %s changed while it was being approved", domain.ErrConflict, refundID)
	}
	e.invalidateOrder(ctx, order)

	if up, err := e.store.GetUserPlanByOrder(ctx, order.ID); err != nil {
		e.logger.Warn("failed to load user plan for refunded order", "error", err, "order_id", order.ID)
	} else if up != nil && up.ProviderProductID != nil {
		if err := e.fulfillment.Cancel(ctx, *up.ProviderProductID); err != nil {
			e.logger.Warn("failed to cancel provisioned product", "error", err, "order_id", order.ID)
		}
	}

	refund, err = e.store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, fmt.Errorf("reload refund: %w", err)
	}
	e.logger.Info("refund approved", "refund_id", refundID, "order_id", order.ID, "amount", order.FinalAmount)
	e.notify(ctx, order, domain.NotificationRefundApproved, map[string]string{"amount": fmt.Sprintf("%d", order.FinalAmount)})
	return refund, nil
}

func (e *Engine) RejectRefund(ctx context.Context, refundID string, in RejectInput, actor domain.Actor) (*domain.Refund, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: rejecting refunds requires the admin role", domain.ErrForbidden)
	}
	if err := validate(e.validate, in); err != nil {
		return nil, err
	}

	refund, order, err := e.pendingRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund.Status == domain.RefundStatusApproved {
		return nil, fmt.Errorf("%w: refund %s is already approved", domain.ErrConflict, refundID)
	}

	rejected, err := e.store.RejectRefund(ctx, refundID, actor.UserID, in.Reason)
	if err != nil {
		return nil, fmt.Errorf("reject refund: %w", err)
	}
	if !rejected {
		return nil, fmt.Errorf("%w: refund %s is no longer pending", domain.ErrConflict, refundID)
	}

	refund, err = e.store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, fmt.Errorf("reload refund: %w", err)
	}
	e.logger.Info("refund rejected", "refund_id", refundID, "order_id", order.ID)
	e.notify(ctx, order, domain.NotificationRefundRejected, map[string]string{"reason": in.Reason})
	return refund, nil
}

// pendingRefund loads a refund and its order. An approved refund is returned
// without error so repeated approvals are idempotent; a rejected one conflicts.
func (e *Engine) pendingRefund(ctx context.Context, refundID string) (*domain.Refund, *domain.Order, error) {
	refund, err := e.store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, nil, fmt.Errorf("get refund: %w", err)
	}
	if refund == nil {
		return nil, nil, fmt.Errorf("%w: refund %s", domain.ErrNotFound, refundID)
	}
	if refund.Status == domain.RefundStatusRejected {
		return nil, nil, fmt.Errorf("%w: refund %s is rejected", domain.ErrConflict, refundID)
	}

	order, err := e.store.GetOrder(ctx, refund.OrderID)
	if err != nil {
		return nil, nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil {
		return nil, nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, refund.OrderID)
	}
	return refund, order, nil
}

// GetOrder reads an order through the cache.
func (e *Engine) GetOrder(ctx context.Context, orderID string, actor domain.Actor) (*domain.Order, error) {
	order, err := cache.GetOrSet(ctx, e.cache, cache.OrderKey(orderID), cache.TTLShort, func(ctx context.Context) (*domain.Order, error) {
		return e.loadOrder(ctx, orderID)
	})
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(order.UserID) {
		return nil, fmt.Errorf("%w: order %s", domain.ErrForbidden, orderID)
	}
	return order, nil
}

func (e *Engine) ListUserOrders(ctx context.Context, userID string, status domain.OrderStatus, page, limit int, actor domain.Actor) ([]domain.Order, error) {
	if !actor.CanAccess(userID) {
		return nil, fmt.Errorf("%w: orders of %s", domain.ErrForbidden, userID)
	}
	switch status {
	case "", domain.OrderStatusPending, domain.OrderStatusCompleted, domain.OrderStatusCancelled, domain.OrderStatusRefunded:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	key := cache.UserOrdersKey(userID, string(status), page, limit)
	return cache.GetOrSet(ctx, e.cache, key, cache.TTLShort, func(ctx context.Context) ([]domain.Order, error) {
		orders, err := e.store.ListOrdersByUser(ctx, userID, status, page, limit)
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		if orders == nil {
			orders = []domain.Order{}
		}
		return orders, nil
	})
}

// Usage asks the fulfillment provider for the data usage of an activated order.
func (e *Engine) Usage(ctx context.Context, orderID string, actor domain.Actor) (*domain.Usage, error) {
	order, err := e.ownedOrder(ctx, orderID, actor)
	if err != nil {
		return nil, err
	}
	up, err := e.store.GetUserPlanByOrder(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("get user plan: %w", err)
	}
	if up == nil || up.ProviderProductID == nil {
		return nil, fmt.Errorf("%w: order %s has no activated product", domain.ErrConflict, orderID)
	}
	return e.fulfillment.QueryUsage(ctx, *up.ProviderProductID)
}

// PendingActivations lists paid orders whose activation never finished or whose
// claim was abandoned.
func (e *Engine) PendingActivations(ctx context.Context, limit int) ([]string, error) {
	return e.store.ListStalledActivations(ctx, e.now().Add(-e.claimTTL), limit)
}

func (e *Engine) ExpirePlans(ctx context.Context) (int, error) {
	return e.store.DeactivateExpiredPlans(ctx, e.now().UTC())
}

func (e *Engine) ownedOrder(ctx context.Context, orderID string, actor domain.Actor) (*domain.Order, error) {
	order, err := e.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(order.UserID) {
		return nil, fmt.Errorf("%w: order %s", domain.ErrForbidden, orderID)
	}
	return order, nil
}

func (e *Engine) loadOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	return order, nil
}

// notify sends a customer notification at most once per order and kind.
func (e *Engine) notify(ctx context.Context, order *domain.Order, kind domain.NotificationKind, data map[string]string) {
	inserted, err := e.store.RecordNotification(ctx, order.ID, kind)
	if err != nil {
		e.logger.Error("failed to record notification", "error", err, "order_id", order.ID, "kind", kind)
		return
	}
	if !inserted {
		e.logger.Debug("notification already sent", "order_id", order.ID, "kind", kind)
		return
	}

	e.notifier.Notify(ctx, domain.NotificationEvent{
		Kind:        kind,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Email:       order.Billing.Email,
		Phone:       order.Billing.Phone,
		Name:        order.Billing.Name,
		Data:        data,
		Timestamp:   e.now().UTC(),
	})
}

func (e *Engine) invalidateOrder(ctx context.Context, order *domain.Order) {
	e.cache.InvalidateAll(ctx,
		cache.OrderKey(order.ID),
		cache.UserOrdersPattern(order.UserID),
		cache.DashboardPattern,
	)
}

func (e *Engine) invalidatePlan(ctx context.Context, planID string) {
	e.cache.InvalidateAll(ctx, cache.PlanKey(planID), cache.PlansPattern)
}

func (e *Engine) countWebhook(ctx context.Context, provider domain.Provider, eventType, result string) {
	if e.webhookEvents == nil {
		return
	}
	e.webhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("type", eventType),
		attribute.String("result", result),
	))
}

func (e *Engine) countActivation(ctx context.Context, result string) {
	if e.activations == nil {
		return
	}
	e.activations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "ORD-" + now.Format("20060102") + "-" + suffix
}
