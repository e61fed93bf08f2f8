package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/joao-fontenele/orderflow-connect/internal/cache"
	"github.com/joao-fontenele/orderflow-connect/internal/domain"
	"github.com/joao-fontenele/orderflow-connect/internal/fulfillment"
	"github.com/joao-fontenele/orderflow-connect/internal/payment"
)

// memStore is an in-memory Store with the same conditional-write semantics as
// the Postgres repository.
type memStore struct {
	mu            sync.Mutex
	plans         map[string]*domain.Plan
	promos        map[string]*domain.Promo
	orders        map[string]*domain.Order
	refs          map[string]string
	userPlans     map[string]*domain.UserPlan
	refunds       map[string]*domain.Refund
	notifications map[string]bool
	fulfillment   map[string]bool
	failGetOrder  error
}

func newMemStore() *memStore {
	return &memStore{
		plans:         map[string]*domain.Plan{},
		promos:        map[string]*domain.Promo{},
		orders:        map[string]*domain.Order{},
		refs:          map[string]string{},
		userPlans:     map[string]*domain.UserPlan{},
		refunds:       map[string]*domain.Refund{},
		notifications: map[string]bool{},
		fulfillment:   map[string]bool{},
	}
}

func refKey(p domain.Provider, id string) string { return string(p) + "/" + id }

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	return &c
}

func (s *memStore) GetPlan(_ context.Context, id string) (*domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (s *memStore) GetPromo(_ context.Context, code string) (*domain.Promo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promos[code]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (s *memStore) CreateOrder(_ context.Context, o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = cloneOrder(o)
	s.refs[refKey(domain.ProviderFulfillment, o.OrderNumber)] = o.ID
	return nil
}

func (s *memStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGetOrder != nil {
		return nil, s.failGetOrder
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return cloneOrder(o), nil
}

func (s *memStore) FindOrderByRef(_ context.Context, provider domain.Provider, externalID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.refs[refKey(provider, externalID)]
	if !ok {
		return nil, nil
	}
	return cloneOrder(s.orders[id]), nil
}

func (s *memStore) AddProviderRef(_ context.Context, ref domain.ProviderRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refs[refKey(ref.Provider, ref.ExternalID)]; !ok {
		s.refs[refKey(ref.Provider, ref.ExternalID)] = ref.OrderID
	}
	return nil
}

func (s *memStore) ListOrdersByUser(_ context.Context, userID string, status domain.OrderStatus, page, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.UserID == userID && (status == "" || o.Status == status) {
			out = append(out, *o)
		}
	}
	start := (page - 1) * limit
	if start >= len(out) {
		return []domain.Order{}, nil
	}
	end := min(start+limit, len(out))
	return out[start:end], nil
}

func (s *memStore) AttachPaymentIntent(_ context.Context, orderID, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	if o.PaymentIntentID == nil {
		o.PaymentIntentID = &intentID
	}
	s.refs[refKey(domain.ProviderPayment, intentID)] = orderID
	return nil
}

func (s *memStore) AttachProvisioning(_ context.Context, orderID string, p *domain.Provisioning) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	if o.ProvisioningState != domain.ProvisioningPending {
		return false, nil
	}
	o.ProvisioningState = domain.ProvisioningCreated
	id := p.ProviderOrderID
	o.ProviderOrderID = &id
	if p.QRCode != "" {
		qr := p.QRCode
		o.QRCode = &qr
	}
	s.refs[refKey(domain.ProviderFulfillment, id)] = orderID
	return true, nil
}

func (s *memStore) ClaimPaymentSuccess(_ context.Context, orderID string, paidAt time.Time, plan *domain.UserPlan) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	if o.PaymentStatus != domain.PaymentStatusPending && o.PaymentStatus != domain.PaymentStatusFailed {
		return false, nil
	}
	o.PaymentStatus = domain.PaymentStatusCompleted
	o.PaidAt = &paidAt
	if o.Status == domain.OrderStatusPending && o.ProvisioningState == domain.ProvisioningNotRequired {
		o.Status = domain.OrderStatusCompleted
	}
	o.Version++
	if o.PromoCode != nil {
		if p, ok := s.promos[*o.PromoCode]; ok {
			p.UsedCount++
		}
	}
	if p, ok := s.plans[o.PlanID]; ok && p.Stock >= o.Quantity {
		p.Stock -= o.Quantity
	}
	if plan != nil && o.Status == domain.OrderStatusCompleted {
		if _, exists := s.userPlans[orderID]; !exists {
			s.userPlans[orderID] = plan
		}
	}
	return true, nil
}

func (s *memStore) MarkPaymentFailed(_ context.Context, orderID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	if o.PaymentStatus != domain.PaymentStatusPending {
		return false, nil
	}
	o.PaymentStatus = domain.PaymentStatusFailed
	return true, nil
}

func (s *memStore) MarkPaymentCancelled(_ context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	if o.PaymentStatus != domain.PaymentStatusPending && o.PaymentStatus != domain.PaymentStatusFailed {
		return false, nil
	}
	o.PaymentStatus = domain.PaymentStatusCancelled
	return true, nil
}

func (s *memStore) ClaimActivation(_ context.Context, orderID string, staleBefore time.Time) (*ActivationClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.PaymentStatus != domain.PaymentStatusCompleted || o.Status != domain.OrderStatusPending {
		return nil, nil
	}
	prev := o.ProvisioningState
	stale := prev == domain.ProvisioningActivating && (o.ProvisioningClaimedAt == nil || o.ProvisioningClaimedAt.Before(staleBefore))
	if !prev.Claimable() && !stale {
		return nil, nil
	}
	now := time.Now()
	o.ProvisioningState = domain.ProvisioningActivating
	o.ProvisioningClaimedAt = &now
	o.ProvisioningAttempts++
	return &ActivationClaim{Order: cloneOrder(o), Previous: prev}, nil
}

func (s *memStore) CompleteActivation(_ context.Context, orderID string, p *domain.Provisioning, plan *domain.UserPlan) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	if o.ProvisioningState != domain.ProvisioningActivating || o.Status != domain.OrderStatusPending {
		return false, nil
	}
	o.ProvisioningState = domain.ProvisioningActive
	o.Status = domain.OrderStatusCompleted
	if p.ProviderOrderID != "" {
		id := p.ProviderOrderID
		o.ProviderOrderID = &id
	}
	if p.ProductCode != "" {
		code := p.ProductCode
		o.ProductCode = &code
	}
	if p.QRCode != "" {
		qr := p.QRCode
		o.QRCode = &qr
	}
	at := time.Now()
	if p.ActivatedAt != nil {
		at = *p.ActivatedAt
	}
	o.ActivatedAt = &at
	o.ExpiresAt = p.ExpiresAt
	if len(p.Payload) > 0 {
		o.ProvisioningPayload = p.Payload
	}
	o.ProvisioningClaimedAt = nil
	if _, exists := s.userPlans[orderID]; !exists {
		s.userPlans[orderID] = plan
	}
	return true, nil
}

func (s *memStore) ReleaseActivation(_ context.Context, orderID string, state domain.ProvisioningState, providerOrderID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	if o.ProvisioningState != domain.ProvisioningActivating {
		return nil
	}
	o.ProvisioningState = state
	if o.ProviderOrderID == nil && providerOrderID != "" {
		o.ProviderOrderID = &providerOrderID
	}
	o.ProvisioningClaimedAt = nil
	o.ProvisioningError = &reason
	return nil
}

func (s *memStore) MergeFulfillment(_ context.Context, orderID string, upd domain.FulfillmentUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	key := orderID + "/" + upd.Fingerprint
	if s.fulfillment[key] {
		return false, nil
	}
	s.fulfillment[key] = true

	merged := map[string]json.RawMessage{}
	if len(o.ProvisioningPayload) > 0 {
		_ = json.Unmarshal(o.ProvisioningPayload, &merged)
	}
	incoming := map[string]json.RawMessage{}
	_ = json.Unmarshal(upd.Payload, &incoming)
	for k, v := range incoming {
		merged[k] = v
	}
	o.ProvisioningPayload, _ = json.Marshal(merged)

	if o.ProviderOrderID == nil && upd.ProviderOrderID != "" {
		id := upd.ProviderOrderID
		o.ProviderOrderID = &id
	}
	if upd.ProductCode != "" {
		code := upd.ProductCode
		o.ProductCode = &code
	}
	if upd.QRCode != "" {
		qr := upd.QRCode
		o.QRCode = &qr
	}
	if o.ActivatedAt == nil {
		o.ActivatedAt = upd.ActivatedAt
	}
	if upd.ExpiresAt != nil {
		o.ExpiresAt = upd.ExpiresAt
	}
	if upd.ProvisioningState != "" && o.ProvisioningState != domain.ProvisioningNotRequired {
		o.ProvisioningState = upd.ProvisioningState
	}
	o.Version++
	if upd.DeactivatePlan {
		if up, ok := s.userPlans[orderID]; ok {
			up.IsActive = false
		}
	}
	return true, nil
}

func (s *memStore) GetUserPlanByOrder(_ context.Context, orderID string) (*domain.UserPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.userPlans[orderID]
	if !ok {
		return nil, nil
	}
	c := *up
	return &c, nil
}

func (s *memStore) CancelOrder(_ context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	if o.Status != domain.OrderStatusPending || o.PaymentStatus != domain.PaymentStatusPending {
		return false, nil
	}
	o.Status = domain.OrderStatusCancelled
	if o.ProvisioningState.Claimable() {
		o.ProvisioningState = domain.ProvisioningCancelled
	}
	return true, nil
}

func (s *memStore) CreateRefund(_ context.Context, refund *domain.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.refunds {
		if r.OrderID == refund.OrderID && r.Status == domain.RefundStatusPending {
			return fmt.Errorf("%w: pending refund exists", domain.ErrConflict)
		}
	}
	c := *refund
	s.refunds[refund.ID] = &c
	return nil
}

func (s *memStore) GetRefund(_ context.Context, id string) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[id]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (s *memStore) ApproveRefund(_ context.Context, refundID, reviewer, externalRefundID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.refunds[refundID]
	o := s.orders[r.OrderID]
	if r.Status != domain.RefundStatusPending || o.PaymentStatus != domain.PaymentStatusCompleted {
		return false, nil
	}
	r.Status = domain.RefundStatusApproved
	r.ExternalRefundID = &externalRefundID
	r.ReviewedBy = &reviewer
	r.ApprovedAt = &at
	if o.Status != domain.OrderStatusCancelled {
		o.Status = domain.OrderStatusRefunded
	}
	o.PaymentStatus = domain.PaymentStatusRefunded
	if up, ok := s.userPlans[o.ID]; ok {
		up.IsActive = false
	}
	return true, nil
}

func (s *memStore) RejectRefund(_ context.Context, refundID, reviewer, note string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.refunds[refundID]
	if r.Status != domain.RefundStatusPending {
		return false, nil
	}
	r.Status = domain.RefundStatusRejected
	r.ReviewedBy = &reviewer
	r.ReviewNote = &note
	return true, nil
}

func (s *memStore) RecordNotification(_ context.Context, orderID string, kind domain.NotificationKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderID + "/" + string(kind)
	if s.notifications[key] {
		return false, nil
	}
	s.notifications[key] = true
	return true, nil
}

func (s *memStore) ListStalledActivations(_ context.Context, staleBefore time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, o := range s.orders {
		if o.PaymentStatus != domain.PaymentStatusCompleted || o.Status != domain.OrderStatusPending {
			continue
		}
		if o.PaidAt == nil || !o.PaidAt.Before(staleBefore) {
			continue
		}
		stale := o.ProvisioningState == domain.ProvisioningActivating && o.ProvisioningClaimedAt != nil && o.ProvisioningClaimedAt.Before(staleBefore)
		if o.ProvisioningState.Claimable() || stale {
			ids = append(ids, id)
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (s *memStore) DeactivateExpiredPlans(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, up := range s.userPlans {
		if up.IsActive && up.ExpiresAt != nil && up.ExpiresAt.Before(now) {
			up.IsActive = false
			n++
		}
	}
	return n, nil
}

func (s *memStore) order(id string) *domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneOrder(s.orders[id])
}

func (s *memStore) userPlanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.userPlans)
}

type fakePayments struct {
	mu         sync.Mutex
	intents    int
	cancelled  []string
	refunds    []int64
	failIntent error
	failRefund error
}

func (p *fakePayments) CreateIntent(_ context.Context, params payment.CreateIntentParams) (*payment.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failIntent != nil {
		return nil, p.failIntent
	}
	p.intents++
	return &payment.Intent{
		ID:           fmt.Sprintf("pi_%d", p.intents),
		Status:       "requires_payment_method",
		Amount:       params.Amount,
		ClientSecret: fmt.Sprintf("pi_%d_secret", p.intents),
	}, nil
}

func (p *fakePayments) CancelIntent(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, id)
	return nil
}

func (p *fakePayments) CreateRefund(_ context.Context, intentID string, amount int64, key string) (*payment.Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRefund != nil {
		return nil, p.failRefund
	}
	p.refunds = append(p.refunds, amount)
	return &payment.Refund{ID: "re_" + key, Status: "succeeded", Amount: amount, PaymentIntent: intentID}, nil
}

type fakeFulfillment struct {
	creates     atomic.Int32
	activations atomic.Int32
	cancels     atomic.Int32
	failCreate  error
	failActive  error
	delay       time.Duration
}

func (f *fakeFulfillment) CreateOrder(_ context.Context, p fulfillment.CreateOrderParams) (*domain.Provisioning, error) {
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	n := f.creates.Add(1)
	return &domain.Provisioning{ProviderOrderID: fmt.Sprintf("B%04d", n), QRCode: "https://qr/" + p.TransactionID}, nil
}

func (f *fakeFulfillment) Activate(_ context.Context, providerOrderNo string) (*domain.Provisioning, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failActive != nil {
		return nil, f.failActive
	}
	f.activations.Add(1)
	exp := time.Now().Add(30 * 24 * time.Hour).UTC()
	return &domain.Provisioning{
		ProviderOrderID:   providerOrderNo,
		ProviderProductID: "T-" + providerOrderNo,
		ProductCode:       "8944" + providerOrderNo,
		QRCode:            "LPA:1$smdp$" + providerOrderNo,
		ExpiresAt:         &exp,
		Payload:           json.RawMessage(`{"orderNo":"` + providerOrderNo + `"}`),
	}, nil
}

func (f *fakeFulfillment) Cancel(_ context.Context, _ string) error {
	f.cancels.Add(1)
	return nil
}

func (f *fakeFulfillment) QueryUsage(_ context.Context, productID string) (*domain.Usage, error) {
	return &domain.Usage{ProductID: productID, TotalMB: 5120, UsedMB: 12}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.NotificationEvent
}

func (n *fakeNotifier) Notify(_ context.Context, event domain.NotificationEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) count(kind domain.NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Kind == kind {
			c++
		}
	}
	return c
}

type testEnv struct {
	engine      *Engine
	store       *memStore
	payments    *fakePayments
	fulfillment *fakeFulfillment
	notifier    *fakeNotifier
	cache       *cache.Cache
	redis       *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)
	c := cache.New(cache.NewRedisClient(mr.Addr(), "", 0), cache.NewRecorder(0), logger)
	c.SetResettleDelay(0)

	store := newMemStore()
	store.plans["eu-5gb"] = &domain.Plan{ID: "eu-5gb", Name: "Europe 5GB", Price: 5000, Currency: "USD", Stock: 10, IsActive: true, ValidityDays: 30, ProviderPackageCode: "CKH491"}
	store.plans["support"] = &domain.Plan{ID: "support", Name: "Priority support", Price: 1000, Currency: "USD", Stock: 10, IsActive: true, ValidityDays: 30}
	store.plans["retired"] = &domain.Plan{ID: "retired", Name: "Old plan", Price: 1000, Stock: 10}
	store.promos["SAVE10"] = &domain.Promo{Code: "SAVE10", Kind: domain.PromoFixed, Value: 1000, MinOrderAmount: 5000, IsActive: true}

	env := &testEnv{
		store:       store,
		payments:    &fakePayments{},
		fulfillment: &fakeFulfillment{},
		notifier:    &fakeNotifier{},
		cache:       c,
		redis:       mr,
	}
	env.engine = NewEngine(Deps{
		Store:       store,
		Payments:    env.payments,
		Fulfillment: env.fulfillment,
		Notifier:    env.notifier,
		Cache:       c,
		Currency:    "USD",
		Logger:      logger,
	})
	return env
}

func checkoutInput(planID string, quantity int, promo string) CreateOrderInput {
	return CreateOrderInput{
		UserID:    "user-1",
		PlanID:    planID,
		Quantity:  quantity,
		PromoCode: promo,
		Billing:   BillingInput{Name: "Sam Doe", Email: "sam@example.com"},
	}
}

func paymentEventBody(kind payment.EventKind, orderID, intentID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":   "evt_" + orderID,
		"type": kind,
		"data": map[string]any{
			"object": map[string]any{
				"id":       intentID,
				"status":   "succeeded",
				"metadata": map[string]string{"order_id": orderID},
				"last_payment_error": map[string]string{
					"code":    "card_declined",
					"message": "Your card was declined.",
				},
			},
		},
	})
	return body
}
