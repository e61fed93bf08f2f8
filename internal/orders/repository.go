package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

const uniqueViolation = "23505"

const orderColumns = `
	id, order_number, user_id, plan_id, quantity, unit_price, discount, final_amount,
	currency, promo_code, billing_name, billing_email, billing_phone,
	payment_intent_id, payment_status, paid_at,
	provisioning_state, provider_order_id, provisioning_payload, product_code, qr_code,
	activated_at, expires_at, provisioning_claimed_at, provisioning_attempts, provisioning_error,
	status, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

// OrderRepository is the Postgres implementation of Store.
type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	plan := &domain.Plan{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, region, data_mb, validity_days, price, currency,
			stock, is_active, provider_package_code, created_at
		FROM plans
		WHERE id = $1
	`, id).Scan(&plan.ID, &plan.Name, &plan.Description, &plan.Region, &plan.DataMB, &plan.ValidityDays,
		&plan.Price, &plan.Currency, &plan.Stock, &plan.IsActive, &plan.ProviderPackageCode, &plan.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return plan, nil
}

func (r *OrderRepository) GetPromo(ctx context.Context, code string) (*domain.Promo, error) {
	p := &domain.Promo{}
	var validFrom, validUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT code, kind, value, min_order_amount, max_discount, usage_limit, used_count,
			valid_from, valid_until, is_active
		FROM promos
		WHERE code = $1
	`, code).Scan(&p.Code, &p.Kind, &p.Value, &p.MinOrderAmount, &p.MaxDiscount, &p.UsageLimit,
		&p.UsedCount, &validFrom, &validUntil, &p.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.ValidFrom = timePtr(validFrom)
	p.ValidUntil = timePtr(validUntil)
	return p, nil
}

func (r *OrderRepository) CreateOrder(ctx context.Context, o *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, user_id, plan_id, quantity, unit_price, discount, final_amount,
			currency, promo_code, billing_name, billing_email, billing_phone,
			payment_status, provisioning_state, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
	`, o.ID, o.OrderNumber, o.UserID, o.PlanID, o.Quantity, o.UnitPrice, o.Discount, o.FinalAmount,
		o.Currency, o.PromoCode, o.Billing.Name, o.Billing.Email, o.Billing.Phone,
		o.PaymentStatus, o.ProvisioningState, o.Status, o.CreatedAt)
	if err != nil {
		return err
	}

	if err := insertRef(ctx, tx, domain.ProviderRef{OrderID: o.ID, Provider: domain.ProviderFulfillment, ExternalID: o.OrderNumber}); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *OrderRepository) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrderRow(row)
}

func (r *OrderRepository) FindOrderByRef(ctx context.Context, provider domain.Provider, externalID string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = (SELECT order_id FROM provider_refs WHERE provider = $1 AND external_id = $2)
	`, provider, externalID)
	return scanOrderRow(row)
}

// AddProviderRef is a no-op when the reference already exists.
func (r *OrderRepository) AddProviderRef(ctx context.Context, ref domain.ProviderRef) error {
	return insertRef(ctx, r.db, ref)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRef(ctx context.Context, db execer, ref domain.ProviderRef) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO provider_refs (order_id, provider, external_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, external_id) DO NOTHING
	`, ref.OrderID, ref.Provider, ref.ExternalID)
	return err
}

func (r *OrderRepository) ListOrdersByUser(ctx context.Context, userID string, status domain.OrderStatus, page, limit int) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, userID, string(status), limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orders := []domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *OrderRepository) AttachPaymentIntent(ctx context.Context, orderID, intentID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET payment_intent_id = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND payment_intent_id IS NULL
	`, orderID, intentID)
	if err != nil {
		return err
	}
	if err := insertRef(ctx, tx, domain.ProviderRef{OrderID: orderID, Provider: domain.ProviderPayment, ExternalID: intentID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *OrderRepository) AttachProvisioning(ctx context.Context, orderID string, p *domain.Provisioning) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET provisioning_state = 'CREATED',
			provider_order_id = $2,
			qr_code = COALESCE(NULLIF($3, ''), qr_code),
			provisioning_payload = $4,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND provisioning_state = 'PENDING'
	`, orderID, p.ProviderOrderID, p.QRCode, jsonbOrNull(p.Payload))
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	if err := insertRef(ctx, tx, domain.ProviderRef{OrderID: orderID, Provider: domain.ProviderFulfillment, ExternalID: p.ProviderOrderID}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (r *OrderRepository) ClaimPaymentSuccess(ctx context.Context, orderID string, paidAt time.Time, plan *domain.UserPlan) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status    domain.OrderStatus
		planID    string
		quantity  int
		promoCode sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE orders
		SET payment_status = 'COMPLETED',
			payment_error = NULL,
			paid_at = $2,
			status = CASE
				WHEN status = 'PENDING' AND provisioning_state = 'NOT_REQUIRED' THEN 'COMPLETED'
				ELSE status
			END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND payment_status IN ('PENDING', 'FAILED')
		RETURNING status, plan_id, quantity, promo_code
	`, orderID, paidAt).Scan(&status, &planID, &quantity, &promoCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	if promoCode.Valid {
		if _, err := tx.ExecContext(ctx, `
			UPDATE promos SET used_count = used_count + 1 WHERE code = $1
		`, promoCode.String); err != nil {
			return false, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE plans SET stock = stock - $2 WHERE id = $1 AND stock >= $2
	`, planID, quantity); err != nil {
		return false, err
	}

	if plan != nil && status == domain.OrderStatusCompleted {
		if err := insertUserPlan(ctx, tx, plan); err != nil {
			return false, err
		}
	}

	return true, tx.Commit()
}

func (r *OrderRepository) MarkPaymentFailed(ctx context.Context, orderID, reason string) (bool, error) {
	return r.affected(ctx, `
		UPDATE orders
		SET payment_status = 'FAILED', payment_error = NULLIF($2, ''), version = version + 1, updated_at = NOW()
		WHERE id = $1 AND payment_status = 'PENDING'
	`, orderID, reason)
}

func (r *OrderRepository) MarkPaymentCancelled(ctx context.Context, orderID string) (bool, error) {
	return r.affected(ctx, `
		UPDATE orders
		SET payment_status = 'CANCELLED', version = version + 1, updated_at = NOW()
		WHERE id = $1 AND payment_status IN ('PENDING', 'FAILED')
	`, orderID)
}

// ClaimActivation locks the order row only for the duration of the check and
// update; the provider is called after this transaction commits.
func (r *OrderRepository) ClaimActivation(ctx context.Context, orderID string, staleBefore time.Time) (*ActivationClaim, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		previous  domain.ProvisioningState
		claimedAt sql.NullTime
		paid      domain.PaymentStatus
		status    domain.OrderStatus
	)
	err = tx.QueryRowContext(ctx, `
		SELECT provisioning_state, provisioning_claimed_at, payment_status, status
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID).Scan(&previous, &claimedAt, &paid, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if paid != domain.PaymentStatusCompleted || status != domain.OrderStatusPending {
		return nil, nil
	}
	stale := previous == domain.ProvisioningActivating && (!claimedAt.Valid || claimedAt.Time.Before(staleBefore))
	if !previous.Claimable() && !stale {
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE orders
		SET provisioning_state = 'ACTIVATING',
			provisioning_claimed_at = NOW(),
			provisioning_attempts = provisioning_attempts + 1,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+orderColumns, orderID)
	order, err := scanOrderRow(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ActivationClaim{Order: order, Previous: previous}, nil
}

func (r *OrderRepository) CompleteActivation(ctx context.Context, orderID string, p *domain.Provisioning, plan *domain.UserPlan) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET provisioning_state = 'ACTIVE',
			provider_order_id = COALESCE(NULLIF($2, ''), provider_order_id),
			provisioning_payload = COALESCE($3::jsonb, provisioning_payload),
			product_code = COALESCE(NULLIF($4, ''), product_code),
			qr_code = COALESCE(NULLIF($5, ''), qr_code),
			activated_at = COALESCE($6, activated_at, NOW()),
			expires_at = COALESCE($7, expires_at),
			provisioning_claimed_at = NULL,
			provisioning_error = NULL,
			status = 'COMPLETED',
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND provisioning_state = 'ACTIVATING' AND status = 'PENDING' AND payment_status = 'COMPLETED'
	`, orderID, p.ProviderOrderID, jsonbOrNull(p.Payload), p.ProductCode, p.QRCode, p.ActivatedAt, p.ExpiresAt)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	if err := insertUserPlan(ctx, tx, plan); err != nil {
		return false, err
	}
	for _, id := range []string{p.ProviderOrderID, p.ProviderProductID} {
		if id == "" {
			continue
		}
		if err := insertRef(ctx, tx, domain.ProviderRef{OrderID: orderID, Provider: domain.ProviderFulfillment, ExternalID: id}); err != nil {
			return false, err
		}
	}

	return true, tx.Commit()
}

func (r *OrderRepository) ReleaseActivation(ctx context.Context, orderID string, state domain.ProvisioningState, providerOrderID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET provisioning_state = $2,
			provider_order_id = COALESCE(provider_order_id, NULLIF($3, '')),
			provisioning_claimed_at = NULL,
			provisioning_error = $4,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND provisioning_state = 'ACTIVATING'
	`, orderID, state, providerOrderID, reason)
	return err
}

// MergeFulfillment folds a callback into the order. Each callback is recorded
// by fingerprint in the same transaction, so a redelivered callback is a no-op
// even after newer callbacks have been merged.
func (r *OrderRepository) MergeFulfillment(ctx context.Context, orderID string, upd domain.FulfillmentUpdate) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	seen, err := tx.ExecContext(ctx, `
		INSERT INTO fulfillment_events (order_id, fingerprint)
		VALUES ($1, $2)
		ON CONFLICT (order_id, fingerprint) DO NOTHING
	`, orderID, upd.Fingerprint)
	if err != nil {
		return false, err
	}
	if n, err := seen.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET provisioning_payload = COALESCE(provisioning_payload, '{}'::jsonb) || $2::jsonb,
			provider_order_id = COALESCE(provider_order_id, NULLIF($3, '')),
			product_code = COALESCE(NULLIF($4, ''), product_code),
			qr_code = COALESCE(NULLIF($5, ''), qr_code),
			activated_at = COALESCE(activated_at, $6),
			expires_at = COALESCE($7, expires_at),
			provisioning_state = CASE
				WHEN $8 <> '' AND provisioning_state <> 'NOT_REQUIRED' THEN $8
				ELSE provisioning_state
			END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1
	`, orderID, jsonbObject(upd.Payload), upd.ProviderOrderID, upd.ProductCode, upd.QRCode,
		upd.ActivatedAt, upd.ExpiresAt, string(upd.ProvisioningState))
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	if upd.DeactivatePlan {
		if _, err := tx.ExecContext(ctx, `
			UPDATE user_plans SET is_active = FALSE WHERE order_id = $1 AND is_active
		`, orderID); err != nil {
			return false, err
		}
	}

	return true, tx.Commit()
}

func (r *OrderRepository) GetUserPlanByOrder(ctx context.Context, orderID string) (*domain.UserPlan, error) {
	up := &domain.UserPlan{}
	var productID sql.NullString
	var expiresAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, order_id, plan_id, provider_product_id, activated_at, expires_at, is_active, created_at
		FROM user_plans
		WHERE order_id = $1
	`, orderID).Scan(&up.ID, &up.UserID, &up.OrderID, &up.PlanID, &productID, &up.ActivatedAt, &expiresAt, &up.IsActive, &up.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	up.ProviderProductID = stringPtr(productID)
	up.ExpiresAt = timePtr(expiresAt)
	return up, nil
}

func insertUserPlan(ctx context.Context, db execer, up *domain.UserPlan) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO user_plans (id, user_id, order_id, plan_id, provider_product_id, activated_at, expires_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id) DO NOTHING
	`, up.ID, up.UserID, up.OrderID, up.PlanID, up.ProviderProductID, up.ActivatedAt, up.ExpiresAt, up.IsActive, up.CreatedAt)
	return err
}

func (r *OrderRepository) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return r.affected(ctx, `
		UPDATE orders
		SET status = 'CANCELLED',
			provisioning_state = CASE
				WHEN provisioning_state IN ('PENDING', 'CREATED', 'FAILED') THEN 'CANCELLED'
				ELSE provisioning_state
			END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING' AND payment_status = 'PENDING'
	`, orderID)
}

func (r *OrderRepository) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refunds (id, order_id, requested_by, reason, status, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, refund.ID, refund.OrderID, refund.RequestedBy, refund.Reason, refund.Status, refund.Amount, refund.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrConflict, pqErr.Message)
	}
	return err
}

func (r *OrderRepository) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	refund := &domain.Refund{}
	var externalID, reviewedBy, note sql.NullString
	var approvedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_id, requested_by, reason, status, amount, external_refund_id,
			reviewed_by, review_note, approved_at, created_at
		FROM refunds
		WHERE id = $1
	`, id).Scan(&refund.ID, &refund.OrderID, &refund.RequestedBy, &refund.Reason, &refund.Status, &refund.Amount,
		&externalID, &reviewedBy, &note, &approvedAt, &refund.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	refund.ExternalRefundID = stringPtr(externalID)
	refund.ReviewedBy = stringPtr(reviewedBy)
	refund.ReviewNote = stringPtr(note)
	refund.ApprovedAt = timePtr(approvedAt)
	return refund, nil
}

// ApproveRefund marks the refund, its order and the order's user plan in one
// transaction. It reports false and changes nothing if either the refund or the
// order already moved on. A cancelled order keeps its status; only its payment
// becomes REFUNDED.
func (r *OrderRepository) ApproveRefund(ctx context.Context, refundID, reviewer, externalRefundID string, at time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var orderID string
	err = tx.QueryRowContext(ctx, `
		UPDATE refunds
		SET status = 'APPROVED', external_refund_id = $2, reviewed_by = $3, approved_at = $4
		WHERE id = $1 AND status = 'PENDING'
		RETURNING order_id
	`, refundID, externalRefundID, reviewer, at).Scan(&orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = CASE WHEN status = 'CANCELLED' THEN status ELSE 'REFUNDED' END,
			payment_status = 'REFUNDED',
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND payment_status = 'COMPLETED'
	`, orderID)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_plans SET is_active = FALSE WHERE order_id = $1
	`, orderID); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

func (r *OrderRepository) RejectRefund(ctx context.Context, refundID, reviewer, note string) (bool, error) {
	return r.affected(ctx, `
		UPDATE refunds
		SET status = 'REJECTED', reviewed_by = $2, review_note = $3
		WHERE id = $1 AND status = 'PENDING'
	`, refundID, reviewer, note)
}

func (r *OrderRepository) RecordNotification(ctx context.Context, orderID string, kind domain.NotificationKind) (bool, error) {
	return r.affected(ctx, `
		INSERT INTO notifications (order_id, kind)
		VALUES ($1, $2)
		ON CONFLICT (order_id, kind) DO NOTHING
	`, orderID, kind)
}

func (r *OrderRepository) ListStalledActivations(ctx context.Context, staleBefore time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id
		FROM orders
		WHERE payment_status = 'COMPLETED'
			AND status = 'PENDING'
			AND paid_at < $1
			AND (
				provisioning_state IN ('PENDING', 'CREATED', 'FAILED')
				OR (provisioning_state = 'ACTIVATING' AND provisioning_claimed_at < $1)
			)
		ORDER BY paid_at
		LIMIT $2
	`, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *OrderRepository) DeactivateExpiredPlans(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE user_plans SET is_active = FALSE
		WHERE is_active AND expires_at IS NOT NULL AND expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *OrderRepository) affected(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanOrderRow(row *sql.Row) (*domain.Order, error) {
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

func scanOrder(s scanner) (*domain.Order, error) {
	var (
		o                                                  domain.Order
		promo, intent, providerOrder, product, qr, provErr sql.NullString
		paidAt, activatedAt, expiresAt, claimedAt          sql.NullTime
		payload                                            []byte
	)
	err := s.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.PlanID, &o.Quantity, &o.UnitPrice, &o.Discount, &o.FinalAmount,
		&o.Currency, &promo, &o.Billing.Name, &o.Billing.Email, &o.Billing.Phone,
		&intent, &o.PaymentStatus, &paidAt,
		&o.ProvisioningState, &providerOrder, &payload, &product, &qr,
		&activatedAt, &expiresAt, &claimedAt, &o.ProvisioningAttempts, &provErr,
		&o.Status, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.PromoCode = stringPtr(promo)
	o.PaymentIntentID = stringPtr(intent)
	o.PaidAt = timePtr(paidAt)
	o.ProviderOrderID = stringPtr(providerOrder)
	if len(payload) > 0 {
		o.ProvisioningPayload = json.RawMessage(payload)
	}
	o.ProductCode = stringPtr(product)
	o.QRCode = stringPtr(qr)
	o.ActivatedAt = timePtr(activatedAt)
	o.ExpiresAt = timePtr(expiresAt)
	o.ProvisioningClaimedAt = timePtr(claimedAt)
	o.ProvisioningError = stringPtr(provErr)
	return &o, nil
}

// jsonbOrNull passes raw JSON as text; lib/pq would send a []byte as bytea.
func jsonbOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func jsonbObject(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
