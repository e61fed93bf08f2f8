package orders

import (
	"fmt"
	"time"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

type Quote struct {
	UnitPrice   int64 `json:"unit_price"`
	Subtotal    int64 `json:"subtotal"`
	Discount    int64 `json:"discount"`
	FinalAmount int64 `json:"final_amount"`
}

// Price computes the amounts for quantity units of plan with an optional promo.
// The discount is clamped to the promo's MaxDiscount and to the subtotal, so the
// final amount is never negative.
func Price(plan *domain.Plan, quantity int, promo *domain.Promo, now time.Time) (Quote, error) {
	if quantity <= 0 {
		return Quote{}, fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
	}

	q := Quote{UnitPrice: plan.Price, Subtotal: plan.Price * int64(quantity)}
	if promo != nil {
		if err := checkPromo(promo, q.Subtotal, now); err != nil {
			return Quote{}, err
		}
		q.Discount = discount(promo, q.Subtotal)
	}
	q.FinalAmount = q.Subtotal - q.Discount
	return q, nil
}

func checkPromo(p *domain.Promo, subtotal int64, now time.Time) error {
	switch {
	case !p.IsActive:
		return fmt.Errorf("%w: promo code %s is not active", domain.ErrValidation, p.Code)
	case p.ValidFrom != nil && now.Before(*p.ValidFrom):
		return fmt.Errorf("%w: promo code %s is not valid yet", domain.ErrValidation, p.Code)
	case p.ValidUntil != nil && now.After(*p.ValidUntil):
		return fmt.Errorf("%w: promo code %s has expired", domain.ErrValidation, p.Code)
	case p.UsageLimit > 0 && p.UsedCount >= p.UsageLimit:
		return fmt.Errorf("%w: promo code %s usage limit reached", domain.ErrValidation, p.Code)
	case subtotal < p.MinOrderAmount:
		return fmt.Errorf("%w: order amount below promo minimum of %d", domain.ErrValidation, p.MinOrderAmount)
	}
	return nil
}

func discount(p *domain.Promo, subtotal int64) int64 {
	var d int64
	switch p.Kind {
	case domain.PromoPercentage:
		d = subtotal * p.Value / 100
	case domain.PromoFixed:
		d = p.Value
	}
	if p.MaxDiscount > 0 && d > p.MaxDiscount {
		d = p.MaxDiscount
	}
	if d > subtotal {
		d = subtotal
	}
	if d < 0 {
		d = 0
	}
	return d
}
