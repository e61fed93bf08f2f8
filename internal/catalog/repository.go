package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

const planColumns = `id, name, description, region, data_mb, validity_days, price, currency,
	stock, is_active, provider_package_code, created_at`

type PlanRepository struct {
	db *sql.DB
}

func NewPlanRepository(db *sql.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (*domain.Plan, error) {
	p := &domain.Plan{}
	err := s.Scan(&p.ID, &p.Name, &p.Description, &p.Region, &p.DataMB, &p.ValidityDays,
		&p.Price, &p.Currency, &p.Stock, &p.IsActive, &p.ProviderPackageCode, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// List returns active plans matching f, cheapest first.
func (r *PlanRepository) List(ctx context.Context, f domain.PlanFilter) ([]domain.Plan, error) {
	where := []string{"is_active"}
	args := []any{}
	if f.Region != "" {
		args = append(args, f.Region)
		where = append(where, fmt.Sprintf("region = $%d", len(args)))
	}
	if f.MinPrice > 0 {
		args = append(args, f.MinPrice)
		where = append(where, fmt.Sprintf("price >= $%d", len(args)))
	}
	if f.MaxPrice > 0 {
		args = append(args, f.MaxPrice)
		where = append(where, fmt.Sprintf("price <= $%d", len(args)))
	}
	args = append(args, f.Limit, (f.Page-1)*f.Limit)

	query := `SELECT ` + planColumns + ` FROM plans WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY price, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	plans := []domain.Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *PlanRepository) Get(ctx context.Context, id string) (*domain.Plan, error) {
	p, err := scanPlan(r.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// AdjustStock adds delta (possibly negative) to a plan's stock. Stock never
// drops below zero.
func (r *PlanRepository) AdjustStock(ctx context.Context, id string, delta int) (*domain.Plan, error) {
	p, err := scanPlan(r.db.QueryRowContext(ctx, `
		UPDATE plans
		SET stock = stock + $2
		WHERE id = $1 AND stock + $2 >= 0
		RETURNING `+planColumns,
		id, delta))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: plan %s has %d, cannot remove %d", domain.ErrInsufficientStock, id, existing.Stock, -delta)
}

func (r *PlanRepository) SetActive(ctx context.Context, id string, active bool) (*domain.Plan, error) {
	p, err := scanPlan(r.db.QueryRowContext(ctx, `
		UPDATE plans SET is_active = $2 WHERE id = $1
		RETURNING `+planColumns,
		id, active))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}
