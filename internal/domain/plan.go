package domain

import "time"

type Plan struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description"`
	Region              string    `json:"region"`
	DataMB              int64     `json:"data_mb"`
	ValidityDays        int       `json:"validity_days"`
	Price               int64     `json:"price"`
	Currency            string    `json:"currency"`
	Stock               int       `json:"stock"`
	IsActive            bool      `json:"is_active"`
	ProviderPackageCode string    `json:"-"`
	CreatedAt           time.Time `json:"created_at"`
}

// Provisionable reports whether buying the plan allocates a product at the fulfillment provider.
func (p *Plan) Provisionable() bool {
	return p.ProviderPackageCode != ""
}

// PlanFilter narrows catalog listings. Zero values mean "any".
type PlanFilter struct {
	Region   string `json:"region,omitempty"`
	MinPrice int64  `json:"min_price,omitempty"`
	MaxPrice int64  `json:"max_price,omitempty"`
	Page     int    `json:"page"`
	Limit    int    `json:"limit"`
}

type PromoKind string

const (
	PromoPercentage PromoKind = "PERCENTAGE"
	PromoFixed      PromoKind = "FIXED"
)

type Promo struct {
	Code           string
	Kind           PromoKind
	Value          int64 // whole percent for PERCENTAGE, minor units for FIXED
	MinOrderAmount int64
	MaxDiscount    int64 // 0 means uncapped
	UsageLimit     int   // 0 means unlimited
	UsedCount      int
	ValidFrom      *time.Time
	ValidUntil     *time.Time
	IsActive       bool
}
