package domain

import "time"

type RefundStatus string

const (
	RefundStatusPending  RefundStatus = "PENDING"
	RefundStatusApproved RefundStatus = "APPROVED"
	RefundStatusRejected RefundStatus = "REJECTED"
)

type Refund struct {
	ID               string       `json:"id"`
	OrderID          string       `json:"order_id"`
	RequestedBy      string       `json:"requested_by"`
	Reason           string       `json:"reason"`
	Status           RefundStatus `json:"status"`
	Amount           int64        `json:"amount"`
	ExternalRefundID *string      `json:"external_refund_id,omitempty"`
	ReviewedBy       *string      `json:"reviewed_by,omitempty"`
	ReviewNote       *string      `json:"review_note,omitempty"`
	ApprovedAt       *time.Time   `json:"approved_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Actor is the authenticated caller of a command, as established upstream.
type Actor struct {
	UserID string
	Role   Role
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// CanAccess reports whether the actor may act on resources owned by userID.
func (a Actor) CanAccess(userID string) bool {
	return a.IsAdmin() || (a.UserID != "" && a.UserID == userID)
}
