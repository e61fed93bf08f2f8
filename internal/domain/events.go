package domain

import "time"

type NotificationKind string

const (
	NotificationOrderCompleted     NotificationKind = "order_completed"
	NotificationPaymentFailed      NotificationKind = "payment_failed"
	NotificationFulfillmentDelayed NotificationKind = "fulfillment_delayed"
	NotificationOrderCancelled     NotificationKind = "order_cancelled"
	NotificationRefundRequested    NotificationKind = "refund_requested"
	NotificationRefundApproved     NotificationKind = "refund_approved"
	NotificationRefundRejected     NotificationKind = "refund_rejected"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// NotificationEvent is published on the notifications topic and rendered by the worker.
type NotificationEvent struct {
	Kind        NotificationKind  `json:"kind"`
	OrderID     string            `json:"order_id"`
	OrderNumber string            `json:"order_number"`
	Email       string            `json:"email,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	Name        string            `json:"name,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}
