package models

import "time"

// Event types
const (
	EventTypeOrderPlaced        = "ORDER_PLACED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeOrderCancelled     = "ORDER_CANCELLED"
	EventTypePaymentSuccess     = "PAYMENT_SUCCESS"
	EventTypePaymentFailed      = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// Base returns the common envelope of any event embedding BaseEvent
func (e BaseEvent) Base() BaseEvent {
	return e
}

// OrderPlacedEvent published when a checkout commits
type OrderPlacedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      *int64          `json:"user_id,omitempty"`
	CouponCode  *string         `json:"coupon_code,omitempty"`
	Subtotal    int64           `json:"subtotal"`
	Discount    int64           `json:"discount"`
	Shipping    int64           `json:"shipping"`
	Tax         int64           `json:"tax"`
	Total       int64           `json:"total"`
	Items       []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent published on every admin status transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID int64       `json:"order_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
}

// OrderCancelledEvent published when an order is cancelled and its stock restored
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64           `json:"order_id"`
	Items   []OrderItemData `json:"items"`
}

// PaymentSuccessEvent published by the payment gateway
type PaymentSuccessEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Amount  int64  `json:"amount"`
	TxID    string `json:"tx_id"`
}

// PaymentFailedEvent published by the payment gateway
type PaymentFailedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}
