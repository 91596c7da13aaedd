package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout-engine/internal/money"

	"github.com/shopspring/decimal"
)

// Product represents a product in the catalog
type Product struct {
	ID        int64        `db:"id" json:"id"`
	SKU       string       `db:"sku" json:"sku"`
	Name      string       `db:"name" json:"name"`
	Price     money.Amount `db:"price" json:"price"`
	SalePrice money.Amount `db:"sale_price" json:"sale_price"`
	OnSale    bool         `db:"on_sale" json:"on_sale"`
	Stock     int          `db:"stock" json:"stock"`
	IsActive  bool         `db:"is_active" json:"is_active"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}

// EffectivePrice is the sale price while the product is on sale, else the list price.
func (p *Product) EffectivePrice() money.Amount {
	if p.OnSale && p.SalePrice > 0 {
		return p.SalePrice
	}
	return p.Price
}

// Cart is the persisted cart header. Line items live in cart_items.
type Cart struct {
	ID        int64     `db:"id" json:"id"`
	UserID    *int64    `db:"user_id" json:"user_id,omitempty"`
	SessionID *string   `db:"session_id" json:"session_id,omitempty"`
	CouponID  *int64    `db:"coupon_id" json:"coupon_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CartItem is one product line in a cart
type CartItem struct {
	ID        int64        `db:"id" json:"id"`
	CartID    int64        `db:"cart_id" json:"cart_id"`
	ProductID int64        `db:"product_id" json:"product_id"`
	Quantity  int          `db:"quantity" json:"quantity"`
	UnitPrice money.Amount `db:"unit_price" json:"unit_price"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}

// Subtotal is unit price times quantity
func (i CartItem) Subtotal() money.Amount {
	return i.UnitPrice.Mul(i.Quantity)
}

// CartOwner identifies who a cart belongs to: a user or an anonymous session.
type CartOwner struct {
	UserID    *int64
	SessionID string
}

// Valid reports whether exactly one of UserID and SessionID is set.
func (o CartOwner) Valid() bool {
	return (o.UserID != nil) != (o.SessionID != "")
}

// DiscountType enumerates coupon discount strategies.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Coupon is a named discount rule.
//
// DiscountValue holds percentage points for percentage coupons and major
// currency units for fixed coupons.
type Coupon struct {
	ID                int64           `db:"id" json:"id"`
	Code              string          `db:"code" json:"code"`
	DiscountType      DiscountType    `db:"discount_type" json:"discount_type"`
	DiscountValue     decimal.Decimal `db:"discount_value" json:"discount_value"`
	MinOrderAmount    *money.Amount   `db:"min_order_amount" json:"min_order_amount,omitempty"`
	MaxDiscountAmount *money.Amount   `db:"max_discount_amount" json:"max_discount_amount,omitempty"`
	StartsAt          *time.Time      `db:"starts_at" json:"starts_at,omitempty"`
	ExpiresAt         *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	UsageLimit        int             `db:"usage_limit" json:"usage_limit"`
	UsageCount        int             `db:"usage_count" json:"usage_count"`
	IsActive          bool            `db:"is_active" json:"is_active"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Address is a frozen copy of a postal address stored on an order.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// Value stores the address as JSON
func (a Address) Value() (driver.Value, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads a JSON address column
func (a *Address) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Address{}
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("cannot scan %T into Address", src)
	}
}

// Order is an immutable, priced record of a completed checkout. Only
// Status, PaymentStatus and PaymentReference change after creation.
type Order struct {
	ID               int64         `db:"id" json:"id"`
	OrderNumber      string        `db:"order_number" json:"order_number"`
	UserID           *int64        `db:"user_id" json:"user_id,omitempty"`
	CartID           int64         `db:"cart_id" json:"cart_id"`
	Subtotal         money.Amount  `db:"subtotal" json:"subtotal"`
	Discount         money.Amount  `db:"discount" json:"discount"`
	CouponCode       *string       `db:"coupon_code" json:"coupon_code,omitempty"`
	ShippingAmount   money.Amount  `db:"shipping_amount" json:"shipping_amount"`
	TaxAmount        money.Amount  `db:"tax_amount" json:"tax_amount"`
	Total            money.Amount  `db:"total" json:"total"`
	Status           OrderStatus   `db:"status" json:"status"`
	PaymentStatus    PaymentStatus `db:"payment_status" json:"payment_status"`
	PaymentReference *string       `db:"payment_reference" json:"payment_reference,omitempty"`
	ShippingAddress  *Address      `db:"shipping_address" json:"shipping_address,omitempty"`
	BillingAddress   *Address      `db:"billing_address" json:"billing_address,omitempty"`
	IdempotencyKey   *string       `db:"idempotency_key" json:"-"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`

	Items []OrderItem `db:"-" json:"items"`
}

// OrderItem is a frozen copy of a cart line at checkout time.
type OrderItem struct {
	ID          int64        `db:"id" json:"id"`
	OrderID     int64        `db:"order_id" json:"order_id"`
	ProductID   int64        `db:"product_id" json:"product_id"`
	ProductName string       `db:"product_name" json:"product_name"`
	UnitPrice   money.Amount `db:"unit_price" json:"unit_price"`
	Quantity    int          `db:"quantity" json:"quantity"`
	Subtotal    money.Amount `db:"subtotal" json:"subtotal"`
}

// OrderStatus is the fulfilment state of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// ErrInvalidTransition is returned for a status change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid order status transition")

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// Valid reports whether s is a known status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the forward-only state machine allows s -> next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PaymentStatus is the payment state of an order
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// OutboxEvent is a domain event waiting to be relayed to the broker.
type OutboxEvent struct {
	ID          int64      `db:"id"`
	EventID     string     `db:"event_id"`
	EventType   string     `db:"event_type"`
	AggregateID string     `db:"aggregate_id"`
	Payload     []byte     `db:"payload"`
	CreatedAt   time.Time  `db:"created_at"`
	PublishedAt *time.Time `db:"published_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
