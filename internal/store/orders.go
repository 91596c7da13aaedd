package store

import (
	"context"
	"fmt"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateOrder inserts the order header and its items
func (t *pgTx) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_number, user_id, cart_id, subtotal, discount, coupon_code,
			shipping_amount, tax_amount, total, status, payment_status,
			shipping_address, billing_address, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	err := t.tx.GetContext(ctx, order, query,
		order.OrderNumber, order.UserID, order.CartID, order.Subtotal, order.Discount, order.CouponCode,
		order.ShippingAmount, order.TaxAmount, order.Total, order.Status, order.PaymentStatus,
		order.ShippingAddress, order.BillingAddress, order.IdempotencyKey)
	if err != nil {
		return mapError(ctx, fmt.Errorf("failed to create order: %w", err))
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID

		err := t.tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, product_id, product_name, unit_price, quantity, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			item.OrderID, item.ProductID, item.ProductName, item.UnitPrice, item.Quantity, item.Subtotal)
		if err != nil {
			return mapError(ctx, fmt.Errorf("failed to create order item: %w", err))
		}
	}
	return nil
}

// GetOrder retrieves an order with its items
func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return getOrder(ctx, s.db, "SELECT * FROM orders WHERE id = $1", id)
}

// GetOrderByIdempotencyKey retrieves the order a checkout key produced
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	return getOrder(ctx, s.db, "SELECT * FROM orders WHERE idempotency_key = $1", key)
}

// ListOrdersByUser retrieves a user's orders, newest first
func (s *Store) ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	for i := range orders {
		items, err := getOrderItems(ctx, s.db, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

// LockOrder locks an order row for a status change
func (t *pgTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return getOrder(ctx, t.tx, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id)
}

// UpdateOrderStatus updates order status
func (t *pgTx) UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2", status, id)
	if err != nil {
		return mapError(ctx, err)
	}
	return expectOneRow(res, "order", id)
}

// UpdatePaymentStatus records the payment outcome. A nil reference keeps the
// one already stored.
func (t *pgTx) UpdatePaymentStatus(ctx context.Context, id int64, status models.PaymentStatus, reference *string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET payment_status = $1,
			payment_reference = COALESCE($2, payment_reference),
			updated_at = NOW()
		WHERE id = $3`, status, reference, id)
	if err != nil {
		return mapError(ctx, err)
	}
	return expectOneRow(res, "order", id)
}

// MarkEventProcessed records an inbound event. It reports false when the
// event was seen before.
func (t *pgTx) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	if err != nil {
		return false, mapError(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func getOrder(ctx context.Context, q sqlx.QueryerContext, query string, arg interface{}) (*models.Order, error) {
	var order models.Order
	if err := sqlx.GetContext(ctx, q, &order, query, arg); err != nil {
		return nil, mapError(ctx, fmt.Errorf("order %v: %w", arg, err))
	}

	items, err := getOrderItems(ctx, q, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return &order, nil
}

func getOrderItems(ctx context.Context, q sqlx.QueryerContext, orderID int64) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := sqlx.SelectContext(ctx, q, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, mapError(ctx, fmt.Errorf("failed to load order items: %w", err))
	}
	return items, nil
}
