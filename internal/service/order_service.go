package service

import (
	"context"
	"fmt"
	"time"

	"checkout-engine/internal/inventory"
	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

// OrderService handles order lookups and admin status changes
type OrderService struct {
	repo   store.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(repo store.Repository) *OrderService {
	return &OrderService{
		repo:   repo,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// ListOrders retrieves a user's orders, newest first
func (s *OrderService) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.repo.ListOrdersByUser(ctx, userID)
}

// UpdateStatus moves an order along the forward-only status machine.
// Cancelling restores the stock of every line in the same transaction and
// marks a paid order refunded.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", status, models.ErrInvalidTransition)
	}

	var from models.OrderStatus
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		from = order.Status
		return transition(ctx, tx, order, status, s.now())
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.OrderStatusTransitionsTotal.WithLabelValues(string(from), string(status)).Inc()
	s.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(status)))

	return s.repo.GetOrder(ctx, orderID)
}

// transition applies one status change to a locked order and records it in
// the outbox.
func transition(ctx context.Context, tx store.Tx, order *models.Order, status models.OrderStatus, now time.Time) error {
	from := order.Status
	if !from.CanTransitionTo(status) {
		return fmt.Errorf("%s -> %s: %w", from, status, models.ErrInvalidTransition)
	}

	if status == models.OrderStatusCancelled {
		if err := cancel(ctx, tx, order, now); err != nil {
			return err
		}
	}

	if err := tx.UpdateOrderStatus(ctx, order.ID, status); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	event, err := newOutboxEvent(order.ID, &models.OrderStatusChangedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderStatusChanged, now),
		OrderID:   order.ID,
		From:      from,
		To:        status,
	})
	if err != nil {
		return err
	}
	return tx.AddOutboxEvent(ctx, event)
}

// cancel gives the reserved stock back and settles the payment status
func cancel(ctx context.Context, tx store.Tx, order *models.Order, now time.Time) error {
	lines := make([]inventory.Line, len(order.Items))
	items := make([]models.OrderItemData, len(order.Items))
	for i, item := range order.Items {
		lines[i] = inventory.Line{ProductID: item.ProductID, Quantity: item.Quantity}
		items[i] = models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: int64(item.UnitPrice),
		}
	}

	if err := inventory.Release(ctx, tx, lines); err != nil {
		return fmt.Errorf("failed to restore stock: %w", err)
	}

	if order.PaymentStatus == models.PaymentStatusPaid {
		if err := tx.UpdatePaymentStatus(ctx, order.ID, models.PaymentStatusRefunded, nil); err != nil {
			return fmt.Errorf("failed to refund payment: %w", err)
		}
	}

	event, err := newOutboxEvent(order.ID, &models.OrderCancelledEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderCancelled, now),
		OrderID:   order.ID,
		Items:     items,
	})
	if err != nil {
		return err
	}
	return tx.AddOutboxEvent(ctx, event)
}
