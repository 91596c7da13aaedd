package service

import (
	"context"
	"fmt"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

// PaymentService applies payment gateway events to orders. Each event is
// applied at most once.
type PaymentService struct {
	repo   store.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(repo store.Repository) *PaymentService {
	return &PaymentService{
		repo:   repo,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// HandlePaymentSuccess marks a pending order paid
func (ps *PaymentService) HandlePaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandlePaymentSuccess")
	defer span.End()

	return ps.apply(ctx, event.BaseEvent, event.OrderID, func(tx store.Tx, order *models.Order) (string, error) {
		if event.Amount != 0 && event.Amount != int64(order.Total) {
			ps.logger.Error("Payment amount does not match order total",
				zap.Int64("order_id", order.ID),
				zap.Int64("amount", event.Amount),
				zap.Int64("total", int64(order.Total)))
			return "amount_mismatch", nil
		}

		ref := event.TxID
		if err := tx.UpdatePaymentStatus(ctx, order.ID, models.PaymentStatusPaid, &ref); err != nil {
			return "", fmt.Errorf("failed to update payment status: %w", err)
		}
		return string(models.PaymentStatusPaid), nil
	})
}

// HandlePaymentFailed marks the payment failed and cancels the order, giving
// its stock back
func (ps *PaymentService) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandlePaymentFailed")
	defer span.End()

	return ps.apply(ctx, event.BaseEvent, event.OrderID, func(tx store.Tx, order *models.Order) (string, error) {
		ps.logger.Warn("Handling payment failure",
			zap.Int64("order_id", order.ID),
			zap.String("reason", event.Reason))

		if err := tx.UpdatePaymentStatus(ctx, order.ID, models.PaymentStatusFailed, nil); err != nil {
			return "", fmt.Errorf("failed to update payment status: %w", err)
		}

		if order.Status.CanTransitionTo(models.OrderStatusCancelled) {
			order.PaymentStatus = models.PaymentStatusFailed
			if err := transition(ctx, tx, order, models.OrderStatusCancelled, ps.now()); err != nil {
				return "", err
			}
		}
		return string(models.PaymentStatusFailed), nil
	})
}

// apply runs fn once per event id against the locked order. Orders whose
// payment is already settled are left alone.
func (ps *PaymentService) apply(ctx context.Context, base models.BaseEvent, orderID int64,
	fn func(tx store.Tx, order *models.Order) (string, error)) error {
	var outcome string
	err := ps.repo.WithTx(ctx, func(tx store.Tx) error {
		fresh, err := tx.MarkEventProcessed(ctx, base.EventID, base.EventType)
		if err != nil {
			return fmt.Errorf("failed to record event: %w", err)
		}
		if !fresh {
			outcome = "duplicate"
			return nil
		}

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.PaymentStatus != models.PaymentStatusPending {
			outcome = "ignored"
			return nil
		}

		outcome, err = fn(tx, order)
		return err
	})
	if err != nil {
		return err
	}

	util.PaymentEventsTotal.WithLabelValues(outcome).Inc()
	ps.logger.Info("Payment event applied",
		zap.String("event_id", base.EventID),
		zap.String("event_type", base.EventType),
		zap.Int64("order_id", orderID),
		zap.String("outcome", outcome))
	return nil
}
