package service

import (
	"context"
	"testing"

	"checkout-engine/internal/models"
	"checkout-engine/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func placeOrder(t *testing.T, f *fixture, owner models.CartOwner, productID int64, qty int, paymentToken string) *models.Order {
	t.Helper()
	ctx := context.Background()
	_, err := f.carts.AddItem(ctx, owner, productID, qty)
	require.NoError(t, err)
	order, err := f.checkout.Checkout(ctx, CheckoutRequest{Owner: owner, PaymentToken: paymentToken})
	require.NoError(t, err)
	return order
}

func TestUpdateStatus_ForwardOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(1000, 5)
	order := placeOrder(t, f, user(1), p.ID, 1, "")

	for _, next := range []models.OrderStatus{models.OrderStatusProcessing, models.OrderStatusShipped, models.OrderStatusDelivered} {
		got, err := f.orders.UpdateStatus(ctx, order.ID, next)
		require.NoError(t, err)
		assert.Equal(t, next, got.Status)
	}

	_, err := f.orders.UpdateStatus(ctx, order.ID, models.OrderStatusCancelled)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = f.orders.UpdateStatus(ctx, order.ID, models.OrderStatus("lost"))
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	assert.Equal(t, 4, f.stockOf(t, p.ID), "delivered orders keep their stock")
}

func TestUpdateStatus_CancelRestoresStockAndRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(1000, 5)
	order := placeOrder(t, f, user(1), p.ID, 3, "pay_abc")
	assert.Equal(t, 2, f.stockOf(t, p.ID))

	_, err := f.orders.UpdateStatus(ctx, order.ID, models.OrderStatusProcessing)
	require.NoError(t, err)
	got, err := f.orders.UpdateStatus(ctx, order.ID, models.OrderStatusCancelled)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.Equal(t, models.PaymentStatusRefunded, got.PaymentStatus)
	assert.Equal(t, 5, f.stockOf(t, p.ID))

	_, err = f.orders.UpdateStatus(ctx, order.ID, models.OrderStatusPending)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	events, err := f.store.FetchUnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, models.EventTypeOrderCancelled)
}

func TestUpdateStatus_UnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.orders.UpdateStatus(context.Background(), 404, models.OrderStatusProcessing)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(1000, 10)
	first := placeOrder(t, f, user(1), p.ID, 1, "")
	second := placeOrder(t, f, user(1), p.ID, 2, "")
	placeOrder(t, f, user(2), p.ID, 1, "")

	orders, err := f.orders.ListOrders(ctx, 1)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.ID, orders[0].ID)
	assert.Equal(t, first.ID, orders[1].ID)
}

func paymentBase(eventType string) models.BaseEvent {
	return models.BaseEvent{EventID: uuid.New().String(), EventType: eventType, Timestamp: testNow}
}

func TestPaymentSuccess_MarksPaidOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(1000, 5)
	order := placeOrder(t, f, user(1), p.ID, 2, "")

	event := &models.PaymentSuccessEvent{
		BaseEvent: paymentBase(models.EventTypePaymentSuccess),
		OrderID:   order.ID,
		Amount:    int64(order.Total),
		TxID:      "TXN-1",
	}
	require.NoError(t, f.payments.HandlePaymentSuccess(ctx, event))
	require.NoError(t, f.payments.HandlePaymentSuccess(ctx, event))

	got, err := f.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, got.PaymentStatus)
	require.NotNil(t, got.PaymentReference)
	assert.Equal(t, "TXN-1", *got.PaymentReference)
}

func TestPaymentSuccess_AmountMismatchIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(1000, 5)
	order := placeOrder(t, f, user(1), p.ID, 1, "")

	err := f.payments.HandlePaymentSuccess(ctx, &models.PaymentSuccessEvent{
		BaseEvent: paymentBase(models.EventTypePaymentSuccess),
		OrderID:   order.ID,
		Amount:    1,
		TxID:      "TXN-2",
	})
	require.NoError(t, err)

	got, err := f.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, got.PaymentStatus)
}

func TestPaymentFailed_CancelsAndRestoresStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(1000, 5)
	order := placeOrder(t, f, user(1), p.ID, 2, "")
	assert.Equal(t, 3, f.stockOf(t, p.ID))

	err := f.payments.HandlePaymentFailed(ctx, &models.PaymentFailedEvent{
		BaseEvent: paymentBase(models.EventTypePaymentFailed),
		OrderID:   order.ID,
		Reason:    "card_declined",
	})
	require.NoError(t, err)

	got, err := f.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.Equal(t, models.PaymentStatusFailed, got.PaymentStatus)
	assert.Equal(t, 5, f.stockOf(t, p.ID))
}

func TestPaymentEvent_SettledOrderUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(1000, 5)
	order := placeOrder(t, f, user(1), p.ID, 1, "pay_ok")

	err := f.payments.HandlePaymentFailed(ctx, &models.PaymentFailedEvent{
		BaseEvent: paymentBase(models.EventTypePaymentFailed),
		OrderID:   order.ID,
		Reason:    "late",
	})
	require.NoError(t, err)

	got, err := f.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, got.PaymentStatus)
	assert.Equal(t, models.OrderStatusPending, got.Status)
}
