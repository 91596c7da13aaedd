package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkout-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Second)
	p := m.SeedProduct(models.Product{SKU: "MUG", Name: "Mug", Price: 1500, Stock: 5, IsActive: true})

	err := m.WithTx(ctx, func(tx Tx) error {
		return tx.AdjustStock(ctx, p.ID, -2)
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = m.WithTx(ctx, func(tx Tx) error {
		if err := tx.AdjustStock(ctx, p.ID, -3); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := m.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Stock, "rolled back decrement must not be visible")
}

func TestMemoryStore_StockCannotGoNegative(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Second)
	p := m.SeedProduct(models.Product{SKU: "MUG", Price: 1500, Stock: 1, IsActive: true})

	err := m.WithTx(ctx, func(tx Tx) error {
		return tx.AdjustStock(ctx, p.ID, -2)
	})
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestMemoryStore_FailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Second)
	injected := errors.New("disk full")
	m.FailNext("CreateOrder", injected)

	create := func() error {
		return m.WithTx(ctx, func(tx Tx) error {
			return tx.CreateOrder(ctx, &models.Order{OrderNumber: "ORD-1", Status: models.OrderStatusPending})
		})
	}

	assert.ErrorIs(t, create(), injected)
	assert.NoError(t, create(), "fault fires once")
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(30 * time.Millisecond)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.WithTx(ctx, func(tx Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := m.WithTx(ctx, func(tx Tx) error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout)

	close(release)
	assert.NoError(t, <-done)
}

func TestMemoryStore_CartLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Second)
	p := m.SeedProduct(models.Product{SKU: "MUG", Price: 1500, Stock: 5, IsActive: true})
	owner := models.CartOwner{SessionID: "sess-1"}

	_, err := m.FindCart(ctx, owner)
	assert.ErrorIs(t, err, ErrNotFound)

	var cartID int64
	err = m.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockCart(ctx, owner, true)
		if err != nil {
			return err
		}
		cartID = c.ID
		item := &models.CartItem{CartID: c.ID, ProductID: p.ID, Quantity: 2, UnitPrice: 1500}
		if err := tx.SaveCartItem(ctx, item); err != nil {
			return err
		}
		dup := &models.CartItem{CartID: c.ID, ProductID: p.ID, Quantity: 1, UnitPrice: 1500}
		assert.ErrorIs(t, tx.SaveCartItem(ctx, dup), ErrDuplicate)
		return nil
	})
	require.NoError(t, err)

	c, err := m.FindCart(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, cartID, c.ID)

	items, err := m.GetCartItems(ctx, cartID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Quantity)

	err = m.WithTx(ctx, func(tx Tx) error { return tx.ClearCart(ctx, cartID) })
	require.NoError(t, err)
	items, _ = m.GetCartItems(ctx, cartID)
	assert.Empty(t, items)
}

func TestMemoryStore_CouponUsageLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Second)
	c := m.SeedCoupon(models.Coupon{Code: "once", DiscountType: models.DiscountFixed, UsageLimit: 1, IsActive: true})

	inc := func() error {
		return m.WithTx(ctx, func(tx Tx) error { return tx.IncrementCouponUsage(ctx, c.ID) })
	}
	require.NoError(t, inc())
	assert.ErrorIs(t, inc(), ErrCouponUsageExceeded)

	got, err := m.GetCouponByCode(ctx, " once")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)

	_, err = m.GetCouponByCode(ctx, "ONCE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_IdempotencyKeyUnique(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Second)
	key := "key-1"

	create := func(number string) error {
		return m.WithTx(ctx, func(tx Tx) error {
			return tx.CreateOrder(ctx, &models.Order{OrderNumber: number, IdempotencyKey: &key})
		})
	}
	require.NoError(t, create("ORD-1"))
	assert.ErrorIs(t, create("ORD-2"), ErrDuplicate)

	o, err := m.GetOrderByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", o.OrderNumber)
}

func TestMemoryStore_Outbox(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Second)

	err := m.WithTx(ctx, func(tx Tx) error {
		for _, id := range []string{"a", "b", "c"} {
			if err := tx.AddOutboxEvent(ctx, &models.OutboxEvent{EventID: id, EventType: "T", Payload: []byte(`{}`)}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	events, err := m.FetchUnpublishedEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].EventID)

	require.NoError(t, m.MarkEventPublished(ctx, events[0].ID))
	events, err = m.FetchUnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].EventID)
}

func TestMemoryStore_MarkEventProcessed(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Second)

	mark := func() (fresh bool) {
		require.NoError(t, m.WithTx(ctx, func(tx Tx) error {
			var err error
			fresh, err = tx.MarkEventProcessed(ctx, "evt-1", models.EventTypePaymentSuccess)
			return err
		}))
		return fresh
	}
	assert.True(t, mark())
	assert.False(t, mark())
}
