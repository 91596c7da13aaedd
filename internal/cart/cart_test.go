package cart

import (
	"errors"
	"testing"
	"time"

	"checkout-engine/internal/coupon"
	"checkout-engine/internal/inventory"
	"checkout-engine/internal/models"
	"checkout-engine/internal/money"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func product(id int64, price money.Amount, stock int) *models.Product {
	return &models.Product{ID: id, Name: "product", Price: price, Stock: stock, IsActive: true}
}

func TestAddItem_CapturesEffectivePrice(t *testing.T) {
	c := &Cart{ID: 1}
	p := product(1, 2000, 10)
	p.OnSale, p.SalePrice = true, 1500

	item, err := c.AddItem(p, 2)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(1500), item.UnitPrice)
	assert.Equal(t, money.Amount(3000), c.Subtotal())

	// a later catalog change does not reprice the line
	p.OnSale = false
	assert.Equal(t, money.Amount(3000), c.Subtotal())
}

func TestAddItem_MergesExistingLine(t *testing.T) {
	c := &Cart{ID: 1}
	p := product(1, 1000, 5)

	_, err := c.AddItem(p, 2)
	require.NoError(t, err)
	item, err := c.AddItem(p, 3)
	require.NoError(t, err)

	assert.Len(t, c.Items, 1)
	assert.Equal(t, 5, item.Quantity)
}

func TestAddItem_MergedQuantityCheckedAgainstStock(t *testing.T) {
	c := &Cart{ID: 1}
	p := product(7, 1000, 3)

	_, err := c.AddItem(p, 2)
	require.NoError(t, err)
	_, err = c.AddItem(p, 2)

	var stockErr *inventory.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, int64(7), stockErr.ProductID)
	assert.Equal(t, 3, stockErr.Available)
	assert.Equal(t, 2, c.Items[0].Quantity, "failed add leaves the line untouched")
}

func TestAddItem_Rejections(t *testing.T) {
	c := &Cart{ID: 1}

	_, err := c.AddItem(product(1, 1000, 5), 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	inactive := product(2, 1000, 5)
	inactive.IsActive = false
	_, err = c.AddItem(inactive, 1)
	assert.ErrorIs(t, err, ErrProductUnavailable)

	_, err = c.AddItem(product(3, 1000, 1), 2)
	var stockErr *inventory.InsufficientStockError
	assert.True(t, errors.As(err, &stockErr))
	assert.True(t, c.IsEmpty())
}

func TestUpdateItem(t *testing.T) {
	c := &Cart{ID: 1, Items: []models.CartItem{
		{ID: 10, ProductID: 1, Quantity: 1, UnitPrice: 1000},
	}}
	p := product(1, 1000, 4)

	item, removed, err := c.UpdateItem(10, 4, p)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, 4, item.Quantity)

	_, _, err = c.UpdateItem(10, 5, p)
	var stockErr *inventory.InsufficientStockError
	assert.True(t, errors.As(err, &stockErr))

	_, _, err = c.UpdateItem(99, 1, p)
	assert.ErrorIs(t, err, ErrLineNotFound)

	_, removed, err = c.UpdateItem(10, 0, nil)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.True(t, c.IsEmpty())

	// removing an absent line is a no-op success
	_, removed, err = c.UpdateItem(10, -1, nil)
	assert.NoError(t, err)
	assert.True(t, removed)
}

func TestApplyCoupon_DiscountFollowsCartEdits(t *testing.T) {
	c := &Cart{ID: 1}
	p := product(1, 6000, 10)
	_, err := c.AddItem(p, 2)
	require.NoError(t, err)

	welcome := &models.Coupon{
		Code:          "WELCOME10",
		DiscountType:  models.DiscountPercentage,
		DiscountValue: decimal.NewFromInt(10),
		IsActive:      true,
	}
	require.NoError(t, c.ApplyCoupon(welcome, now))

	v := c.View(now)
	assert.Equal(t, money.Amount(12000), v.Subtotal)
	assert.Equal(t, money.Amount(1200), v.Discount)
	assert.Equal(t, money.Amount(10800), v.Total)
	assert.Equal(t, "WELCOME10", v.CouponCode)

	_, err = c.AddItem(p, 1)
	require.NoError(t, err)
	v = c.View(now)
	assert.Equal(t, money.Amount(1800), v.Discount)
	assert.Equal(t, money.Amount(16200), v.Total)
}

func TestApplyCoupon_RejectedLeavesCartUnchanged(t *testing.T) {
	c := &Cart{ID: 1}
	_, err := c.AddItem(product(1, 8000, 10), 1)
	require.NoError(t, err)

	minimum := money.Amount(10000)
	save20 := &models.Coupon{
		Code:           "SAVE20",
		DiscountType:   models.DiscountPercentage,
		DiscountValue:  decimal.NewFromInt(20),
		MinOrderAmount: &minimum,
		IsActive:       true,
	}

	err = c.ApplyCoupon(save20, now)
	var cErr *coupon.Error
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, coupon.ReasonMinimumNotMet, cErr.Reason)
	assert.Nil(t, c.Coupon)
	assert.Equal(t, money.Amount(8000), c.Total(now))
}

func TestView_CouponInvalidatedByEdit(t *testing.T) {
	c := &Cart{ID: 1, Items: []models.CartItem{
		{ID: 1, ProductID: 1, Quantity: 2, UnitPrice: 6000},
	}}
	minimum := money.Amount(10000)
	cp := &models.Coupon{
		Code:           "SAVE20",
		DiscountType:   models.DiscountPercentage,
		DiscountValue:  decimal.NewFromInt(20),
		MinOrderAmount: &minimum,
		IsActive:       true,
	}
	require.NoError(t, c.ApplyCoupon(cp, now))

	c.RemoveItem(1)
	c.Items = append(c.Items, models.CartItem{ID: 2, ProductID: 2, Quantity: 1, UnitPrice: 5000})

	v := c.View(now)
	assert.Equal(t, money.Zero, v.Discount)
	assert.Equal(t, money.Amount(5000), v.Total)
	assert.Equal(t, coupon.ReasonMinimumNotMet, v.CouponReason)
}

func TestRemoveCouponAndClear(t *testing.T) {
	c := &Cart{ID: 1, Items: []models.CartItem{{ID: 1, ProductID: 1, Quantity: 1, UnitPrice: 100}}}
	c.RemoveCoupon()
	c.RemoveCoupon()
	assert.Nil(t, c.Coupon)

	c.Clear()
	assert.True(t, c.IsEmpty())
	assert.Equal(t, money.Zero, c.Total(now))
	assert.NotNil(t, c.View(now).Items)
}
