// Package cart holds the cart aggregate. Totals are derived from the lines
// and the applied coupon every time they are read.
package cart

import (
	"errors"
	"time"

	"checkout-engine/internal/coupon"
	"checkout-engine/internal/inventory"
	"checkout-engine/internal/models"
	"checkout-engine/internal/money"
)

var (
	ErrInvalidQuantity    = errors.New("quantity must be at least 1")
	ErrProductUnavailable = errors.New("product is not available")
	ErrLineNotFound       = errors.New("cart line not found")
)

// Cart is a cart header plus its lines and, optionally, the applied coupon.
type Cart struct {
	ID     int64
	Owner  models.CartOwner
	Items  []models.CartItem
	Coupon *models.Coupon
}

// Line returns the line with the given id.
func (c *Cart) Line(lineID int64) (models.CartItem, bool) {
	if i := c.indexOfLine(lineID); i >= 0 {
		return c.Items[i], true
	}
	return models.CartItem{}, false
}

// AddItem adds qty units of p. An existing line for the product is merged and
// re-priced at the current effective price.
func (c *Cart) AddItem(p *models.Product, qty int) (models.CartItem, error) {
	if qty < 1 {
		return models.CartItem{}, ErrInvalidQuantity
	}
	if !p.IsActive {
		return models.CartItem{}, ErrProductUnavailable
	}

	if i := c.indexOfProduct(p.ID); i >= 0 {
		want := c.Items[i].Quantity + qty
		if want > p.Stock {
			return models.CartItem{}, &inventory.InsufficientStockError{ProductID: p.ID, Requested: want, Available: p.Stock}
		}
		c.Items[i].Quantity = want
		c.Items[i].UnitPrice = p.EffectivePrice()
		return c.Items[i], nil
	}

	if qty > p.Stock {
		return models.CartItem{}, &inventory.InsufficientStockError{ProductID: p.ID, Requested: qty, Available: p.Stock}
	}

	item := models.CartItem{
		CartID:    c.ID,
		ProductID: p.ID,
		Quantity:  qty,
		UnitPrice: p.EffectivePrice(),
	}
	c.Items = append(c.Items, item)
	return item, nil
}

// UpdateItem sets the quantity of a line. qty <= 0 removes the line, and
// removing an absent line succeeds. p is the line's product and is only
// consulted when qty > 0.
func (c *Cart) UpdateItem(lineID int64, qty int, p *models.Product) (item models.CartItem, removed bool, err error) {
	if qty <= 0 {
		c.RemoveItem(lineID)
		return models.CartItem{}, true, nil
	}

	i := c.indexOfLine(lineID)
	if i < 0 {
		return models.CartItem{}, false, ErrLineNotFound
	}
	if p == nil || !p.IsActive {
		return models.CartItem{}, false, ErrProductUnavailable
	}
	if qty > p.Stock {
		return models.CartItem{}, false, &inventory.InsufficientStockError{ProductID: p.ID, Requested: qty, Available: p.Stock}
	}

	c.Items[i].Quantity = qty
	return c.Items[i], false, nil
}

// RemoveItem drops a line if present.
func (c *Cart) RemoveItem(lineID int64) {
	if i := c.indexOfLine(lineID); i >= 0 {
		c.Items = append(c.Items[:i], c.Items[i+1:]...)
	}
}

// Clear drops every line and the coupon.
func (c *Cart) Clear() {
	c.Items = nil
	c.Coupon = nil
}

// ApplyCoupon validates cp against the current subtotal and keeps a
// reference to it. The discount is recomputed on every read.
func (c *Cart) ApplyCoupon(cp *models.Coupon, now time.Time) error {
	if _, err := coupon.Validate(cp, c.Subtotal(), now); err != nil {
		return err
	}
	c.Coupon = cp
	return nil
}

// RemoveCoupon detaches the coupon; it is a no-op when none is applied.
func (c *Cart) RemoveCoupon() {
	c.Coupon = nil
}

// IsEmpty reports whether the cart has no lines
func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Subtotal is the sum of unit price times quantity over all lines.
func (c *Cart) Subtotal() money.Amount {
	lines := make([]money.Amount, len(c.Items))
	for i, item := range c.Items {
		lines[i] = item.Subtotal()
	}
	return money.Sum(lines...)
}

// Discount is what the applied coupon grants right now. A coupon that no
// longer validates grants nothing; the reason is returned alongside.
func (c *Cart) Discount(now time.Time) (money.Amount, error) {
	if c.Coupon == nil {
		return 0, nil
	}
	v, err := coupon.Validate(c.Coupon, c.Subtotal(), now)
	if err != nil {
		return 0, err
	}
	return v.Discount, nil
}

// Total is max(0, subtotal - discount).
func (c *Cart) Total(now time.Time) money.Amount {
	discount, _ := c.Discount(now)
	return c.Subtotal().SubFloor(discount)
}

// View is the read model returned by the cart API.
type View struct {
	CartID       int64             `json:"cart_id"`
	Items        []models.CartItem `json:"items"`
	ItemCount    int               `json:"item_count"`
	Subtotal     money.Amount      `json:"subtotal"`
	Discount     money.Amount      `json:"discount"`
	Total        money.Amount      `json:"total"`
	CouponCode   string            `json:"coupon_code,omitempty"`
	CouponReason coupon.Reason     `json:"coupon_reason,omitempty"`
}

// View derives the cart totals at now.
func (c *Cart) View(now time.Time) View {
	v := View{
		CartID: c.ID,
		Items:  append([]models.CartItem{}, c.Items...),
	}
	for _, item := range c.Items {
		v.ItemCount += item.Quantity
	}
	v.Subtotal = c.Subtotal()

	if c.Coupon != nil {
		v.CouponCode = c.Coupon.Code
		discount, err := c.Discount(now)
		var cErr *coupon.Error
		if errors.As(err, &cErr) {
			v.CouponReason = cErr.Reason
		}
		v.Discount = discount
	}
	v.Total = v.Subtotal.SubFloor(v.Discount)
	return v
}

func (c *Cart) indexOfLine(lineID int64) int {
	for i := range c.Items {
		if c.Items[i].ID == lineID {
			return i
		}
	}
	return -1
}

func (c *Cart) indexOfProduct(productID int64) int {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return i
		}
	}
	return -1
}
