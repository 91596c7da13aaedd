package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-engine/internal/cart"
	"checkout-engine/internal/coupon"
	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

// ErrInvalidOwner is returned when a request names neither or both of a
// user and a session.
var ErrInvalidOwner = errors.New("cart owner must be exactly one of user id or session id")

// CartService exposes the cart aggregate over the repository. Every mutation
// locks the cart row for its duration.
type CartService struct {
	repo   store.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewCartService creates a new cart service
func NewCartService(repo store.Repository) *CartService {
	return &CartService{
		repo:   repo,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// View returns the owner's cart with totals derived at this moment. An owner
// without a cart sees an empty one.
func (s *CartService) View(ctx context.Context, owner models.CartOwner) (*cart.View, error) {
	if !owner.Valid() {
		return nil, ErrInvalidOwner
	}

	c, err := s.repo.FindCart(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return emptyView(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}

	items, err := s.repo.GetCartItems(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	agg := &cart.Cart{ID: c.ID, Owner: owner, Items: items}
	if c.CouponID != nil {
		cp, err := s.repo.GetCoupon(ctx, *c.CouponID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		agg.Coupon = cp
	}

	v := agg.View(s.now())
	return &v, nil
}

// AddItem puts qty units of a product in the owner's cart, creating the cart
// on first use.
func (s *CartService) AddItem(ctx context.Context, owner models.CartOwner, productID int64, qty int) (*cart.View, error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddItem")
	defer span.End()

	return s.mutate(ctx, owner, "add_item", true, func(tx store.Tx, agg *cart.Cart) error {
		p, err := tx.GetProduct(ctx, productID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("product %d: %w", productID, cart.ErrProductUnavailable)
		}
		if err != nil {
			return err
		}

		item, err := agg.AddItem(p, qty)
		if err != nil {
			return err
		}
		return tx.SaveCartItem(ctx, &item)
	})
}

// UpdateItem sets a line's quantity. qty <= 0 removes the line.
func (s *CartService) UpdateItem(ctx context.Context, owner models.CartOwner, lineID int64, qty int) (*cart.View, error) {
	ctx, span := util.StartSpan(ctx, "CartService.UpdateItem")
	defer span.End()

	var missing error
	if qty > 0 {
		missing = cart.ErrLineNotFound
	}
	return s.mutateExisting(ctx, owner, "update_item", missing, func(tx store.Tx, agg *cart.Cart) error {
		var product *models.Product
		if line, ok := agg.Line(lineID); ok && qty > 0 {
			p, err := tx.GetProduct(ctx, line.ProductID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			product = p
		}

		item, removed, err := agg.UpdateItem(lineID, qty, product)
		if err != nil {
			return err
		}
		if removed {
			return tx.DeleteCartItem(ctx, agg.ID, lineID)
		}
		return tx.SaveCartItem(ctx, &item)
	})
}

// RemoveItem drops a line. Removing an absent line succeeds.
func (s *CartService) RemoveItem(ctx context.Context, owner models.CartOwner, lineID int64) (*cart.View, error) {
	return s.mutateExisting(ctx, owner, "remove_item", nil, func(tx store.Tx, agg *cart.Cart) error {
		agg.RemoveItem(lineID)
		return tx.DeleteCartItem(ctx, agg.ID, lineID)
	})
}

// Clear empties the cart and detaches its coupon
func (s *CartService) Clear(ctx context.Context, owner models.CartOwner) (*cart.View, error) {
	return s.mutateExisting(ctx, owner, "clear", nil, func(tx store.Tx, agg *cart.Cart) error {
		agg.Clear()
		return tx.ClearCart(ctx, agg.ID)
	})
}

// ApplyCoupon validates the coupon against the current subtotal and attaches
// it. Unknown codes fail with reason coupon_not_found.
func (s *CartService) ApplyCoupon(ctx context.Context, owner models.CartOwner, code string) (*cart.View, error) {
	ctx, span := util.StartSpan(ctx, "CartService.ApplyCoupon")
	defer span.End()

	return s.mutate(ctx, owner, "apply_coupon", true, func(tx store.Tx, agg *cart.Cart) error {
		cp, err := tx.GetCouponByCode(ctx, code)
		if errors.Is(err, store.ErrNotFound) {
			err = &coupon.Error{Code: code, Reason: coupon.ReasonNotFound}
		}
		if err == nil {
			err = agg.ApplyCoupon(cp, s.now())
		}

		var cErr *coupon.Error
		if errors.As(err, &cErr) {
			util.CouponRejectionsTotal.WithLabelValues(string(cErr.Reason)).Inc()
			s.logger.Info("Coupon rejected",
				zap.String("code", code),
				zap.String("reason", string(cErr.Reason)))
		}
		if err != nil {
			return err
		}
		return tx.SetCartCoupon(ctx, agg.ID, &cp.ID)
	})
}

// RemoveCoupon detaches the coupon, if any
func (s *CartService) RemoveCoupon(ctx context.Context, owner models.CartOwner) (*cart.View, error) {
	return s.mutateExisting(ctx, owner, "remove_coupon", nil, func(tx store.Tx, agg *cart.Cart) error {
		agg.RemoveCoupon()
		return tx.SetCartCoupon(ctx, agg.ID, nil)
	})
}

// mutateExisting is mutate for operations that never create a cart. Without
// a cart the result is missing, or the empty view when missing is nil.
func (s *CartService) mutateExisting(ctx context.Context, owner models.CartOwner, op string, missing error,
	fn func(tx store.Tx, agg *cart.Cart) error) (*cart.View, error) {
	return s.run(ctx, owner, op, false, missing, fn)
}

// mutate runs fn against the locked cart, creating it when create is set,
// and returns the resulting view.
func (s *CartService) mutate(ctx context.Context, owner models.CartOwner, op string, create bool,
	fn func(tx store.Tx, agg *cart.Cart) error) (*cart.View, error) {
	return s.run(ctx, owner, op, create, nil, fn)
}

func (s *CartService) run(ctx context.Context, owner models.CartOwner, op string, create bool, missing error,
	fn func(tx store.Tx, agg *cart.Cart) error) (*cart.View, error) {
	if !owner.Valid() {
		return nil, ErrInvalidOwner
	}

	var view cart.View
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		agg, err := loadCart(ctx, tx, owner, create)
		if errors.Is(err, store.ErrNotFound) && !create {
			if missing != nil {
				return missing
			}
			view = *emptyView()
			return nil
		}
		if err != nil {
			return err
		}

		if err := fn(tx, agg); err != nil {
			return err
		}

		if agg.Items, err = tx.GetCartItems(ctx, agg.ID); err != nil {
			return err
		}
		view = agg.View(s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.CartMutationsTotal.WithLabelValues(op).Inc()
	return &view, nil
}

// loadCart locks the owner's cart and assembles the aggregate
func loadCart(ctx context.Context, tx store.Tx, owner models.CartOwner, create bool) (*cart.Cart, error) {
	c, err := tx.LockCart(ctx, owner, create)
	if err != nil {
		return nil, err
	}

	items, err := tx.GetCartItems(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	agg := &cart.Cart{ID: c.ID, Owner: owner, Items: items}
	if c.CouponID != nil {
		cp, err := tx.GetCoupon(ctx, *c.CouponID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		agg.Coupon = cp
	}
	return agg, nil
}

func emptyView() *cart.View {
	return &cart.View{Items: []models.CartItem{}}
}
