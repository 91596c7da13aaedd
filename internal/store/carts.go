package store

import (
	"context"
	"fmt"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

// FindCart returns the owner's cart or ErrNotFound
func (s *Store) FindCart(ctx context.Context, owner models.CartOwner) (*models.Cart, error) {
	query, arg, err := cartOwnerQuery(owner)
	if err != nil {
		return nil, err
	}

	var cart models.Cart
	if err := s.db.GetContext(ctx, &cart, "SELECT * FROM carts WHERE "+query, arg); err != nil {
		return nil, mapError(ctx, fmt.Errorf("cart: %w", err))
	}
	return &cart, nil
}

// GetCartItems retrieves the lines of a cart in insertion order
func (s *Store) GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	return getCartItems(ctx, s.db, cartID)
}

// GetCartItems retrieves the lines of a cart in insertion order
func (t *pgTx) GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	return getCartItems(ctx, t.tx, cartID)
}

func getCartItems(ctx context.Context, q sqlx.QueryerContext, cartID int64) ([]models.CartItem, error) {
	items := []models.CartItem{}
	err := sqlx.SelectContext(ctx, q, &items,
		"SELECT * FROM cart_items WHERE cart_id = $1 ORDER BY id", cartID)
	if err != nil {
		return nil, mapError(ctx, fmt.Errorf("failed to load cart items: %w", err))
	}
	return items, nil
}

// LockCart locks the owner's cart row, inserting it first if asked to.
func (t *pgTx) LockCart(ctx context.Context, owner models.CartOwner, create bool) (*models.Cart, error) {
	query, arg, err := cartOwnerQuery(owner)
	if err != nil {
		return nil, err
	}

	if create {
		insert := "INSERT INTO carts (user_id) VALUES ($1) ON CONFLICT (user_id) WHERE user_id IS NOT NULL DO NOTHING"
		if owner.UserID == nil {
			insert = "INSERT INTO carts (session_id) VALUES ($1) ON CONFLICT (session_id) WHERE session_id IS NOT NULL DO NOTHING"
		}
		if _, err := t.tx.ExecContext(ctx, insert, arg); err != nil {
			return nil, mapError(ctx, fmt.Errorf("failed to create cart: %w", err))
		}
	}

	var cart models.Cart
	if err := t.tx.GetContext(ctx, &cart, "SELECT * FROM carts WHERE "+query+" FOR UPDATE", arg); err != nil {
		return nil, mapError(ctx, fmt.Errorf("failed to lock cart: %w", err))
	}
	return &cart, nil
}

// LockCartByID locks a cart row by its id
func (t *pgTx) LockCartByID(ctx context.Context, id int64) (*models.Cart, error) {
	var cart models.Cart
	if err := t.tx.GetContext(ctx, &cart, "SELECT * FROM carts WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, mapError(ctx, fmt.Errorf("failed to lock cart %d: %w", id, err))
	}
	return &cart, nil
}

// SaveCartItem inserts a new line or updates quantity and price of an existing one
func (t *pgTx) SaveCartItem(ctx context.Context, item *models.CartItem) error {
	if item.ID == 0 {
		query := `
			INSERT INTO cart_items (cart_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at`

		err := t.tx.GetContext(ctx, item, query, item.CartID, item.ProductID, item.Quantity, item.UnitPrice)
		return mapError(ctx, err)
	}

	res, err := t.tx.ExecContext(ctx,
		"UPDATE cart_items SET quantity = $1, unit_price = $2, updated_at = NOW() WHERE id = $3 AND cart_id = $4",
		item.Quantity, item.UnitPrice, item.ID, item.CartID)
	if err != nil {
		return mapError(ctx, fmt.Errorf("failed to update cart item: %w", err))
	}
	return expectOneRow(res, "cart item", item.ID)
}

// DeleteCartItem removes a line; deleting an absent line is not an error
func (t *pgTx) DeleteCartItem(ctx context.Context, cartID, lineID int64) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM cart_items WHERE id = $1 AND cart_id = $2", lineID, cartID)
	return mapError(ctx, err)
}

// SetCartCoupon attaches or, with nil, detaches a coupon
func (t *pgTx) SetCartCoupon(ctx context.Context, cartID int64, couponID *int64) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE carts SET coupon_id = $1, updated_at = NOW() WHERE id = $2", couponID, cartID)
	if err != nil {
		return mapError(ctx, fmt.Errorf("failed to set cart coupon: %w", err))
	}
	return expectOneRow(res, "cart", cartID)
}

// ClearCart drops every line and the coupon reference
func (t *pgTx) ClearCart(ctx context.Context, cartID int64) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", cartID); err != nil {
		return mapError(ctx, fmt.Errorf("failed to clear cart items: %w", err))
	}
	return t.SetCartCoupon(ctx, cartID, nil)
}

func cartOwnerQuery(owner models.CartOwner) (string, interface{}, error) {
	if !owner.Valid() {
		return "", nil, fmt.Errorf("cart owner must be exactly one of user or session")
	}
	if owner.UserID != nil {
		return "user_id = $1", *owner.UserID, nil
	}
	return "session_id = $1", owner.SessionID, nil
}
