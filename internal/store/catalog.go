package store

import (
	"context"
	"fmt"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return getProduct(ctx, s.db, id)
}

// GetProduct reads a product without locking it
func (t *pgTx) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return getProduct(ctx, t.tx, id)
}

func getProduct(ctx context.Context, q sqlx.QueryerContext, id int64) (*models.Product, error) {
	var product models.Product
	err := sqlx.GetContext(ctx, q, &product, "SELECT * FROM products WHERE id = $1", id)
	if err != nil {
		return nil, mapError(ctx, fmt.Errorf("product %d: %w", id, err))
	}
	return &product, nil
}

// LockProducts takes row locks on the products in ascending id order. The
// ORDER BY is applied before the lock step, so concurrent callers acquire
// overlapping rows in the same order and cannot deadlock.
func (t *pgTx) LockProducts(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	var products []models.Product
	err := t.tx.SelectContext(ctx, &products,
		"SELECT * FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE",
		pq.Array(ids))
	if err != nil {
		return nil, mapError(ctx, fmt.Errorf("failed to lock products: %w", err))
	}
	return products, nil
}

// AdjustStock adds delta to a product's stock. The stock >= 0 check
// constraint rejects anything that would oversell.
func (t *pgTx) AdjustStock(ctx context.Context, productID int64, delta int) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE products SET stock = stock + $1, updated_at = NOW() WHERE id = $2",
		delta, productID)
	if err != nil {
		return mapError(ctx, fmt.Errorf("failed to adjust stock: %w", err))
	}
	return expectOneRow(res, "product", productID)
}
