package store

import (
	"context"
	"fmt"
	"strings"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetCoupon retrieves a coupon by ID
func (s *Store) GetCoupon(ctx context.Context, id int64) (*models.Coupon, error) {
	return getCoupon(ctx, s.db, "id = $1", id)
}

// GetCouponByCode looks a coupon up by its exact code
func (s *Store) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	return getCoupon(ctx, s.db, "code = $1", normalizeCode(code))
}

// GetCoupon retrieves a coupon by ID
func (t *pgTx) GetCoupon(ctx context.Context, id int64) (*models.Coupon, error) {
	return getCoupon(ctx, t.tx, "id = $1", id)
}

// GetCouponByCode looks a coupon up by its exact code
func (t *pgTx) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	return getCoupon(ctx, t.tx, "code = $1", normalizeCode(code))
}

// LockCoupon locks the coupon row so usage_count cannot move under the caller
func (t *pgTx) LockCoupon(ctx context.Context, id int64) (*models.Coupon, error) {
	var coupon models.Coupon
	if err := t.tx.GetContext(ctx, &coupon, "SELECT * FROM coupons WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, mapError(ctx, fmt.Errorf("failed to lock coupon %d: %w", id, err))
	}
	return &coupon, nil
}

// IncrementCouponUsage bumps usage_count unless the limit is already reached.
// A usage_limit of 0 means unlimited.
func (t *pgTx) IncrementCouponUsage(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE coupons SET usage_count = usage_count + 1, updated_at = NOW()
		WHERE id = $1 AND (usage_limit = 0 OR usage_count < usage_limit)`, id)
	if err != nil {
		return mapError(ctx, fmt.Errorf("failed to increment coupon usage: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("coupon %d: %w", id, ErrCouponUsageExceeded)
	}
	return nil
}

func getCoupon(ctx context.Context, q sqlx.QueryerContext, where string, arg interface{}) (*models.Coupon, error) {
	var coupon models.Coupon
	if err := sqlx.GetContext(ctx, q, &coupon, "SELECT * FROM coupons WHERE "+where, arg); err != nil {
		return nil, mapError(ctx, fmt.Errorf("coupon %v: %w", arg, err))
	}
	return &coupon, nil
}

// Coupon codes are case-sensitive; only surrounding blanks are dropped.
func normalizeCode(code string) string {
	return strings.TrimSpace(code)
}
