// Package coupon decides whether a coupon applies to a cart subtotal and
// computes the discount it grants. Nothing here touches storage.
package coupon

import (
	"fmt"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/money"
)

// Reason is a machine readable cause for rejecting a coupon.
type Reason string

const (
	ReasonNotFound          Reason = "coupon_not_found"
	ReasonInactive          Reason = "inactive_coupon"
	ReasonNotYetStarted     Reason = "not_yet_started"
	ReasonExpired           Reason = "expired"
	ReasonUsageLimitReached Reason = "usage_limit_reached"
	ReasonMinimumNotMet     Reason = "minimum_not_met"
)

// Error is returned when a coupon cannot be applied.
type Error struct {
	Code string
	// CouponID identifies the coupon when its code is no longer known, as
	// for a cart whose coupon row is gone.
	CouponID int64
	Reason   Reason
	// MinOrderAmount is set for ReasonMinimumNotMet.
	MinOrderAmount money.Amount
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Reason {
	case ReasonNotFound:
		if e.Code == "" && e.CouponID != 0 {
			return fmt.Sprintf("coupon %d not found", e.CouponID)
		}
		return fmt.Sprintf("coupon %q not found", e.Code)
	case ReasonInactive:
		return fmt.Sprintf("coupon %q is not active", e.Code)
	case ReasonNotYetStarted:
		return fmt.Sprintf("coupon %q is not valid yet", e.Code)
	case ReasonExpired:
		return fmt.Sprintf("coupon %q has expired", e.Code)
	case ReasonUsageLimitReached:
		return fmt.Sprintf("coupon %q has reached its usage limit", e.Code)
	case ReasonMinimumNotMet:
		return fmt.Sprintf("coupon %q requires a minimum order of %s", e.Code, e.MinOrderAmount)
	}
	return fmt.Sprintf("coupon %q is invalid", e.Code)
}

// Valid is a coupon that passed validation for a given subtotal.
type Valid struct {
	Coupon   *models.Coupon
	Discount money.Amount
}

// Validate runs the eligibility checks in order; the first failure wins.
func Validate(c *models.Coupon, subtotal money.Amount, now time.Time) (*Valid, error) {
	if !c.IsActive {
		return nil, &Error{Code: c.Code, Reason: ReasonInactive}
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return nil, &Error{Code: c.Code, Reason: ReasonNotYetStarted}
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return nil, &Error{Code: c.Code, Reason: ReasonExpired}
	}
	if c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit {
		return nil, &Error{Code: c.Code, Reason: ReasonUsageLimitReached}
	}
	if c.MinOrderAmount != nil && subtotal < *c.MinOrderAmount {
		return nil, &Error{Code: c.Code, Reason: ReasonMinimumNotMet, MinOrderAmount: *c.MinOrderAmount}
	}

	return &Valid{Coupon: c, Discount: ComputeDiscount(c, subtotal)}, nil
}

// ComputeDiscount returns the discount c grants on subtotal. The result is
// always within [0, subtotal].
func ComputeDiscount(c *models.Coupon, subtotal money.Amount) money.Amount {
	if subtotal <= 0 {
		return 0
	}

	var discount money.Amount
	switch c.DiscountType {
	case models.DiscountPercentage:
		discount = subtotal.Percent(c.DiscountValue)
		if c.MaxDiscountAmount != nil && *c.MaxDiscountAmount > 0 {
			discount = money.Min(discount, *c.MaxDiscountAmount)
		}
	case models.DiscountFixed:
		discount = money.FromDecimal(c.DiscountValue)
	default:
		return 0
	}

	if discount < 0 {
		return 0
	}
	return money.Min(discount, subtotal)
}
