package api

import (
	"errors"
	"net/http"

	"checkout-engine/internal/cart"
	"checkout-engine/internal/coupon"
	"checkout-engine/internal/inventory"
	"checkout-engine/internal/models"
	"checkout-engine/internal/money"
	"checkout-engine/internal/service"
	"checkout-engine/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// errorBody is the JSON shape of every error response. Error is a stable
// machine-readable kind.
type errorBody struct {
	Error          string        `json:"error"`
	Message        string        `json:"message"`
	Stage          string        `json:"stage,omitempty"`
	ProductID      int64         `json:"product_id,omitempty"`
	Requested      int           `json:"requested,omitempty"`
	Available      *int          `json:"available,omitempty"`
	CouponCode     string        `json:"coupon_code,omitempty"`
	CouponID       int64         `json:"coupon_id,omitempty"`
	MinOrderAmount *money.Amount `json:"min_order_amount,omitempty"`
}

// writeError maps a service error to a status code and body. Unknown errors
// are logged and reported as internal.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, body := classify(err)

	var abort *service.AbortError
	if errors.As(err, &abort) {
		body.Stage = string(abort.Stage)
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, body)
}

func classify(err error) (int, errorBody) {
	var cErr *coupon.Error
	var stockErr *inventory.InsufficientStockError

	switch {
	case errors.As(err, &cErr):
		body := errorBody{
			Error:      string(cErr.Reason),
			Message:    cErr.Error(),
			CouponCode: cErr.Code,
			CouponID:   cErr.CouponID,
		}
		if cErr.Reason == coupon.ReasonMinimumNotMet {
			minimum := cErr.MinOrderAmount
			body.MinOrderAmount = &minimum
		}
		return http.StatusUnprocessableEntity, body

	case errors.As(err, &stockErr):
		available := stockErr.Available
		return http.StatusConflict, errorBody{
			Error:     "insufficient_stock",
			Message:   stockErr.Error(),
			ProductID: stockErr.ProductID,
			Requested: stockErr.Requested,
			Available: &available,
		}

	case errors.Is(err, service.ErrEmptyCart):
		return http.StatusUnprocessableEntity, errorBody{Error: "empty_cart", Message: err.Error()}
	case errors.Is(err, cart.ErrInvalidQuantity):
		return http.StatusBadRequest, errorBody{Error: "invalid_quantity", Message: err.Error()}
	case errors.Is(err, cart.ErrProductUnavailable):
		return http.StatusUnprocessableEntity, errorBody{Error: "product_unavailable", Message: err.Error()}
	case errors.Is(err, cart.ErrLineNotFound):
		return http.StatusNotFound, errorBody{Error: "line_not_found", Message: err.Error()}
	case errors.Is(err, service.ErrInvalidOwner):
		return http.StatusBadRequest, errorBody{Error: "invalid_owner", Message: err.Error()}
	case errors.Is(err, service.ErrInvalidAmount):
		return http.StatusBadRequest, errorBody{Error: "invalid_amount", Message: err.Error()}
	case errors.Is(err, service.ErrCheckoutInProgress):
		return http.StatusConflict, errorBody{Error: "checkout_in_progress", Message: err.Error()}
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, errorBody{Error: "invalid_transition", Message: err.Error()}
	case errors.Is(err, store.ErrLockTimeout):
		return http.StatusServiceUnavailable, errorBody{Error: "lock_timeout", Message: "resource busy, retry"}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()}
	}

	return http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"}
}
