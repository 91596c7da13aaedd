package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/money"
	"checkout-engine/internal/service"
	"checkout-engine/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Owner headers. Authentication happens upstream; these only say whose cart
// a request is about.
const (
	HeaderUserID         = "X-User-ID"
	HeaderSessionID      = "X-Session-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	carts    *service.CartService
	checkout *service.CheckoutService
	orders   *service.OrderService
	checks   map[string]ReadinessCheck
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(carts *service.CartService, checkout *service.CheckoutService, orders *service.OrderService) *Handler {
	return &Handler{
		carts:    carts,
		checkout: checkout,
		orders:   orders,
		checks:   map[string]ReadinessCheck{},
		logger:   util.GetLogger(),
	}
}

// AddReadinessCheck makes /ready depend on check
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/cart", h.getCart)
		v1.DELETE("/cart", h.clearCart)
		v1.POST("/cart/items", h.addCartItem)
		v1.PATCH("/cart/items/:lineId", h.updateCartItem)
		v1.DELETE("/cart/items/:lineId", h.removeCartItem)
		v1.POST("/cart/coupon", h.applyCoupon)
		v1.DELETE("/cart/coupon", h.removeCoupon)

		v1.POST("/checkout", h.placeOrder)

		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/users/:id/orders", h.listUserOrders)

		admin := v1.Group("/admin")
		admin.PATCH("/orders/:id/status", h.updateOrderStatus)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every registered dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type addItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity"`
}

type updateItemRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

type couponRequest struct {
	Code string `json:"code" binding:"required"`
}

type checkoutRequest struct {
	CartID          int64           `json:"cart_id"`
	ShippingAddress *models.Address `json:"shipping_address"`
	BillingAddress  *models.Address `json:"billing_address"`
	ShippingAmount  money.Amount    `json:"shipping_amount"`
	TaxAmount       money.Amount    `json:"tax_amount"`
	PaymentToken    string          `json:"payment_token"`
	IdempotencyKey  string          `json:"idempotency_key"`
}

type statusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

func (h *Handler) getCart(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	view, err := h.carts.View(c.Request.Context(), owner)
	h.respond(c, http.StatusOK, view, err)
}

func (h *Handler) clearCart(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	view, err := h.carts.Clear(c.Request.Context(), owner)
	h.respond(c, http.StatusOK, view, err)
}

func (h *Handler) addCartItem(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	var req addItemRequest
	if !bindJSON(c, &req) {
		return
	}
	view, err := h.carts.AddItem(c.Request.Context(), owner, req.ProductID, req.Quantity)
	h.respond(c, http.StatusOK, view, err)
}

func (h *Handler) updateCartItem(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	lineID, ok := pathID(c, "lineId")
	if !ok {
		return
	}
	var req updateItemRequest
	if !bindJSON(c, &req) {
		return
	}
	view, err := h.carts.UpdateItem(c.Request.Context(), owner, lineID, *req.Quantity)
	h.respond(c, http.StatusOK, view, err)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	lineID, ok := pathID(c, "lineId")
	if !ok {
		return
	}
	view, err := h.carts.RemoveItem(c.Request.Context(), owner, lineID)
	h.respond(c, http.StatusOK, view, err)
}

func (h *Handler) applyCoupon(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	var req couponRequest
	if !bindJSON(c, &req) {
		return
	}
	view, err := h.carts.ApplyCoupon(c.Request.Context(), owner, req.Code)
	h.respond(c, http.StatusOK, view, err)
}

func (h *Handler) removeCoupon(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	view, err := h.carts.RemoveCoupon(c.Request.Context(), owner)
	h.respond(c, http.StatusOK, view, err)
}

// placeOrder runs checkout for the caller's cart, or for cart_id
func (h *Handler) placeOrder(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	var req checkoutRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(HeaderIdempotencyKey)
	}

	order, err := h.checkout.Checkout(c.Request.Context(), service.CheckoutRequest{
		CartID:          req.CartID,
		Owner:           owner,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		ShippingAmount:  req.ShippingAmount,
		TaxAmount:       req.TaxAmount,
		PaymentToken:    req.PaymentToken,
		IdempotencyKey:  req.IdempotencyKey,
	})
	h.respond(c, http.StatusCreated, order, err)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(c.Request.Context(), orderID)
	h.respond(c, http.StatusOK, order, err)
}

func (h *Handler) listUserOrders(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}
	orders, err := h.orders.ListOrders(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}
	order, err := h.orders.UpdateStatus(c.Request.Context(), orderID, req.Status)
	h.respond(c, http.StatusOK, order, err)
}

func (h *Handler) respond(c *gin.Context, status int, body interface{}, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(status, body)
}

// owner reads the cart owner headers. Absent headers give the zero owner,
// which the services reject where an owner is required.
func (h *Handler) owner(c *gin.Context) (models.CartOwner, bool) {
	owner := models.CartOwner{SessionID: c.GetHeader(HeaderSessionID)}
	if raw := c.GetHeader(HeaderUserID); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			h.writeError(c, service.ErrInvalidOwner)
			return owner, false
		}
		owner.UserID = &id
	}
	return owner, true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorBody{
			Error:   "invalid_id",
			Message: "invalid " + name,
		})
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return false
	}
	return true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
