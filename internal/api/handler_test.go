package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"testing"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/money"
	"checkout-engine/internal/service"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router  *gin.Engine
	store   *store.MemoryStore
	handler *Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := store.NewMemoryStore(time.Second)
	h := NewHandler(
		service.NewCartService(m),
		service.NewCheckoutService(m, nil, time.Hour),
		service.NewOrderService(m),
	)
	h.AddReadinessCheck("database", m.Ping)

	router := gin.New()
	h.SetupRoutes(router)
	return &testServer{router: router, store: m, handler: h}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	// Reset the target so fields omitted from this response don't keep values
	// from a previous decode.
	rv := reflect.ValueOf(v).Elem()
	rv.Set(reflect.Zero(rv.Type()))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

var alice = map[string]string{HeaderUserID: "1"}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.handler.AddReadinessCheck("redis", func(ctx context.Context) error { return errors.New("connection refused") })
	w = s.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestCartRoutes(t *testing.T) {
	s := newTestServer(t)
	p := s.store.SeedProduct(models.Product{SKU: "A", Name: "Lamp", Price: 12000, Stock: 5, IsActive: true})
	s.store.SeedCoupon(models.Coupon{Code: "WELCOME10", DiscountType: models.DiscountPercentage, DiscountValue: decimal.NewFromInt(10), IsActive: true})

	w := s.do(t, http.MethodPost, "/api/v1/cart/items", gin.H{"product_id": p.ID, "quantity": 1}, alice)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/cart/coupon", gin.H{"code": " WELCOME10 "}, alice)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var view struct {
		Items []struct {
			ID int64 `json:"id"`
		} `json:"items"`
		Subtotal int64  `json:"subtotal"`
		Discount int64  `json:"discount"`
		Total    int64  `json:"total"`
		Coupon   string `json:"coupon_code"`
	}
	decode(t, w, &view)
	assert.Equal(t, int64(12000), view.Subtotal)
	assert.Equal(t, int64(1200), view.Discount)
	assert.Equal(t, int64(10800), view.Total)
	assert.Equal(t, "WELCOME10", view.Coupon)
	require.Len(t, view.Items, 1)

	line := strconv.FormatInt(view.Items[0].ID, 10)
	w = s.do(t, http.MethodPatch, "/api/v1/cart/items/"+line, gin.H{"quantity": 2}, alice)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &view)
	assert.Equal(t, int64(21600), view.Total)

	w = s.do(t, http.MethodDelete, "/api/v1/cart/coupon", nil, alice)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodDelete, "/api/v1/cart/items/"+line, nil, alice)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/cart", nil, alice)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &view)
	assert.Empty(t, view.Items)
	assert.Empty(t, view.Coupon)

	w = s.do(t, http.MethodDelete, "/api/v1/cart", nil, alice)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCartRoutes_Errors(t *testing.T) {
	s := newTestServer(t)
	p := s.store.SeedProduct(models.Product{SKU: "A", Name: "Lamp", Price: 4000, Stock: 1, IsActive: true})
	s.store.SeedCoupon(models.Coupon{
		Code:           "SAVE20",
		DiscountType:   models.DiscountPercentage,
		DiscountValue:  decimal.NewFromInt(20),
		MinOrderAmount: amountPtr(15000),
		IsActive:       true,
	})

	tests := []struct {
		name    string
		method  string
		path    string
		body    interface{}
		headers map[string]string
		status  int
		kind    string
	}{
		{"no owner", http.MethodGet, "/api/v1/cart", nil, nil, http.StatusBadRequest, "invalid_owner"},
		{"both owners", http.MethodGet, "/api/v1/cart", nil, map[string]string{HeaderUserID: "1", HeaderSessionID: "s"}, http.StatusBadRequest, "invalid_owner"},
		{"bad user id", http.MethodGet, "/api/v1/cart", nil, map[string]string{HeaderUserID: "abc"}, http.StatusBadRequest, "invalid_owner"},
		{"missing body", http.MethodPost, "/api/v1/cart/items", nil, alice, http.StatusBadRequest, "invalid_request"},
		{"zero quantity", http.MethodPost, "/api/v1/cart/items", gin.H{"product_id": p.ID, "quantity": 0}, alice, http.StatusBadRequest, "invalid_quantity"},
		{"over stock", http.MethodPost, "/api/v1/cart/items", gin.H{"product_id": p.ID, "quantity": 2}, alice, http.StatusConflict, "insufficient_stock"},
		{"unknown product", http.MethodPost, "/api/v1/cart/items", gin.H{"product_id": 99, "quantity": 1}, alice, http.StatusUnprocessableEntity, "product_unavailable"},
		{"unknown coupon", http.MethodPost, "/api/v1/cart/coupon", gin.H{"code": "NOPE"}, alice, http.StatusUnprocessableEntity, "coupon_not_found"},
		{"minimum not met", http.MethodPost, "/api/v1/cart/coupon", gin.H{"code": "SAVE20"}, alice, http.StatusUnprocessableEntity, "minimum_not_met"},
		{"unknown line", http.MethodPatch, "/api/v1/cart/items/77", gin.H{"quantity": 1}, alice, http.StatusNotFound, "line_not_found"},
		{"bad line id", http.MethodDelete, "/api/v1/cart/items/x", nil, alice, http.StatusBadRequest, "invalid_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.body, tt.headers)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			var body errorBody
			decode(t, w, &body)
			assert.Equal(t, tt.kind, body.Error)
		})
	}
}

func TestCheckoutRoute(t *testing.T) {
	s := newTestServer(t)
	p := s.store.SeedProduct(models.Product{SKU: "A", Name: "Lamp", Price: 2500, Stock: 3, IsActive: true})

	w := s.do(t, http.MethodPost, "/api/v1/checkout", nil, alice)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var errBody errorBody
	decode(t, w, &errBody)
	assert.Equal(t, "empty_cart", errBody.Error)

	w = s.do(t, http.MethodPost, "/api/v1/cart/items", gin.H{"product_id": p.ID, "quantity": 2}, alice)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/checkout", gin.H{"tax_amount": -5}, alice)
	require.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &errBody)
	assert.Equal(t, "invalid_amount", errBody.Error)

	headers := map[string]string{HeaderUserID: "1", HeaderIdempotencyKey: "key-1"}
	body := gin.H{
		"shipping_address": gin.H{"name": "A", "line1": "1 Main St", "city": "Springfield", "postal_code": "12345", "country": "US"},
		"shipping_amount":  500,
		"tax_amount":       250,
	}
	w = s.do(t, http.MethodPost, "/api/v1/checkout", body, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var order models.Order
	decode(t, w, &order)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.EqualValues(t, 5000, order.Subtotal)
	assert.EqualValues(t, 500, order.ShippingAmount)
	assert.EqualValues(t, 250, order.TaxAmount)
	assert.EqualValues(t, 5750, order.Total)
	require.Len(t, order.Items, 1)
	require.NotNil(t, order.ShippingAddress)
	assert.Equal(t, "Springfield", order.ShippingAddress.City)

	// a replay returns the same order and takes no more stock
	w = s.do(t, http.MethodPost, "/api/v1/checkout", body, headers)
	require.Equal(t, http.StatusCreated, w.Code)
	var replay models.Order
	decode(t, w, &replay)
	assert.Equal(t, order.ID, replay.ID)

	got, err := s.store.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Stock)

	w = s.do(t, http.MethodGet, "/api/v1/orders/"+strconv.FormatInt(order.ID, 10), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/users/1/orders", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Orders []models.Order `json:"orders"`
	}
	decode(t, w, &list)
	assert.Len(t, list.Orders, 1)

	w = s.do(t, http.MethodGet, "/api/v1/orders/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckoutRoute_InsufficientStock(t *testing.T) {
	s := newTestServer(t)
	p := s.store.SeedProduct(models.Product{SKU: "A", Name: "Lamp", Price: 2500, Stock: 3, IsActive: true})

	w := s.do(t, http.MethodPost, "/api/v1/cart/items", gin.H{"product_id": p.ID, "quantity": 3}, alice)
	require.Equal(t, http.StatusOK, w.Code)

	p.Stock = 1
	s.store.SeedProduct(p)

	w = s.do(t, http.MethodPost, "/api/v1/checkout", nil, alice)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	var body errorBody
	decode(t, w, &body)
	assert.Equal(t, "insufficient_stock", body.Error)
	assert.Equal(t, p.ID, body.ProductID)
	require.NotNil(t, body.Available)
	assert.Equal(t, 1, *body.Available)
	assert.Equal(t, string(service.StageReserving), body.Stage)
}

func TestAdminStatusRoute(t *testing.T) {
	s := newTestServer(t)
	p := s.store.SeedProduct(models.Product{SKU: "A", Name: "Lamp", Price: 2500, Stock: 3, IsActive: true})
	s.do(t, http.MethodPost, "/api/v1/cart/items", gin.H{"product_id": p.ID, "quantity": 1}, alice)
	w := s.do(t, http.MethodPost, "/api/v1/checkout", nil, alice)
	require.Equal(t, http.StatusCreated, w.Code)
	var order models.Order
	decode(t, w, &order)
	path := "/api/v1/admin/orders/" + strconv.FormatInt(order.ID, 10) + "/status"

	w = s.do(t, http.MethodPatch, path, gin.H{"status": "shipped"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPatch, path, gin.H{"status": "cancelled"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &order)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)

	w = s.do(t, http.MethodPatch, path, gin.H{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLockTimeoutMapsToServiceUnavailable(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/checkout", nil)

	h := &Handler{logger: util.GetLogger()}
	h.writeError(c, &service.AbortError{Stage: service.StageReserving, Err: store.ErrLockTimeout})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	var body errorBody
	decode(t, w, &body)
	assert.Equal(t, "lock_timeout", body.Error)
	assert.Equal(t, "reserving", body.Stage)
}

func amountPtr(v int64) *money.Amount {
	a := money.Amount(v)
	return &a
}
