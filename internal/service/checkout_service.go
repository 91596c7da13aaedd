package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"checkout-engine/internal/cart"
	"checkout-engine/internal/coupon"
	"checkout-engine/internal/inventory"
	"checkout-engine/internal/models"
	"checkout-engine/internal/money"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEmptyCart is returned when checking out a cart without lines
var ErrEmptyCart = errors.New("cart is empty")

// ErrCheckoutInProgress is returned when another request holding the same
// idempotency key has not finished yet.
var ErrCheckoutInProgress = errors.New("a checkout with this idempotency key is in progress")

// ErrInvalidAmount is returned for a negative shipping or tax amount
var ErrInvalidAmount = errors.New("amount must not be negative")

// Stage is a step of the checkout state machine
type Stage string

// Checkout stages
const (
	StageStarted    Stage = "started"
	StageValidating Stage = "validating"
	StageReserving  Stage = "reserving"
	StagePersisting Stage = "persisting"
	StageCommitted  Stage = "committed"
	StageAborted    Stage = "aborted"
)

// AbortError reports the stage at which a checkout was aborted. Err is the
// cause and stays reachable through errors.Is and errors.As.
type AbortError struct {
	Stage Stage
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("checkout aborted while %s: %v", e.Stage, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// IdempotencyCache is the fast path for checkout replays. A missing cache
// leaves the unique idempotency_key column as the only guard.
type IdempotencyCache interface {
	// Claim reserves key. It returns the id of the order key already
	// produced, or a token identifying this claim.
	Claim(ctx context.Context, key string, ttl time.Duration) (orderID int64, token string, err error)
	Complete(ctx context.Context, key string, orderID int64, ttl time.Duration) error
	Release(ctx context.Context, key, token string) error
}

// CheckoutRequest is the input of a checkout. CartID is optional when Owner
// is set; when both are given they must match.
type CheckoutRequest struct {
	CartID          int64
	Owner           models.CartOwner
	ShippingAddress *models.Address
	BillingAddress  *models.Address
	// ShippingAmount and TaxAmount are computed upstream and added to the
	// discounted subtotal as given.
	ShippingAmount money.Amount
	TaxAmount      money.Amount
	// PaymentToken is a confirmation from the payment gateway. Without it
	// the order waits for a payment event.
	PaymentToken   string
	IdempotencyKey string
}

// CheckoutService turns a cart into an order in a single transaction
type CheckoutService struct {
	repo           store.Repository
	idempotency    IdempotencyCache
	idempotencyTTL time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewCheckoutService creates a new checkout service. idempotency may be nil.
func NewCheckoutService(repo store.Repository, idempotency IdempotencyCache, idempotencyTTL time.Duration) *CheckoutService {
	return &CheckoutService{
		repo:           repo,
		idempotency:    idempotency,
		idempotencyTTL: idempotencyTTL,
		logger:         util.GetLogger(),
		now:            time.Now,
	}
}

// Checkout validates the cart, reserves stock and persists the order. Either
// everything commits or nothing does.
func (s *CheckoutService) Checkout(ctx context.Context, req CheckoutRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout")
	defer span.End()

	start := time.Now()
	defer func() {
		util.CheckoutDuration.Observe(time.Since(start).Seconds())
	}()

	if req.CartID == 0 && !req.Owner.Valid() {
		return nil, ErrInvalidOwner
	}
	if req.ShippingAmount < 0 || req.TaxAmount < 0 {
		return nil, ErrInvalidAmount
	}

	if req.IdempotencyKey != "" {
		req.IdempotencyKey = scopeIdempotencyKey(req)
		if order, err := s.replay(ctx, req.IdempotencyKey); order != nil || err != nil {
			return order, err
		}

		existing, token, err := s.claim(ctx, req.IdempotencyKey)
		if existing != nil || err != nil {
			return existing, err
		}
		if token != "" {
			defer func() {
				if err := s.idempotency.Release(context.Background(), req.IdempotencyKey, token); err != nil {
					s.logger.Warn("Failed to release idempotency claim",
						zap.String("idempotency_key", req.IdempotencyKey),
						zap.Error(err))
				}
			}()
		}
	}

	order, err := s.checkout(ctx, req)
	if err != nil {
		if req.IdempotencyKey != "" && errors.Is(err, store.ErrDuplicate) {
			if existing, lookupErr := s.repo.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil {
				util.CheckoutsTotal.WithLabelValues("replayed").Inc()
				return existing, nil
			}
		}
		util.RecordError(span, err)
		s.recordAbort(err)
		return nil, err
	}

	util.CheckoutsTotal.WithLabelValues("committed").Inc()
	s.logger.Info("Checkout committed",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total", int64(order.Total)))

	if req.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.Complete(ctx, req.IdempotencyKey, order.ID, s.idempotencyTTL); err != nil {
			s.logger.Warn("Failed to cache idempotency key",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(err))
		}
	}
	return order, nil
}

// scopeIdempotencyKey prefixes the client key with the cart owner, or with
// the cart id for anonymous cart checkouts, so equal keys from different
// shoppers never meet.
func scopeIdempotencyKey(req CheckoutRequest) string {
	switch {
	case req.Owner.UserID != nil:
		return fmt.Sprintf("user:%d:%s", *req.Owner.UserID, req.IdempotencyKey)
	case req.Owner.SessionID != "":
		return fmt.Sprintf("session:%s:%s", req.Owner.SessionID, req.IdempotencyKey)
	}
	return fmt.Sprintf("cart:%d:%s", req.CartID, req.IdempotencyKey)
}

// replay returns the order an idempotency key already produced, if any
func (s *CheckoutService) replay(ctx context.Context, key string) (*models.Order, error) {
	order, err := s.repo.GetOrderByIdempotencyKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}

	s.logger.Info("Duplicate checkout request detected",
		zap.String("idempotency_key", key),
		zap.Int64("order_id", order.ID))
	util.CheckoutsTotal.WithLabelValues("replayed").Inc()
	return order, nil
}

// claim takes the idempotency key in the cache. It returns the order the key
// already produced when the cache knows it. An empty token means the cache is
// unavailable and the database constraint is the only guard.
func (s *CheckoutService) claim(ctx context.Context, key string) (*models.Order, string, error) {
	if s.idempotency == nil {
		return nil, "", nil
	}

	orderID, token, err := s.idempotency.Claim(ctx, key, s.idempotencyTTL)
	if errors.Is(err, ErrCheckoutInProgress) {
		return nil, "", err
	}
	if err != nil {
		s.logger.Warn("Idempotency cache unavailable, relying on database",
			zap.String("idempotency_key", key),
			zap.Error(err))
		return nil, "", nil
	}
	if orderID != 0 {
		order, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load order for idempotency key: %w", err)
		}
		util.CheckoutsTotal.WithLabelValues("replayed").Inc()
		return order, "", nil
	}
	return nil, token, nil
}

func (s *CheckoutService) checkout(ctx context.Context, req CheckoutRequest) (*models.Order, error) {
	stage := StageStarted
	var order *models.Order

	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		stage = StageValidating
		c, err := s.lockCart(ctx, tx, req)
		if err != nil {
			return err
		}

		items, err := tx.GetCartItems(ctx, c.ID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrEmptyCart
		}

		agg := &cart.Cart{ID: c.ID, Items: items}
		subtotal := agg.Subtotal()
		now := s.now()

		var applied *coupon.Valid
		if c.CouponID != nil {
			cp, err := tx.LockCoupon(ctx, *c.CouponID)
			if errors.Is(err, store.ErrNotFound) {
				return &coupon.Error{CouponID: *c.CouponID, Reason: coupon.ReasonNotFound}
			}
			if err != nil {
				return err
			}
			if applied, err = coupon.Validate(cp, subtotal, now); err != nil {
				return err
			}
		}

		stage = StageReserving
		lines := make([]inventory.Line, len(items))
		for i, item := range items {
			lines[i] = inventory.Line{ProductID: item.ProductID, Quantity: item.Quantity}
		}
		products, err := inventory.Reserve(ctx, tx, lines)
		if err != nil {
			return err
		}

		stage = StagePersisting
		order = s.buildOrder(c, items, products, applied, subtotal, req, now)
		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		if applied != nil {
			err := tx.IncrementCouponUsage(ctx, applied.Coupon.ID)
			if errors.Is(err, store.ErrCouponUsageExceeded) {
				return &coupon.Error{Code: applied.Coupon.Code, Reason: coupon.ReasonUsageLimitReached}
			}
			if err != nil {
				return err
			}
		}

		if err := tx.ClearCart(ctx, c.ID); err != nil {
			return fmt.Errorf("failed to clear cart: %w", err)
		}

		event, err := orderPlacedEvent(order, now)
		if err != nil {
			return err
		}
		return tx.AddOutboxEvent(ctx, event)
	})
	if err != nil {
		return nil, &AbortError{Stage: stage, Err: err}
	}
	return order, nil
}

func (s *CheckoutService) lockCart(ctx context.Context, tx store.Tx, req CheckoutRequest) (*models.Cart, error) {
	if req.CartID == 0 {
		c, err := tx.LockCart(ctx, req.Owner, false)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrEmptyCart
		}
		return c, err
	}

	c, err := tx.LockCartByID(ctx, req.CartID)
	if err != nil {
		return nil, err
	}
	if req.Owner.Valid() && !ownsCart(req.Owner, c) {
		return nil, fmt.Errorf("cart %d: %w", req.CartID, store.ErrNotFound)
	}
	return c, nil
}

func ownsCart(owner models.CartOwner, c *models.Cart) bool {
	if owner.UserID != nil {
		return c.UserID != nil && *c.UserID == *owner.UserID
	}
	return c.SessionID != nil && *c.SessionID == owner.SessionID
}

// buildOrder snapshots names and prices so later catalog edits never reach
// the order.
func (s *CheckoutService) buildOrder(c *models.Cart, items []models.CartItem, products map[int64]models.Product,
	applied *coupon.Valid, subtotal money.Amount, req CheckoutRequest, now time.Time) *models.Order {
	order := &models.Order{
		OrderNumber:     newOrderNumber(now),
		UserID:          c.UserID,
		CartID:          c.ID,
		Subtotal:        subtotal,
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Items:           make([]models.OrderItem, 0, len(items)),
	}

	if applied != nil {
		code := applied.Coupon.Code
		order.CouponCode = &code
		order.Discount = applied.Discount
	}
	order.ShippingAmount = req.ShippingAmount
	order.TaxAmount = req.TaxAmount
	order.Total = money.Sum(subtotal.SubFloor(order.Discount), order.ShippingAmount, order.TaxAmount)

	if req.PaymentToken != "" {
		token := req.PaymentToken
		order.PaymentStatus = models.PaymentStatusPaid
		order.PaymentReference = &token
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	for _, item := range items {
		order.Items = append(order.Items, models.OrderItem{
			ProductID:   item.ProductID,
			ProductName: products[item.ProductID].Name,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			Subtotal:    item.Subtotal(),
		})
	}
	return order
}

func (s *CheckoutService) recordAbort(err error) {
	var abort *AbortError
	stage := StageAborted
	if errors.As(err, &abort) {
		stage = abort.Stage
	}
	reason := abortReason(err)

	util.CheckoutsTotal.WithLabelValues("aborted").Inc()
	util.CheckoutAbortedTotal.WithLabelValues(string(stage), reason).Inc()

	var cErr *coupon.Error
	if errors.As(err, &cErr) {
		util.CouponRejectionsTotal.WithLabelValues(string(cErr.Reason)).Inc()
	}

	s.logger.Warn("Checkout aborted",
		zap.String("stage", string(stage)),
		zap.String("reason", reason),
		zap.Error(err))
}

// abortReason is the machine readable cause used in metrics
func abortReason(err error) string {
	var cErr *coupon.Error
	var stockErr *inventory.InsufficientStockError
	switch {
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.As(err, &cErr):
		return string(cErr.Reason)
	case errors.As(err, &stockErr):
		return "insufficient_stock"
	case errors.Is(err, store.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	}
	return "internal"
}

func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix)
}

func orderPlacedEvent(order *models.Order, now time.Time) (*models.OutboxEvent, error) {
	items := make([]models.OrderItemData, len(order.Items))
	for i, item := range order.Items {
		items[i] = models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: int64(item.UnitPrice),
		}
	}

	return newOutboxEvent(order.ID, &models.OrderPlacedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderPlaced, now),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		CouponCode:  order.CouponCode,
		Subtotal:    int64(order.Subtotal),
		Discount:    int64(order.Discount),
		Shipping:    int64(order.ShippingAmount),
		Tax:         int64(order.TaxAmount),
		Total:       int64(order.Total),
		Items:       items,
	})
}

func newBaseEvent(eventType string, now time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: now.UTC(),
	}
}

// newOutboxEvent serializes event for the outbox. event must embed BaseEvent.
func newOutboxEvent(orderID int64, event interface{ Base() models.BaseEvent }) (*models.OutboxEvent, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	base := event.Base()
	return &models.OutboxEvent{
		EventID:     base.EventID,
		EventType:   base.EventType,
		AggregateID: strconv.FormatInt(orderID, 10),
		Payload:     payload,
	}, nil
}
