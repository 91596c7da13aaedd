package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"checkout-engine/internal/models"
)

// MemoryStore is an in-process Repository used for local runs and tests.
// Transactions are serialized: each one works on a private copy of the data
// that replaces the committed state only when fn succeeds.
type MemoryStore struct {
	mu          sync.Mutex
	data        *memData
	faults      map[string]error
	txSlot      chan struct{}
	lockTimeout time.Duration
	now         func() time.Time
}

type memData struct {
	products  map[int64]models.Product
	carts     map[int64]models.Cart
	cartItems map[int64]models.CartItem
	coupons   map[int64]models.Coupon
	orders    map[int64]models.Order
	outbox    []models.OutboxEvent
	processed map[string]models.ProcessedEvent
	seq       map[string]int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &MemoryStore{
		data: &memData{
			products:  map[int64]models.Product{},
			carts:     map[int64]models.Cart{},
			cartItems: map[int64]models.CartItem{},
			coupons:   map[int64]models.Coupon{},
			orders:    map[int64]models.Order{},
			processed: map[string]models.ProcessedEvent{},
			seq:       map[string]int64{},
		},
		faults:      map[string]error{},
		txSlot:      make(chan struct{}, 1),
		lockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		products:  make(map[int64]models.Product, len(d.products)),
		carts:     make(map[int64]models.Cart, len(d.carts)),
		cartItems: make(map[int64]models.CartItem, len(d.cartItems)),
		coupons:   make(map[int64]models.Coupon, len(d.coupons)),
		orders:    make(map[int64]models.Order, len(d.orders)),
		outbox:    append([]models.OutboxEvent(nil), d.outbox...),
		processed: make(map[string]models.ProcessedEvent, len(d.processed)),
		seq:       make(map[string]int64, len(d.seq)),
	}
	for k, v := range d.products {
		c.products[k] = v
	}
	for k, v := range d.carts {
		c.carts[k] = v
	}
	for k, v := range d.cartItems {
		c.cartItems[k] = v
	}
	for k, v := range d.coupons {
		c.coupons[k] = v
	}
	for k, v := range d.orders {
		v.Items = append([]models.OrderItem(nil), v.Items...)
		c.orders[k] = v
	}
	for k, v := range d.processed {
		c.processed[k] = v
	}
	for k, v := range d.seq {
		c.seq[k] = v
	}
	return c
}

func (d *memData) nextID(table string) int64 {
	d.seq[table]++
	return d.seq[table]
}

// FailNext makes the next call of the named Tx operation (for example
// "CreateOrder") return err.
func (m *MemoryStore) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = err
}

func (m *MemoryStore) fault(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err, ok := m.faults[op]
	if !ok {
		return nil
	}
	delete(m.faults, op)
	return err
}

// SeedProduct inserts or replaces a product. A zero ID is assigned.
func (m *MemoryStore) SeedProduct(p models.Product) models.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.data.nextID("products")
	} else if p.ID > m.data.seq["products"] {
		m.data.seq["products"] = p.ID
	}
	now := m.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.data.products[p.ID] = p
	return p
}

// SeedCoupon inserts or replaces a coupon. A zero ID is assigned.
func (m *MemoryStore) SeedCoupon(c models.Coupon) models.Coupon {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.data.nextID("coupons")
	} else if c.ID > m.data.seq["coupons"] {
		m.data.seq["coupons"] = c.ID
	}
	c.Code = normalizeCode(c.Code)
	now := m.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.data.coupons[c.ID] = c
	return c
}

// WithTx runs fn with exclusive access to a copy of the data.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()

	select {
	case m.txSlot <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("memory store: %w", ErrLockTimeout)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("memory store: %w", ErrLockTimeout)
		}
		return ctx.Err()
	}
	defer func() { <-m.txSlot }()

	m.mu.Lock()
	working := m.data.clone()
	m.mu.Unlock()

	if err := fn(&memTx{store: m, data: working}); err != nil {
		return err
	}

	m.mu.Lock()
	m.data = working
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) read(fn func(d *memData) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.data)
}

// GetProduct retrieves a product by ID
func (m *MemoryStore) GetProduct(ctx context.Context, id int64) (p *models.Product, err error) {
	err = m.read(func(d *memData) error {
		p, err = d.getProduct(id)
		return err
	})
	return p, err
}

// FindCart returns the owner's cart or ErrNotFound
func (m *MemoryStore) FindCart(ctx context.Context, owner models.CartOwner) (c *models.Cart, err error) {
	if !owner.Valid() {
		return nil, fmt.Errorf("cart owner must be exactly one of user or session")
	}
	err = m.read(func(d *memData) error {
		c = d.findCart(owner)
		if c == nil {
			return fmt.Errorf("%w: cart", ErrNotFound)
		}
		return nil
	})
	return c, err
}

// GetCartItems retrieves the lines of a cart in insertion order
func (m *MemoryStore) GetCartItems(ctx context.Context, cartID int64) (items []models.CartItem, err error) {
	err = m.read(func(d *memData) error {
		items = d.cartLines(cartID)
		return nil
	})
	return items, err
}

// GetCoupon retrieves a coupon by ID
func (m *MemoryStore) GetCoupon(ctx context.Context, id int64) (c *models.Coupon, err error) {
	err = m.read(func(d *memData) error {
		c, err = d.getCoupon(id)
		return err
	})
	return c, err
}

// GetCouponByCode looks a coupon up by its exact code
func (m *MemoryStore) GetCouponByCode(ctx context.Context, code string) (c *models.Coupon, err error) {
	err = m.read(func(d *memData) error {
		c, err = d.getCouponByCode(code)
		return err
	})
	return c, err
}

// GetOrder retrieves an order with its items
func (m *MemoryStore) GetOrder(ctx context.Context, id int64) (o *models.Order, err error) {
	err = m.read(func(d *memData) error {
		o, err = d.getOrder(id)
		return err
	})
	return o, err
}

// GetOrderByIdempotencyKey retrieves the order a checkout key produced
func (m *MemoryStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (o *models.Order, err error) {
	err = m.read(func(d *memData) error {
		for id, order := range d.orders {
			if order.IdempotencyKey != nil && *order.IdempotencyKey == key {
				o, err = d.getOrder(id)
				return err
			}
		}
		return fmt.Errorf("%w: order with idempotency key %q", ErrNotFound, key)
	})
	return o, err
}

// ListOrdersByUser retrieves a user's orders, newest first
func (m *MemoryStore) ListOrdersByUser(ctx context.Context, userID int64) (orders []models.Order, err error) {
	err = m.read(func(d *memData) error {
		orders = []models.Order{}
		for id, order := range d.orders {
			if order.UserID != nil && *order.UserID == userID {
				o, _ := d.getOrder(id)
				orders = append(orders, *o)
			}
		}
		sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
		return nil
	})
	return orders, err
}

// FetchUnpublishedEvents returns the oldest events not yet relayed
func (m *MemoryStore) FetchUnpublishedEvents(ctx context.Context, limit int) (events []models.OutboxEvent, err error) {
	err = m.read(func(d *memData) error {
		events = []models.OutboxEvent{}
		for _, e := range d.outbox {
			if e.PublishedAt != nil {
				continue
			}
			if len(events) == limit {
				break
			}
			events = append(events, e)
		}
		return nil
	})
	return events, err
}

// MarkEventPublished stamps an event as relayed
func (m *MemoryStore) MarkEventPublished(ctx context.Context, id int64) error {
	return m.WithTx(ctx, func(tx Tx) error {
		d := tx.(*memTx).data
		for i := range d.outbox {
			if d.outbox[i].ID == id && d.outbox[i].PublishedAt == nil {
				now := m.now()
				d.outbox[i].PublishedAt = &now
			}
		}
		return nil
	})
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (m *MemoryStore) Close() error { return nil }

func (d *memData) getProduct(id int64) (*models.Product, error) {
	p, ok := d.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	return &p, nil
}

func (d *memData) findCart(owner models.CartOwner) *models.Cart {
	for _, c := range d.carts {
		if owner.UserID != nil && c.UserID != nil && *c.UserID == *owner.UserID {
			return &c
		}
		if owner.UserID == nil && c.SessionID != nil && *c.SessionID == owner.SessionID {
			return &c
		}
	}
	return nil
}

func (d *memData) cartLines(cartID int64) []models.CartItem {
	items := []models.CartItem{}
	for _, it := range d.cartItems {
		if it.CartID == cartID {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (d *memData) getCoupon(id int64) (*models.Coupon, error) {
	c, ok := d.coupons[id]
	if !ok {
		return nil, fmt.Errorf("%w: coupon %d", ErrNotFound, id)
	}
	return &c, nil
}

func (d *memData) getCouponByCode(code string) (*models.Coupon, error) {
	code = normalizeCode(code)
	for _, c := range d.coupons {
		if c.Code == code {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: coupon %s", ErrNotFound, code)
}

func (d *memData) getOrder(id int64) (*models.Order, error) {
	o, ok := d.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", ErrNotFound, id)
	}
	o.Items = append([]models.OrderItem{}, o.Items...)
	return &o, nil
}

// memTx is a transaction over a private copy of the store data.
type memTx struct {
	store *MemoryStore
	data  *memData
}

func (t *memTx) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	if err := t.store.fault("GetProduct"); err != nil {
		return nil, err
	}
	return t.data.getProduct(id)
}

func (t *memTx) LockProducts(ctx context.Context, ids []int64) ([]models.Product, error) {
	if err := t.store.fault("LockProducts"); err != nil {
		return nil, err
	}
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	products := []models.Product{}
	for _, id := range sorted {
		if p, ok := t.data.products[id]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

func (t *memTx) AdjustStock(ctx context.Context, productID int64, delta int) error {
	if err := t.store.fault("AdjustStock"); err != nil {
		return err
	}
	p, ok := t.data.products[productID]
	if !ok {
		return fmt.Errorf("%w: product %d", ErrNotFound, productID)
	}
	if p.Stock+delta < 0 {
		return fmt.Errorf("%w: stock of product %d would go negative", ErrConstraint, productID)
	}
	p.Stock += delta
	p.UpdatedAt = t.store.now()
	t.data.products[productID] = p
	return nil
}

func (t *memTx) LockCart(ctx context.Context, owner models.CartOwner, create bool) (*models.Cart, error) {
	if err := t.store.fault("LockCart"); err != nil {
		return nil, err
	}
	if !owner.Valid() {
		return nil, fmt.Errorf("cart owner must be exactly one of user or session")
	}
	if c := t.data.findCart(owner); c != nil {
		return c, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: cart", ErrNotFound)
	}

	now := t.store.now()
	c := models.Cart{ID: t.data.nextID("carts"), CreatedAt: now, UpdatedAt: now}
	if owner.UserID != nil {
		uid := *owner.UserID
		c.UserID = &uid
	} else {
		sid := owner.SessionID
		c.SessionID = &sid
	}
	t.data.carts[c.ID] = c
	return &c, nil
}

func (t *memTx) LockCartByID(ctx context.Context, id int64) (*models.Cart, error) {
	if err := t.store.fault("LockCartByID"); err != nil {
		return nil, err
	}
	c, ok := t.data.carts[id]
	if !ok {
		return nil, fmt.Errorf("%w: cart %d", ErrNotFound, id)
	}
	return &c, nil
}

func (t *memTx) GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	if err := t.store.fault("GetCartItems"); err != nil {
		return nil, err
	}
	return t.data.cartLines(cartID), nil
}

func (t *memTx) SaveCartItem(ctx context.Context, item *models.CartItem) error {
	if err := t.store.fault("SaveCartItem"); err != nil {
		return err
	}
	if item.Quantity <= 0 {
		return fmt.Errorf("%w: cart item quantity must be positive", ErrConstraint)
	}
	now := t.store.now()

	if item.ID == 0 {
		for _, existing := range t.data.cartItems {
			if existing.CartID == item.CartID && existing.ProductID == item.ProductID {
				return fmt.Errorf("%w: product %d already in cart %d", ErrDuplicate, item.ProductID, item.CartID)
			}
		}
		item.ID = t.data.nextID("cart_items")
		item.CreatedAt = now
		item.UpdatedAt = now
		t.data.cartItems[item.ID] = *item
		return nil
	}

	existing, ok := t.data.cartItems[item.ID]
	if !ok || existing.CartID != item.CartID {
		return fmt.Errorf("%w: cart item %d", ErrNotFound, item.ID)
	}
	existing.Quantity = item.Quantity
	existing.UnitPrice = item.UnitPrice
	existing.UpdatedAt = now
	t.data.cartItems[item.ID] = existing
	*item = existing
	return nil
}

func (t *memTx) DeleteCartItem(ctx context.Context, cartID, lineID int64) error {
	if err := t.store.fault("DeleteCartItem"); err != nil {
		return err
	}
	if it, ok := t.data.cartItems[lineID]; ok && it.CartID == cartID {
		delete(t.data.cartItems, lineID)
	}
	return nil
}

func (t *memTx) SetCartCoupon(ctx context.Context, cartID int64, couponID *int64) error {
	if err := t.store.fault("SetCartCoupon"); err != nil {
		return err
	}
	c, ok := t.data.carts[cartID]
	if !ok {
		return fmt.Errorf("%w: cart %d", ErrNotFound, cartID)
	}
	if couponID != nil {
		id := *couponID
		c.CouponID = &id
	} else {
		c.CouponID = nil
	}
	c.UpdatedAt = t.store.now()
	t.data.carts[cartID] = c
	return nil
}

func (t *memTx) ClearCart(ctx context.Context, cartID int64) error {
	if err := t.store.fault("ClearCart"); err != nil {
		return err
	}
	for id, it := range t.data.cartItems {
		if it.CartID == cartID {
			delete(t.data.cartItems, id)
		}
	}
	return t.SetCartCoupon(ctx, cartID, nil)
}

func (t *memTx) GetCoupon(ctx context.Context, id int64) (*models.Coupon, error) {
	if err := t.store.fault("GetCoupon"); err != nil {
		return nil, err
	}
	return t.data.getCoupon(id)
}

func (t *memTx) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	if err := t.store.fault("GetCouponByCode"); err != nil {
		return nil, err
	}
	return t.data.getCouponByCode(code)
}

func (t *memTx) LockCoupon(ctx context.Context, id int64) (*models.Coupon, error) {
	if err := t.store.fault("LockCoupon"); err != nil {
		return nil, err
	}
	return t.data.getCoupon(id)
}

func (t *memTx) IncrementCouponUsage(ctx context.Context, id int64) error {
	if err := t.store.fault("IncrementCouponUsage"); err != nil {
		return err
	}
	c, ok := t.data.coupons[id]
	if !ok {
		return fmt.Errorf("%w: coupon %d", ErrNotFound, id)
	}
	if c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit {
		return fmt.Errorf("coupon %d: %w", id, ErrCouponUsageExceeded)
	}
	c.UsageCount++
	c.UpdatedAt = t.store.now()
	t.data.coupons[id] = c
	return nil
}

func (t *memTx) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := t.store.fault("CreateOrder"); err != nil {
		return err
	}
	for _, existing := range t.data.orders {
		if existing.OrderNumber == order.OrderNumber {
			return fmt.Errorf("%w: order number %s", ErrDuplicate, order.OrderNumber)
		}
		if order.IdempotencyKey != nil && existing.IdempotencyKey != nil &&
			*existing.IdempotencyKey == *order.IdempotencyKey {
			return fmt.Errorf("%w: idempotency key %s", ErrDuplicate, *order.IdempotencyKey)
		}
	}

	now := t.store.now()
	order.ID = t.data.nextID("orders")
	order.CreatedAt = now
	order.UpdatedAt = now
	for i := range order.Items {
		order.Items[i].ID = t.data.nextID("order_items")
		order.Items[i].OrderID = order.ID
	}

	stored := *order
	stored.Items = append([]models.OrderItem(nil), order.Items...)
	t.data.orders[order.ID] = stored
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	if err := t.store.fault("LockOrder"); err != nil {
		return nil, err
	}
	return t.data.getOrder(id)
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error {
	if err := t.store.fault("UpdateOrderStatus"); err != nil {
		return err
	}
	o, ok := t.data.orders[id]
	if !ok {
		return fmt.Errorf("%w: order %d", ErrNotFound, id)
	}
	o.Status = status
	o.UpdatedAt = t.store.now()
	t.data.orders[id] = o
	return nil
}

func (t *memTx) UpdatePaymentStatus(ctx context.Context, id int64, status models.PaymentStatus, reference *string) error {
	if err := t.store.fault("UpdatePaymentStatus"); err != nil {
		return err
	}
	o, ok := t.data.orders[id]
	if !ok {
		return fmt.Errorf("%w: order %d", ErrNotFound, id)
	}
	o.PaymentStatus = status
	if reference != nil {
		ref := *reference
		o.PaymentReference = &ref
	}
	o.UpdatedAt = t.store.now()
	t.data.orders[id] = o
	return nil
}

func (t *memTx) AddOutboxEvent(ctx context.Context, event *models.OutboxEvent) error {
	if err := t.store.fault("AddOutboxEvent"); err != nil {
		return err
	}
	event.ID = t.data.nextID("outbox_events")
	event.CreatedAt = t.store.now()
	stored := *event
	stored.Payload = append([]byte(nil), event.Payload...)
	t.data.outbox = append(t.data.outbox, stored)
	return nil
}

func (t *memTx) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if err := t.store.fault("MarkEventProcessed"); err != nil {
		return false, err
	}
	if _, ok := t.data.processed[eventID]; ok {
		return false, nil
	}
	t.data.processed[eventID] = models.ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: t.store.now(),
	}
	return true, nil
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*MemoryStore)(nil)
	_ Tx         = (*pgTx)(nil)
	_ Tx         = (*memTx)(nil)
)
