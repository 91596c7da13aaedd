package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Common errors returned by the stores
var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicate           = errors.New("duplicate key")
	ErrLockTimeout         = errors.New("timed out waiting for a lock, retry the request")
	ErrCouponUsageExceeded = errors.New("coupon usage limit exceeded")
	ErrConstraint          = errors.New("constraint violation")
)

// Repository is the persistence contract of the checkout engine. Reads
// outside WithTx see committed state only.
type Repository interface {
	// WithTx runs fn in one transaction. fn's error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	FindCart(ctx context.Context, owner models.CartOwner) (*models.Cart, error)
	GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error)
	GetCoupon(ctx context.Context, id int64) (*models.Coupon, error)
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error)

	FetchUnpublishedEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, id int64) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of operations available inside a transaction. Row locks
// taken here are held until the transaction ends.
type Tx interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	// LockProducts locks the products in the order of ids and returns the
	// ones that exist.
	LockProducts(ctx context.Context, ids []int64) ([]models.Product, error)
	AdjustStock(ctx context.Context, productID int64, delta int) error

	// LockCart locks the owner's cart, creating it first when create is set.
	LockCart(ctx context.Context, owner models.CartOwner, create bool) (*models.Cart, error)
	LockCartByID(ctx context.Context, id int64) (*models.Cart, error)
	GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error)
	SaveCartItem(ctx context.Context, item *models.CartItem) error
	DeleteCartItem(ctx context.Context, cartID, lineID int64) error
	SetCartCoupon(ctx context.Context, cartID int64, couponID *int64) error
	ClearCart(ctx context.Context, cartID int64) error

	GetCoupon(ctx context.Context, id int64) (*models.Coupon, error)
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	LockCoupon(ctx context.Context, id int64) (*models.Coupon, error)
	// IncrementCouponUsage adds one use, failing with ErrCouponUsageExceeded
	// when the limit is already reached.
	IncrementCouponUsage(ctx context.Context, id int64) error

	// CreateOrder inserts the header and items and fills in generated ids.
	CreateOrder(ctx context.Context, order *models.Order) error
	LockOrder(ctx context.Context, id int64) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error
	UpdatePaymentStatus(ctx context.Context, id int64, status models.PaymentStatus, reference *string) error

	AddOutboxEvent(ctx context.Context, event *models.OutboxEvent) error
	// MarkEventProcessed records an inbound event id; false means it was
	// already recorded.
	MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}

// Store is the Postgres implementation of Repository.
type Store struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// Option configures a Store
type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits on a row lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// NewStore creates a new database store
func NewStore(databaseURL string, opts ...Option) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewStoreFromDB(db, opts...), nil
}

// NewStoreFromDB wraps an existing connection pool.
func NewStoreFromDB(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, lockTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction with a bounded lock wait.
func (s *Store) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(ctx, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "SELECT set_config('lock_timeout', $1, true)",
		fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
		return mapError(ctx, fmt.Errorf("failed to set lock timeout: %w", err))
	}

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return mapError(ctx, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// pgTx implements Tx on top of a sqlx transaction.
type pgTx struct {
	tx *sqlx.Tx
}

// Postgres error codes the store translates.
const (
	pqUniqueViolation = "23505"
	pqCheckViolation  = "23514"
	pqLockNotAvail    = "55P03"
	pqDeadlock        = "40P01"
	pqQueryCanceled   = "57014"
)

// mapError translates driver errors into the store's sentinel errors while
// keeping the original in the chain.
func mapError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		case pqCheckViolation:
			return fmt.Errorf("%w: %v", ErrConstraint, err)
		case pqLockNotAvail, pqDeadlock:
			return fmt.Errorf("%w: %v", ErrLockTimeout, err)
		case pqQueryCanceled:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %v", ErrLockTimeout, err)
			}
		}
	}
	return err
}

func expectOneRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", ErrNotFound, entity, id)
	}
	return nil
}
