// Package inventory reserves and restores product stock. It never opens a
// transaction itself: callers pass the transaction the decrement belongs to,
// so a later failure rolls the decrement back with everything else.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"
)

// Line is a requested (product, quantity) pair.
type Line struct {
	ProductID int64
	Quantity  int
}

// StockLocker is the slice of a store transaction that reservation needs.
type StockLocker interface {
	// LockProducts row-locks the given products in the order given and
	// returns them as read under the lock.
	LockProducts(ctx context.Context, ids []int64) ([]models.Product, error)
	// AdjustStock adds delta to a product's stock.
	AdjustStock(ctx context.Context, productID int64, delta int) error
}

// Normalize merges duplicate products and sorts lines by ascending product
// id, which is the lock order every reservation uses.
func Normalize(lines []Line) []Line {
	merged := make(map[int64]int, len(lines))
	for _, l := range lines {
		merged[l.ProductID] += l.Quantity
	}

	out := make([]Line, 0, len(merged))
	for id, qty := range merged {
		out = append(out, Line{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

// Reserve decrements stock for every line or for none of them.
//
// All rows are locked in ascending id order and checked against the locked
// values before the first decrement is written. The first failing product is
// reported as *InsufficientStockError. The locked products are returned keyed
// by id so callers can snapshot names and prices read under the same lock.
func Reserve(ctx context.Context, tx StockLocker, lines []Line) (map[int64]models.Product, error) {
	ctx, span := util.StartSpan(ctx, "inventory.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	lines = Normalize(lines)
	ids := make([]int64, len(lines))
	for i, l := range lines {
		if l.Quantity < 1 {
			return nil, fmt.Errorf("invalid quantity %d for product %d", l.Quantity, l.ProductID)
		}
		ids[i] = l.ProductID
	}

	locked, err := tx.LockProducts(ctx, ids)
	if err != nil {
		util.InventoryReservationsFailed.WithLabelValues("lock").Inc()
		return nil, err
	}

	products := make(map[int64]models.Product, len(locked))
	for _, p := range locked {
		products[p.ID] = p
	}

	for _, l := range lines {
		p, ok := products[l.ProductID]
		if !ok || !p.IsActive {
			util.InventoryReservationsFailed.WithLabelValues("unavailable").Inc()
			return nil, &InsufficientStockError{ProductID: l.ProductID, Requested: l.Quantity}
		}
		if p.Stock < l.Quantity {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return nil, &InsufficientStockError{ProductID: l.ProductID, Requested: l.Quantity, Available: p.Stock}
		}
	}

	for _, l := range lines {
		if err := tx.AdjustStock(ctx, l.ProductID, -l.Quantity); err != nil {
			return nil, fmt.Errorf("failed to decrement stock for product %d: %w", l.ProductID, err)
		}
		p := products[l.ProductID]
		p.Stock -= l.Quantity
		products[l.ProductID] = p
	}

	return products, nil
}

// Release gives stock back for every line. It is the compensating path for
// cancelled orders and takes the same ordered locks as Reserve.
func Release(ctx context.Context, tx StockLocker, lines []Line) error {
	ctx, span := util.StartSpan(ctx, "inventory.Release")
	defer span.End()

	lines = Normalize(lines)
	ids := make([]int64, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}

	if _, err := tx.LockProducts(ctx, ids); err != nil {
		return err
	}

	for _, l := range lines {
		if err := tx.AdjustStock(ctx, l.ProductID, l.Quantity); err != nil {
			return fmt.Errorf("failed to restore stock for product %d: %w", l.ProductID, err)
		}
	}
	return nil
}
