package inventory

import (
	"context"
	"errors"
	"testing"

	"checkout-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStock implements StockLocker over a map and records calls.
type fakeStock struct {
	products  map[int64]*models.Product
	lockedIDs []int64
	adjusted  []Line
	adjustErr error
}

func newFakeStock(products ...models.Product) *fakeStock {
	f := &fakeStock{products: make(map[int64]*models.Product)}
	for i := range products {
		p := products[i]
		f.products[p.ID] = &p
	}
	return f
}

func (f *fakeStock) LockProducts(_ context.Context, ids []int64) ([]models.Product, error) {
	f.lockedIDs = append(f.lockedIDs, ids...)
	out := make([]models.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStock) AdjustStock(_ context.Context, productID int64, delta int) error {
	if f.adjustErr != nil {
		return f.adjustErr
	}
	f.adjusted = append(f.adjusted, Line{ProductID: productID, Quantity: delta})
	f.products[productID].Stock += delta
	return nil
}

func TestNormalize(t *testing.T) {
	lines := Normalize([]Line{
		{ProductID: 9, Quantity: 1},
		{ProductID: 2, Quantity: 2},
		{ProductID: 9, Quantity: 3},
	})

	assert.Equal(t, []Line{{ProductID: 2, Quantity: 2}, {ProductID: 9, Quantity: 4}}, lines)
}

func TestReserve_LocksInAscendingOrderAndDecrements(t *testing.T) {
	stock := newFakeStock(
		models.Product{ID: 1, Name: "a", Stock: 5, IsActive: true},
		models.Product{ID: 3, Name: "c", Stock: 5, IsActive: true},
		models.Product{ID: 2, Name: "b", Stock: 5, IsActive: true},
	)

	products, err := Reserve(context.Background(), stock, []Line{
		{ProductID: 3, Quantity: 1},
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 5},
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, stock.lockedIDs)
	assert.Equal(t, 3, stock.products[1].Stock)
	assert.Equal(t, 0, stock.products[2].Stock)
	assert.Equal(t, 4, stock.products[3].Stock)
	assert.Equal(t, "c", products[3].Name)
	assert.Equal(t, 4, products[3].Stock)
}

func TestReserve_AllOrNothing(t *testing.T) {
	stock := newFakeStock(
		models.Product{ID: 1, Stock: 5, IsActive: true},
		models.Product{ID: 2, Stock: 1, IsActive: true},
		models.Product{ID: 3, Stock: 0, IsActive: true},
	)

	_, err := Reserve(context.Background(), stock, []Line{
		{ProductID: 1, Quantity: 1},
		{ProductID: 2, Quantity: 2},
		{ProductID: 3, Quantity: 1},
	})

	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, int64(2), stockErr.ProductID, "first failing product in lock order is reported")
	assert.Equal(t, 2, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Available)
	assert.Empty(t, stock.adjusted, "no decrement happens when any line fails")
	assert.Equal(t, 5, stock.products[1].Stock)
}

func TestReserve_MergedDuplicatesCheckedTogether(t *testing.T) {
	stock := newFakeStock(models.Product{ID: 1, Stock: 3, IsActive: true})

	_, err := Reserve(context.Background(), stock, []Line{
		{ProductID: 1, Quantity: 2},
		{ProductID: 1, Quantity: 2},
	})

	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 4, stockErr.Requested)
}

func TestReserve_MissingOrInactiveProduct(t *testing.T) {
	stock := newFakeStock(models.Product{ID: 1, Stock: 3, IsActive: false})

	_, err := Reserve(context.Background(), stock, []Line{{ProductID: 1, Quantity: 1}})
	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 0, stockErr.Available)

	_, err = Reserve(context.Background(), stock, []Line{{ProductID: 42, Quantity: 1}})
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, int64(42), stockErr.ProductID)
}

func TestReserve_RejectsNonPositiveQuantity(t *testing.T) {
	stock := newFakeStock(models.Product{ID: 1, Stock: 3, IsActive: true})

	_, err := Reserve(context.Background(), stock, []Line{{ProductID: 1, Quantity: 0}})
	assert.Error(t, err)
	assert.Empty(t, stock.lockedIDs)
}

func TestReserve_PropagatesWriteError(t *testing.T) {
	stock := newFakeStock(models.Product{ID: 1, Stock: 3, IsActive: true})
	stock.adjustErr = errors.New("disk full")

	_, err := Reserve(context.Background(), stock, []Line{{ProductID: 1, Quantity: 1}})
	assert.ErrorContains(t, err, "disk full")
}

func TestRelease(t *testing.T) {
	stock := newFakeStock(
		models.Product{ID: 1, Stock: 0, IsActive: true},
		models.Product{ID: 2, Stock: 1, IsActive: true},
	)

	err := Release(context.Background(), stock, []Line{
		{ProductID: 2, Quantity: 1},
		{ProductID: 1, Quantity: 3},
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, stock.lockedIDs)
	assert.Equal(t, 3, stock.products[1].Stock)
	assert.Equal(t, 2, stock.products[2].Stock)
}
