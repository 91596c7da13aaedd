package inventory

import "fmt"

// InsufficientStockError names the product that could not be satisfied.
// Missing and inactive products report Available == 0.
type InsufficientStockError struct {
	ProductID int64 `json:"product_id"`
	Requested int   `json:"requested"`
	Available int   `json:"available"`
}

// Error implements the error interface.
func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested=%d, available=%d",
		e.ProductID, e.Requested, e.Available)
}
