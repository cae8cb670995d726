package inventory

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStockNotFound is returned when no record exists for a store/product pair.
	ErrStockNotFound = errors.New("stock record not found")
	// ErrInvalidRequest marks a malformed reservation request.
	ErrInvalidRequest = errors.New("invalid reservation request")
)

// StockRecord is the stock held by one store for one product.
type StockRecord struct {
	StoreID       string
	ProductID     string
	CurrentStock  int
	MinStockLevel int
	MaxStockLevel int
	IsActive      bool
	UpdatedAt     time.Time
}

// StockDelta is a signed change to a product's stock. Negative deltas reserve,
// positive deltas restore.
type StockDelta struct {
	ProductID string
	Delta     int
}

// ReservationRequest groups the deltas applied to one store in a single batch.
type ReservationRequest struct {
	StoreID string
	Deltas  []StockDelta
	Reason  string
}

// FailureReason explains why an item's condition was not met.
type FailureReason string

const (
	ReasonInsufficientStock FailureReason = "insufficient_stock"
	ReasonInactive          FailureReason = "inactive"
	ReasonNotFound          FailureReason = "not_found"
)

// AppliedItem reports the stock left after a committed delta.
type AppliedItem struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
	NewStock  int    `json:"new_stock"`
}

// FailedItem reports an item whose condition was not met.
type FailedItem struct {
	ProductID string        `json:"product_id"`
	Requested int           `json:"requested"`
	Available int           `json:"available"`
	Shortage  int           `json:"shortage"`
	Reason    FailureReason `json:"reason"`
}

// ReservationResult is the outcome of a conditional or transactional apply.
// A result with failed items never carries applied items.
type ReservationResult struct {
	Applied []AppliedItem
	Failed  []FailedItem
}

// OK reports whether every item was applied.
func (r ReservationResult) OK() bool {
	return len(r.Failed) == 0
}

// StockStore is the backing store for stock records. Conditions are evaluated
// by the store together with the write. A returned error is an I/O fault; an
// unmet condition is reported through ReservationResult.Failed.
type StockStore interface {
	Get(ctx context.Context, storeID, productID string) (StockRecord, error)
	ConditionalApply(ctx context.Context, storeID string, delta StockDelta, reason string) (ReservationResult, error)
	TransactionalApply(ctx context.Context, storeID string, deltas []StockDelta, reason string) (ReservationResult, error)
}

// Evaluate checks a single delta against a record snapshot. ok is false when
// the delta must not be applied; the returned FailedItem then describes why.
// Stores that hold the record under their own serialisation use it to decide.
func Evaluate(rec *StockRecord, d StockDelta) (FailedItem, bool) {
	requested := d.Delta
	if requested < 0 {
		requested = -requested
	}
	if rec == nil {
		return FailedItem{
			ProductID: d.ProductID,
			Requested: requested,
			Shortage:  shortageFor(d.Delta, 0),
			Reason:    ReasonNotFound,
		}, false
	}
	if d.Delta < 0 && !rec.IsActive {
		return FailedItem{
			ProductID: d.ProductID,
			Requested: requested,
			Available: rec.CurrentStock,
			Shortage:  requested,
			Reason:    ReasonInactive,
		}, false
	}
	if rec.CurrentStock+d.Delta < 0 {
		return FailedItem{
			ProductID: d.ProductID,
			Requested: requested,
			Available: rec.CurrentStock,
			Shortage:  shortageFor(d.Delta, rec.CurrentStock),
			Reason:    ReasonInsufficientStock,
		}, false
	}
	return FailedItem{}, true
}

func shortageFor(delta, available int) int {
	if delta >= 0 {
		return 0
	}
	if short := -delta - available; short > 0 {
		return short
	}
	return 0
}
