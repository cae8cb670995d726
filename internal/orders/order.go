package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stockflow/internal/inventory"
)

// ErrOrderNotFound is returned when an order id is unknown to the store.
var ErrOrderNotFound = errors.New("order not found")

// OrderStatus is the lifecycle status of a persisted order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusConfirmed OrderStatus = "confirmed"
	StatusCancelled OrderStatus = "cancelled"
)

// OrderItem is one line of an order. Items are not modified once submitted.
type OrderItem struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Unit        string          `json:"unit"`
}

// OrderPayload is what the saga asks the OrderStore to persist.
type OrderPayload struct {
	OrderID    string
	StoreID    string
	CustomerID string
	Items      []OrderItem
	Notes      string
}

// Total sums quantity times unit price over all items.
func (p OrderPayload) Total() decimal.Decimal {
	return totalOf(p.Items)
}

// Order is a persisted order.
type Order struct {
	ID         string
	StoreID    string
	CustomerID string
	Status     OrderStatus
	Items      []OrderItem
	Total      decimal.Decimal
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StoreResult is a structured outcome from the OrderStore. OK false means the
// store declined the write; Reason says why. Faults are returned as errors.
type StoreResult struct {
	OK     bool
	Reason string
}

// Accepted is the successful StoreResult.
func Accepted() StoreResult {
	return StoreResult{OK: true}
}

// Rejected builds a declined StoreResult.
func Rejected(format string, args ...any) StoreResult {
	return StoreResult{Reason: fmt.Sprintf(format, args...)}
}

// OrderStore persists orders and their status transitions.
type OrderStore interface {
	Create(ctx context.Context, payload OrderPayload) (StoreResult, error)
	UpdateStatus(ctx context.Context, orderID string, status OrderStatus) (StoreResult, error)
	Get(ctx context.Context, orderID string) (Order, error)
}

func totalOf(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

func validateItems(items []OrderItem) error {
	if len(items) == 0 {
		return errors.New("order has no items")
	}
	for i, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("item %d has no product id", i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("item %s has non-positive quantity %d", item.ProductID, item.Quantity)
		}
	}
	return nil
}

// deltasFor turns item quantities into signed stock deltas.
func deltasFor(items []OrderItem, sign int) []inventory.StockDelta {
	deltas := make([]inventory.StockDelta, 0, len(items))
	for _, item := range items {
		deltas = append(deltas, inventory.StockDelta{ProductID: item.ProductID, Delta: sign * item.Quantity})
	}
	return deltas
}

// storeCall runs an OrderStore call and converts a panic into an error.
func storeCall(fn func() (StoreResult, error)) (res StoreResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = StoreResult{}
			err = fmt.Errorf("order store panic: %v", r)
		}
	}()
	return fn()
}
