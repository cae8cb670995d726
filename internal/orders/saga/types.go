package saga

import (
	"context"
	"errors"
	"time"
)

// CompensationKind identifies which flow scheduled a stock restoration.
type CompensationKind string

const (
	KindOrderRollback CompensationKind = "order_rollback"
	KindCancelRestore CompensationKind = "cancel_restore"
)

// CompensationStatus captures the current state of a compensation task.
type CompensationStatus string

const (
	StatusPending   CompensationStatus = "pending"
	StatusCompleted CompensationStatus = "completed"
	StatusFailed    CompensationStatus = "failed"
)

// CompensationItem is one product quantity to put back into stock.
type CompensationItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// CompensationTask is the write-ahead record of a stock restoration. It is
// written before the restoration is attempted and resolved afterwards, so a
// failed task stays visible to operators.
type CompensationTask struct {
	ID        string             `json:"id"`
	Kind      CompensationKind   `json:"kind"`
	OrderID   string             `json:"order_id"`
	StoreID   string             `json:"store_id"`
	Items     []CompensationItem `json:"items"`
	Reason    string             `json:"reason"`
	Status    CompensationStatus `json:"status"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// CompensationStore persists compensation tasks.
type CompensationStore interface {
	Record(ctx context.Context, task CompensationTask) error
	Resolve(ctx context.Context, id string, status CompensationStatus, attempts int, detail string) error
	ListByStatus(ctx context.Context, status CompensationStatus) ([]CompensationTask, error)
}

// ErrTaskNotFound is returned when resolving an unknown task.
var ErrTaskNotFound = errors.New("compensation task not found")
