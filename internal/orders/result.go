package orders

import (
	"time"

	"stockflow/internal/inventory"
)

// ErrorCode categorises a failed or flagged order transaction.
type ErrorCode string

const (
	CodeNone                ErrorCode = ""
	CodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	CodeInsufficientStock   ErrorCode = "INSUFFICIENT_STOCK"
	CodeOrderCreationFailed ErrorCode = "ORDER_CREATION_FAILED"
	CodeUnexpectedError     ErrorCode = "UNEXPECTED_ERROR"
	CodeCancelFailed        ErrorCode = "CANCEL_FAILED"
	CodeCancelError         ErrorCode = "CANCEL_ERROR"
	CodeStockRestoreFailed  ErrorCode = "STOCK_RESTORE_FAILED"
)

// OrderTransactionResult is returned by both entry points. Success with a
// non-empty Code only happens for STOCK_RESTORE_FAILED.
type OrderTransactionResult struct {
	Success     bool
	OrderID     string
	Code        ErrorCode
	Message     string
	FailedItems []inventory.FailedItem
	Elapsed     time.Duration
}

func succeeded(orderID string) OrderTransactionResult {
	return OrderTransactionResult{Success: true, OrderID: orderID}
}

func failed(orderID string, code ErrorCode, message string) OrderTransactionResult {
	return OrderTransactionResult{OrderID: orderID, Code: code, Message: message}
}

// Observer records the outcome of each entry point call.
type Observer interface {
	Observe(operation, code string, success bool, elapsed time.Duration)
}

const (
	OperationCreate = "CreateOrderWithStockReservation"
	OperationCancel = "CancelOrderWithStockRestoration"
)
