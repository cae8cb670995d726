package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stockflow/internal/orders/saga"
)

// CancellationCompensator cancels an order and returns its stock.
type CancellationCompensator struct {
	orders   OrderStore
	restorer *Restorer
	observer Observer
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewCancellationCompensator constructs a CancellationCompensator.
func NewCancellationCompensator(orders OrderStore, restorer *Restorer, opts Options) *CancellationCompensator {
	opts = opts.withDefaults()
	return &CancellationCompensator{
		orders:   orders,
		restorer: restorer,
		observer: opts.Observer,
		logger:   opts.Logger.With().Str("component", "cancellation").Logger(),
		tracer:   otel.Tracer("stockflow/orders"),
		now:      opts.Now,
	}
}

// CancelOrderWithStockRestoration marks the order cancelled and then restores
// its stock. Stock is only touched once the status change has succeeded, and
// a failed restore does not undo the cancellation. When items is nil the
// order's own items are used.
func (c *CancellationCompensator) CancelOrderWithStockRestoration(ctx context.Context, orderID, storeID string, items []OrderItem, reason string) (result OrderTransactionResult) {
	start := c.now()

	ctx, span := c.tracer.Start(ctx, "orders.CancelOrderWithStockRestoration", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("store.id", storeID),
	))
	defer func() {
		result.OrderID = orderID
		result.Elapsed = c.now().Sub(start)
		endSpan(span, result)
		if c.observer != nil {
			c.observer.Observe(OperationCancel, string(result.Code), result.Success, result.Elapsed)
		}
	}()

	if strings.TrimSpace(orderID) == "" {
		return failed(orderID, CodeInvalidRequest, "order id is required")
	}

	if items == nil {
		order, err := c.loadOrder(ctx, orderID)
		switch {
		case errors.Is(err, ErrOrderNotFound):
			return failed(orderID, CodeCancelFailed, "order not found")
		case err != nil:
			return failed(orderID, CodeCancelError, "load order: "+err.Error())
		}
		// Stored items were reserved against the order's own store.
		if storeID != "" && storeID != order.StoreID {
			return failed(orderID, CodeCancelFailed, fmt.Sprintf("order %s belongs to store %s", orderID, order.StoreID))
		}
		items = order.Items
		storeID = order.StoreID
	}
	if strings.TrimSpace(storeID) == "" {
		return failed(orderID, CodeInvalidRequest, "store id is required")
	}
	if err := validateItems(items); err != nil {
		return failed(orderID, CodeInvalidRequest, err.Error())
	}

	logger := c.logger.With().Str("order_id", orderID).Str("store_id", storeID).Str("reason", reason).Logger()

	res, err := storeCall(func() (StoreResult, error) {
		return c.orders.UpdateStatus(ctx, orderID, StatusCancelled)
	})
	if err != nil {
		logger.Error().Err(err).Msg("cancel status update failed")
		return failed(orderID, CodeCancelError, "cancel order: "+err.Error())
	}
	if !res.OK {
		logger.Warn().Str("detail", res.Reason).Msg("cancel declined by order store")
		return failed(orderID, CodeCancelFailed, res.Reason)
	}

	restoreReason := "cancel order " + orderID
	if reason != "" {
		restoreReason += ": " + reason
	}
	if err := c.restorer.Restore(ctx, saga.KindCancelRestore, orderID, storeID, items, restoreReason); err != nil {
		logger.Error().Err(err).Msg("order cancelled but stock restore failed")
		span.RecordError(err)
		return OrderTransactionResult{
			Success: true,
			OrderID: orderID,
			Code:    CodeStockRestoreFailed,
			Message: "order cancelled but stock was not restored; manual review required: " + err.Error(),
		}
	}

	logger.Info().Msg("order cancelled and stock restored")
	return succeeded(orderID)
}

func (c *CancellationCompensator) loadOrder(ctx context.Context, orderID string) (order Order, err error) {
	defer func() {
		if r := recover(); r != nil {
			order = Order{}
			err = fmt.Errorf("order store panic: %v", r)
		}
	}()
	return c.orders.Get(ctx, orderID)
}
