package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockflow/internal/inventory"
	"stockflow/internal/orders/saga"
)

// Options carries the optional collaborators shared by OrderSaga and
// CancellationCompensator.
type Options struct {
	Logger   zerolog.Logger
	Observer Observer
	Now      func() time.Time
	NewID    func() string
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// OrderSaga reserves stock and persists the order, rolling the reservation
// back when persistence does not succeed.
type OrderSaga struct {
	reserver Reserver
	orders   OrderStore
	restorer *Restorer
	alerts   AlertSink
	observer Observer
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

// NewOrderSaga constructs an OrderSaga.
func NewOrderSaga(reserver Reserver, orders OrderStore, restorer *Restorer, alerts AlertSink, opts Options) *OrderSaga {
	opts = opts.withDefaults()
	return &OrderSaga{
		reserver: reserver,
		orders:   orders,
		restorer: restorer,
		alerts:   alerts,
		observer: opts.Observer,
		logger:   opts.Logger.With().Str("component", "order_saga").Logger(),
		tracer:   otel.Tracer("stockflow/orders"),
		now:      opts.Now,
		newID:    opts.NewID,
	}
}

// CreateOrderWithStockReservation reserves stock for items and then creates
// the order. An order exists afterwards if and only if the result succeeded.
func (s *OrderSaga) CreateOrderWithStockReservation(ctx context.Context, storeID string, items []OrderItem, payload OrderPayload) (result OrderTransactionResult) {
	start := s.now()
	orderID := payload.OrderID
	if orderID == "" {
		orderID = s.newID()
	}

	ctx, span := s.tracer.Start(ctx, "orders.CreateOrderWithStockReservation", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("store.id", storeID),
		attribute.Int("order.items", len(items)),
	))
	defer func() {
		result.OrderID = orderID
		result.Elapsed = s.now().Sub(start)
		endSpan(span, result)
		if s.observer != nil {
			s.observer.Observe(OperationCreate, string(result.Code), result.Success, result.Elapsed)
		}
	}()

	logger := s.logger.With().Str("order_id", orderID).Str("store_id", storeID).Logger()

	if strings.TrimSpace(storeID) == "" {
		return failed(orderID, CodeInvalidRequest, "store id is required")
	}
	if err := validateItems(items); err != nil {
		return failed(orderID, CodeInvalidRequest, err.Error())
	}

	span.AddEvent("reserve")
	reservation, err := s.reserver.ApplyBulk(ctx, inventory.ReservationRequest{
		StoreID: storeID,
		Deltas:  deltasFor(items, -1),
		Reason:  orderID,
	})
	if err != nil {
		// Nothing was committed, so there is nothing to compensate.
		logger.Error().Err(err).Msg("stock reservation failed")
		return failed(orderID, CodeUnexpectedError, "stock reservation failed: "+err.Error())
	}
	if !reservation.OK() {
		res := failed(orderID, CodeInsufficientStock, shortageMessage(reservation.Failed))
		res.FailedItems = reservation.Failed
		return res
	}

	payload.OrderID = orderID
	payload.StoreID = storeID
	payload.Items = items

	code, message := s.persist(ctx, payload)
	if code == CodeNone {
		logger.Info().Str("total", payload.Total().String()).Msg("order created")
		return succeeded(orderID)
	}

	logger.Warn().Str("code", string(code)).Str("detail", message).Msg("order persistence failed; rolling back reservation")
	s.compensate(ctx, logger, orderID, storeID, items, code, message)
	return failed(orderID, code, message)
}

// persist creates the order and classifies the outcome. A context that ended
// after the reservation counts as an unexpected persistence failure.
func (s *OrderSaga) persist(ctx context.Context, payload OrderPayload) (ErrorCode, string) {
	if err := ctx.Err(); err != nil {
		return CodeUnexpectedError, "deadline reached after stock reservation: " + err.Error()
	}

	trace.SpanFromContext(ctx).AddEvent("persist")
	res, err := storeCall(func() (StoreResult, error) {
		return s.orders.Create(ctx, payload)
	})
	switch {
	case err != nil:
		return CodeUnexpectedError, "order persistence failed: " + err.Error()
	case !res.OK:
		reason := res.Reason
		if reason == "" {
			reason = "order store declined the order"
		}
		return CodeOrderCreationFailed, reason
	default:
		return CodeNone, ""
	}
}

// compensate is the single rollback call site for every persistence failure.
func (s *OrderSaga) compensate(ctx context.Context, logger zerolog.Logger, orderID, storeID string, items []OrderItem, cause ErrorCode, detail string) {
	trace.SpanFromContext(ctx).AddEvent("compensate")

	err := s.restorer.Restore(ctx, saga.KindOrderRollback, orderID, storeID, items, "rollback for failed order "+orderID)
	if err == nil {
		logger.Info().Msg("reservation rolled back")
		return
	}

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("compensation.failed", true))

	message := fmt.Sprintf("CRITICAL: stock rollback failed for order %s; %s is short with no order to explain it", orderID, storeID)
	logger.WithLevel(zerolog.FatalLevel).Err(err).Str("cause", string(cause)).Msg(message)

	if s.alerts == nil {
		return
	}
	details := map[string]string{
		"order_id": orderID,
		"store_id": storeID,
		"cause":    string(cause),
		"detail":   detail,
		"error":    err.Error(),
		"items":    itemSummary(items),
	}
	if alertErr := s.alerts.Emit(context.WithoutCancel(ctx), SeverityCritical, message, details); alertErr != nil {
		logger.Error().Err(alertErr).Msg("alert delivery failed")
	}
}

func endSpan(span trace.Span, result OrderTransactionResult) {
	span.SetAttributes(
		attribute.Bool("order.success", result.Success),
		attribute.String("order.code", string(result.Code)),
	)
	if !result.Success {
		span.SetStatus(codes.Error, string(result.Code))
	}
	span.End()
}

func shortageMessage(items []inventory.FailedItem) string {
	parts := make([]string, 0, len(items))
	for _, f := range items {
		switch f.Reason {
		case inventory.ReasonInsufficientStock:
			parts = append(parts, fmt.Sprintf("%s: insufficient stock, only %d available", f.ProductID, f.Available))
		case inventory.ReasonInactive:
			parts = append(parts, fmt.Sprintf("%s: product inactive", f.ProductID))
		default:
			parts = append(parts, fmt.Sprintf("%s: product not stocked", f.ProductID))
		}
	}
	return strings.Join(parts, "; ")
}

func itemSummary(items []OrderItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%s x%d", item.ProductID, item.Quantity))
	}
	return strings.Join(parts, ", ")
}
