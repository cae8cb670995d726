package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Ledger is the only write path for stock. Every mutation is delegated to the
// store's conditional or transactional primitive; the ledger never reads stock
// to decide an outcome.
type Ledger struct {
	store    StockStore
	notifier ChangeNotifier
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewLedger constructs a Ledger. notifier may be nil.
func NewLedger(store StockStore, notifier ChangeNotifier, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "stock_ledger").Logger(),
		tracer:   otel.Tracer("stockflow/inventory"),
		now:      time.Now,
	}
}

// Get reads a stock record. The value is for display only.
func (l *Ledger) Get(ctx context.Context, storeID, productID string) (StockRecord, error) {
	return l.store.Get(ctx, storeID, productID)
}

// Apply conditionally applies a single delta.
func (l *Ledger) Apply(ctx context.Context, storeID, productID string, delta int, reason string) (ReservationResult, error) {
	if strings.TrimSpace(storeID) == "" || strings.TrimSpace(productID) == "" {
		return ReservationResult{}, fmt.Errorf("%w: store and product ids are required", ErrInvalidRequest)
	}
	if delta == 0 {
		return ReservationResult{}, fmt.Errorf("%w: delta must be non-zero", ErrInvalidRequest)
	}

	ctx, span := l.tracer.Start(ctx, "inventory.Apply", trace.WithAttributes(
		attribute.String("store.id", storeID),
		attribute.String("product.id", productID),
		attribute.Int("stock.delta", delta),
	))
	defer span.End()

	res, err := l.store.ConditionalApply(ctx, storeID, StockDelta{ProductID: productID, Delta: delta}, reason)
	return l.finish(ctx, span, storeID, reason, res, err)
}

// ApplyBulk applies every delta of the request in one all-or-nothing batch.
// Lines for the same product are merged before the store sees them.
func (l *Ledger) ApplyBulk(ctx context.Context, req ReservationRequest) (ReservationResult, error) {
	deltas, err := normalize(req)
	if err != nil {
		return ReservationResult{}, err
	}
	if len(deltas) == 0 {
		return ReservationResult{}, nil
	}

	ctx, span := l.tracer.Start(ctx, "inventory.ApplyBulk", trace.WithAttributes(
		attribute.String("store.id", req.StoreID),
		attribute.Int("stock.items", len(deltas)),
		attribute.String("stock.reason", req.Reason),
	))
	defer span.End()

	res, err := l.store.TransactionalApply(ctx, req.StoreID, deltas, req.Reason)
	return l.finish(ctx, span, req.StoreID, req.Reason, res, err)
}

func (l *Ledger) finish(ctx context.Context, span trace.Span, storeID, reason string, res ReservationResult, err error) (ReservationResult, error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stock store failure")
		l.logger.Error().Err(err).Str("store_id", storeID).Str("reason", reason).Msg("stock apply failed")
		return ReservationResult{}, err
	}

	if !res.OK() {
		span.SetAttributes(attribute.Int("stock.failed_items", len(res.Failed)))
		for _, f := range res.Failed {
			l.logger.Info().
				Str("store_id", storeID).
				Str("product_id", f.ProductID).
				Str("failure", string(f.Reason)).
				Int("requested", f.Requested).
				Int("available", f.Available).
				Int("shortage", f.Shortage).
				Str("reason", reason).
				Msg("stock condition not met")
		}
		return res, nil
	}

	at := l.now()
	for _, item := range res.Applied {
		l.logger.Debug().
			Str("store_id", storeID).
			Str("product_id", item.ProductID).
			Int("delta", item.Delta).
			Int("stock", item.NewStock).
			Str("reason", reason).
			Msg("stock applied")

		if l.notifier == nil {
			continue
		}
		change := StockChange{
			StoreID:   storeID,
			ProductID: item.ProductID,
			Delta:     item.Delta,
			NewStock:  item.NewStock,
			Reason:    reason,
			At:        at,
		}
		if err := l.notifier.Notify(ctx, change); err != nil {
			l.logger.Warn().Err(err).Str("product_id", item.ProductID).Msg("stock change notification failed")
		}
	}
	return res, nil
}

func normalize(req ReservationRequest) ([]StockDelta, error) {
	if strings.TrimSpace(req.StoreID) == "" {
		return nil, fmt.Errorf("%w: store id is required", ErrInvalidRequest)
	}
	if len(req.Deltas) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidRequest)
	}

	merged := make(map[string]int, len(req.Deltas))
	for _, d := range req.Deltas {
		if strings.TrimSpace(d.ProductID) == "" {
			return nil, fmt.Errorf("%w: product id is required", ErrInvalidRequest)
		}
		merged[d.ProductID] += d.Delta
	}

	out := make([]StockDelta, 0, len(merged))
	for productID, delta := range merged {
		if delta == 0 {
			continue
		}
		out = append(out, StockDelta{ProductID: productID, Delta: delta})
	}
	// Stable order keeps row locks acquired in the same sequence across batches.
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}
