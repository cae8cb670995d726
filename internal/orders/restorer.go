package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stockflow/internal/inventory"
	"stockflow/internal/orders/saga"
)

// journalResolveTimeout bounds the final journal write, which runs after the
// restoration deadline may already have passed.
const journalResolveTimeout = 5 * time.Second

// Reserver applies an all-or-nothing batch of stock deltas.
type Reserver interface {
	ApplyBulk(ctx context.Context, req inventory.ReservationRequest) (inventory.ReservationResult, error)
}

// RestoreRejectedError means the store refused a restoring batch.
type RestoreRejectedError struct {
	Failed []inventory.FailedItem
}

func (e *RestoreRejectedError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.ProductID, f.Reason))
	}
	return "stock restore rejected for " + strings.Join(parts, ", ")
}

// Restorer puts reserved stock back. Each restoration is journaled before it
// is attempted, retried under the policy, and resolved afterwards.
type Restorer struct {
	reserver Reserver
	journal  saga.CompensationStore
	retry    RetryPolicy
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() string
}

// NewRestorer constructs a Restorer. journal may be nil. timeout bounds a
// whole restoration including retries; zero means no bound.
func NewRestorer(reserver Reserver, journal saga.CompensationStore, retry RetryPolicy, timeout time.Duration, logger zerolog.Logger) *Restorer {
	base := retry.ShouldRetry
	if base == nil {
		base = defaultShouldRetry
	}
	retry.ShouldRetry = func(err error) bool {
		var rejected *RestoreRejectedError
		if errors.As(err, &rejected) {
			return false
		}
		return base(err)
	}

	return &Restorer{
		reserver: reserver,
		journal:  journal,
		retry:    retry,
		timeout:  timeout,
		logger:   logger.With().Str("component", "restorer").Logger(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Restore applies positive deltas for items. It runs detached from the
// caller's cancellation so a caller timeout cannot strand reserved stock.
func (r *Restorer) Restore(ctx context.Context, kind saga.CompensationKind, orderID, storeID string, items []OrderItem, reason string) error {
	ctx = context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	logger := r.logger.With().Str("order_id", orderID).Str("store_id", storeID).Str("kind", string(kind)).Logger()

	task := saga.CompensationTask{
		ID:        r.newID(),
		Kind:      kind,
		OrderID:   orderID,
		StoreID:   storeID,
		Items:     taskItems(items),
		Reason:    reason,
		Status:    saga.StatusPending,
		CreatedAt: r.now(),
	}
	journaled := false
	if r.journal != nil {
		if err := r.journal.Record(ctx, task); err != nil {
			logger.Error().Err(err).Str("task_id", task.ID).Msg("compensation journal write failed; restoring anyway")
		} else {
			journaled = true
		}
	}

	attempts := 0
	retry := r.retry
	retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("stock restore attempt failed")
	}
	err := retry.Do(ctx, func() error {
		attempts++
		res, err := r.reserver.ApplyBulk(ctx, inventory.ReservationRequest{
			StoreID: storeID,
			Deltas:  deltasFor(items, 1),
			Reason:  reason,
		})
		if err != nil {
			return err
		}
		if !res.OK() {
			return &RestoreRejectedError{Failed: res.Failed}
		}
		return nil
	})

	if journaled {
		status, detail := saga.StatusCompleted, ""
		if err != nil {
			status, detail = saga.StatusFailed, err.Error()
		}
		resolveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalResolveTimeout)
		jerr := r.journal.Resolve(resolveCtx, task.ID, status, attempts, detail)
		cancel()
		if jerr != nil {
			logger.Error().Err(jerr).Str("task_id", task.ID).Msg("compensation journal resolve failed")
		}
	}

	if err != nil {
		return fmt.Errorf("restore stock after %d attempt(s): %w", attempts, err)
	}
	logger.Info().Int("attempts", attempts).Msg("stock restored")
	return nil
}

func taskItems(items []OrderItem) []saga.CompensationItem {
	out := make([]saga.CompensationItem, 0, len(items))
	for _, item := range items {
		out = append(out, saga.CompensationItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return out
}
