package inventory

import (
	"context"
	"sync"
	"time"
)

// InMemoryStockStore keeps stock records in a map. All conditions and writes
// happen under one lock, which gives the same per-key serialisability a real
// store provides.
type InMemoryStockStore struct {
	mu      sync.Mutex
	records map[string]*StockRecord
	now     func() time.Time
}

// NewInMemoryStockStore constructs an empty store.
func NewInMemoryStockStore() *InMemoryStockStore {
	return &InMemoryStockStore{
		records: make(map[string]*StockRecord),
		now:     time.Now,
	}
}

// Put creates or replaces a stock record.
func (s *InMemoryStockStore) Put(rec StockRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	s.records[recordKey(rec.StoreID, rec.ProductID)] = &rec
}

// Get returns a copy of the record.
func (s *InMemoryStockStore) Get(ctx context.Context, storeID, productID string) (StockRecord, error) {
	if err := ctx.Err(); err != nil {
		return StockRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(storeID, productID)]
	if !ok {
		return StockRecord{}, ErrStockNotFound
	}
	return *rec, nil
}

// ConditionalApply applies a single delta if its condition holds.
func (s *InMemoryStockStore) ConditionalApply(ctx context.Context, storeID string, delta StockDelta, _ string) (ReservationResult, error) {
	return s.TransactionalApply(ctx, storeID, []StockDelta{delta}, "")
}

// TransactionalApply checks every delta, then applies all of them or none.
func (s *InMemoryStockStore) TransactionalApply(ctx context.Context, storeID string, deltas []StockDelta, _ string) (ReservationResult, error) {
	if err := ctx.Err(); err != nil {
		return ReservationResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result ReservationResult
	for _, d := range deltas {
		rec := s.records[recordKey(storeID, d.ProductID)]
		if failed, ok := Evaluate(rec, d); !ok {
			result.Failed = append(result.Failed, failed)
		}
	}
	if !result.OK() {
		return result, nil
	}

	now := s.now()
	for _, d := range deltas {
		rec := s.records[recordKey(storeID, d.ProductID)]
		rec.CurrentStock += d.Delta
		rec.UpdatedAt = now
		result.Applied = append(result.Applied, AppliedItem{
			ProductID: d.ProductID,
			Delta:     d.Delta,
			NewStock:  rec.CurrentStock,
		})
	}
	return result, nil
}

func recordKey(storeID, productID string) string {
	return storeID + "/" + productID
}
