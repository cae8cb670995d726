package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stockflow/internal/inventory"
	"stockflow/internal/orders/saga"
)

const testStore = "STORE-1"

// stubOrderStore wraps an InMemoryOrderStore and lets tests force outcomes.
type stubOrderStore struct {
	*InMemoryOrderStore

	createRes   *StoreResult
	createErr   error
	createPanic any
	createCalls int
	onCreate    func(ctx context.Context)

	updateRes   *StoreResult
	updateErr   error
	updatePanic any
	updateCalls int

	getPanic any
}

func newStubOrderStore() *stubOrderStore {
	return &stubOrderStore{InMemoryOrderStore: NewInMemoryOrderStore()}
}

func (s *stubOrderStore) Create(ctx context.Context, payload OrderPayload) (StoreResult, error) {
	s.createCalls++
	if s.onCreate != nil {
		s.onCreate(ctx)
	}
	if s.createPanic != nil {
		panic(s.createPanic)
	}
	if s.createErr != nil {
		return StoreResult{}, s.createErr
	}
	if s.createRes != nil {
		return *s.createRes, nil
	}
	return s.InMemoryOrderStore.Create(ctx, payload)
}

func (s *stubOrderStore) UpdateStatus(ctx context.Context, orderID string, status OrderStatus) (StoreResult, error) {
	s.updateCalls++
	if s.updatePanic != nil {
		panic(s.updatePanic)
	}
	if s.updateErr != nil {
		return StoreResult{}, s.updateErr
	}
	if s.updateRes != nil {
		return *s.updateRes, nil
	}
	return s.InMemoryOrderStore.UpdateStatus(ctx, orderID, status)
}

func (s *stubOrderStore) Get(ctx context.Context, orderID string) (Order, error) {
	if s.getPanic != nil {
		panic(s.getPanic)
	}
	return s.InMemoryOrderStore.Get(ctx, orderID)
}

// scriptedReserver delegates to a ledger but can fail positive (restoring)
// batches and run a hook after each reservation.
type scriptedReserver struct {
	ledger *inventory.Ledger

	mu             sync.Mutex
	restoreErrs    []error
	restoreCalls   int
	reserveCalls   int
	afterReserve   func()
	reserveErr     error
	restoreCtxErrs []error
}

func (r *scriptedReserver) ApplyBulk(ctx context.Context, req inventory.ReservationRequest) (inventory.ReservationResult, error) {
	r.mu.Lock()
	restoring := len(req.Deltas) > 0 && req.Deltas[0].Delta > 0
	if restoring {
		r.restoreCalls++
		r.restoreCtxErrs = append(r.restoreCtxErrs, ctx.Err())
		if r.restoreCalls <= len(r.restoreErrs) && r.restoreErrs[r.restoreCalls-1] != nil {
			err := r.restoreErrs[r.restoreCalls-1]
			r.mu.Unlock()
			return inventory.ReservationResult{}, err
		}
	} else {
		r.reserveCalls++
		if r.reserveErr != nil {
			r.mu.Unlock()
			return inventory.ReservationResult{}, r.reserveErr
		}
	}
	hook := r.afterReserve
	r.mu.Unlock()

	res, err := r.ledger.ApplyBulk(ctx, req)
	if !restoring && hook != nil {
		hook()
	}
	return res, err
}

type spyAlerts struct {
	mu       sync.Mutex
	calls    int
	severity Severity
	message  string
	details  map[string]string
	ctxErr   error
}

func (s *spyAlerts) Emit(ctx context.Context, severity Severity, message string, details map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.severity = severity
	s.message = message
	s.details = details
	s.ctxErr = ctx.Err()
	return nil
}

type spyJournal struct {
	mu       sync.Mutex
	tasks    map[string]saga.CompensationTask
	order    []string
	recorded int
	err      error
}

func newSpyJournal() *spyJournal {
	return &spyJournal{tasks: make(map[string]saga.CompensationTask)}
}

func (j *spyJournal) Record(ctx context.Context, task saga.CompensationTask) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.recorded++
	j.tasks[task.ID] = task
	j.order = append(j.order, task.ID)
	return nil
}

func (j *spyJournal) Resolve(ctx context.Context, id string, status saga.CompensationStatus, attempts int, detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	task, ok := j.tasks[id]
	if !ok {
		return saga.ErrTaskNotFound
	}
	task.Status = status
	task.Attempts = attempts
	task.LastError = detail
	j.tasks[id] = task
	return nil
}

func (j *spyJournal) ListByStatus(ctx context.Context, status saga.CompensationStatus) ([]saga.CompensationTask, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []saga.CompensationTask
	for _, id := range j.order {
		if j.tasks[id].Status == status {
			out = append(out, j.tasks[id])
		}
	}
	return out, nil
}

type spyObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *spyObserver) Observe(operation, code string, success bool, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, operation+":"+code)
}

type fixture struct {
	stock    *inventory.InMemoryStockStore
	ledger   *inventory.Ledger
	reserver *scriptedReserver
	orders   *stubOrderStore
	journal  *spyJournal
	alerts   *spyAlerts
	observer *spyObserver
	saga     *OrderSaga
	cancel   *CancellationCompensator
}

func instantRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func newFixture(t *testing.T, records ...inventory.StockRecord) *fixture {
	t.Helper()
	stock := inventory.NewInMemoryStockStore()
	for _, rec := range records {
		stock.Put(rec)
	}
	ledger := inventory.NewLedger(stock, nil, zerolog.Nop())

	f := &fixture{
		stock:    stock,
		ledger:   ledger,
		reserver: &scriptedReserver{ledger: ledger},
		orders:   newStubOrderStore(),
		journal:  newSpyJournal(),
		alerts:   &spyAlerts{},
		observer: &spyObserver{},
	}
	restorer := NewRestorer(f.reserver, f.journal, instantRetry(3), time.Second, zerolog.Nop())
	opts := Options{Logger: zerolog.Nop(), Observer: f.observer}
	f.saga = NewOrderSaga(f.reserver, f.orders, restorer, f.alerts, opts)
	f.cancel = NewCancellationCompensator(f.orders, restorer, opts)
	return f
}

func (f *fixture) stockOf(t *testing.T, productID string) int {
	t.Helper()
	rec, err := f.stock.Get(context.Background(), testStore, productID)
	if err != nil {
		t.Fatalf("get %s: %v", productID, err)
	}
	return rec.CurrentStock
}

func activeRecord(productID string, stock int) inventory.StockRecord {
	return inventory.StockRecord{StoreID: testStore, ProductID: productID, CurrentStock: stock, IsActive: true}
}

func item(productID string, qty int) OrderItem {
	return OrderItem{
		ProductID:   productID,
		ProductName: "Product " + productID,
		Quantity:    qty,
		UnitPrice:   decimal.RequireFromString("2.50"),
		Unit:        "each",
	}
}

var errStoreDown = errors.New("store unavailable")
