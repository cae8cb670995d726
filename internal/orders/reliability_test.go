package orders

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyOrderStore struct {
	*InMemoryOrderStore
	getErrs     []error
	getCalls    int
	createErr   error
	createCalls int
}

func (s *flakyOrderStore) Get(ctx context.Context, orderID string) (Order, error) {
	s.getCalls++
	if s.getCalls <= len(s.getErrs) && s.getErrs[s.getCalls-1] != nil {
		return Order{}, s.getErrs[s.getCalls-1]
	}
	return s.InMemoryOrderStore.Get(ctx, orderID)
}

func (s *flakyOrderStore) Create(ctx context.Context, payload OrderPayload) (StoreResult, error) {
	s.createCalls++
	if s.createErr != nil {
		return StoreResult{}, s.createErr
	}
	return s.InMemoryOrderStore.Create(ctx, payload)
}

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_LargeAttemptCountKeepsDelaysBounded(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 80,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}

	err := policy.Do(context.Background(), func() error { return errStoreDown })
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected last error, got %v", err)
	}
	if len(delays) != 79 {
		t.Fatalf("expected 79 sleeps, got %d", len(delays))
	}
	for i, d := range delays {
		if d <= 0 || d > time.Second {
			t.Fatalf("delay %d out of range: %v", i+1, d)
		}
	}
	if delays[len(delays)-1] != time.Second {
		t.Fatalf("expected delays to settle at the cap, got %v", delays[len(delays)-1])
	}
}

func TestBackoff_SaturatesWithoutCap(t *testing.T) {
	for _, attempt := range []int{1, 40, 64, 200} {
		if d := backoff(time.Millisecond, 0, attempt); d <= 0 {
			t.Fatalf("attempt %d: expected positive delay, got %v", attempt, d)
		}
	}
	if d := backoff(time.Millisecond, 0, 3); d != 4*time.Millisecond {
		t.Fatalf("expected 4ms, got %v", d)
	}
}

func TestRetryPolicy_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	var delays []time.Duration
	expected := errors.New("nope")

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return false },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return expected
	})
	if err != expected {
		t.Fatalf("expected %v, got %v", expected, err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no delay, got %v", delays)
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error {
		calls++
		return errors.New("fail")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}

	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close, got %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
}

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 1)
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(waits) != 1 || waits[0] != 100*time.Millisecond {
		t.Fatalf("expected one wait of 100ms, got %v", waits)
	}
}

func TestRateLimiter_ReportsWaits(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var reported time.Duration

	limiter := NewRateLimiter(40*time.Millisecond, 1)
	limiter.OnWait = func(d time.Duration) { reported += d }
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if reported != 80*time.Millisecond {
		t.Fatalf("expected 80ms of reported waits, got %v", reported)
	}
}

func TestRetryPolicy_ReportsRetries(t *testing.T) {
	var seen []int
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep:       func(context.Context, time.Duration) error { return nil },
		OnRetry: func(attempt int, err error, delay time.Duration) {
			seen = append(seen, attempt)
		},
	}

	err := policy.Do(context.Background(), func() error { return errors.New("fail") })
	if err == nil {
		t.Fatalf("expected failure after exhausting attempts")
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected retry hooks for attempts 1 and 2, got %v", seen)
	}
}

func TestRetryPolicy_DoesNotRetryCancellation(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{
		MaxAttempts: 5,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestReliableOrderStore_GetRetries(t *testing.T) {
	base := &flakyOrderStore{InMemoryOrderStore: NewInMemoryOrderStore(), getErrs: []error{errors.New("fail")}}
	if _, err := base.InMemoryOrderStore.Create(context.Background(), OrderPayload{OrderID: "order-1", StoreID: "STORE-1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	policy := RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   1 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep:       func(context.Context, time.Duration) error { return nil },
		ShouldRetry: func(error) bool { return true },
	}

	store := NewReliableOrderStore(base, nil, nil, policy)
	order, err := store.Get(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if order.ID != "order-1" {
		t.Fatalf("unexpected order %+v", order)
	}
	if base.getCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", base.getCalls)
	}
}

func TestReliableOrderStore_GetNotFoundIsNotRetried(t *testing.T) {
	base := &flakyOrderStore{InMemoryOrderStore: NewInMemoryOrderStore()}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})
	policy := RetryPolicy{
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
		ShouldRetry: func(error) bool { return true },
	}

	store := NewReliableOrderStore(base, nil, breaker, policy)
	for i := 0; i < 2; i++ {
		if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrOrderNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if base.getCalls != 2 {
		t.Fatalf("expected one call per lookup, got %d", base.getCalls)
	}
}

func TestReliableOrderStore_CreateIsNotRetried(t *testing.T) {
	base := &flakyOrderStore{InMemoryOrderStore: NewInMemoryOrderStore(), createErr: errors.New("timeout")}
	policy := RetryPolicy{
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
		ShouldRetry: func(error) bool { return true },
	}

	store := NewReliableOrderStore(base, nil, nil, policy)
	if _, err := store.Create(context.Background(), OrderPayload{OrderID: "order-1"}); err == nil {
		t.Fatalf("expected failure")
	}
	if base.createCalls != 1 {
		t.Fatalf("expected a single create attempt, got %d", base.createCalls)
	}
}

func TestReliableOrderStore_CreateCircuitOpen(t *testing.T) {
	base := &flakyOrderStore{InMemoryOrderStore: NewInMemoryOrderStore(), createErr: errors.New("fail")}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	store := NewReliableOrderStore(base, nil, breaker, RetryPolicy{MaxAttempts: 1})
	if _, err := store.Create(context.Background(), OrderPayload{OrderID: "order-1"}); err == nil {
		t.Fatalf("expected failure")
	}
	if _, err := store.Create(context.Background(), OrderPayload{OrderID: "order-1"}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if base.createCalls != 1 {
		t.Fatalf("expected 1 call, got %d", base.createCalls)
	}
}

func TestReliableOrderStore_UpdateStatusPassesThrough(t *testing.T) {
	base := &flakyOrderStore{InMemoryOrderStore: NewInMemoryOrderStore()}
	store := NewReliableOrderStore(base, NewRateLimiter(0, 0), nil, RetryPolicy{MaxAttempts: 1})

	if _, err := store.Create(context.Background(), OrderPayload{OrderID: "order-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := store.UpdateStatus(context.Background(), "order-1", StatusConfirmed)
	if err != nil || !res.OK {
		t.Fatalf("expected accepted update, got %+v %v", res, err)
	}
	res, err = store.UpdateStatus(context.Background(), "order-1", StatusConfirmed)
	if err != nil || res.OK {
		t.Fatalf("expected declined repeat update, got %+v %v", res, err)
	}
}
