package orders

import (
	"context"
	"sync"
	"time"
)

// NewInMemoryOrderStore constructs an in-memory order store.
func NewInMemoryOrderStore() *InMemoryOrderStore {
	return &InMemoryOrderStore{
		orders: make(map[string]Order),
		now:    time.Now,
	}
}

// InMemoryOrderStore keeps orders in a map. It is used in tests and when no
// database is configured.
type InMemoryOrderStore struct {
	mu     sync.Mutex
	orders map[string]Order
	now    func() time.Time
}

func (s *InMemoryOrderStore) Create(ctx context.Context, payload OrderPayload) (StoreResult, error) {
	if err := ctx.Err(); err != nil {
		return StoreResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[payload.OrderID]; exists {
		return Rejected("order %s already exists", payload.OrderID), nil
	}
	now := s.now()
	s.orders[payload.OrderID] = Order{
		ID:         payload.OrderID,
		StoreID:    payload.StoreID,
		CustomerID: payload.CustomerID,
		Status:     StatusPending,
		Items:      append([]OrderItem(nil), payload.Items...),
		Total:      payload.Total(),
		Notes:      payload.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return Accepted(), nil
}

func (s *InMemoryOrderStore) UpdateStatus(ctx context.Context, orderID string, status OrderStatus) (StoreResult, error) {
	if err := ctx.Err(); err != nil {
		return StoreResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return Rejected("order %s not found", orderID), nil
	}
	if order.Status == status {
		return Rejected("order %s is already %s", orderID, status), nil
	}
	order.Status = status
	order.UpdatedAt = s.now()
	s.orders[orderID] = order
	return Accepted(), nil
}

func (s *InMemoryOrderStore) Get(ctx context.Context, orderID string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	order.Items = append([]OrderItem(nil), order.Items...)
	return order, nil
}

// Len reports how many orders are stored.
func (s *InMemoryOrderStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}
