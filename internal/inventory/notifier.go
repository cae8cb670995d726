package inventory

import (
	"context"
	"encoding/json"
	"time"
)

// StockChange describes a committed stock mutation.
type StockChange struct {
	StoreID   string
	ProductID string
	Delta     int
	NewStock  int
	Reason    string
	At        time.Time
}

// ChangeNotifier receives committed stock changes for display purposes.
type ChangeNotifier interface {
	Notify(ctx context.Context, change StockChange) error
}

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// BroadcastNotifier serialises stock changes and hands them to a Broadcaster.
type BroadcastNotifier struct {
	broadcaster Broadcaster
}

// NewBroadcastNotifier constructs a notifier that broadcasts every change.
func NewBroadcastNotifier(broadcaster Broadcaster) *BroadcastNotifier {
	return &BroadcastNotifier{broadcaster: broadcaster}
}

// Notify broadcasts the change as a JSON "stock" message.
func (n *BroadcastNotifier) Notify(ctx context.Context, change StockChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := struct {
		Type      string    `json:"type"`
		StoreID   string    `json:"store_id"`
		ProductID string    `json:"product_id"`
		Delta     int       `json:"delta"`
		Stock     int       `json:"stock"`
		Reason    string    `json:"reason"`
		Timestamp time.Time `json:"timestamp"`
	}{
		Type:      "stock",
		StoreID:   change.StoreID,
		ProductID: change.ProductID,
		Delta:     change.Delta,
		Stock:     change.NewStock,
		Reason:    change.Reason,
		Timestamp: change.At,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if n.broadcaster != nil {
		n.broadcaster.Broadcast(data)
	}
	return nil
}
