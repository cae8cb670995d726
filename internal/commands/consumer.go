package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"stockflow/internal/inventory"
	"stockflow/internal/orders"
)

// Kind names an order command.
type Kind string

const (
	KindCreateOrder Kind = "create_order"
	KindCancelOrder Kind = "cancel_order"
)

// Command is the JSON body of an order command message.
type Command struct {
	Type       Kind               `json:"type"`
	OrderID    string             `json:"order_id"`
	StoreID    string             `json:"store_id"`
	CustomerID string             `json:"customer_id,omitempty"`
	Items      []orders.OrderItem `json:"items,omitempty"`
	Notes      string             `json:"notes,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// Reply is published for every handled command.
type Reply struct {
	Type        Kind                   `json:"type"`
	OrderID     string                 `json:"order_id"`
	Success     bool                   `json:"success"`
	Code        string                 `json:"error_code,omitempty"`
	Message     string                 `json:"message,omitempty"`
	FailedItems []inventory.FailedItem `json:"failed_items,omitempty"`
	ElapsedMs   int64                  `json:"elapsed_ms"`
}

// MessageReader is the subset of *kafka.Reader used by the consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// MessageWriter is the subset of *kafka.Writer used for replies.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// OrderCreator is satisfied by *orders.OrderSaga.
type OrderCreator interface {
	CreateOrderWithStockReservation(ctx context.Context, storeID string, items []orders.OrderItem, payload orders.OrderPayload) orders.OrderTransactionResult
}

// OrderCanceller is satisfied by *orders.CancellationCompensator.
type OrderCanceller interface {
	CancelOrderWithStockRestoration(ctx context.Context, orderID, storeID string, items []orders.OrderItem, reason string) orders.OrderTransactionResult
}

// ErrUnknownCommand is returned for a command type the consumer does not handle.
var ErrUnknownCommand = errors.New("unknown command type")

// Consumer reads order commands, runs them under a per-command timeout,
// publishes the result and commits the offset.
type Consumer struct {
	reader     MessageReader
	writer     MessageWriter
	creator    OrderCreator
	canceller  OrderCanceller
	timeout    time.Duration
	retryDelay time.Duration
	logger     zerolog.Logger
}

// NewConsumer constructs a Consumer. writer may be nil to skip replies.
func NewConsumer(reader MessageReader, writer MessageWriter, creator OrderCreator, canceller OrderCanceller, timeout time.Duration, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader:     reader,
		writer:     writer,
		creator:    creator,
		canceller:  canceller,
		timeout:    timeout,
		retryDelay: time.Second,
		logger:     logger.With().Str("component", "order_commands").Logger(),
	}
}

// Run consumes until ctx ends. Fetch errors are logged and retried.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("order command consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("order command consumer stopped")
				return nil
			}
			c.logger.Error().Err(err).Msg("fetch order command failed")
			if err := sleep(ctx, c.retryDelay); err != nil {
				return nil
			}
			continue
		}

		c.process(ctx, msg)

		// Commit even when the reply could not be published: re-running a
		// command would reserve its stock a second time.
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("commit order command failed")
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	logger := c.logger.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()

	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		logger.Error().Err(err).Bytes("raw_value", msg.Value).Msg("malformed order command")
		return
	}

	carrier := propagation.MapCarrier{}
	for _, header := range msg.Headers {
		carrier[header.Key] = string(header.Value)
	}
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)

	reply, err := c.Handle(msgCtx, cmd)
	if err != nil {
		logger.Error().Err(err).Str("type", string(cmd.Type)).Msg("order command rejected")
		return
	}
	logger.Info().
		Str("type", string(reply.Type)).
		Str("order_id", reply.OrderID).
		Bool("success", reply.Success).
		Str("code", reply.Code).
		Msg("order command handled")

	if c.writer == nil {
		return
	}
	if err := c.publish(msgCtx, reply); err != nil {
		logger.Error().Err(err).Str("order_id", reply.OrderID).Msg("publish order reply failed")
	}
}

// Handle runs one command under the consumer's timeout.
func (c *Consumer) Handle(ctx context.Context, cmd Command) (Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var res orders.OrderTransactionResult
	switch cmd.Type {
	case KindCreateOrder:
		res = c.creator.CreateOrderWithStockReservation(ctx, cmd.StoreID, cmd.Items, orders.OrderPayload{
			OrderID:    cmd.OrderID,
			CustomerID: cmd.CustomerID,
			Notes:      cmd.Notes,
		})
	case KindCancelOrder:
		res = c.canceller.CancelOrderWithStockRestoration(ctx, cmd.OrderID, cmd.StoreID, cmd.Items, cmd.Reason)
	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}

	return Reply{
		Type:        cmd.Type,
		OrderID:     res.OrderID,
		Success:     res.Success,
		Code:        string(res.Code),
		Message:     res.Message,
		FailedItems: res.FailedItems,
		ElapsedMs:   res.Elapsed.Milliseconds(),
	}, nil
}

func (c *Consumer) publish(ctx context.Context, reply Reply) error {
	payload, err := json.Marshal(reply)
	if err != nil {
		return err
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make([]kafka.Header, 0, len(carrier))
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return c.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(reply.OrderID),
		Value:   payload,
		Headers: headers,
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
