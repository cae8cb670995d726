package ordersdb

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"stockflow/internal/orders"
)

// PostgresOrderStore persists orders and their items in Postgres.
type PostgresOrderStore struct {
	db *sql.DB
}

// NewPostgresOrderStore constructs an OrderStore backed by Postgres.
func NewPostgresOrderStore(db *sql.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

// NewPostgresOrderStoreWithSchema initializes the schema then returns the store.
func NewPostgresOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresOrderStore, error) {
	store := NewPostgresOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the order tables if they do not exist.
func (s *PostgresOrderStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			customer_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			total NUMERIC(14, 2) NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			line_no INTEGER NOT NULL,
			product_id TEXT NOT NULL,
			product_name TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			unit_price NUMERIC(12, 2) NOT NULL,
			unit TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (order_id, line_no)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "init order schema")
		}
	}
	return nil
}

// Create inserts the order and its items in one transaction. An existing
// order id is a structured rejection.
func (s *PostgresOrderStore) Create(ctx context.Context, payload orders.OrderPayload) (orders.StoreResult, error) {
	if payload.OrderID == "" {
		return orders.Rejected("order id required"), nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orders.StoreResult{}, errors.Wrap(err, "begin order tx")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, store_id, customer_id, status, total, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		payload.OrderID, payload.StoreID, payload.CustomerID, string(orders.StatusPending), payload.Total(), payload.Notes,
	)
	if err != nil {
		return orders.StoreResult{}, errors.Wrapf(err, "insert order %s", payload.OrderID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return orders.StoreResult{}, errors.Wrap(err, "order rows affected")
	}
	if affected == 0 {
		return orders.Rejected("order %s already exists", payload.OrderID), nil
	}

	for i, item := range payload.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line_no, product_id, product_name, quantity, unit_price, unit)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			payload.OrderID, i+1, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.Unit,
		); err != nil {
			return orders.StoreResult{}, errors.Wrapf(err, "insert item %d of order %s", i+1, payload.OrderID)
		}
	}

	if err := tx.Commit(); err != nil {
		return orders.StoreResult{}, errors.Wrapf(err, "commit order %s", payload.OrderID)
	}
	return orders.Accepted(), nil
}

// UpdateStatus moves the order to status. Unknown orders and transitions to
// the current status are declined.
func (s *PostgresOrderStore) UpdateStatus(ctx context.Context, orderID string, status orders.OrderStatus) (orders.StoreResult, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> $2`,
		orderID, string(status),
	)
	if err != nil {
		return orders.StoreResult{}, errors.Wrapf(err, "update order %s", orderID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return orders.StoreResult{}, errors.Wrap(err, "order rows affected")
	}
	if affected > 0 {
		return orders.Accepted(), nil
	}

	var current string
	row := s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, orderID)
	switch scanErr := row.Scan(&current); {
	case scanErr == nil:
		return orders.Rejected("order %s is already %s", orderID, current), nil
	case errors.Is(scanErr, sql.ErrNoRows):
		return orders.Rejected("order %s not found", orderID), nil
	default:
		return orders.StoreResult{}, errors.Wrapf(scanErr, "load order %s status", orderID)
	}
}

// Get loads an order with its items.
func (s *PostgresOrderStore) Get(ctx context.Context, orderID string) (orders.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT store_id, customer_id, status, total, notes, created_at, updated_at
		FROM orders
		WHERE id = $1`,
		orderID,
	)

	order := orders.Order{ID: orderID}
	var status string
	if err := row.Scan(&order.StoreID, &order.CustomerID, &status, &order.Total, &order.Notes, &order.CreatedAt, &order.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orders.Order{}, orders.ErrOrderNotFound
		}
		return orders.Order{}, errors.Wrapf(err, "get order %s", orderID)
	}
	order.Status = orders.OrderStatus(status)

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, product_name, quantity, unit_price, unit
		FROM order_items
		WHERE order_id = $1
		ORDER BY line_no`,
		orderID,
	)
	if err != nil {
		return orders.Order{}, errors.Wrapf(err, "get items of order %s", orderID)
	}
	defer rows.Close()

	for rows.Next() {
		var item orders.OrderItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.Unit); err != nil {
			return orders.Order{}, errors.Wrap(err, "scan order item")
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return orders.Order{}, errors.Wrap(err, "iterate order items")
	}
	return order, nil
}
