package inventorydb

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"stockflow/internal/inventory"
)

// PostgresStockStore keeps stock records in Postgres. Every mutation is a
// conditional UPDATE, so the balance check and the write are one statement.
type PostgresStockStore struct {
	db *sql.DB
}

// NewPostgresStockStore constructs a stock store backed by Postgres.
func NewPostgresStockStore(db *sql.DB) *PostgresStockStore {
	return &PostgresStockStore{db: db}
}

// NewPostgresStockStoreWithSchema initializes the schema then returns the store.
func NewPostgresStockStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresStockStore, error) {
	store := NewPostgresStockStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the stock tables if they do not exist.
func (s *PostgresStockStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stock_records (
			store_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			current_stock INTEGER NOT NULL CHECK (current_stock >= 0),
			min_stock_level INTEGER NOT NULL DEFAULT 0,
			max_stock_level INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (store_id, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS stock_movements (
			id BIGSERIAL PRIMARY KEY,
			store_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			delta INTEGER NOT NULL,
			resulting_stock INTEGER NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "init stock schema")
		}
	}
	return nil
}

// Upsert creates or replaces a stock record.
func (s *PostgresStockStore) Upsert(ctx context.Context, rec inventory.StockRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_records (store_id, product_id, current_stock, min_stock_level, max_stock_level, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (store_id, product_id) DO UPDATE
		SET current_stock = EXCLUDED.current_stock,
			min_stock_level = EXCLUDED.min_stock_level,
			max_stock_level = EXCLUDED.max_stock_level,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()`,
		rec.StoreID, rec.ProductID, rec.CurrentStock, rec.MinStockLevel, rec.MaxStockLevel, rec.IsActive,
	)
	return errors.Wrapf(err, "upsert stock %s/%s", rec.StoreID, rec.ProductID)
}

// Get loads a stock record.
func (s *PostgresStockStore) Get(ctx context.Context, storeID, productID string) (inventory.StockRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT current_stock, min_stock_level, max_stock_level, is_active, updated_at
		FROM stock_records
		WHERE store_id = $1 AND product_id = $2`,
		storeID, productID,
	)

	rec := inventory.StockRecord{StoreID: storeID, ProductID: productID}
	if err := row.Scan(&rec.CurrentStock, &rec.MinStockLevel, &rec.MaxStockLevel, &rec.IsActive, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inventory.StockRecord{}, inventory.ErrStockNotFound
		}
		return inventory.StockRecord{}, errors.Wrap(err, "get stock")
	}
	return rec, nil
}

// ConditionalApply applies one delta in its own transaction.
func (s *PostgresStockStore) ConditionalApply(ctx context.Context, storeID string, delta inventory.StockDelta, reason string) (inventory.ReservationResult, error) {
	return s.TransactionalApply(ctx, storeID, []inventory.StockDelta{delta}, reason)
}

// TransactionalApply runs every conditional update in one transaction and
// commits only if all of them matched a row.
func (s *PostgresStockStore) TransactionalApply(ctx context.Context, storeID string, deltas []inventory.StockDelta, reason string) (inventory.ReservationResult, error) {
	if len(deltas) == 0 {
		return inventory.ReservationResult{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return inventory.ReservationResult{}, errors.Wrap(err, "begin stock tx")
	}
	// No-op once committed.
	defer func() {
		_ = tx.Rollback()
	}()

	var result inventory.ReservationResult
	for _, d := range deltas {
		newStock, ok, err := applyOne(ctx, tx, storeID, d)
		if err != nil {
			return inventory.ReservationResult{}, err
		}
		if !ok {
			failed, err := diagnose(ctx, tx, storeID, d)
			if err != nil {
				return inventory.ReservationResult{}, err
			}
			result.Failed = append(result.Failed, failed)
			continue
		}
		if !result.OK() {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_movements (store_id, product_id, delta, resulting_stock, reason)
			VALUES ($1, $2, $3, $4, $5)`,
			storeID, d.ProductID, d.Delta, newStock, reason,
		); err != nil {
			return inventory.ReservationResult{}, errors.Wrapf(err, "record movement for %s", d.ProductID)
		}
		result.Applied = append(result.Applied, inventory.AppliedItem{
			ProductID: d.ProductID,
			Delta:     d.Delta,
			NewStock:  newStock,
		})
	}

	if !result.OK() {
		return inventory.ReservationResult{Failed: result.Failed}, nil
	}
	if err := tx.Commit(); err != nil {
		return inventory.ReservationResult{}, errors.Wrap(err, "commit stock tx")
	}
	return result, nil
}

func applyOne(ctx context.Context, tx *sql.Tx, storeID string, d inventory.StockDelta) (int, bool, error) {
	var newStock int
	err := tx.QueryRowContext(ctx, `
		UPDATE stock_records
		SET current_stock = current_stock + $3, updated_at = NOW()
		WHERE store_id = $1 AND product_id = $2
			AND current_stock + $3 >= 0
			AND (is_active OR $3 >= 0)
		RETURNING current_stock`,
		storeID, d.ProductID, d.Delta,
	).Scan(&newStock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "apply stock delta for %s", d.ProductID)
	}
	return newStock, true, nil
}

// diagnose reads the row only to describe a failure that already happened.
func diagnose(ctx context.Context, tx *sql.Tx, storeID string, d inventory.StockDelta) (inventory.FailedItem, error) {
	var rec inventory.StockRecord
	err := tx.QueryRowContext(ctx, `
		SELECT current_stock, is_active
		FROM stock_records
		WHERE store_id = $1 AND product_id = $2`,
		storeID, d.ProductID,
	).Scan(&rec.CurrentStock, &rec.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		failed, _ := inventory.Evaluate(nil, d)
		return failed, nil
	}
	if err != nil {
		return inventory.FailedItem{}, errors.Wrapf(err, "inspect stock for %s", d.ProductID)
	}

	failed, ok := inventory.Evaluate(&rec, d)
	if ok {
		// The row changed between the update and this read.
		requested := d.Delta
		if requested < 0 {
			requested = -requested
		}
		failed = inventory.FailedItem{
			ProductID: d.ProductID,
			Requested: requested,
			Available: rec.CurrentStock,
			Reason:    inventory.ReasonInsufficientStock,
		}
	}
	return failed, nil
}
