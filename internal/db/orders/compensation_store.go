package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"stockflow/internal/orders/saga"
)

// CompensationStore persists stock compensation tasks in Postgres.
type CompensationStore struct {
	db *sql.DB
}

// NewCompensationStore constructs a CompensationStore backed by Postgres.
func NewCompensationStore(db *sql.DB) *CompensationStore {
	return &CompensationStore{db: db}
}

// NewCompensationStoreWithSchema initializes the schema then returns the store.
func NewCompensationStoreWithSchema(ctx context.Context, db *sql.DB) (*CompensationStore, error) {
	store := NewCompensationStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the compensation table if it does not exist.
func (s *CompensationStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS compensation_tasks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			order_id TEXT NOT NULL,
			store_id TEXT NOT NULL,
			items JSONB NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS compensation_tasks_status_idx ON compensation_tasks (status, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "init compensation schema")
		}
	}
	return nil
}

// Record inserts a task before its restoration is attempted.
func (s *CompensationStore) Record(ctx context.Context, task saga.CompensationTask) error {
	items, err := json.Marshal(task.Items)
	if err != nil {
		return errors.Wrap(err, "encode compensation items")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO compensation_tasks (id, kind, order_id, store_id, items, reason, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		task.ID, string(task.Kind), task.OrderID, task.StoreID, items, task.Reason, string(task.Status), task.Attempts, task.CreatedAt,
	)
	return errors.Wrapf(err, "record compensation %s", task.ID)
}

// Resolve stores the final status of a task.
func (s *CompensationStore) Resolve(ctx context.Context, id string, status saga.CompensationStatus, attempts int, detail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE compensation_tasks
		SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1`,
		id, string(status), attempts, detail,
	)
	if err != nil {
		return errors.Wrapf(err, "resolve compensation %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "compensation rows affected")
	}
	if affected == 0 {
		return saga.ErrTaskNotFound
	}
	return nil
}

// ListByStatus returns tasks in the given status, oldest first.
func (s *CompensationStore) ListByStatus(ctx context.Context, status saga.CompensationStatus) ([]saga.CompensationTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, order_id, store_id, items, reason, status, attempts, last_error, created_at, updated_at
		FROM compensation_tasks
		WHERE status = $1
		ORDER BY created_at`,
		string(status),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list compensations")
	}
	defer rows.Close()

	var tasks []saga.CompensationTask
	for rows.Next() {
		var (
			task          saga.CompensationTask
			kind, current string
			items         []byte
		)
		if err := rows.Scan(&task.ID, &kind, &task.OrderID, &task.StoreID, &items, &task.Reason, &current, &task.Attempts, &task.LastError, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan compensation")
		}
		if err := json.Unmarshal(items, &task.Items); err != nil {
			return nil, errors.Wrapf(err, "decode items of compensation %s", task.ID)
		}
		task.Kind = saga.CompensationKind(kind)
		task.Status = saga.CompensationStatus(current)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate compensations")
	}
	return tasks, nil
}
