package main

import (
	"context"
	"database/sql"
	"errors"

	"stockflow/cmd/server/config"
	inventorydb "stockflow/internal/db/inventory"
	ordersdb "stockflow/internal/db/orders"
	"stockflow/internal/inventory"
	"stockflow/internal/orders"
	"stockflow/internal/orders/saga"

	"github.com/rs/zerolog"
)

// engineConfig selects the backends the engine is built on.
type engineConfig struct {
	Postgres    config.PostgresConfig
	Redis       *config.RedisConfig
	Saga        config.SagaConfig
	Reliability orders.ReliabilityConfig
}

type engine struct {
	ledger    *inventory.Ledger
	saga      *orders.OrderSaga
	canceller *orders.CancellationCompensator
	journal   saga.CompensationStore
}

// buildEngine wires the ledger, the order saga and the cancellation
// compensator. Postgres backs every store when a DSN is configured. Without
// one, stock lives in Redis when configured and in memory otherwise, orders
// live in memory and compensation tasks go to a journal file.
func buildEngine(ctx context.Context, cfg engineConfig, notifier inventory.ChangeNotifier, alerts orders.AlertSink, observer orders.Observer, logger zerolog.Logger) (*engine, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn().Err(err).Msg("close engine resource")
			}
		}
	}
	fail := func(err error) (*engine, func(), error) {
		cleanup()
		return nil, nil, err
	}

	var seed []inventory.StockRecord
	if cfg.Saga.StockSeedFile != "" {
		records, err := loadSeed(cfg.Saga.StockSeedFile)
		if err != nil {
			return nil, nil, err
		}
		seed = records
	}

	var (
		stock     inventory.StockStore
		orderBase orders.OrderStore
		journal   saga.CompensationStore
	)

	if cfg.Postgres.DSN != "" {
		db, err := openPostgres(ctx, cfg.Postgres)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, db.Close)

		stockStore, orderStore, compStore, err := postgresStores(ctx, db, cfg.Postgres)
		if err != nil {
			return fail(err)
		}
		if err := seedStock(ctx, seed, stockStore.Upsert); err != nil {
			return fail(err)
		}
		stock, orderBase, journal = stockStore, orderStore, compStore
		logger.Info().Msg("postgres stores enabled")
	} else {
		switch {
		case cfg.Redis != nil:
			client, err := openRedis(ctx, *cfg.Redis)
			if err != nil {
				return fail(err)
			}
			closers = append(closers, client.Close)
			redisStock := inventory.NewRedisStockStore(client, cfg.Redis.KeyPrefix)
			if err := seedStock(ctx, seed, redisStock.Put); err != nil {
				return fail(err)
			}
			stock = redisStock
			logger.Info().Msg("redis stock store enabled")
		default:
			memStock := inventory.NewInMemoryStockStore()
			for _, rec := range seed {
				memStock.Put(rec)
			}
			stock = memStock
			logger.Warn().Int("seeded", len(seed)).Msg("in-memory stock store enabled")
		}

		orderBase = orders.NewInMemoryOrderStore()
		fileJournal, err := saga.OpenFileCompensationStore(cfg.Saga.JournalPath)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, fileJournal.Close)
		journal = fileJournal
		logger.Warn().Str("journal", cfg.Saga.JournalPath).Msg("in-memory order store enabled")
	}

	rel := cfg.Reliability
	orderStore := orders.NewReliableOrderStore(
		orderBase,
		orders.NewRateLimiter(rel.RateLimitInterval, rel.RateLimitBurst),
		orders.NewCircuitBreaker(orders.CircuitBreakerConfig{
			MaxFailures:  rel.BreakerMaxFailures,
			ResetTimeout: rel.BreakerResetTimeout,
		}),
		rel.RetryPolicy(),
	)

	ledger := inventory.NewLedger(stock, notifier, logger)
	restorer := orders.NewRestorer(ledger, journal, rel.RetryPolicy(), rel.CompensationTimeout, logger)
	opts := orders.Options{Logger: logger, Observer: observer}

	return &engine{
		ledger:    ledger,
		saga:      orders.NewOrderSaga(ledger, orderStore, restorer, alerts, opts),
		canceller: orders.NewCancellationCompensator(orderStore, restorer, opts),
		journal:   journal,
	}, cleanup, nil
}

func postgresStores(ctx context.Context, db *sql.DB, cfg config.PostgresConfig) (*inventorydb.PostgresStockStore, *ordersdb.PostgresOrderStore, *ordersdb.CompensationStore, error) {
	if db == nil {
		return nil, nil, nil, errors.New("postgres handle is nil")
	}
	setupCtx, cancel := context.WithTimeout(ctx, cfg.SetupTimeout)
	defer cancel()

	stock, err := inventorydb.NewPostgresStockStoreWithSchema(setupCtx, db)
	if err != nil {
		return nil, nil, nil, err
	}
	orderStore, err := ordersdb.NewPostgresOrderStoreWithSchema(setupCtx, db)
	if err != nil {
		return nil, nil, nil, err
	}
	comp, err := ordersdb.NewCompensationStoreWithSchema(setupCtx, db)
	if err != nil {
		return nil, nil, nil, err
	}
	return stock, orderStore, comp, nil
}
