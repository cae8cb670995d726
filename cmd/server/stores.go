package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"stockflow/cmd/server/config"
	"stockflow/internal/inventory"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := openDB("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns != nil {
		db.SetMaxOpenConns(*cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime != nil {
		db.SetConnMaxLifetime(*cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.SetupTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

type seedFile struct {
	Stock []seedRecord `yaml:"stock"`
}

type seedRecord struct {
	StoreID       string `yaml:"store_id"`
	ProductID     string `yaml:"product_id"`
	CurrentStock  int    `yaml:"current_stock"`
	MinStockLevel int    `yaml:"min_stock_level"`
	MaxStockLevel int    `yaml:"max_stock_level"`
	IsActive      *bool  `yaml:"is_active"`
}

// loadSeed reads stock records from a YAML file. Records are active unless
// is_active is set to false.
func loadSeed(path string) ([]inventory.StockRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stock seed: %w", err)
	}
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse stock seed %s: %w", path, err)
	}

	records := make([]inventory.StockRecord, 0, len(file.Stock))
	for i, rec := range file.Stock {
		if rec.StoreID == "" || rec.ProductID == "" {
			return nil, fmt.Errorf("stock seed entry %d: store_id and product_id are required", i)
		}
		if rec.CurrentStock < 0 {
			return nil, fmt.Errorf("stock seed entry %d: current_stock must be >= 0", i)
		}
		active := true
		if rec.IsActive != nil {
			active = *rec.IsActive
		}
		records = append(records, inventory.StockRecord{
			StoreID:       rec.StoreID,
			ProductID:     rec.ProductID,
			CurrentStock:  rec.CurrentStock,
			MinStockLevel: rec.MinStockLevel,
			MaxStockLevel: rec.MaxStockLevel,
			IsActive:      active,
		})
	}
	return records, nil
}

// seedStock writes every record through put.
func seedStock(ctx context.Context, records []inventory.StockRecord, put func(context.Context, inventory.StockRecord) error) error {
	for _, rec := range records {
		if err := put(ctx, rec); err != nil {
			return fmt.Errorf("seed %s/%s: %w", rec.StoreID, rec.ProductID, err)
		}
	}
	return nil
}
