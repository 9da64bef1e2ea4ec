// Package storage picks the match store backend named in configuration.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/starfariii/coinflip1/internal/coinflip"
	"github.com/starfariii/coinflip1/internal/config"
	"github.com/starfariii/coinflip1/internal/db"
	"github.com/starfariii/coinflip1/internal/storage/postgres"
	"github.com/starfariii/coinflip1/internal/storage/sqlite"
)

// Backend is an opened, migrated store. Pool is set only for postgres, where
// it also carries cross-process notifications.
type Backend struct {
	Store coinflip.Store
	Pool  *pgxpool.Pool
	close func()
}

func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// Open connects to the configured backend and applies its migrations. appName
// labels postgres sessions.
func Open(ctx context.Context, cfg config.StoreConfig, appName string) (*Backend, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL, appName)
		if err != nil {
			return nil, err
		}
		store := postgres.New(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &Backend{Store: store, Pool: pool, close: pool.Close}, nil
	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: store, close: func() { _ = store.Close() }}, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
