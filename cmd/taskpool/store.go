package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jpalmerr/taskpool/config"
	"github.com/jpalmerr/taskpool/internal/store"
)

// storeConnectTimeout bounds how long startup waits for the database.
const storeConnectTimeout = 30 * time.Second

// openStore connects to the configured SQL store, retrying with exponential
// backoff while the database comes up. It returns nil for the memory store.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*sql.DB, error) {
	if cfg.Driver == config.DriverMemory {
		return nil, nil
	}

	if _, err := store.DialectByName(cfg.Driver); err != nil {
		return nil, err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxInterval = 5 * time.Second
	exp.MaxElapsedTime = storeConnectTimeout

	var db *sql.DB
	attempt := 0
	op := func() error {
		attempt++
		opened, _, err := store.Open(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			logger.Warn("store not ready", "driver", cfg.Driver, "attempt", attempt, "error", err)
			return err
		}
		db = opened
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(exp, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to %s store: %w", cfg.Driver, err)
	}
	logger.Info("store connected", "driver", cfg.Driver)
	return db, nil
}
