package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/payflow/internal/api"
	"github.com/example/payflow/internal/config"
	"github.com/example/payflow/internal/payments"
	"github.com/example/payflow/internal/settlement"
	"github.com/example/payflow/internal/store/postgres"
	"github.com/example/payflow/internal/store/sqlite"
	"github.com/example/payflow/pkg/audit"
)

// datastore is what both store implementations provide.
type datastore interface {
	payments.Datastore
	settlement.Store
	api.Reader
	Migrate(ctx context.Context) error
}

type storeHandle struct {
	store datastore
	ping  func(ctx context.Context) error
	close func()
}

func openStore(ctx context.Context, c *config.Config, l *slog.Logger) (*storeHandle, error) {
	switch c.Database.Driver {
	case config.DriverSQLite:
		db, err := sqlite.Open(c.Database.URL)
		if err != nil {
			return nil, err
		}
		return &storeHandle{
			store: sqlite.NewStore(db, l),
			ping:  db.PingContext,
			close: func() { _ = db.Close() },
		}, nil
	case config.DriverPostgres:
		pool, err := postgres.Open(ctx, c.Database.URL, c.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		return &storeHandle{
			store: postgres.NewStore(pool, l),
			ping:  pool.Ping,
			close: pool.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
}

func newWorker(store settlement.Store, resolver *payments.Resolver, trail *audit.Trail, c *config.Config, l *slog.Logger) *settlement.Worker {
	return settlement.NewWorker(store, resolver, trail, settlement.Config{
		PollInterval: c.Settlement.PollInterval,
		BatchSize:    c.Settlement.BatchSize,
		MaxAttempts:  c.Settlement.MaxAttempts,
		BackoffBase:  c.Settlement.BackoffBase,
		MaxBackoff:   c.Settlement.MaxBackoff,
		Lease:        c.Settlement.Lease,
	}, l)
}
