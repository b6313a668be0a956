// Package postgres is the PostgreSQL datastore of the payment engine. The
// ledger path and settlement are executed by stored procedures so that every
// balance change happens server-side inside one transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxRetries          = 3
	defaultQueryTimeout = 5 * time.Second
)

// DB is the subset of *pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Store implements payments.Datastore and settlement.Store.
type Store struct {
	db           DB
	queryTimeout time.Duration
	logger       *slog.Logger
}

// NewStore wraps db. Pass a *pgxpool.Pool in production.
func NewStore(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, queryTimeout: defaultQueryTimeout, logger: logger}
}

// Open creates a connection pool and verifies connectivity.
func Open(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the schema and stored procedures. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", i, err)
		}
	}
	s.logger.Info("postgres schema migrated", "statements", len(migrations))
	return nil
}

// withRetry runs fn, retrying on serialization failures and deadlocks.
func (s *Store) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		err := fn(queryCtx)
		cancel()
		if err == nil {
			return nil
		}

		if !isRetryable(err) {
			return fmt.Errorf("failed to %s: %w", op, err)
		}
		if attempt == maxRetries-1 {
			return fmt.Errorf("failed to %s after %d retries due to serialization failure: %w", op, maxRetries, err)
		}

		s.logger.Debug("retrying after serialization failure", "op", op, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
}

// inTx runs fn inside a read-committed transaction.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
