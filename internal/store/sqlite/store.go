// Package sqlite is a single-node datastore for local development and tests.
// It honors the same contracts as the PostgreSQL store; the atomic procedures
// are written as immediate-mode Go transactions.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements payments.Datastore and settlement.Store.
type Store struct {
	db     *sql.DB
	newID  func() string
	logger *slog.Logger
}

// Open opens (or creates) the database file at path. Write transactions take
// the database lock on BEGIN.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return db, nil
}

// NewStore wraps db.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, newID: uuid.NewString, logger: logger}
}

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	s.logger.Info("sqlite schema migrated")
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	account_number TEXT NOT NULL UNIQUE,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS linked_accounts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	amount INTEGER NOT NULL,
	category TEXT NOT NULL,
	title TEXT NOT NULL,
	subtitle TEXT NOT NULL DEFAULT '',
	pending BOOLEAN NOT NULL DEFAULT 0,
	transfer_id TEXT NOT NULL DEFAULT '',
	external_transfer_id TEXT NOT NULL DEFAULT '',
	simulated BOOLEAN NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions(user_id, created_at);

CREATE TABLE IF NOT EXISTS bank_transfers (
	id TEXT PRIMARY KEY,
	sender_id TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	recipient_account_number TEXT NOT NULL,
	amount INTEGER NOT NULL CHECK (amount > 0),
	memo TEXT NOT NULL DEFAULT '',
	aggregator_transfer_id TEXT NOT NULL DEFAULT '',
	authorization_id TEXT NOT NULL DEFAULT '',
	simulated BOOLEAN NOT NULL,
	state TEXT NOT NULL CHECK (state IN ('initiated', 'pending', 'settled', 'failed')),
	debit_entry_id TEXT NOT NULL,
	credit_entry_id TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	settled_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS settlement_jobs (
	transfer_id TEXT PRIMARY KEY REFERENCES bank_transfers(id) ON DELETE CASCADE,
	run_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued', 'done', 'dead'))
);

CREATE INDEX IF NOT EXISTS idx_settlement_jobs_due ON settlement_jobs(status, run_at);

CREATE TABLE IF NOT EXISTS settlement_dead_letters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
`
