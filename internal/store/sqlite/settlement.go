package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/payflow/internal/models"
	"github.com/example/payflow/internal/settlement"
)

// ClaimDue leases due jobs. The immediate transaction holds the write lock, so
// concurrent claimers never see the same job.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.SettlementJob, error) {
	var jobs []models.SettlementJob

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT transfer_id, attempts, last_error
			FROM settlement_jobs
			WHERE status = 'queued' AND run_at <= ?
			ORDER BY run_at
			LIMIT ?
		`, nanos(now), limit)
		if err != nil {
			return fmt.Errorf("select due jobs: %w", err)
		}
		for rows.Next() {
			var j models.SettlementJob
			if err := rows.Scan(&j.TransferID, &j.Attempts, &j.LastError); err != nil {
				rows.Close()
				return fmt.Errorf("scan job: %w", err)
			}
			j.Attempts++
			j.RunAt = now.Add(lease).UTC()
			j.Status = models.JobQueued
			jobs = append(jobs, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate jobs: %w", err)
		}

		for _, j := range jobs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE settlement_jobs SET attempts = ?, run_at = ? WHERE transfer_id = ?
			`, j.Attempts, nanos(j.RunAt), j.TransferID); err != nil {
				return fmt.Errorf("lease job: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim settlement jobs: %w", err)
	}
	return jobs, nil
}

// GetTransfer loads one bank transfer.
func (s *Store) GetTransfer(ctx context.Context, transferID string) (*models.BankTransfer, error) {
	return getTransfer(ctx, s.db, transferID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTransfer(ctx context.Context, q queryRower, transferID string) (*models.BankTransfer, error) {
	var t models.BankTransfer
	var cents int64
	var state string
	var settledAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, sender_id, recipient_id, recipient_account_number, amount, memo,
		       aggregator_transfer_id, authorization_id, simulated, state,
		       debit_entry_id, credit_entry_id, failure_reason, created_at, settled_at
		FROM bank_transfers WHERE id = ?
	`, transferID).Scan(&t.ID, &t.SenderID, &t.RecipientID, &t.RecipientAccountNumber, &cents, &t.Memo,
		&t.AggregatorTransferID, &t.AuthorizationID, &t.Simulated, &state,
		&t.DebitEntryID, &t.CreditEntryID, &t.FailureReason, &t.CreatedAt, &settledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", settlement.ErrTransferNotFound, transferID)
		}
		return nil, fmt.Errorf("failed to get bank transfer: %w", err)
	}
	t.Amount = models.FromCents(cents)
	t.State = models.TransferState(state)
	if settledAt.Valid {
		at := settledAt.Time.UTC()
		t.SettledAt = &at
	}
	return &t, nil
}

// Settle applies a pending transfer at most once. The recipient balance is
// incremented in SQL, never read and written back.
func (s *Store) Settle(ctx context.Context, p models.SettleParams) (*models.SettleOutcome, error) {
	var out models.SettleOutcome

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := getTransfer(ctx, tx, p.TransferID)
		if err != nil {
			return err
		}

		if t.State != models.TransferPending {
			if _, err := tx.ExecContext(ctx, `
				UPDATE settlement_jobs SET status = 'done' WHERE transfer_id = ? AND status = 'queued'
			`, p.TransferID); err != nil {
				return fmt.Errorf("close job: %w", err)
			}
			out = models.SettleOutcome{AlreadyFinal: true, CreditEntryID: t.CreditEntryID}
			return nil
		}
		if err := t.Advance(models.TransferSettled); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE users SET balance = balance + ? WHERE id = ?`,
			models.ToCents(t.Amount), p.RecipientID)
		if err != nil {
			return fmt.Errorf("credit recipient: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("credit recipient: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: user %s", settlement.ErrRecipientMissing, p.RecipientID)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE transactions SET pending = 0 WHERE id = ?`, t.DebitEntryID); err != nil {
			return fmt.Errorf("clear pending flag: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (
				id, user_id, amount, category, title, subtitle, pending,
				transfer_id, external_transfer_id, simulated, created_at
			) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		`, p.CreditEntryID, p.RecipientID, models.ToCents(t.Amount), models.CategoryBankTransfer, p.Title, p.Subtitle,
			t.ID, t.AggregatorTransferID, t.Simulated, p.SettledAt.UTC()); err != nil {
			return fmt.Errorf("insert credit entry: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE bank_transfers
			SET state = ?, recipient_id = ?, credit_entry_id = ?, settled_at = ?
			WHERE id = ?
		`, string(t.State), p.RecipientID, p.CreditEntryID, p.SettledAt.UTC(), t.ID); err != nil {
			return fmt.Errorf("mark transfer settled: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE settlement_jobs SET status = 'done' WHERE transfer_id = ?`, t.ID); err != nil {
			return fmt.Errorf("close job: %w", err)
		}

		out = models.SettleOutcome{Settled: true, CreditEntryID: p.CreditEntryID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Retry requeues a claimed job.
func (s *Store) Retry(ctx context.Context, transferID string, runAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlement_jobs SET run_at = ?, last_error = ?
		WHERE transfer_id = ? AND status = 'queued'
	`, nanos(runAt), lastError, transferID)
	if err != nil {
		return fmt.Errorf("failed to requeue settlement job: %w", err)
	}
	return nil
}

// DeadLetter parks the job and fails a still-pending transfer. The sender's
// pending debit is cleared and offset by a reversal entry.
func (s *Store) DeadLetter(ctx context.Context, transferID, reason string, at time.Time) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var lastError string
		var attempts int
		err := tx.QueryRowContext(ctx, `
			SELECT last_error, attempts FROM settlement_jobs WHERE transfer_id = ?
		`, transferID).Scan(&lastError, &attempts)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load job: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settlement_dead_letters (transfer_id, reason, last_error, attempts, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, transferID, reason, lastError, attempts, at.UTC()); err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE settlement_jobs SET status = 'dead' WHERE transfer_id = ?`, transferID); err != nil {
			return fmt.Errorf("mark job dead: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE bank_transfers SET state = 'failed', failure_reason = ?
			WHERE id = ? AND state = 'pending'
		`, reason, transferID)
		if err != nil {
			return fmt.Errorf("fail bank transfer: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("fail bank transfer: %w", err)
		}
		if n == 0 {
			return nil
		}

		// The sender's pending debit resolves into a reversal.
		t, err := getTransfer(ctx, tx, transferID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE transactions SET pending = 0 WHERE id = ?`, t.DebitEntryID); err != nil {
			return fmt.Errorf("clear pending flag: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (
				id, user_id, amount, category, title, subtitle, pending,
				transfer_id, external_transfer_id, simulated, created_at
			) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		`, s.newID(), t.SenderID, models.ToCents(t.Amount), models.CategoryBankTransfer, models.ReversalTitle, reason,
			t.ID, t.AggregatorTransferID, t.Simulated, at.UTC()); err != nil {
			return fmt.Errorf("insert reversal entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter settlement job: %w", err)
	}
	return nil
}
