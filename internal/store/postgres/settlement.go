package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/payflow/internal/models"
	"github.com/example/payflow/internal/settlement"
)

// ClaimDue leases due jobs. SKIP LOCKED lets concurrent workers claim
// disjoint batches.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.SettlementJob, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.Query(queryCtx, `
		UPDATE settlement_jobs
		SET attempts = attempts + 1, run_at = $2
		WHERE transfer_id IN (
			SELECT transfer_id FROM settlement_jobs
			WHERE status = 'queued' AND run_at <= $1
			ORDER BY run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING transfer_id, run_at, attempts, last_error, status
	`, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim settlement jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.SettlementJob
	for rows.Next() {
		var j models.SettlementJob
		var status string
		if err := rows.Scan(&j.TransferID, &j.RunAt, &j.Attempts, &j.LastError, &status); err != nil {
			return nil, fmt.Errorf("failed to scan settlement job: %w", err)
		}
		j.Status = models.JobStatus(status)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settlement jobs: %w", err)
	}
	return jobs, nil
}

// GetTransfer loads one bank transfer.
func (s *Store) GetTransfer(ctx context.Context, transferID string) (*models.BankTransfer, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var t models.BankTransfer
	var cents int64
	var state string
	err := s.db.QueryRow(queryCtx, `
		SELECT id, sender_id, recipient_id, recipient_account_number, amount, memo,
		       aggregator_transfer_id, authorization_id, simulated, state,
		       debit_entry_id, credit_entry_id, failure_reason, created_at, settled_at
		FROM bank_transfers
		WHERE id = $1
	`, transferID).Scan(&t.ID, &t.SenderID, &t.RecipientID, &t.RecipientAccountNumber, &cents, &t.Memo,
		&t.AggregatorTransferID, &t.AuthorizationID, &t.Simulated, &state,
		&t.DebitEntryID, &t.CreditEntryID, &t.FailureReason, &t.CreatedAt, &t.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", settlement.ErrTransferNotFound, transferID)
		}
		return nil, fmt.Errorf("failed to get bank transfer: %w", err)
	}
	t.Amount = models.FromCents(cents)
	t.State = models.TransferState(state)
	return &t, nil
}

// Settle calls the settle_bank_transfer procedure.
func (s *Store) Settle(ctx context.Context, p models.SettleParams) (*models.SettleOutcome, error) {
	var out models.SettleOutcome
	var message string

	err := s.withRetry(ctx, "settle bank transfer", func(ctx context.Context) error {
		return s.db.QueryRow(ctx, `
			SELECT out_settled, out_already_final, out_credit_entry_id, out_message
			FROM settle_bank_transfer($1, $2, $3, $4, $5, $6)
		`, p.TransferID, p.RecipientID, p.CreditEntryID, p.Title, p.Subtitle, p.SettledAt,
		).Scan(&out.Settled, &out.AlreadyFinal, &out.CreditEntryID, &message)
	})
	if err != nil {
		return nil, err
	}

	switch message {
	case "recipient_missing":
		return nil, fmt.Errorf("%w: user %s", settlement.ErrRecipientMissing, p.RecipientID)
	case "transfer_missing":
		return nil, fmt.Errorf("%w: %s", settlement.ErrTransferNotFound, p.TransferID)
	}
	return &out, nil
}

// Retry requeues a claimed job.
func (s *Store) Retry(ctx context.Context, transferID string, runAt time.Time, lastError string) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	_, err := s.db.Exec(queryCtx, `
		UPDATE settlement_jobs SET run_at = $2, last_error = $3
		WHERE transfer_id = $1 AND status = 'queued'
	`, transferID, runAt, lastError)
	if err != nil {
		return fmt.Errorf("failed to requeue settlement job: %w", err)
	}
	return nil
}

// DeadLetter parks the job and fails a still-pending transfer. The sender's
// pending debit is cleared and offset by a reversal entry.
func (s *Store) DeadLetter(ctx context.Context, transferID, reason string, at time.Time) error {
	return s.withRetry(ctx, "dead-letter settlement job", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				INSERT INTO settlement_dead_letters (transfer_id, reason, last_error, attempts, created_at)
				SELECT $1, $2, COALESCE(j.last_error, ''), COALESCE(j.attempts, 0), $3
				FROM (SELECT 1) AS one
				LEFT JOIN settlement_jobs j ON j.transfer_id = $1
			`, transferID, reason, at); err != nil {
				return fmt.Errorf("insert dead letter: %w", err)
			}

			if _, err := tx.Exec(ctx, `
				UPDATE settlement_jobs SET status = 'dead' WHERE transfer_id = $1
			`, transferID); err != nil {
				return fmt.Errorf("mark job dead: %w", err)
			}

			if _, err := tx.Exec(ctx, `
				WITH failed AS (
					UPDATE bank_transfers SET state = 'failed', failure_reason = $2
					WHERE id = $1 AND state = 'pending'
					RETURNING id, sender_id, amount, debit_entry_id, aggregator_transfer_id, simulated
				), cleared AS (
					UPDATE transactions t SET pending = FALSE
					FROM failed f WHERE t.id = f.debit_entry_id
				)
				INSERT INTO transactions (
					id, user_id, amount, category, title, subtitle, pending,
					transfer_id, external_transfer_id, simulated, created_at
				)
				SELECT gen_random_uuid()::text, sender_id, amount, $4, $5, $2, FALSE,
				       id, aggregator_transfer_id, simulated, $3
				FROM failed
			`, transferID, reason, at, models.CategoryBankTransfer, models.ReversalTitle); err != nil {
				return fmt.Errorf("fail bank transfer: %w", err)
			}
			return nil
		})
	})
}
