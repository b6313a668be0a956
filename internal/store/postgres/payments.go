package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/example/payflow/internal/models"
)

// FindRecipient looks a user up by account number. It returns (nil, nil) when
// no user matches.
func (s *Store) FindRecipient(ctx context.Context, accountNumber string) (*models.RecipientInfo, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var info models.RecipientInfo
	err := s.db.QueryRow(queryCtx, `
		SELECT id, account_number, first_name, last_name, email
		FROM users
		WHERE account_number = $1
	`, accountNumber).Scan(&info.UserID, &info.AccountNumber, &info.FirstName, &info.LastName, &info.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query recipient: %w", err)
	}
	return &info, nil
}

type procSource struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
}

// ProcessPayment calls the process_payment procedure.
func (s *Store) ProcessPayment(ctx context.Context, p models.ProcessPaymentParams) (*models.ProcessPaymentResult, error) {
	sources := make([]procSource, 0, len(p.Sources))
	for _, src := range p.Sources {
		sources = append(sources, procSource{
			ID:          src.ID,
			Kind:        string(src.Kind),
			Name:        src.Name,
			AmountCents: models.ToCents(src.Amount),
		})
	}
	payload, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sources: %w", err)
	}

	var res models.ProcessPaymentResult
	err = s.withRetry(ctx, "process payment", func(ctx context.Context) error {
		var txnID sql.NullString
		if err := s.db.QueryRow(ctx, `
			SELECT out_success, out_transaction_id, out_message
			FROM process_payment($1, $2, $3::jsonb, $4, $5)
		`, p.SenderID, p.RecipientAccountNumber, string(payload), models.ToCents(p.TotalAmount), p.Description,
		).Scan(&res.Success, &txnID, &res.Message); err != nil {
			return err
		}
		res.TransactionID = txnID.String
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CreatePendingTransfer writes the transfer row, the sender's pending debit
// entry and the settlement job in one transaction.
func (s *Store) CreatePendingTransfer(ctx context.Context, pt *models.PendingTransfer) error {
	t := pt.Transfer
	e := pt.DebitEntry

	return s.withRetry(ctx, "create pending transfer", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				INSERT INTO bank_transfers (
					id, sender_id, recipient_id, recipient_account_number, amount, memo,
					aggregator_transfer_id, authorization_id, simulated, state, debit_entry_id, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			`, t.ID, t.SenderID, t.RecipientID, t.RecipientAccountNumber, models.ToCents(t.Amount), t.Memo,
				t.AggregatorTransferID, t.AuthorizationID, t.Simulated, string(t.State), t.DebitEntryID, t.CreatedAt); err != nil {
				return fmt.Errorf("insert bank transfer: %w", err)
			}

			if _, err := tx.Exec(ctx, `
				INSERT INTO transactions (
					id, user_id, amount, category, title, subtitle, pending,
					transfer_id, external_transfer_id, simulated, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, e.ID, e.UserID, models.ToCents(e.Amount), e.Category, e.Title, e.Subtitle, e.Pending,
				e.TransferID, e.ExternalTransferID, e.Simulated, e.CreatedAt); err != nil {
				return fmt.Errorf("insert debit entry: %w", err)
			}

			if _, err := tx.Exec(ctx, `
				INSERT INTO settlement_jobs (transfer_id, run_at, status)
				VALUES ($1, $2, 'queued')
			`, t.ID, pt.SettleAt); err != nil {
				return fmt.Errorf("enqueue settlement job: %w", err)
			}
			return nil
		})
	})
}

// ListTransactions returns the newest entries owned by userID.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.Query(queryCtx, `
		SELECT id, user_id, amount, category, title, subtitle, pending,
		       transfer_id, external_transfer_id, simulated, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var cents int64
		if err := rows.Scan(&e.ID, &e.UserID, &cents, &e.Category, &e.Title, &e.Subtitle, &e.Pending,
			&e.TransferID, &e.ExternalTransferID, &e.Simulated, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		e.Amount = models.FromCents(cents)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return entries, nil
}
