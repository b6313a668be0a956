package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/example/payflow/internal/models"
)

// FindRecipient looks a user up by account number. It returns (nil, nil) when
// no user matches.
func (s *Store) FindRecipient(ctx context.Context, accountNumber string) (*models.RecipientInfo, error) {
	var info models.RecipientInfo
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_number, first_name, last_name, email
		FROM users WHERE account_number = ?
	`, accountNumber).Scan(&info.UserID, &info.AccountNumber, &info.FirstName, &info.LastName, &info.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query recipient: %w", err)
	}
	return &info, nil
}

// errDeclined aborts a process_payment transaction with a user-facing message.
type errDeclined struct{ message string }

func (e *errDeclined) Error() string { return e.message }

// ProcessPayment debits every source and credits the recipient in one
// transaction. A declined payment rolls back and reports success = false.
func (s *Store) ProcessPayment(ctx context.Context, p models.ProcessPaymentParams) (*models.ProcessPaymentResult, error) {
	txnID := s.newID()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var recipientID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE account_number = ?`, p.RecipientAccountNumber).Scan(&recipientID)
		if errors.Is(err, sql.ErrNoRows) {
			return &errDeclined{"Recipient not found"}
		}
		if err != nil {
			return fmt.Errorf("lookup recipient: %w", err)
		}
		if recipientID == p.SenderID {
			return &errDeclined{"Cannot send money to yourself"}
		}

		total := models.ToCents(p.TotalAmount)
		var sum int64
		for _, src := range p.Sources {
			sum += models.ToCents(src.Amount)
		}
		if total <= 0 || sum != total {
			return &errDeclined{"Source amounts do not match total"}
		}

		sources := append([]models.PaymentSource(nil), p.Sources...)
		sort.SliceStable(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })

		now := time.Now().UTC()
		for _, src := range sources {
			amount := models.ToCents(src.Amount)
			label := src.Name
			if label == "" {
				label = src.ID
			}
			if amount <= 0 {
				return &errDeclined{fmt.Sprintf("Amount for %s must be greater than zero", label)}
			}

			var res sql.Result
			if src.Kind == models.SourceInternalBalance {
				res, err = tx.ExecContext(ctx, `
					UPDATE users SET balance = balance - ? WHERE id = ? AND balance >= ?
				`, amount, p.SenderID, amount)
			} else {
				res, err = tx.ExecContext(ctx, `
					UPDATE linked_accounts SET balance = balance - ? WHERE id = ? AND user_id = ? AND balance >= ?
				`, amount, src.ID, p.SenderID, amount)
			}
			if err != nil {
				return fmt.Errorf("debit %s: %w", label, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("debit %s: %w", label, err)
			}
			if n == 0 {
				return &errDeclined{"Insufficient funds in " + label}
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO transactions (id, user_id, amount, category, title, subtitle, pending, transfer_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
			`, s.newID(), p.SenderID, -amount, models.CategoryTransfer, p.Description, label, txnID, now); err != nil {
				return fmt.Errorf("insert debit entry: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = balance + ? WHERE id = ?`, total, recipientID); err != nil {
			return fmt.Errorf("credit recipient: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (id, user_id, amount, category, title, subtitle, pending, transfer_id, created_at)
			VALUES (?, ?, ?, ?, ?, 'Payment received', 0, ?, ?)
		`, txnID, recipientID, total, models.CategoryTransfer, p.Description, txnID, now); err != nil {
			return fmt.Errorf("insert credit entry: %w", err)
		}
		return nil
	})

	var declined *errDeclined
	if errors.As(err, &declined) {
		return &models.ProcessPaymentResult{Success: false, Message: declined.message}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to process payment: %w", err)
	}
	return &models.ProcessPaymentResult{Success: true, TransactionID: txnID, Message: "Payment completed"}, nil
}

// CreatePendingTransfer writes the transfer row, the sender's pending debit
// entry and the settlement job in one transaction.
func (s *Store) CreatePendingTransfer(ctx context.Context, pt *models.PendingTransfer) error {
	t := pt.Transfer
	e := pt.DebitEntry

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bank_transfers (
				id, sender_id, recipient_id, recipient_account_number, amount, memo,
				aggregator_transfer_id, authorization_id, simulated, state, debit_entry_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.SenderID, t.RecipientID, t.RecipientAccountNumber, models.ToCents(t.Amount), t.Memo,
			t.AggregatorTransferID, t.AuthorizationID, t.Simulated, string(t.State), t.DebitEntryID, t.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert bank transfer: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (
				id, user_id, amount, category, title, subtitle, pending,
				transfer_id, external_transfer_id, simulated, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.UserID, models.ToCents(e.Amount), e.Category, e.Title, e.Subtitle, e.Pending,
			e.TransferID, e.ExternalTransferID, e.Simulated, e.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert debit entry: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settlement_jobs (transfer_id, run_at, status) VALUES (?, ?, 'queued')
		`, t.ID, nanos(pt.SettleAt)); err != nil {
			return fmt.Errorf("enqueue settlement job: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create pending transfer: %w", err)
	}
	return nil
}

// ListTransactions returns the newest entries owned by userID.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, category, title, subtitle, pending,
		       transfer_id, external_transfer_id, simulated, created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
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
