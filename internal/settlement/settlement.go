// Package settlement finalizes bank-transfer-path payments. A durable job is
// enqueued with every pending transfer; the Worker claims due jobs, re-resolves
// the recipient and settles the transfer atomically in the datastore.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/example/payflow/internal/models"
)

// ErrRecipientMissing is reported when the recipient of a pending transfer no
// longer resolves at settlement time. The job is dead-lettered.
var ErrRecipientMissing = errors.New("settlement recipient missing")

// ErrTransferNotFound is returned by stores when no transfer row matches.
var ErrTransferNotFound = errors.New("bank transfer not found")

// Dead-letter reasons.
const (
	ReasonRecipientMissing = "recipient_missing"
	ReasonTransferMissing  = "transfer_missing"
	ReasonMaxAttempts      = "max_attempts"
)

// Store is the datastore boundary of the settlement worker.
type Store interface {
	// ClaimDue leases up to limit queued jobs whose run_at is not after now.
	// Claimed jobs have their attempt counter incremented and run_at pushed to
	// now+lease so that a crashed worker's jobs become visible again.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.SettlementJob, error)

	// GetTransfer returns the transfer or an error wrapping ErrTransferNotFound.
	GetTransfer(ctx context.Context, transferID string) (*models.BankTransfer, error)

	// Settle applies the settlement in one transaction: it clears the
	// sender's pending flag, increments the recipient balance server-side,
	// inserts the credit entry, marks the transfer settled and the job done.
	// It only applies when the transfer is still pending; otherwise it
	// reports AlreadyFinal and marks the job done. A missing recipient row
	// yields an error wrapping ErrRecipientMissing.
	Settle(ctx context.Context, params models.SettleParams) (*models.SettleOutcome, error)

	// Retry requeues the job at runAt, recording lastError.
	Retry(ctx context.Context, transferID string, runAt time.Time, lastError string) error

	// DeadLetter marks the job dead, records reason in the dead-letter table
	// and moves a pending transfer to failed.
	DeadLetter(ctx context.Context, transferID, reason string, at time.Time) error
}

// Auditor records settlement events. pkg/audit.Trail satisfies it.
type Auditor interface {
	Record(kind, ref string, attrs map[string]string)
}
