package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction categories written to ledger entries.
const (
	CategoryTransfer     = "transfer"
	CategoryBankTransfer = "bank_transfer"
)

// ReversalTitle labels the entry that offsets the debit of a failed bank
// transfer.
const ReversalTitle = "Bank transfer reversed"

// LedgerEntry is a persisted money movement for one owner. Negative amounts
// are debits, positive amounts are credits.
type LedgerEntry struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	Category   string          `json:"category"`
	Title      string          `json:"title"`
	Subtitle   string          `json:"subtitle,omitempty"`
	Pending    bool            `json:"pending"`
	TransferID string          `json:"transfer_id,omitempty"`
	// ExternalTransferID is the aggregator's transfer identifier; empty for
	// simulated transfers.
	ExternalTransferID string    `json:"external_transfer_id,omitempty"`
	Simulated          bool      `json:"simulated"`
	CreatedAt          time.Time `json:"created_at"`
}

// TransferState is the lifecycle token of a bank-sourced payment.
type TransferState string

const (
	TransferInitiated TransferState = "initiated"
	TransferPending   TransferState = "pending"
	TransferSettled   TransferState = "settled"
	TransferFailed    TransferState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TransferState) Terminal() bool {
	return len(AllowedTransitions()[s]) == 0
}

// AllowedTransitions defines the transfer lifecycle.
func AllowedTransitions() map[TransferState][]TransferState {
	return map[TransferState][]TransferState{
		TransferInitiated: {TransferPending},
		TransferPending:   {TransferSettled, TransferFailed},
		TransferSettled:   {},
		TransferFailed:    {},
	}
}

// CanTransition reports whether from -> to is part of the lifecycle.
func CanTransition(from, to TransferState) bool {
	for _, s := range AllowedTransitions()[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents a transition outside the lifecycle.
type InvalidTransitionError struct {
	TransferID string
	From       TransferState
	To         TransferState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transfer state transition from %s to %s for transfer %s", e.From, e.To, e.TransferID)
}

// BankTransfer carries the settlement state of one bank-transfer-path payment.
type BankTransfer struct {
	ID                     string          `json:"id"`
	SenderID               string          `json:"sender_id"`
	RecipientID            string          `json:"recipient_id"`
	RecipientAccountNumber string          `json:"recipient_account_number"`
	Amount                 decimal.Decimal `json:"amount"`
	Memo                   string          `json:"memo,omitempty"`
	AggregatorTransferID   string          `json:"aggregator_transfer_id,omitempty"`
	AuthorizationID        string          `json:"authorization_id,omitempty"`
	Simulated              bool            `json:"simulated"`
	State                  TransferState   `json:"state"`
	DebitEntryID           string          `json:"debit_entry_id"`
	CreditEntryID          string          `json:"credit_entry_id,omitempty"`
	FailureReason          string          `json:"failure_reason,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	SettledAt              *time.Time      `json:"settled_at,omitempty"`
}

// Advance moves t to the given state or returns *InvalidTransitionError.
func (t *BankTransfer) Advance(to TransferState) error {
	if !CanTransition(t.State, to) {
		return &InvalidTransitionError{TransferID: t.ID, From: t.State, To: to}
	}
	t.State = to
	return nil
}

// PendingTransfer is what the bank-transfer adapter asks the datastore to
// persist: the transfer row, the sender's pending debit entry, and the
// settlement job, all in one transaction.
type PendingTransfer struct {
	Transfer   BankTransfer
	DebitEntry LedgerEntry
	SettleAt   time.Time
}

// JobStatus is the queue status of a settlement job.
type JobStatus string

const (
	JobQueued JobStatus = "queued"
	JobDone   JobStatus = "done"
	JobDead   JobStatus = "dead"
)

// SettlementJob is a durable deferred settlement keyed by transfer id.
type SettlementJob struct {
	TransferID string    `json:"transfer_id"`
	RunAt      time.Time `json:"run_at"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	Status     JobStatus `json:"status"`
}

// SettleOutcome reports what settle_bank_transfer did.
type SettleOutcome struct {
	Settled       bool
	AlreadyFinal  bool
	CreditEntryID string
}

// SettleParams is the argument set of the settle_bank_transfer step.
type SettleParams struct {
	TransferID    string
	RecipientID   string
	CreditEntryID string
	Title         string
	Subtitle      string
	SettledAt     time.Time
}
