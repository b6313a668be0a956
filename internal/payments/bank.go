package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/payflow/internal/metrics"
	"github.com/example/payflow/internal/models"
)

// Messages returned for accepted bank transfers.
const (
	MsgBankTransferInitiated          = "Bank transfer initiated"
	MsgBankTransferInitiatedSimulated = "Bank transfer initiated (simulated)"
)

// DefaultSettleDelay models ACH clearing time before a pending transfer is
// settled.
const DefaultSettleDelay = 5 * time.Second

// TransferInitiator is the aggregator's transfer primitive.
type TransferInitiator interface {
	CreateTransfer(ctx context.Context, req models.ExternalTransferRequest) (*models.ExternalTransferReceipt, error)
}

// PendingTransferStore persists the transfer row, the sender's pending debit
// entry and the settlement job in a single datastore transaction.
type PendingTransferStore interface {
	CreatePendingTransfer(ctx context.Context, pt *models.PendingTransfer) error
}

// BankTransferConfig tunes the adapter.
type BankTransferConfig struct {
	SettleDelay time.Duration
	Clock       models.Clock
	NewID       func() string
}

// BankTransferAdapter initiates external bank debits and falls back to a
// simulated settlement when the aggregator cannot move the money.
type BankTransferAdapter struct {
	resolver   *Resolver
	aggregator TransferInitiator
	store      PendingTransferStore
	cfg        BankTransferConfig
	logger     *slog.Logger
}

// NewBankTransferAdapter creates an adapter. Zero config fields get defaults.
func NewBankTransferAdapter(resolver *Resolver, aggregator TransferInitiator, store PendingTransferStore, cfg BankTransferConfig, logger *slog.Logger) *BankTransferAdapter {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BankTransferAdapter{
		resolver:   resolver,
		aggregator: aggregator,
		store:      store,
		cfg:        cfg,
		logger:     logger,
	}
}

// Initiate starts a bank-transfer-path payment. recipient may be nil, in which
// case it is resolved first. An aggregator failure is never returned: the
// transfer is recorded as simulated and settles the same way. Only recipient
// resolution and persistence failures reach the caller.
func (a *BankTransferAdapter) Initiate(ctx context.Context, senderID string, req *models.PaymentRequest, recipient *models.RecipientInfo) (*Result, error) {
	if len(req.Sources) != 1 {
		return nil, validationErrorf("bank transfer requires exactly one source, got %d", len(req.Sources))
	}

	if recipient == nil {
		var err error
		recipient, err = a.resolver.Resolve(ctx, req.RecipientAccountNumber)
		if err != nil {
			return nil, err
		}
	}

	src := req.Sources[0]
	description := describe(req, recipient)

	receipt, err := a.aggregator.CreateTransfer(ctx, models.ExternalTransferRequest{
		AccessToken: src.AccessToken,
		AccountID:   src.ExternalAccountID,
		Amount:      req.TotalAmount,
		Description: description,
		RecipientID: recipient.UserID,
	})
	if err != nil {
		xerr := &ExternalTransferError{Err: err}
		a.logger.Warn("aggregator transfer failed, falling back to simulated settlement",
			"sender_id", senderID,
			"recipient", recipient.AccountNumber,
			"error", xerr,
		)
		metrics.BankTransferFallbacks.Inc()
		receipt = nil
	}

	pt, err := a.pendingTransfer(senderID, req, recipient, receipt)
	if err != nil {
		return nil, err
	}
	if err := a.store.CreatePendingTransfer(ctx, pt); err != nil {
		return nil, fmt.Errorf("failed to record pending bank transfer: %w", err)
	}

	a.logger.Info("bank transfer pending",
		"transfer_id", pt.Transfer.ID,
		"aggregator_transfer_id", pt.Transfer.AggregatorTransferID,
		"simulated", pt.Transfer.Simulated,
		"settle_at", pt.SettleAt,
	)

	msg := MsgBankTransferInitiated
	if pt.Transfer.Simulated {
		msg = MsgBankTransferInitiatedSimulated
	}
	return &Result{
		Success:       true,
		Route:         models.RouteBankTransfer,
		TransactionID: pt.DebitEntry.ID,
		TransferID:    pt.Transfer.ID,
		Simulated:     pt.Transfer.Simulated,
		Message:       msg,
		Recipient:     recipient,
	}, nil
}

func (a *BankTransferAdapter) pendingTransfer(senderID string, req *models.PaymentRequest, recipient *models.RecipientInfo, receipt *models.ExternalTransferReceipt) (*models.PendingTransfer, error) {
	now := a.cfg.Clock().UTC()

	transfer := models.BankTransfer{
		ID:                     a.cfg.NewID(),
		SenderID:               senderID,
		RecipientID:            recipient.UserID,
		RecipientAccountNumber: recipient.AccountNumber,
		Amount:                 req.TotalAmount,
		Memo:                   req.Memo,
		Simulated:              receipt == nil,
		State:                  models.TransferInitiated,
		CreatedAt:              now,
	}
	if receipt != nil {
		transfer.AggregatorTransferID = receipt.TransferID
		transfer.AuthorizationID = receipt.AuthorizationID
	}

	subtitle := "ACH transfer " + transfer.AggregatorTransferID
	if transfer.Simulated {
		subtitle = "Simulated bank transfer"
	}

	debit := models.LedgerEntry{
		ID:                 a.cfg.NewID(),
		UserID:             senderID,
		Amount:             req.TotalAmount.Neg(),
		Category:           models.CategoryBankTransfer,
		Title:              "Bank transfer to " + recipient.DisplayName(),
		Subtitle:           subtitle,
		Pending:            true,
		TransferID:         transfer.ID,
		ExternalTransferID: transfer.AggregatorTransferID,
		Simulated:          transfer.Simulated,
		CreatedAt:          now,
	}
	if req.Memo != "" {
		debit.Subtitle = req.Memo
	}

	transfer.DebitEntryID = debit.ID
	if err := transfer.Advance(models.TransferPending); err != nil {
		return nil, err
	}

	return &models.PendingTransfer{
		Transfer:   transfer,
		DebitEntry: debit,
		SettleAt:   now.Add(a.cfg.SettleDelay),
	}, nil
}
