package payments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/payflow/internal/models"
)

// PaymentProcessor is the datastore boundary of the ledger path: one atomic
// process_payment call that debits every source and credits the recipient.
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, params models.ProcessPaymentParams) (*models.ProcessPaymentResult, error)
}

// Result is returned to the caller of a payment operation.
type Result struct {
	Success       bool                  `json:"success"`
	Route         models.Route          `json:"route"`
	TransactionID string                `json:"transaction_id,omitempty"`
	TransferID    string                `json:"transfer_id,omitempty"`
	Simulated     bool                  `json:"simulated"`
	Message       string                `json:"message"`
	Recipient     *models.RecipientInfo `json:"recipient,omitempty"`
}

// LedgerExecutor is a façade over process_payment. It holds no transaction
// logic of its own.
type LedgerExecutor struct {
	processor PaymentProcessor
	logger    *slog.Logger
}

// NewLedgerExecutor creates a ledger executor.
func NewLedgerExecutor(processor PaymentProcessor, logger *slog.Logger) *LedgerExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerExecutor{processor: processor, logger: logger}
}

// Execute moves req.TotalAmount from the sources to recipient atomically, or
// fails with no partial effect.
func (e *LedgerExecutor) Execute(ctx context.Context, senderID string, req *models.PaymentRequest, recipient *models.RecipientInfo) (*Result, error) {
	// The sum invariant is re-checked here rather than trusted from the caller.
	if err := checkSum(req); err != nil {
		return nil, err
	}

	res, err := e.processor.ProcessPayment(ctx, models.ProcessPaymentParams{
		SenderID:               senderID,
		RecipientAccountNumber: recipient.AccountNumber,
		Sources:                req.Sources,
		TotalAmount:            req.TotalAmount,
		Description:            describe(req, recipient),
	})
	if err != nil {
		return nil, fmt.Errorf("process_payment call failed: %w", err)
	}
	if !res.Success {
		e.logger.Warn("ledger payment rejected by datastore",
			"sender_id", senderID,
			"recipient", recipient.AccountNumber,
			"message", res.Message,
		)
		return nil, &PaymentFailedError{Message: res.Message}
	}

	e.logger.Info("ledger payment completed",
		"sender_id", senderID,
		"recipient", recipient.AccountNumber,
		"transaction_id", res.TransactionID,
		"sources", len(req.Sources),
		"total", req.TotalAmount.StringFixed(2),
	)

	msg := res.Message
	if msg == "" {
		msg = "Payment completed"
	}
	return &Result{
		Success:       true,
		Route:         models.RouteLedger,
		TransactionID: res.TransactionID,
		Message:       msg,
		Recipient:     recipient,
	}, nil
}

func describe(req *models.PaymentRequest, recipient *models.RecipientInfo) string {
	if req.Memo != "" {
		return req.Memo
	}
	return "Payment to " + recipient.DisplayName()
}
