package payments

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/payflow/internal/metrics"
	"github.com/example/payflow/internal/models"
)

// Datastore is everything the payment service needs from the relational
// datastore.
type Datastore interface {
	RecipientLookup
	PaymentProcessor
	PendingTransferStore
}

// Auditor records payment outcomes. pkg/audit.Trail satisfies it.
type Auditor interface {
	Record(kind, ref string, attrs map[string]string)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store      Datastore
	Aggregator TransferInitiator
	Auditor    Auditor
	Logger     *slog.Logger
	Bank       BankTransferConfig
}

// Service validates, resolves, routes and executes payments. Construct it
// with NewService; there is no package-level instance.
type Service struct {
	resolver *Resolver
	ledger   *LedgerExecutor
	bank     *BankTransferAdapter
	auditor  Auditor
	logger   *slog.Logger
}

// NewService wires a Service from deps.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := NewResolver(deps.Store)
	return &Service{
		resolver: resolver,
		ledger:   NewLedgerExecutor(deps.Store, logger),
		bank:     NewBankTransferAdapter(resolver, deps.Aggregator, deps.Store, deps.Bank, logger),
		auditor:  deps.Auditor,
		logger:   logger,
	}
}

// Pay runs one payment: validation, recipient resolution, routing and
// execution, strictly in that order. senderID comes from the identity
// provider and overrides any sender carried in req. req itself is left
// untouched.
func (s *Service) Pay(ctx context.Context, senderID string, req *models.PaymentRequest) (*Result, error) {
	start := time.Now()
	route := models.Route("none")

	res, err := s.pay(ctx, senderID, req, &route)

	outcome := outcomeOf(res, err)
	metrics.PaymentsTotal.WithLabelValues(string(route), outcome).Inc()
	metrics.PaymentDuration.WithLabelValues(string(route)).Observe(time.Since(start).Seconds())
	s.audit(senderID, req, route, res, err)

	return res, err
}

func (s *Service) pay(ctx context.Context, senderID string, req *models.PaymentRequest, route *models.Route) (*Result, error) {
	if req == nil {
		return nil, &ValidationError{Reason: "payment request is required"}
	}
	req = req.Clone()
	req.SenderID = senderID

	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	// The sum check above runs on the amounts as submitted; the datastore
	// works in cents.
	req.Normalize()
	if err := ValidateSources(req.Sources).Err(); err != nil {
		return nil, err
	}

	recipient, err := s.resolver.Resolve(ctx, req.RecipientAccountNumber)
	if err != nil {
		return nil, err
	}
	if recipient.UserID == senderID {
		return nil, &ValidationError{Reason: "cannot send money to yourself"}
	}

	*route = Classify(req)
	s.logger.Debug("payment routed",
		"sender_id", senderID,
		"recipient", recipient.AccountNumber,
		"route", *route,
		"total", req.TotalAmount.StringFixed(2),
	)

	switch *route {
	case models.RouteBankTransfer:
		return s.bank.Initiate(ctx, senderID, req, recipient)
	default:
		return s.ledger.Execute(ctx, senderID, req, recipient)
	}
}

func (s *Service) audit(senderID string, req *models.PaymentRequest, route models.Route, res *Result, err error) {
	if s.auditor == nil {
		return
	}

	attrs := map[string]string{
		"sender_id": senderID,
		"route":     string(route),
	}
	if req != nil {
		attrs["recipient"] = req.RecipientAccountNumber
		attrs["total"] = req.TotalAmount.StringFixed(2)
	}

	ref := ""
	if err != nil {
		attrs["error"] = err.Error()
		s.auditor.Record("payment.rejected", ref, attrs)
		return
	}

	ref = res.TransactionID
	if res.TransferID != "" {
		ref = res.TransferID
		attrs["simulated"] = strconv.FormatBool(res.Simulated)
	}
	s.auditor.Record("payment.accepted", ref, attrs)
}

func outcomeOf(res *Result, err error) string {
	var ve *ValidationError
	var pf *PaymentFailedError
	switch {
	case err == nil && res != nil && res.Simulated:
		return "simulated"
	case err == nil:
		return "success"
	case errors.As(err, &ve):
		return "invalid"
	case errors.Is(err, ErrRecipientNotFound):
		return "recipient_not_found"
	case errors.As(err, &pf):
		return "declined"
	default:
		return "error"
	}
}
