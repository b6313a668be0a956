package payments

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/example/payflow/internal/models"
)

type fakeDatastore struct {
	mu         sync.Mutex
	recipients map[string]*models.RecipientInfo
	lookupErr  error

	processResult *models.ProcessPaymentResult
	processErr    error
	processCalls  []models.ProcessPaymentParams

	createErr error
	pending   []*models.PendingTransfer
	lookups   int
}

func newFakeDatastore() *fakeDatastore {
	return &fakeDatastore{
		recipients: map[string]*models.RecipientInfo{
			"1234567890": {UserID: "bob", AccountNumber: "1234567890", FirstName: "Bob", LastName: "Jones"},
			"ALICE-ACCT": {UserID: "alice", AccountNumber: "ALICE-ACCT", FirstName: "Alice"},
		},
		processResult: &models.ProcessPaymentResult{Success: true, TransactionID: "txn-1", Message: "Payment completed"},
	}
}

func (f *fakeDatastore) FindRecipient(_ context.Context, accountNumber string) (*models.RecipientInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.recipients[accountNumber], nil
}

func (f *fakeDatastore) ProcessPayment(_ context.Context, p models.ProcessPaymentParams) (*models.ProcessPaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processCalls = append(f.processCalls, p)
	if f.processErr != nil {
		return nil, f.processErr
	}
	return f.processResult, nil
}

func (f *fakeDatastore) CreatePendingTransfer(_ context.Context, pt *models.PendingTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.pending = append(f.pending, pt)
	return nil
}

type fakeAggregator struct {
	receipt *models.ExternalTransferReceipt
	err     error
	calls   []models.ExternalTransferRequest
}

func (a *fakeAggregator) CreateTransfer(_ context.Context, req models.ExternalTransferRequest) (*models.ExternalTransferReceipt, error) {
	a.calls = append(a.calls, req)
	if a.err != nil {
		return nil, a.err
	}
	return a.receipt, nil
}

var errNetwork = errors.New("network error: INSTITUTION_NOT_SUPPORTED")

type auditRecord struct {
	kind  string
	ref   string
	attrs map[string]string
}

type fakeAuditor struct {
	records []auditRecord
}

func (a *fakeAuditor) Record(kind, ref string, attrs map[string]string) {
	a.records = append(a.records, auditRecord{kind: kind, ref: ref, attrs: attrs})
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func internalSource(id, amount, available string) models.PaymentSource {
	return models.PaymentSource{
		ID: id, Kind: models.SourceInternalBalance, Name: "Balance",
		Amount: d(amount), AvailableBalance: d(available),
	}
}

func bankSource(id, name, amount, available string, withCredentials bool) models.PaymentSource {
	s := models.PaymentSource{
		ID: id, Kind: models.SourceExternalBank, Name: name,
		Amount: d(amount), AvailableBalance: d(available),
	}
	if withCredentials {
		s.AccessToken = "access-sandbox-" + id
		s.ExternalAccountID = "ext-" + id
	}
	return s
}
