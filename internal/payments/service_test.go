package payments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payflow/internal/models"
)

func newTestService(store *fakeDatastore, agg *fakeAggregator, auditor Auditor) *Service {
	return NewService(Deps{
		Store:      store,
		Aggregator: agg,
		Auditor:    auditor,
		Bank:       BankTransferConfig{Clock: func() time.Time { return fixedNow }},
	})
}

// Internal balance plus a bank source without credentials goes through the
// ledger with both sources in one call.
func TestService_MultiSourceLedgerPayment(t *testing.T) {
	store := newFakeDatastore()
	agg := &fakeAggregator{}
	auditor := &fakeAuditor{}
	svc := newTestService(store, agg, auditor)

	res, err := svc.Pay(context.Background(), "alice", &models.PaymentRequest{
		RecipientAccountNumber: "1234567890",
		Sources:                []models.PaymentSource{internalSource("bal", "30", "50"), bankSource("chk", "Checking", "20", "100", false)},
		TotalAmount:            d("50"),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.RouteLedger, res.Route)
	require.Len(t, store.processCalls, 1)
	assert.Len(t, store.processCalls[0].Sources, 2)
	assert.Empty(t, agg.calls)

	require.Len(t, auditor.records, 1)
	assert.Equal(t, "payment.accepted", auditor.records[0].kind)
	assert.Equal(t, "txn-1", auditor.records[0].ref)
	assert.Equal(t, "ledger", auditor.records[0].attrs["route"])
}

func TestService_BankTransferFallback(t *testing.T) {
	store := newFakeDatastore()
	agg := &fakeAggregator{err: errNetwork}
	auditor := &fakeAuditor{}
	svc := newTestService(store, agg, auditor)

	res, err := svc.Pay(context.Background(), "alice", &models.PaymentRequest{
		RecipientAccountNumber: "1234567890",
		Sources:                []models.PaymentSource{bankSource("chk", "Checking", "100", "100", true)},
		TotalAmount:            d("100"),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "simulated")
	require.Len(t, store.pending, 1)
	assert.True(t, store.pending[0].DebitEntry.Pending)
	assert.True(t, store.pending[0].DebitEntry.Simulated)
	assert.Empty(t, store.processCalls)

	require.Len(t, auditor.records, 1)
	assert.Equal(t, res.TransferID, auditor.records[0].ref)
	assert.Equal(t, "true", auditor.records[0].attrs["simulated"])
}

func TestService_SumMismatchRejectedBeforeAnyCall(t *testing.T) {
	store := newFakeDatastore()
	agg := &fakeAggregator{}
	auditor := &fakeAuditor{}
	svc := newTestService(store, agg, auditor)

	_, err := svc.Pay(context.Background(), "alice", &models.PaymentRequest{
		RecipientAccountNumber: "1234567890",
		Sources:                []models.PaymentSource{internalSource("bal", "25", "50"), bankSource("chk", "Checking", "15", "50", false)},
		TotalAmount:            d("50"),
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, store.lookups)
	assert.Empty(t, store.processCalls)
	assert.Empty(t, agg.calls)

	require.Len(t, auditor.records, 1)
	assert.Equal(t, "payment.rejected", auditor.records[0].kind)
}

func TestService_UnknownRecipient(t *testing.T) {
	store := newFakeDatastore()
	agg := &fakeAggregator{}
	svc := newTestService(store, agg, nil)

	_, err := svc.Pay(context.Background(), "alice", &models.PaymentRequest{
		RecipientAccountNumber: "9999999999",
		Sources:                []models.PaymentSource{bankSource("chk", "Checking", "10", "100", true)},
		TotalAmount:            d("10"),
	})
	assert.ErrorIs(t, err, ErrRecipientNotFound)
	assert.True(t, IsUserVisible(err))
	assert.Empty(t, store.processCalls)
	assert.Empty(t, store.pending, "no ledger entry created")
	assert.Empty(t, agg.calls)
}

func TestService_AmountAboveStatedBalance(t *testing.T) {
	store := newFakeDatastore()
	svc := newTestService(store, &fakeAggregator{}, nil)

	_, err := svc.Pay(context.Background(), "alice", &models.PaymentRequest{
		RecipientAccountNumber: "1234567890",
		Sources:                []models.PaymentSource{bankSource("chk", "Checking", "60", "50", false)},
		TotalAmount:            d("60"),
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "Checking")
	assert.Contains(t, ve.Reason, "$50.00")
	assert.Zero(t, store.lookups)
}

func TestService_SelfPaymentRejected(t *testing.T) {
	store := newFakeDatastore()
	svc := newTestService(store, &fakeAggregator{}, nil)

	_, err := svc.Pay(context.Background(), "alice", &models.PaymentRequest{
		RecipientAccountNumber: "ALICE-ACCT",
		Sources:                []models.PaymentSource{internalSource("bal", "10", "50")},
		TotalAmount:            d("10"),
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, store.processCalls)
}

func TestService_SenderComesFromIdentity(t *testing.T) {
	store := newFakeDatastore()
	svc := newTestService(store, &fakeAggregator{}, nil)

	req := &models.PaymentRequest{
		SenderID:               "mallory",
		RecipientAccountNumber: "1234567890",
		Sources:                []models.PaymentSource{internalSource("bal", "10", "50")},
		TotalAmount:            d("10"),
	}
	_, err := svc.Pay(context.Background(), "alice", req)
	require.NoError(t, err)
	assert.Equal(t, "alice", store.processCalls[0].SenderID)
}

// Legs are summed as submitted; rounding to cents happens afterwards and the
// cent of drift lands on one leg.
func TestService_SubCentLegsMatchingTotal(t *testing.T) {
	store := newFakeDatastore()
	svc := newTestService(store, &fakeAggregator{}, nil)

	req := &models.PaymentRequest{
		SenderID:               "caller-set",
		RecipientAccountNumber: "1234567890",
		Sources: []models.PaymentSource{
			internalSource("bal", "10.005", "50"),
			bankSource("chk", "Checking", "10.005", "50", false),
		},
		TotalAmount: d("20.01"),
	}
	_, err := svc.Pay(context.Background(), "alice", req)
	require.NoError(t, err)

	require.Len(t, store.processCalls, 1)
	call := store.processCalls[0]
	assert.Equal(t, "20.01", call.TotalAmount.StringFixed(2))
	assert.Equal(t, "10.00", call.Sources[0].Amount.StringFixed(2))
	assert.Equal(t, "10.01", call.Sources[1].Amount.StringFixed(2))

	// The caller's request is not modified.
	assert.Equal(t, "caller-set", req.SenderID)
	assert.True(t, req.Sources[0].Amount.Equal(d("10.005")))
	assert.True(t, req.Sources[1].Amount.Equal(d("10.005")))
}

func TestService_NilRequest(t *testing.T) {
	svc := newTestService(newFakeDatastore(), &fakeAggregator{}, nil)
	_, err := svc.Pay(context.Background(), "alice", nil)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, "success", outcomeOf(&Result{Success: true}, nil))
	assert.Equal(t, "simulated", outcomeOf(&Result{Success: true, Simulated: true}, nil))
	assert.Equal(t, "invalid", outcomeOf(nil, &ValidationError{Reason: "x"}))
	assert.Equal(t, "recipient_not_found", outcomeOf(nil, ErrRecipientNotFound))
	assert.Equal(t, "declined", outcomeOf(nil, &PaymentFailedError{Message: "x"}))
	assert.Equal(t, "error", outcomeOf(nil, errNetwork))
}
