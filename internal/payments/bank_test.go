package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payflow/internal/models"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAdapter(store *fakeDatastore, agg *fakeAggregator) *BankTransferAdapter {
	ids := 0
	return NewBankTransferAdapter(NewResolver(store), agg, store, BankTransferConfig{
		SettleDelay: 5 * time.Second,
		Clock:       func() time.Time { return fixedNow },
		NewID: func() string {
			ids++
			return fmt.Sprintf("id-%d", ids)
		},
	}, nil)
}

func bankRequest() *models.PaymentRequest {
	return &models.PaymentRequest{
		SenderID:               "alice",
		RecipientAccountNumber: "1234567890",
		Sources:                []models.PaymentSource{bankSource("chk", "Checking", "100", "100", true)},
		TotalAmount:            d("100"),
	}
}

func TestBankTransfer_RealTransfer(t *testing.T) {
	store := newFakeDatastore()
	agg := &fakeAggregator{receipt: &models.ExternalTransferReceipt{TransferID: "ach-1", AuthorizationID: "auth-1", Status: "pending"}}

	res, err := newTestAdapter(store, agg).Initiate(context.Background(), "alice", bankRequest(), bob)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Simulated)
	assert.Equal(t, MsgBankTransferInitiated, res.Message)
	assert.Equal(t, models.RouteBankTransfer, res.Route)

	require.Len(t, agg.calls, 1)
	call := agg.calls[0]
	assert.Equal(t, "access-sandbox-chk", call.AccessToken)
	assert.Equal(t, "ext-chk", call.AccountID)
	assert.True(t, call.Amount.Equal(d("100")))
	assert.Equal(t, "bob", call.RecipientID)
	assert.Equal(t, "Payment to Bob Jones", call.Description)

	require.Len(t, store.pending, 1)
	pt := store.pending[0]
	assert.Equal(t, models.TransferPending, pt.Transfer.State)
	assert.Equal(t, "ach-1", pt.Transfer.AggregatorTransferID)
	assert.Equal(t, "auth-1", pt.Transfer.AuthorizationID)
	assert.Equal(t, "ach-1", pt.DebitEntry.ExternalTransferID)
	assert.Equal(t, "ACH transfer ach-1", pt.DebitEntry.Subtitle)
	assert.True(t, pt.DebitEntry.Pending)
	assert.True(t, pt.DebitEntry.Amount.Equal(d("-100")))
	assert.Equal(t, fixedNow.Add(5*time.Second), pt.SettleAt)
	assert.Equal(t, pt.DebitEntry.ID, res.TransactionID)
	assert.Equal(t, pt.Transfer.ID, res.TransferID)
}

func TestBankTransfer_FallbackIsTransparent(t *testing.T) {
	store := newFakeDatastore()
	agg := &fakeAggregator{err: errNetwork}

	res, err := newTestAdapter(store, agg).Initiate(context.Background(), "alice", bankRequest(), bob)
	require.NoError(t, err, "aggregator failures never reach the caller")
	assert.True(t, res.Success)
	assert.True(t, res.Simulated)
	assert.Contains(t, res.Message, "simulated")

	require.Len(t, store.pending, 1, "exactly one pending entry")
	pt := store.pending[0]
	assert.True(t, pt.DebitEntry.Pending)
	assert.True(t, pt.DebitEntry.Simulated)
	assert.True(t, pt.Transfer.Simulated)
	assert.Empty(t, pt.Transfer.AggregatorTransferID)
	assert.Empty(t, pt.DebitEntry.ExternalTransferID)
	assert.Equal(t, "Simulated bank transfer", pt.DebitEntry.Subtitle)
	assert.Equal(t, fixedNow.Add(5*time.Second), pt.SettleAt, "scheduled identically")
}

func TestBankTransfer_ResolvesRecipientWhenMissing(t *testing.T) {
	store := newFakeDatastore()
	agg := &fakeAggregator{receipt: &models.ExternalTransferReceipt{TransferID: "ach-1"}}

	res, err := newTestAdapter(store, agg).Initiate(context.Background(), "alice", bankRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Recipient.UserID)
	assert.Equal(t, 1, store.lookups)
}

func TestBankTransfer_UnknownRecipientSurfaces(t *testing.T) {
	store := newFakeDatastore()
	agg := &fakeAggregator{}
	req := bankRequest()
	req.RecipientAccountNumber = "9999999999"

	_, err := newTestAdapter(store, agg).Initiate(context.Background(), "alice", req, nil)
	assert.ErrorIs(t, err, ErrRecipientNotFound)
	assert.Empty(t, agg.calls)
	assert.Empty(t, store.pending)
}

func TestBankTransfer_PersistenceFailureSurfaces(t *testing.T) {
	store := newFakeDatastore()
	store.createErr = errors.New("datastore unavailable")
	agg := &fakeAggregator{err: errNetwork}

	_, err := newTestAdapter(store, agg).Initiate(context.Background(), "alice", bankRequest(), bob)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.createErr)
	assert.Contains(t, err.Error(), "failed to record pending bank transfer")
}

func TestBankTransfer_MemoBecomesSubtitle(t *testing.T) {
	store := newFakeDatastore()
	req := bankRequest()
	req.Memo = "March rent"

	_, err := newTestAdapter(store, &fakeAggregator{err: errNetwork}).Initiate(context.Background(), "alice", req, bob)
	require.NoError(t, err)
	assert.Equal(t, "March rent", store.pending[0].DebitEntry.Subtitle)
	assert.Equal(t, "March rent", store.pending[0].Transfer.Memo)
}

func TestBankTransfer_RequiresSingleSource(t *testing.T) {
	store := newFakeDatastore()
	req := bankRequest()
	req.Sources = append(req.Sources, internalSource("bal", "1", "1"))

	_, err := newTestAdapter(store, &fakeAggregator{}).Initiate(context.Background(), "alice", req, bob)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}
