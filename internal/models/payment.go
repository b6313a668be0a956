// Package models holds the value types shared by the payment engine, the
// settlement worker and the datastore implementations.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceKind identifies where a funding leg draws money from.
type SourceKind string

const (
	SourceInternalBalance SourceKind = "internal-balance"
	SourceExternalBank    SourceKind = "external-bank"
)

// Valid reports whether k is one of the known source kinds.
func (k SourceKind) Valid() bool {
	return k == SourceInternalBalance || k == SourceExternalBank
}

// PaymentSource is one funding leg of a payment.
type PaymentSource struct {
	ID               string          `json:"id"`
	Kind             SourceKind      `json:"kind"`
	Name             string          `json:"name"`
	Amount           decimal.Decimal `json:"amount"`
	AvailableBalance decimal.Decimal `json:"available_balance"`

	// Credentials for the aggregator transfer primitive. Both are required
	// for a source to take the bank-transfer path.
	AccessToken       string `json:"access_token,omitempty"`
	ExternalAccountID string `json:"external_account_id,omitempty"`
}

// HasTransferCredentials reports whether both aggregator credentials are present.
func (s PaymentSource) HasTransferCredentials() bool {
	return s.AccessToken != "" && s.ExternalAccountID != ""
}

// PaymentRequest is the caller-owned aggregate describing one payment.
type PaymentRequest struct {
	SenderID               string          `json:"sender_id"`
	RecipientAccountNumber string          `json:"recipient_account_number"`
	Sources                []PaymentSource `json:"sources"`
	TotalAmount            decimal.Decimal `json:"total_amount"`
	Memo                   string          `json:"memo,omitempty"`
}

// SourceTotal returns the sum of the requested source amounts.
func (r *PaymentRequest) SourceTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, s := range r.Sources {
		sum = sum.Add(s.Amount)
	}
	return sum
}

// Clone returns a copy of r that shares no source slice with it.
func (r *PaymentRequest) Clone() *PaymentRequest {
	c := *r
	c.Sources = append([]PaymentSource(nil), r.Sources...)
	return &c
}

// Normalize rounds every monetary field to cents. Any cent drift between the
// rounded legs and the rounded total is settled on the largest leg so the
// legs always add up to the total exactly.
func (r *PaymentRequest) Normalize() {
	r.TotalAmount = r.TotalAmount.Round(2)
	if len(r.Sources) == 0 {
		return
	}

	largest := 0
	sum := decimal.Zero
	for i := range r.Sources {
		r.Sources[i].Amount = r.Sources[i].Amount.Round(2)
		r.Sources[i].AvailableBalance = r.Sources[i].AvailableBalance.Round(2)
		sum = sum.Add(r.Sources[i].Amount)
		if r.Sources[i].Amount.GreaterThan(r.Sources[largest].Amount) {
			largest = i
		}
	}

	if drift := r.TotalAmount.Sub(sum); !drift.IsZero() {
		r.Sources[largest].Amount = r.Sources[largest].Amount.Add(drift)
	}
}

// RecipientInfo is the resolved receiving party.
type RecipientInfo struct {
	UserID        string `json:"user_id"`
	AccountNumber string `json:"account_number"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	Email         string `json:"email,omitempty"`
}

// DisplayName returns the best human-readable name for the recipient.
func (r *RecipientInfo) DisplayName() string {
	switch {
	case r.FirstName != "" && r.LastName != "":
		return r.FirstName + " " + r.LastName
	case r.FirstName != "":
		return r.FirstName
	case r.Email != "":
		return r.Email
	default:
		return r.AccountNumber
	}
}

// Route is the transfer mechanism chosen for a request.
type Route string

const (
	RouteLedger       Route = "ledger"
	RouteBankTransfer Route = "bank_transfer"
)

// ProcessPaymentParams is the argument set of the process_payment procedure.
type ProcessPaymentParams struct {
	SenderID               string
	RecipientAccountNumber string
	Sources                []PaymentSource
	TotalAmount            decimal.Decimal
	Description            string
}

// ProcessPaymentResult is the structured result of process_payment.
type ProcessPaymentResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	Message       string `json:"message"`
}

// ToCents converts a cent-rounded amount to its integer minor-unit value.
func ToCents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

// FromCents converts minor units back to a decimal amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// Clock returns the current time. Stores and workers take one so tests can
// pin time.
type Clock func() time.Time

// ExternalTransferRequest is the argument set of the aggregator's transfer
// primitive.
type ExternalTransferRequest struct {
	AccessToken string          `json:"access_token"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	RecipientID string          `json:"recipient_id"`
}

// ExternalTransferReceipt is returned by the aggregator when a transfer is
// accepted.
type ExternalTransferReceipt struct {
	TransferID      string `json:"transfer_id"`
	AuthorizationID string `json:"authorization_id"`
	Status          string `json:"status"`
}
