package payments

import (
	"errors"
	"fmt"
)

// ErrRecipientNotFound is returned when the recipient account number does not
// resolve to a user. No mutation happens when it is returned.
var ErrRecipientNotFound = errors.New("recipient not found")

// ValidationError represents a malformed payment request. It is always
// returned before any datastore or aggregator call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid payment: " + e.Reason
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// PaymentFailedError carries a failure reported by the process_payment
// procedure. The procedure guarantees no partial effect.
type PaymentFailedError struct {
	Message string
}

func (e *PaymentFailedError) Error() string {
	return "payment failed: " + e.Message
}

// ExternalTransferError wraps an aggregator failure. It never reaches callers
// of Service.Pay; the bank adapter converts it into a simulated settlement.
type ExternalTransferError struct {
	Err error
}

func (e *ExternalTransferError) Error() string {
	return fmt.Sprintf("external transfer failed: %v", e.Err)
}

func (e *ExternalTransferError) Unwrap() error {
	return e.Err
}

// IsUserVisible reports whether err belongs to a class that is surfaced to
// the end user as a failed payment.
func IsUserVisible(err error) bool {
	var ve *ValidationError
	var pf *PaymentFailedError
	return errors.As(err, &ve) || errors.As(err, &pf) || errors.Is(err, ErrRecipientNotFound)
}
