package payments

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/payflow/internal/models"
)

// SumTolerance is the monetary rounding tolerance between the declared total
// and the sum of the source amounts.
var SumTolerance = decimal.New(1, -2)

// ValidationResult represents the outcome of an advisory source check.
type ValidationResult struct {
	IsValid        bool                   `json:"is_valid"`
	ValidationType string                 `json:"validation_type"`
	Message        string                 `json:"message"`
	SourceID       string                 `json:"source_id,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// Err converts a failed result into a *ValidationError; it returns nil for a
// passing result.
func (r *ValidationResult) Err() error {
	if r == nil || r.IsValid {
		return nil
	}
	return &ValidationError{Reason: r.Message}
}

// ValidateSources checks a proposed set of funding sources for basic
// sufficiency. The check is advisory: balances may change before execution
// and the datastore enforces the final word.
func ValidateSources(sources []models.PaymentSource) *ValidationResult {
	if len(sources) == 0 {
		return &ValidationResult{
			IsValid:        false,
			ValidationType: "sources_present",
			Message:        "at least one payment source is required",
		}
	}

	for _, s := range sources {
		if !s.Amount.IsPositive() {
			return &ValidationResult{
				IsValid:        false,
				ValidationType: "source_amount",
				Message:        fmt.Sprintf("amount for %s must be greater than zero", sourceLabel(s)),
				SourceID:       s.ID,
			}
		}

		if s.Amount.GreaterThan(s.AvailableBalance) {
			return &ValidationResult{
				IsValid:        false,
				ValidationType: "source_balance",
				Message: fmt.Sprintf("amount exceeds available balance in %s ($%s)",
					sourceLabel(s), s.AvailableBalance.StringFixed(2)),
				SourceID: s.ID,
				Details: map[string]interface{}{
					"requested": s.Amount.StringFixed(2),
					"available": s.AvailableBalance.StringFixed(2),
				},
			}
		}
	}

	return &ValidationResult{
		IsValid:        true,
		ValidationType: "sources",
		Message:        fmt.Sprintf("%d payment source(s) are sufficient", len(sources)),
	}
}

// ValidateRequest runs every pre-flight check on a request: sender, recipient,
// source kinds, source sufficiency and the sum invariant. It never performs
// I/O.
func ValidateRequest(req *models.PaymentRequest) error {
	if req == nil {
		return &ValidationError{Reason: "payment request is required"}
	}
	if strings.TrimSpace(req.SenderID) == "" {
		return &ValidationError{Reason: "sender is required"}
	}
	if strings.TrimSpace(req.RecipientAccountNumber) == "" {
		return &ValidationError{Reason: "recipient account number is required"}
	}
	for _, s := range req.Sources {
		if !s.Kind.Valid() {
			return validationErrorf("unknown source kind %q for %s", s.Kind, sourceLabel(s))
		}
	}

	if err := ValidateSources(req.Sources).Err(); err != nil {
		return err
	}

	return checkSum(req)
}

func checkSum(req *models.PaymentRequest) error {
	if !req.TotalAmount.IsPositive() {
		return &ValidationError{Reason: "total amount must be greater than zero"}
	}

	sum := req.SourceTotal()
	if sum.Sub(req.TotalAmount).Abs().GreaterThanOrEqual(SumTolerance) {
		return validationErrorf("source amounts ($%s) do not match total ($%s)",
			sum.StringFixed(2), req.TotalAmount.StringFixed(2))
	}
	return nil
}

func sourceLabel(s models.PaymentSource) string {
	if s.Name != "" {
		return s.Name
	}
	if s.ID != "" {
		return s.ID
	}
	return string(s.Kind)
}
