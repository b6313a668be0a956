package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/payflow/internal/models"
)

// RecipientLookup finds a user by external account number. Implementations
// return (nil, nil) when no user matches.
type RecipientLookup interface {
	FindRecipient(ctx context.Context, accountNumber string) (*models.RecipientInfo, error)
}

// Resolver maps an externally presented account number to a party record.
type Resolver struct {
	lookup RecipientLookup
}

// NewResolver creates a resolver backed by lookup.
func NewResolver(lookup RecipientLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns the recipient for accountNumber or an error wrapping
// ErrRecipientNotFound.
func (r *Resolver) Resolve(ctx context.Context, accountNumber string) (*models.RecipientInfo, error) {
	accountNumber = strings.TrimSpace(accountNumber)
	if accountNumber == "" {
		return nil, fmt.Errorf("%w: empty account number", ErrRecipientNotFound)
	}

	info, err := r.lookup.FindRecipient(ctx, accountNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to look up recipient: %w", err)
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, accountNumber)
	}
	return info, nil
}
