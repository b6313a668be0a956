package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/payflow/internal/auth"
	"github.com/example/payflow/internal/models"
	"github.com/example/payflow/internal/payments"
	"github.com/example/payflow/internal/security"
	"github.com/example/payflow/internal/settlement"
)

const (
	defaultTransactionsLimit = 50
	maxTransactionsLimit     = 200
)

type paymentSourceRequest struct {
	ID                string          `json:"id"`
	Kind              string          `json:"kind"`
	Name              string          `json:"name"`
	Amount            decimal.Decimal `json:"amount"`
	AvailableBalance  decimal.Decimal `json:"available_balance"`
	AccessToken       string          `json:"access_token"`
	ExternalAccountID string          `json:"external_account_id"`
}

type createPaymentRequest struct {
	RecipientAccountNumber string                 `json:"recipient_account_number"`
	Sources                []paymentSourceRequest `json:"sources"`
	TotalAmount            decimal.Decimal        `json:"total_amount"`
	Memo                   string                 `json:"memo"`
}

func (req createPaymentRequest) toModel() *models.PaymentRequest {
	out := &models.PaymentRequest{
		RecipientAccountNumber: req.RecipientAccountNumber,
		TotalAmount:            req.TotalAmount,
		Memo:                   req.Memo,
		Sources:                make([]models.PaymentSource, 0, len(req.Sources)),
	}
	for _, s := range req.Sources {
		out.Sources = append(out.Sources, models.PaymentSource{
			ID:                s.ID,
			Kind:              models.SourceKind(s.Kind),
			Name:              s.Name,
			Amount:            s.Amount,
			AvailableBalance:  s.AvailableBalance,
			AccessToken:       s.AccessToken,
			ExternalAccountID: s.ExternalAccountID,
		})
	}
	return out
}

type createPaymentResponse struct {
	CorrelationID string `json:"correlation_id"`
	*payments.Result
}

type transferResponse struct {
	CorrelationID string               `json:"correlation_id"`
	Transfer      *models.BankTransfer `json:"transfer"`
}

type listTransactionsResponse struct {
	CorrelationID string               `json:"correlation_id"`
	Transactions  []models.LedgerEntry `json:"transactions"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func handleHealth(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(r.Context()); err != nil {
				deps.Logger.Warn("health check failed", "error", err)
				writeJSON(w, r, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
				return
			}
		}
		writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok"})
	}
}

func handleCreatePayment(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Payments == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "payments_unavailable")
			return
		}

		var req createPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		sender := auth.SenderIDFromContext(r.Context())
		res, err := deps.Payments.Pay(r.Context(), sender, req.toModel())
		if err != nil {
			writePaymentError(deps, w, r, err)
			return
		}

		status := http.StatusCreated
		if res.Route == models.RouteBankTransfer {
			status = http.StatusAccepted
		}
		writeJSON(w, r, status, createPaymentResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Result:        res,
		})
	}
}

// writePaymentError maps the user-visible failure classes to client errors.
// Anything else is an internal failure and its detail stays in the log.
func writePaymentError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	var ve *payments.ValidationError
	var pf *payments.PaymentFailedError
	switch {
	case errors.As(err, &ve):
		security.WriteJSONErrorMessage(w, r, http.StatusUnprocessableEntity, "validation_error", ve.Reason)
	case errors.Is(err, payments.ErrRecipientNotFound):
		security.WriteJSONErrorMessage(w, r, http.StatusNotFound, "recipient_not_found", "Recipient not found")
	case errors.As(err, &pf):
		security.WriteJSONErrorMessage(w, r, http.StatusConflict, "payment_failed", pf.Message)
	default:
		deps.Logger.Error("payment failed with internal error",
			"cid", security.CorrelationIDFromContext(r.Context()),
			"error", err,
		)
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func handleGetTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reader == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "store_unavailable")
			return
		}

		transfer, err := deps.Reader.GetTransfer(r.Context(), chi.URLParam(r, "transferID"))
		if errors.Is(err, settlement.ErrTransferNotFound) {
			security.WriteJSONError(w, r, http.StatusNotFound, "transfer_not_found")
			return
		}
		if err != nil {
			deps.Logger.Error("failed to load transfer", "error", err)
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		// Only the two parties may see a transfer; anyone else gets the
		// same answer as for a missing one.
		sender := auth.SenderIDFromContext(r.Context())
		if transfer.SenderID != sender && transfer.RecipientID != sender {
			security.WriteJSONError(w, r, http.StatusNotFound, "transfer_not_found")
			return
		}

		writeJSON(w, r, http.StatusOK, transferResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transfer:      transfer,
		})
	}
}

func handleListTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reader == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "store_unavailable")
			return
		}

		limit := defaultTransactionsLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil || i <= 0 {
				security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_limit")
				return
			}
			limit = min(i, maxTransactionsLimit)
		}

		entries, err := deps.Reader.ListTransactions(r.Context(), auth.SenderIDFromContext(r.Context()), limit)
		if err != nil {
			deps.Logger.Error("failed to list transactions", "error", err)
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		if entries == nil {
			entries = []models.LedgerEntry{}
		}

		writeJSON(w, r, http.StatusOK, listTransactionsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transactions:  entries,
		})
	}
}
