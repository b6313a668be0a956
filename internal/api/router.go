package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/payflow/internal/auth"
	"github.com/example/payflow/internal/models"
	"github.com/example/payflow/internal/payments"
	"github.com/example/payflow/internal/security"
)

// Auditor records request outcomes. pkg/audit.Trail satisfies it.
type Auditor interface {
	Record(kind, ref string, attrs map[string]string)
}

// PaymentService runs payments on behalf of an authenticated sender.
type PaymentService interface {
	Pay(ctx context.Context, senderID string, req *models.PaymentRequest) (*payments.Result, error)
}

// Reader serves the read-only endpoints.
type Reader interface {
	GetTransfer(ctx context.Context, transferID string) (*models.BankTransfer, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)
}

type Dependencies struct {
	Logger       *slog.Logger
	JWTValidator *auth.JWTValidator

	Payments PaymentService
	Reader   Reader

	// Health reports datastore reachability for /healthz. Optional.
	Health func(ctx context.Context) error
	// Metrics is served at /metrics when set.
	Metrics http.Handler

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	paymentV, err := security.NewJSONSchemaValidator(paymentSchema)
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(RequestMetrics)
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", handleHealth(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))

		pay := r.With(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyBySender), paymentV.Middleware)
		pay.Post("/payments", handleCreatePayment(deps))

		r.Get("/transfers/{transferID}", handleGetTransfer(deps))
		r.Get("/transactions", handleListTransactions(deps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

func rateLimitKeyBySender(r *http.Request) string {
	sender := auth.SenderIDFromContext(r.Context())
	if sender == "" {
		return ""
	}
	return "sender:" + sender
}
