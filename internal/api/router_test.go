package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payflow/internal/auth"
	"github.com/example/payflow/internal/models"
	"github.com/example/payflow/internal/payments"
	"github.com/example/payflow/internal/security"
	"github.com/example/payflow/internal/settlement"
)

const testIssuer = "https://id.payflow.test"

type fakePayments struct {
	calls  int
	sender string
	req    *models.PaymentRequest
	res    *payments.Result
	err    error
}

func (f *fakePayments) Pay(ctx context.Context, senderID string, req *models.PaymentRequest) (*payments.Result, error) {
	f.calls++
	f.sender = senderID
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &payments.Result{
		Success:       true,
		Route:         models.RouteLedger,
		TransactionID: "tx-1",
		Message:       "Payment completed",
	}, nil
}

type fakeReader struct {
	transfers map[string]*models.BankTransfer
	entries   []models.LedgerEntry
	lastUser  string
	lastLimit int
}

func (f *fakeReader) GetTransfer(ctx context.Context, transferID string) (*models.BankTransfer, error) {
	t, ok := f.transfers[transferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", settlement.ErrTransferNotFound, transferID)
	}
	return t, nil
}

func (f *fakeReader) ListTransactions(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	f.lastUser = userID
	f.lastLimit = limit
	return f.entries, nil
}

type auditSpy struct {
	kinds []string
	attrs []map[string]string
}

func (a *auditSpy) Record(kind, ref string, attrs map[string]string) {
	a.kinds = append(a.kinds, kind)
	a.attrs = append(a.attrs, attrs)
}

type testEnv struct {
	deps    Dependencies
	keys    *auth.KeySet
	pay     *fakePayments
	reader  *fakeReader
	auditor *auditSpy
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	keys, err := auth.NewKeySet()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env := &testEnv{
		keys: keys,
		pay:  &fakePayments{},
		reader: &fakeReader{transfers: map[string]*models.BankTransfer{
			"tr-1": {ID: "tr-1", SenderID: "alice", RecipientID: "bob", Amount: decimal.RequireFromString("100"), State: models.TransferPending},
		}},
		auditor: &auditSpy{},
	}
	env.deps = Dependencies{
		JWTValidator: &auth.JWTValidator{KeySet: keys, Issuer: testIssuer},
		Payments:     env.pay,
		Reader:       env.reader,
		Auditor:      env.auditor,
		RateLimiter:  security.NewRedisTokenBucket(rdb, "test", 100, 100),
		MaxBodyBytes: 1 << 20,
	}
	return env
}

func (e *testEnv) server(t *testing.T) *httptest.Server {
	t.Helper()
	h, err := NewRouter(e.deps)
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func (e *testEnv) token(t *testing.T, sender string) string {
	t.Helper()
	tok, err := e.keys.Sign(testIssuer, sender, time.Minute)
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func ledgerPayment() map[string]any {
	return map[string]any{
		"recipient_account_number": "ACC-BOB",
		"total_amount":             "50.00",
		"memo":                     "lunch",
		"sources": []map[string]any{
			{"id": "bal", "kind": "internal-balance", "name": "Balance", "amount": "30.00", "available_balance": "100.00"},
			{"id": "chk", "kind": "external-bank", "name": "Checking", "amount": 20, "available_balance": 500},
		},
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get(security.CorrelationIDHeader))
}

func TestHealthz_DatastoreDown(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Health = func(context.Context) error { return errors.New("connection refused") }
	ts := env.server(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", body["status"])
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/payments", "", ledgerPayment())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/transactions", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, env.pay.calls)
}

func TestCreatePayment_Ledger(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/payments", env.token(t, "alice"), ledgerPayment())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "tx-1", body["transaction_id"])
	assert.Equal(t, "ledger", body["route"])
	assert.NotEmpty(t, body["correlation_id"])

	require.Equal(t, 1, env.pay.calls)
	assert.Equal(t, "alice", env.pay.sender)
	req := env.pay.req
	assert.Equal(t, "ACC-BOB", req.RecipientAccountNumber)
	assert.True(t, req.TotalAmount.Equal(decimal.RequireFromString("50")))
	require.Len(t, req.Sources, 2)
	assert.Equal(t, models.SourceInternalBalance, req.Sources[0].Kind)
	assert.True(t, req.Sources[1].Amount.Equal(decimal.NewFromInt(20)))
}

func TestCreatePayment_BankTransferAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.pay.res = &payments.Result{
		Success:       true,
		Route:         models.RouteBankTransfer,
		TransactionID: "entry-1",
		TransferID:    "tr-9",
		Simulated:     true,
		Message:       payments.MsgBankTransferInitiatedSimulated,
	}
	ts := env.server(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/payments", env.token(t, "alice"), ledgerPayment())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "tr-9", body["transfer_id"])
	assert.Equal(t, true, body["simulated"])
	assert.Contains(t, body["message"], "simulated")
}

func TestCreatePayment_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{
			name:    "validation",
			err:     &payments.ValidationError{Reason: "sources sum to 40.00, expected 50.00"},
			status:  http.StatusUnprocessableEntity,
			code:    "validation_error",
			message: "sources sum to 40.00, expected 50.00",
		},
		{
			name:   "recipient",
			err:    fmt.Errorf("%w: ACC-BOB", payments.ErrRecipientNotFound),
			status: http.StatusNotFound,
			code:   "recipient_not_found",
		},
		{
			name:    "datastore declined",
			err:     &payments.PaymentFailedError{Message: "Insufficient balance"},
			status:  http.StatusConflict,
			code:    "payment_failed",
			message: "Insufficient balance",
		},
		{
			name:   "internal",
			err:    errors.New("connection reset by peer"),
			status: http.StatusInternalServerError,
			code:   "internal_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.pay.err = tt.err
			ts := env.server(t)

			resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/payments", env.token(t, "alice"), ledgerPayment())
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["error"])
			if tt.message != "" {
				assert.Equal(t, tt.message, body["message"])
			}
			assert.NotContains(t, fmt.Sprint(body["message"]), "connection reset")
		})
	}
}

func TestCreatePayment_SchemaRejectsBeforeService(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)
	tok := env.token(t, "alice")

	missingSources := ledgerPayment()
	delete(missingSources, "sources")
	unknownField := ledgerPayment()
	unknownField["sender_id"] = "mallory"
	badAmount := ledgerPayment()
	badAmount["total_amount"] = "fifty"

	for name, body := range map[string]any{
		"missing sources": missingSources,
		"unknown field":   unknownField,
		"bad amount":      badAmount,
		"not json":        []byte(`{"recipient_account_number":`),
	} {
		t.Run(name, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/payments", tok, body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, env.pay.calls)
}

func TestCreatePayment_RateLimitedPerSender(t *testing.T) {
	env := newTestEnv(t)
	env.deps.RateLimiter.Capacity = 1
	env.deps.RateLimiter.RefillRate = 0.0000001
	ts := env.server(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/payments", env.token(t, "alice"), ledgerPayment())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/payments", env.token(t, "alice"), ledgerPayment())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/payments", env.token(t, "carol"), ledgerPayment())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Reads are not rate limited.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/transactions", env.token(t, "alice"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBodySizeLimit(t *testing.T) {
	env := newTestEnv(t)
	env.deps.MaxBodyBytes = 32
	ts := env.server(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/payments", env.token(t, "alice"), ledgerPayment())
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, 0, env.pay.calls)
}

func TestGetTransfer(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	for _, sender := range []string{"alice", "bob"} {
		resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/transfers/tr-1", env.token(t, sender), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, sender)
		transfer, ok := body["transfer"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "pending", transfer["state"])
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/transfers/tr-1", env.token(t, "mallory"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "transfer_not_found", body["error"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/transfers/nope", env.token(t, "alice"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTransactions(t *testing.T) {
	env := newTestEnv(t)
	env.reader.entries = []models.LedgerEntry{
		{ID: "e1", UserID: "alice", Amount: decimal.RequireFromString("-25.00"), Category: models.CategoryTransfer},
	}
	ts := env.server(t)
	tok := env.token(t, "alice")

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/transactions", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["transactions"], 1)
	assert.Equal(t, "alice", env.reader.lastUser)
	assert.Equal(t, defaultTransactionsLimit, env.reader.lastLimit)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/transactions?limit=5000", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, maxTransactionsLimit, env.reader.lastLimit)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/transactions?limit=-1", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_limit", body["error"])
}

func TestListTransactions_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/transactions", env.token(t, "alice"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{}, body["transactions"])
}

func TestAuditRecordsWrites(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)
	tok := env.token(t, "alice")

	doJSON(t, http.MethodGet, ts.URL+"/v1/transactions", tok, nil)
	doJSON(t, http.MethodPost, ts.URL+"/v1/payments", tok, ledgerPayment())

	require.Equal(t, []string{"http.request"}, env.auditor.kinds)
	assert.Equal(t, "POST", env.auditor.attrs[0]["method"])
	assert.Equal(t, "/v1/payments", env.auditor.attrs[0]["path"])
	assert.Equal(t, "201", env.auditor.attrs[0]["status"])
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])

	resp, body = doJSON(t, http.MethodDelete, ts.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "method_not_allowed", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Metrics = promhttp.Handler()
	ts := env.server(t)

	doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `payflow_http_requests_total{method="GET",route="/healthz",status="200"}`)
}
