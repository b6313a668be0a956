// Package aggregator is the HTTP client of the banking-data aggregator's
// transfer function.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/payflow/internal/models"
)

const (
	createTransferPath = "/functions/v1/create-transfer"
	defaultTimeout     = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// ErrNotConfigured is returned when no base URL is set. The bank adapter treats
// it like any other transfer failure and falls back to simulation.
var ErrNotConfigured = errors.New("aggregator base url not configured")

// Client invokes the aggregator's create-transfer function.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a client. A zero timeout uses the default.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type createTransferRequest struct {
	AccessToken string      `json:"access_token"`
	AccountID   string      `json:"account_id"`
	Amount      json.Number `json:"amount"`
	Description string      `json:"description"`
	RecipientID string      `json:"recipient_id"`
}

type createTransferResponse struct {
	TransferID      string `json:"transfer_id"`
	AuthorizationID string `json:"authorization_id"`
	Status          string `json:"status"`
	Error           string `json:"error"`
}

// CreateTransfer asks the aggregator to debit the linked account.
func (c *Client) CreateTransfer(ctx context.Context, req models.ExternalTransferRequest) (*models.ExternalTransferReceipt, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(createTransferRequest{
		AccessToken: req.AccessToken,
		AccountID:   req.AccountID,
		Amount:      json.Number(req.Amount.StringFixed(2)),
		Description: req.Description,
		RecipientID: req.RecipientID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+createTransferPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("create-transfer request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out createTransferResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && out.Error != "" {
			msg = out.Error
		}
		return nil, fmt.Errorf("create-transfer returned status %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("create-transfer failed: %s", out.Error)
	}
	if out.TransferID == "" {
		return nil, errors.New("create-transfer response missing transfer_id")
	}

	return &models.ExternalTransferReceipt{
		TransferID:      out.TransferID,
		AuthorizationID: out.AuthorizationID,
		Status:          out.Status,
	}, nil
}
