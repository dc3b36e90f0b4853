package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/swiftcart/escrow-api/internal/types"
)

// ChargeResult is the synchronous response to a charge initiation. The
// authoritative outcome arrives later via webhook.
type ChargeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	Reference        string `json:"reference"`
}

// TransferResult is the synchronous response to a transfer initiation.
// Accepted means the gateway queued the transfer, not that it settled.
type TransferResult struct {
	Accepted bool `json:"accepted"`
}

// Client is the outbound interface to the payment gateway. Both calls
// carry an idempotency reference: the gateway treats a reused reference
// as already-seen and does not duplicate the movement.
type Client interface {
	InitiateCharge(ctx context.Context, email string, amount int64, reference string, metadata map[string]interface{}) (*ChargeResult, error)
	InitiateTransfer(ctx context.Context, recipientCode string, amount int64, reference, reason string) (*TransferResult, error)
}

// HTTPClient talks to the real gateway over HTTPS with a bounded
// timeout. A timeout is an unknown outcome, never a failure: callers
// leave the transaction PENDING and reconcile via webhook.
type HTTPClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

func NewHTTPClient(baseURL, secretKey string) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		secretKey: secretKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// InitiateCharge asks the gateway to charge the customer and returns
// the redirect URL the customer completes the payment on.
func (g *HTTPClient) InitiateCharge(ctx context.Context, email string, amount int64, reference string, metadata map[string]interface{}) (*ChargeResult, error) {
	payload := map[string]interface{}{
		"email":     email,
		"amount":    amount,
		"reference": reference,
		"metadata":  metadata,
	}

	var result struct {
		Status bool `json:"status"`
		Data   struct {
			AuthorizationURL string `json:"authorization_url"`
			Reference        string `json:"reference"`
		} `json:"data"`
	}

	if err := g.post(ctx, "/transaction/initialize", payload, &result); err != nil {
		return nil, err
	}
	if !result.Status {
		return nil, fmt.Errorf("charge initiation rejected: %w", types.ErrGatewayUnavailable)
	}

	return &ChargeResult{
		AuthorizationURL: result.Data.AuthorizationURL,
		Reference:        result.Data.Reference,
	}, nil
}

// InitiateTransfer asks the gateway to pay out to a recipient code.
func (g *HTTPClient) InitiateTransfer(ctx context.Context, recipientCode string, amount int64, reference, reason string) (*TransferResult, error) {
	payload := map[string]interface{}{
		"source":    "balance",
		"recipient": recipientCode,
		"amount":    amount,
		"reference": reference,
		"reason":    reason,
	}

	var result struct {
		Status bool `json:"status"`
	}

	if err := g.post(ctx, "/transfer", payload, &result); err != nil {
		return nil, err
	}

	return &TransferResult{Accepted: result.Status}, nil
}

func (g *HTTPClient) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	logger := log.With().
		Str("component", "gateway").
		Str("path", path).
		Logger()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		logger.Error().Err(err).Msg("gateway call failed")
		return fmt.Errorf("gateway call failed: %w", types.ErrGatewayUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Error().
			Int("status", resp.StatusCode).
			Str("body", string(respBody)).
			Msg("gateway returned non-2xx status")
		return fmt.Errorf("gateway returned status %d: %w", resp.StatusCode, types.ErrGatewayUnavailable)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}

	return nil
}
