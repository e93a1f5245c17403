package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"attest-backend/internal/config"
)

var ErrPaymentNotCaptured = errors.New("payment not captured")

// PaymentClient calls the payment collaborator's capture callback. A receipt
// may only become eligible for anchoring after the capture succeeds.
type PaymentClient struct {
	callbackURL string
	authToken   string
	httpClient  *http.Client
}

func NewPaymentClient(cfg config.PaymentConfig) *PaymentClient {
	timeout := 10 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	return &PaymentClient{
		callbackURL: cfg.CallbackURL,
		authToken:   cfg.AuthToken,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Enabled is false when no callback is configured; the gate then always passes.
func (c *PaymentClient) Enabled() bool {
	return c != nil && c.callbackURL != ""
}

// CaptureRequest body sent to the callback
type CaptureRequest struct {
	ReceiptID       string `json:"receiptId"`
	InitiatorCommit string `json:"initiatorCommit"`
	PaymentRef      string `json:"paymentRef,omitempty"`
}

// CaptureResponse callback answer
type CaptureResponse struct {
	Captured bool   `json:"captured"`
	Reason   string `json:"reason,omitempty"`
}

// Capture asks the collaborator to capture the payment backing a receipt.
func (c *PaymentClient) Capture(ctx context.Context, req CaptureRequest) error {
	if !c.Enabled() {
		return nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode capture request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("payment callback: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read payment response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", ErrPaymentNotCaptured, resp.StatusCode, string(respBody))
	}

	var out CaptureResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return fmt.Errorf("failed to decode payment response: %w", err)
	}
	if !out.Captured {
		return fmt.Errorf("%w: %s", ErrPaymentNotCaptured, out.Reason)
	}
	return nil
}
