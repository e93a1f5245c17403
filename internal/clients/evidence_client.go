package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"attest-backend/internal/config"
)

var ErrEvidenceUnavailable = errors.New("evidence store not configured")

// EvidenceClient reads document hashes from the evidence store. A batch
// receipt commits to the hashes returned here.
type EvidenceClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewEvidenceClient(cfg config.EvidenceConfig) *EvidenceClient {
	timeout := 10 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	return &EvidenceClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BatchEvidence response of GET /batches/{ref}/hashes
type BatchEvidence struct {
	BatchRef string   `json:"batchRef"`
	Hashes   []string `json:"hashes"`
}

// BatchHashes returns the evidence hashes of batchRef in the store's order.
func (c *EvidenceClient) BatchHashes(ctx context.Context, batchRef string) ([]string, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrEvidenceUnavailable
	}

	endpoint := fmt.Sprintf("%s/batches/%s/hashes", c.baseURL, url.PathEscape(batchRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("evidence store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("evidence store returned %d: %s", resp.StatusCode, string(body))
	}

	var out BatchEvidence
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode evidence response: %w", err)
	}
	if len(out.Hashes) == 0 {
		return nil, fmt.Errorf("batch %s has no evidence", batchRef)
	}
	return out.Hashes, nil
}
