package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-tool-gateway"
)

// DefaultFacilitatorTimeout bounds every facilitator round trip.
const DefaultFacilitatorTimeout = 5 * time.Second

// FacilitatorClient handles communication with an x402 facilitator service.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewFacilitatorClient creates a new facilitator client. A non-positive
// timeout uses DefaultFacilitatorTimeout.
func NewFacilitatorClient(baseURL string, timeout time.Duration) *FacilitatorClient {
	if timeout <= 0 {
		timeout = DefaultFacilitatorTimeout
	}
	return &FacilitatorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name implements Backend.
func (c *FacilitatorClient) Name() string { return "facilitator" }

// Verify implements Backend by delegating to the facilitator's /verify endpoint.
// Transport failures and non-2xx replies are returned as errors so the
// caller can fall back.
func (c *FacilitatorClient) Verify(ctx context.Context, payment *x402.PaymentPayload, requirements *x402.VerificationRequirements) (*x402.VerificationResult, error) {
	var resp FacilitatorVerifyResponse
	err := c.post(ctx, "/verify", &FacilitatorVerifyRequest{
		Payment:      payment,
		Requirements: requirements,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &x402.VerificationResult{
		Valid:           resp.Valid,
		Reason:          resp.Reason,
		TransactionHash: resp.TransactionHash,
		SettledAt:       resp.SettledAt,
		Payer:           payment.Payload.From,
	}, nil
}

// Settle executes the payment on-chain via POST /settle.
func (c *FacilitatorClient) Settle(ctx context.Context, req *FacilitatorSettleRequest) (*FacilitatorSettleResponse, error) {
	var resp FacilitatorSettleResponse
	if err := c.post(ctx, "/settle", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *FacilitatorClient) post(ctx context.Context, endpoint string, in, out interface{}) error {
	name := strings.TrimPrefix(endpoint, "/")

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call facilitator %s endpoint: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("facilitator %s returned status %d: %s", name, resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", name, err)
	}
	return nil
}
