package evm

import (
	"time"

	x402 "github.com/becomeliminal/x402-tool-gateway"
)

// FacilitatorVerifyRequest is the request to the facilitator's /verify endpoint
type FacilitatorVerifyRequest struct {
	Payment      *x402.PaymentPayload           `json:"payment"`
	Requirements *x402.VerificationRequirements `json:"requirements"`
}

// FacilitatorVerifyResponse is the response from /verify
type FacilitatorVerifyResponse struct {
	Valid           bool       `json:"valid"`
	Reason          string     `json:"reason,omitempty"`
	TransactionHash string     `json:"transactionHash,omitempty"`
	SettledAt       *time.Time `json:"settledAt,omitempty"`
}

// FacilitatorSettleRequest is the request to the facilitator's /settle endpoint
type FacilitatorSettleRequest struct {
	Payment *x402.PaymentPayload `json:"payment"`
}

// FacilitatorSettleResponse is the response from /settle
type FacilitatorSettleResponse struct {
	Success         bool       `json:"success"`
	TransactionHash string     `json:"transactionHash,omitempty"`
	SettledAt       *time.Time `json:"settledAt,omitempty"`
	Error           string     `json:"error,omitempty"`
}
