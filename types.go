package x402

import (
	"context"
	"time"
)

const (
	// X402Version is the protocol version advertised in 402 responses.
	X402Version = 1

	// SchemeExact is the only supported payment scheme: an EIP-3009
	// transferWithAuthorization for an exact amount.
	SchemeExact = "exact"
)

// Authorization is the signed EIP-3009 transfer authorization.
type Authorization struct {
	From        string `json:"from"`        // Payer's address
	To          string `json:"to"`          // Recipient address
	Amount      string `json:"amount"`      // Amount in token base units
	Token       string `json:"token"`       // Token contract address
	Nonce       string `json:"nonce"`       // 32-byte hex nonce
	ValidBefore int64  `json:"validBefore"` // Unix timestamp
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int           `json:"x402Version,omitempty"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     Authorization `json:"payload"`
	Signature   string        `json:"signature"`
}

// VerificationRequirements is what a payment must satisfy for one call.
// It is built per request from the tool's pricing and the gateway config.
type VerificationRequirements struct {
	ExpectedAmount  string `json:"expectedAmount"`
	ExpectedPayTo   string `json:"expectedPayTo"`
	ExpectedNetwork string `json:"expectedNetwork"`
	Asset           string `json:"asset,omitempty"`

	// MaxTimeoutSeconds bounds how far in the future validBefore may lie.
	// Zero leaves it unbounded.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds,omitempty"`

	// EIP-712 domain of the token, used when verifying signatures locally.
	TokenName    string `json:"tokenName,omitempty"`
	TokenVersion string `json:"tokenVersion,omitempty"`
}

// VerificationResult is the outcome of a verify or settle attempt.
type VerificationResult struct {
	Valid           bool       `json:"valid"`
	Reason          string     `json:"reason,omitempty"`
	TransactionHash string     `json:"transactionHash,omitempty"`
	SettledAt       *time.Time `json:"settledAt,omitempty"`
	Payer           string     `json:"payer,omitempty"`

	// Backend names the verifier backend that produced the result.
	Backend string `json:"backend,omitempty"`
	Cached  bool   `json:"-"`
}

// PaymentVerifier validates and settles payment authorizations.
// Implementations never return errors: every failure is a result with
// Valid=false and a reason.
type PaymentVerifier interface {
	Verify(ctx context.Context, payment *PaymentPayload, requirements *VerificationRequirements) *VerificationResult
	Settle(ctx context.Context, payment *PaymentPayload) *VerificationResult
}

// PaymentRequirements is one accepted way to pay, advertised in a 402.
type PaymentRequirements struct {
	Scheme            string      `json:"scheme"`
	Network           string      `json:"network"`
	Amount            string      `json:"amount"`
	Asset             string      `json:"asset"`
	PayTo             string      `json:"payTo"`
	MaxTimeoutSeconds int         `json:"maxTimeoutSeconds"`
	Resource          string      `json:"resource"`
	Description       string      `json:"description,omitempty"`
	Extra             *AssetExtra `json:"extra,omitempty"`
}

// AssetExtra carries the token metadata a client needs to sign.
type AssetExtra struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Decimals int    `json:"decimals,omitempty"`
}

// PaymentRequiredResponse is the 402 body. The same document is sent
// base64-encoded in the PAYMENT-REQUIRED header.
type PaymentRequiredResponse struct {
	Error       string                `json:"error"`
	Message     string                `json:"message"`
	Tool        string                `json:"tool"`
	Price       string                `json:"price"`
	Network     string                `json:"network"`
	PayTo       string                `json:"payTo"`
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentResponse is sent in the X-PAYMENT-RESPONSE header.
type PaymentResponse struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Network         string `json:"network,omitempty"`
	Payer           string `json:"payer,omitempty"`
	Status          string `json:"status"`
}

// PaymentContext describes the verified payment behind a forwarded call.
type PaymentContext struct {
	Verified        bool
	Tool            string
	PayerAddress    string
	Amount          string
	Network         string
	TransactionHash string
	SettledAt       time.Time
	Backend         string
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context
	PaymentContextKey contextKey = "x402-payment"
)
